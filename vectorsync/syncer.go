// Package vectorsync keeps the entity vector store consistent with the
// graph. The has_vector flag on a graph node flips to true only after the
// corresponding vector write succeeded, so a crashed or failed upsert is
// retried on the next ingest instead of leaving a phantom vector.
package vectorsync

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanograph/nanograph/storage"
)

// hasCheckConcurrency bounds the per-id existence probes during the
// community payload pass.
const hasCheckConcurrency = 8

// Syncer moves entity data between the graph store and the entity vector
// store. Graph nodes are keyed by entity name; vector records are keyed
// ent-<md5(name)>. The syncer is the only place the two key spaces meet,
// converting names to vector ids at the store boundary and never the
// other way around.
type Syncer struct {
	graph   storage.GraphStorage
	vectors storage.VectorStorage
}

// NewSyncer returns a Syncer over the given stores.
func NewSyncer(graph storage.GraphStorage, vectors storage.VectorStorage) *Syncer {
	return &Syncer{graph: graph, vectors: vectors}
}

// UpsertEntities writes vector records for every batch node that does not
// have a vector yet, then flips has_vector on exactly those nodes. The
// content field drives the embedding and is fixed at insertion time:
// nodes already flagged has_vector are never re-upserted.
func (s *Syncer) UpsertEntities(ctx context.Context, batch *storage.DocumentBatch) error {
	if batch == nil {
		return nil
	}
	start := time.Now()

	records := make(map[string]storage.VectorRecord)
	names := make([]string, 0, len(batch.Nodes))
	for _, n := range batch.Nodes {
		if n.Data.HasVector {
			continue
		}
		if n.Data.Name == "" {
			// Placeholder endpoints have no name to embed.
			slog.Debug("vectorsync: skipping unnamed node", "id", n.ID)
			continue
		}
		records[storage.EntityID(n.Data.Name)] = storage.VectorRecord{
			Content:    n.Data.Name + " " + n.Data.Description,
			EntityName: n.Data.Name,
			EntityType: n.Data.EntityType,
		}
		names = append(names, n.ID)
	}
	if len(records) == 0 {
		return nil
	}

	if err := s.vectors.Upsert(ctx, records); err != nil {
		// has_vector stays false; the next ingest retries these nodes.
		return fmt.Errorf("upserting entity vectors: %w", err)
	}
	// The graph is addressed by entity name, never by the hashed id.
	if err := s.graph.BatchUpdateNodeField(ctx, names, "has_vector", true); err != nil {
		return fmt.Errorf("flipping has_vector: %w", err)
	}

	slog.Debug("vectorsync: entity vectors upserted",
		"count", len(records), "elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}

// SyncCommunityPayloads runs after the community pass and pushes a
// community_description payload field onto every vectored entity. The
// description repeats the entity name so sparse models index the salient
// term the same way they did at insertion. Payload updates never touch
// content or the embedding.
func (s *Syncer) SyncCommunityPayloads(ctx context.Context) error {
	start := time.Now()

	ids, err := s.graph.AllNodeIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing graph nodes: %w", err)
	}
	nodes, err := s.graph.GetNodesBatch(ctx, ids)
	if err != nil {
		return fmt.Errorf("reading graph nodes: %w", err)
	}

	type candidate struct {
		vectorID string
		node     *storage.NodeData
	}
	var candidates []candidate
	skipped := 0
	for _, n := range nodes {
		if n == nil {
			continue
		}
		if !n.HasVector {
			skipped++
			continue
		}
		candidates = append(candidates, candidate{vectorID: storage.EntityID(n.Name), node: n})
	}
	if skipped > 0 {
		slog.Info("vectorsync: nodes without vectors skipped in payload pass", "count", skipped)
	}

	// A node flagged has_vector whose vector is gone means the two-phase
	// contract was broken somewhere. Probe before updating so the payload
	// call never targets missing ids.
	var (
		mu      sync.Mutex
		updates = make(map[string]map[string]any, len(candidates))
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(hasCheckConcurrency)
	for _, c := range candidates {
		g.Go(func() error {
			ok, err := s.vectors.Has(gctx, c.vectorID)
			if err != nil {
				return fmt.Errorf("checking vector %s: %w", c.vectorID, err)
			}
			if !ok {
				slog.Error("vectorsync: UNEXPECTED missing vector for flagged node",
					"id", c.vectorID, "entity", c.node.Name)
				return nil
			}
			mu.Lock()
			updates[c.vectorID] = map[string]any{
				"entity_name":           c.node.Name,
				"entity_type":           c.node.EntityType,
				"community_description": c.node.Name + " " + c.node.Description,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}

	if err := s.vectors.UpdatePayload(ctx, updates); err != nil {
		return fmt.Errorf("updating vector payloads: %w", err)
	}
	slog.Debug("vectorsync: community payloads updated",
		"count", len(updates), "skipped", skipped,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
