// Package graph merges per-chunk extraction fragments into one atomic
// document batch: the single graph write per document that replaced the
// old per-entity transaction storm.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/nanograph/nanograph/extract"
	"github.com/nanograph/nanograph/llm"
	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
)

// entityRelationSummaryPrompt condenses an over-long merged description.
const entityRelationSummaryPrompt = `You are summarizing the accumulated description of a knowledge-graph element.
Write a single comprehensive description in third person, keeping every distinct fact. Mention the element by name.

ELEMENT: %s
DESCRIPTIONS:
%s

Summary:`

// defaultSummaryMaxTokens is the merged-description budget before the
// summarization call kicks in.
const defaultSummaryMaxTokens = 500

// Config controls merge behaviour.
type Config struct {
	// SummaryMaxTokens caps a merged description; longer ones are
	// summarized through the LLM. Zero uses the default.
	SummaryMaxTokens int
	// SummaryModelMaxTokens is the completion budget for summary calls.
	SummaryModelMaxTokens int
}

// Merger folds extraction results into a DocumentBatch.
type Merger struct {
	provider llm.Provider
	tok      tokenizer.Tokenizer
	cfg      Config
}

// NewMerger returns a Merger. provider may be nil, which disables
// description summarization (long descriptions pass through).
func NewMerger(provider llm.Provider, tok tokenizer.Tokenizer, cfg Config) *Merger {
	if cfg.SummaryMaxTokens <= 0 {
		cfg.SummaryMaxTokens = defaultSummaryMaxTokens
	}
	if cfg.SummaryModelMaxTokens <= 0 {
		cfg.SummaryModelMaxTokens = 500
	}
	return &Merger{provider: provider, tok: tok, cfg: cfg}
}

// MergeDocument merges all extraction results of one document into a
// single batch, consulting the graph store read-once for existing node
// and edge state. The returned batch carries already-merged data; the
// store applies it with set-replace semantics.
func (m *Merger) MergeDocument(ctx context.Context, gs storage.GraphStorage, results []*extract.Result) (*storage.DocumentBatch, error) {
	start := time.Now()

	nodeFragments := make(map[string][]extract.NodeFragment)
	edgeFragments := make(map[[2]string][]extract.EdgeFragment)
	var nodeOrder []string
	var edgeOrder [][2]string

	for _, r := range results {
		if r == nil {
			continue
		}
		for id, frags := range r.Nodes {
			if _, seen := nodeFragments[id]; !seen {
				nodeOrder = append(nodeOrder, id)
			}
			nodeFragments[id] = append(nodeFragments[id], frags...)
		}
		for _, e := range r.Edges {
			key := [2]string{e.Source, e.Target}
			if _, seen := edgeFragments[key]; !seen {
				edgeOrder = append(edgeOrder, key)
			}
			edgeFragments[key] = append(edgeFragments[key], e)
		}
	}
	sort.Strings(nodeOrder)

	// Read-once: existing node state for every id touched by the batch,
	// including edge endpoints that may need placeholders.
	idSet := make(map[string]bool, len(nodeOrder))
	for _, id := range nodeOrder {
		idSet[id] = true
	}
	var placeholderIDs []string
	placeholderSources := make(map[string][]string)
	for _, key := range edgeOrder {
		for _, id := range key[:] {
			if !idSet[id] {
				idSet[id] = true
				placeholderIDs = append(placeholderIDs, id)
			}
		}
		for _, frag := range edgeFragments[key] {
			for _, id := range key[:] {
				placeholderSources[id] = append(placeholderSources[id], frag.SourceID)
			}
		}
	}

	allIDs := append(append([]string{}, nodeOrder...), placeholderIDs...)
	existing, err := gs.GetNodesBatch(ctx, allIDs)
	if err != nil {
		return nil, fmt.Errorf("reading existing nodes: %w", err)
	}
	existingByID := make(map[string]*storage.NodeData, len(allIDs))
	for i, id := range allIDs {
		existingByID[id] = existing[i]
	}

	existingEdges, err := gs.GetEdgesBatch(ctx, edgeOrder)
	if err != nil {
		return nil, fmt.Errorf("reading existing edges: %w", err)
	}
	existingEdgeByKey := make(map[[2]string]*storage.EdgeData, len(edgeOrder))
	for i, key := range edgeOrder {
		existingEdgeByKey[key] = existingEdges[i]
	}

	batch := &storage.DocumentBatch{}

	for _, id := range nodeOrder {
		data, err := m.mergeNode(ctx, id, nodeFragments[id], existingByID[id])
		if err != nil {
			return nil, err
		}
		batch.Nodes = append(batch.Nodes, storage.BatchNode{ID: id, Data: data})
	}

	// Placeholders for edge endpoints absent from both batch and graph.
	for _, id := range placeholderIDs {
		if existingByID[id] != nil {
			continue
		}
		sourceID := storage.JoinField(uniqueStrings(placeholderSources[id])...)
		batch.Nodes = append(batch.Nodes, storage.BatchNode{
			ID: id,
			Data: storage.NodeData{
				EntityType:  "UNKNOWN",
				Description: sourceID,
				SourceID:    sourceID,
				HasVector:   false,
			},
		})
	}

	for _, key := range edgeOrder {
		data, err := m.mergeEdge(ctx, key, edgeFragments[key], existingEdgeByKey[key])
		if err != nil {
			return nil, err
		}
		batch.Edges = append(batch.Edges, storage.BatchEdge{
			Source: key[0],
			Target: key[1],
			Data:   data,
		})
	}

	slog.Debug("graph: merged document batch",
		"nodes", len(batch.Nodes),
		"edges", len(batch.Edges),
		"placeholders", len(placeholderIDs),
		"elapsed", time.Since(start))
	return batch, nil
}

// mergeNode folds a node's fragments with its stored state. has_vector is
// carried from the store unchanged; the vector sync layer owns it.
func (m *Merger) mergeNode(ctx context.Context, id string, frags []extract.NodeFragment, existing *storage.NodeData) (storage.NodeData, error) {
	typeVotes := make(map[string]int)
	var descriptions, sourceIDs []string
	name := ""

	if existing != nil {
		if existing.EntityType != "" && existing.EntityType != "UNKNOWN" {
			typeVotes[existing.EntityType]++
		}
		descriptions = append(descriptions, storage.SplitField(existing.Description)...)
		sourceIDs = append(sourceIDs, storage.SplitField(existing.SourceID)...)
		name = existing.Name
	}
	for _, f := range frags {
		if f.EntityType != "" && f.EntityType != "UNKNOWN" {
			typeVotes[f.EntityType]++
		}
		if f.Description != "" {
			descriptions = append(descriptions, f.Description)
		}
		if f.SourceID != "" {
			sourceIDs = append(sourceIDs, f.SourceID)
		}
		if name == "" {
			name = f.Name
		}
	}

	description, err := m.maybeSummarize(ctx, name, uniqueStrings(descriptions))
	if err != nil {
		return storage.NodeData{}, err
	}

	data := storage.NodeData{
		Name:        name,
		EntityType:  majorityVote(typeVotes),
		Description: description,
		SourceID:    storage.JoinField(uniqueStrings(sourceIDs)...),
	}
	if existing != nil {
		data.HasVector = existing.HasVector
		data.CommunityDescription = existing.CommunityDescription
	}
	return data, nil
}

// mergeEdge folds an edge's fragments with its stored descriptions.
// Weight sums duplicates within this batch only; relation_type keeps the
// first non-default occurrence.
func (m *Merger) mergeEdge(ctx context.Context, key [2]string, frags []extract.EdgeFragment, existing *storage.EdgeData) (storage.EdgeData, error) {
	var descriptions, sourceIDs []string
	weight := 0.0
	relationType := extract.DefaultRelationType
	order := 1

	if existing != nil {
		descriptions = append(descriptions, storage.SplitField(existing.Description)...)
		sourceIDs = append(sourceIDs, storage.SplitField(existing.SourceID)...)
		if existing.RelationType != "" && existing.RelationType != extract.DefaultRelationType {
			relationType = existing.RelationType
		}
		if existing.Order > 0 {
			order = existing.Order
		}
	}
	for _, f := range frags {
		if f.Description != "" {
			descriptions = append(descriptions, f.Description)
		}
		if f.SourceID != "" {
			sourceIDs = append(sourceIDs, f.SourceID)
		}
		weight += f.Weight
		if relationType == extract.DefaultRelationType && f.RelationType != extract.DefaultRelationType && f.RelationType != "" {
			relationType = f.RelationType
		}
	}

	description, err := m.maybeSummarize(ctx, key[0]+" -> "+key[1], uniqueStrings(descriptions))
	if err != nil {
		return storage.EdgeData{}, err
	}

	return storage.EdgeData{
		Description:  description,
		Weight:       weight,
		SourceID:     storage.JoinField(uniqueStrings(sourceIDs)...),
		RelationType: relationType,
		Order:        order,
	}, nil
}

// maybeSummarize joins unique descriptions and condenses them through the
// LLM when the join exceeds the token budget.
func (m *Merger) maybeSummarize(ctx context.Context, name string, descriptions []string) (string, error) {
	joined := storage.JoinField(descriptions...)
	if m.provider == nil || m.tok.Count(joined) <= m.cfg.SummaryMaxTokens {
		return joined, nil
	}

	slog.Debug("graph: summarizing merged description",
		"element", name, "fragments", len(descriptions))
	out, err := m.provider.Complete(ctx, llm.CompleteRequest{
		Prompt:    fmt.Sprintf(entityRelationSummaryPrompt, name, strings.Join(descriptions, "\n")),
		MaxTokens: m.cfg.SummaryModelMaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing %s: %w", name, err)
	}
	return strings.TrimSpace(out), nil
}

// majorityVote returns the most frequent type, breaking ties
// alphabetically for determinism. Empty votes yield UNKNOWN.
func majorityVote(votes map[string]int) string {
	best, bestCount := "UNKNOWN", 0
	keys := make([]string, 0, len(votes))
	for k := range votes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if votes[k] > bestCount {
			best, bestCount = k, votes[k]
		}
	}
	return best
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
