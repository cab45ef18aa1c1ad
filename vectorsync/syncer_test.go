package vectorsync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nanograph/nanograph/storage"
)

// fakeVectors records upserts and payload updates in memory.
type fakeVectors struct {
	mu         sync.Mutex
	records    map[string]storage.VectorRecord
	failUpsert bool
	upserts    int
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{records: make(map[string]storage.VectorRecord)}
}

func (f *fakeVectors) Namespace() string { return "entities" }

func (f *fakeVectors) Upsert(ctx context.Context, records map[string]storage.VectorRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failUpsert {
		return errors.New("vector backend down")
	}
	for id, r := range records {
		f.records[id] = r
	}
	return nil
}

func (f *fakeVectors) UpdatePayload(ctx context.Context, updates map[string]map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, fields := range updates {
		r, ok := f.records[id]
		if !ok {
			return errors.New("payload update for missing id " + id)
		}
		for k, v := range fields {
			if storage.ProtectedPayloadField(k) {
				continue
			}
			s, _ := v.(string)
			switch k {
			case "entity_name":
				r.EntityName = s
			case "entity_type":
				r.EntityType = s
			case "community_description":
				r.CommunityDescription = s
			}
		}
		f.records[id] = r
	}
	return nil
}

func (f *fakeVectors) Query(ctx context.Context, text string, topK int) ([]storage.ScoredPoint, error) {
	return nil, nil
}

func (f *fakeVectors) Has(ctx context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.records[id]
	return ok, nil
}

func (f *fakeVectors) IndexDoneCallback(ctx context.Context) error { return nil }

func newTestSyncer(t *testing.T) (*Syncer, *storage.MemGraph, *fakeVectors) {
	t.Helper()
	graph := storage.NewMemGraph("test")
	vectors := newFakeVectors()
	return NewSyncer(graph, vectors), graph, vectors
}

func commitNodes(t *testing.T, graph *storage.MemGraph, batch *storage.DocumentBatch) {
	t.Helper()
	if err := graph.ExecuteDocumentBatch(context.Background(), batch); err != nil {
		t.Fatalf("ExecuteDocumentBatch: %v", err)
	}
}

// ---------------------------------------------------------------------------
// Entity upsert
// ---------------------------------------------------------------------------

func TestUpsertEntitiesFlipsHasVectorAfterSuccess(t *testing.T) {
	s, graph, vectors := newTestSyncer(t)
	ctx := context.Background()

	batch := &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "ACME", Data: storage.NodeData{Name: "ACME", EntityType: "ORGANIZATION", Description: "a company"}},
	}}
	commitNodes(t, graph, batch)

	if err := s.UpsertEntities(ctx, batch); err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}

	r, ok := vectors.records[storage.EntityID("ACME")]
	if !ok {
		t.Fatal("vector record not written")
	}
	if r.Content != "ACME a company" {
		t.Errorf("content = %q, want name-prefixed description", r.Content)
	}
	if r.EntityName != "ACME" || r.EntityType != "ORGANIZATION" {
		t.Errorf("payload = %+v", r)
	}
	n, _ := graph.GetNode(ctx, "ACME")
	if !n.HasVector {
		t.Error("has_vector not flipped after successful upsert")
	}
}

func TestUpsertEntitiesKeepsKeySpacesSeparate(t *testing.T) {
	s, graph, vectors := newTestSyncer(t)
	ctx := context.Background()

	batch := &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "ACME", Data: storage.NodeData{Name: "ACME", EntityType: "ORGANIZATION", Description: "a company"}},
	}}
	commitNodes(t, graph, batch)

	if err := s.UpsertEntities(ctx, batch); err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}

	// Vector records are keyed ent-<md5(name)>, never the plain name.
	if _, ok := vectors.records["ACME"]; ok {
		t.Error("vector store keyed by plain entity name")
	}
	if _, ok := vectors.records[storage.EntityID("ACME")]; !ok {
		t.Error("vector store missing the hashed entity id")
	}
	// The graph stays addressed by name; the hashed id must not create a
	// second node there.
	if n, _ := graph.GetNode(ctx, storage.EntityID("ACME")); n != nil {
		t.Error("graph node keyed by hashed vector id")
	}
	n, _ := graph.GetNode(ctx, "ACME")
	if n == nil || !n.HasVector {
		t.Error("name-keyed graph node did not get has_vector")
	}
}

func TestUpsertEntitiesFailureLeavesHasVectorFalse(t *testing.T) {
	s, graph, vectors := newTestSyncer(t)
	ctx := context.Background()
	vectors.failUpsert = true

	batch := &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "ACME", Data: storage.NodeData{Name: "ACME", EntityType: "ORGANIZATION"}},
	}}
	commitNodes(t, graph, batch)

	if err := s.UpsertEntities(ctx, batch); err == nil {
		t.Fatal("UpsertEntities succeeded despite backend failure")
	}
	n, _ := graph.GetNode(ctx, "ACME")
	if n.HasVector {
		t.Error("has_vector flipped even though the vector write failed")
	}
}

func TestUpsertEntitiesSkipsAlreadyVectored(t *testing.T) {
	s, graph, vectors := newTestSyncer(t)
	ctx := context.Background()

	// Re-ingest scenario: the merger carried has_vector=true from the store.
	batch := &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "ACME", Data: storage.NodeData{Name: "ACME", EntityType: "ORGANIZATION", Description: "updated", HasVector: true}},
	}}
	commitNodes(t, graph, batch)

	if err := s.UpsertEntities(ctx, batch); err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}
	// Content is fixed at insertion time; no write may happen at all.
	if vectors.upserts != 0 {
		t.Errorf("upsert calls = %d, want 0 for already-vectored batch", vectors.upserts)
	}
}

func TestUpsertEntitiesSkipsUnnamedPlaceholders(t *testing.T) {
	s, graph, vectors := newTestSyncer(t)
	ctx := context.Background()

	batch := &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "NAMED", Data: storage.NodeData{Name: "NAMED", EntityType: "PERSON", Description: "d"}},
		{ID: "GHOST", Data: storage.NodeData{EntityType: "UNKNOWN", Description: "chunk-1", SourceID: "chunk-1"}},
	}}
	commitNodes(t, graph, batch)

	if err := s.UpsertEntities(ctx, batch); err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}
	if _, ok := vectors.records[storage.EntityID("GHOST")]; ok {
		t.Error("placeholder node got a vector record")
	}
	if _, ok := vectors.records[storage.EntityID("NAMED")]; !ok {
		t.Error("named node missing a vector record")
	}
	n, _ := graph.GetNode(ctx, "GHOST")
	if n.HasVector {
		t.Error("placeholder has_vector flipped without a vector")
	}
}

// ---------------------------------------------------------------------------
// Community payload pass
// ---------------------------------------------------------------------------

func TestSyncCommunityPayloads(t *testing.T) {
	s, graph, vectors := newTestSyncer(t)
	ctx := context.Background()

	batch := &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "VECTORED", Data: storage.NodeData{Name: "VECTORED", EntityType: "PERSON", Description: "a person"}},
		{ID: "PLAIN", Data: storage.NodeData{Name: "PLAIN", EntityType: "PERSON", Description: "no vector yet"}},
	}}
	commitNodes(t, graph, batch)

	// Only one node goes through the vector phase.
	if err := s.UpsertEntities(ctx, &storage.DocumentBatch{Nodes: batch.Nodes[:1]}); err != nil {
		t.Fatalf("UpsertEntities: %v", err)
	}

	if err := s.SyncCommunityPayloads(ctx); err != nil {
		t.Fatalf("SyncCommunityPayloads: %v", err)
	}

	r := vectors.records[storage.EntityID("VECTORED")]
	if r.CommunityDescription != "VECTORED a person" {
		t.Errorf("community_description = %q", r.CommunityDescription)
	}
	// Content never changes during a payload update.
	if r.Content != "VECTORED a person" {
		t.Errorf("content = %q, changed by payload update", r.Content)
	}
	if _, ok := vectors.records[storage.EntityID("PLAIN")]; ok {
		t.Error("non-vectored node received a payload update")
	}
}

func TestSyncCommunityPayloadsToleratesMissingVectors(t *testing.T) {
	s, graph, _ := newTestSyncer(t)
	ctx := context.Background()

	// has_vector claims a vector exists, but the store has none. The pass
	// logs and continues rather than failing the whole pipeline.
	commitNodes(t, graph, &storage.DocumentBatch{Nodes: []storage.BatchNode{
		{ID: "FLAGGED", Data: storage.NodeData{Name: "FLAGGED", EntityType: "PERSON", HasVector: true}},
	}})

	if err := s.SyncCommunityPayloads(ctx); err != nil {
		t.Fatalf("SyncCommunityPayloads: %v", err)
	}
}
