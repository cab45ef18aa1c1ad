package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/nanograph/nanograph/extract"
	"github.com/nanograph/nanograph/llm"
	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
)

func newTestMerger(t *testing.T) *Merger {
	t.Helper()
	return NewMerger(nil, tokenizer.NewHeuristic(), Config{})
}

func fragment(name, typ, desc, chunk string) extract.NodeFragment {
	return extract.NodeFragment{Name: name, EntityType: typ, Description: desc, SourceID: chunk}
}

// ---------------------------------------------------------------------------
// Node merging
// ---------------------------------------------------------------------------

func TestMergeNodeMajorityVoteAndJoins(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	id := "ACME"

	results := []*extract.Result{
		{Nodes: map[string][]extract.NodeFragment{
			id: {
				fragment("ACME", "ORGANIZATION", "a company", "chunk-1"),
				fragment("ACME", "ORGANIZATION", "maker of devices", "chunk-1"),
			},
		}},
		{Nodes: map[string][]extract.NodeFragment{
			id: {fragment("ACME", "PERSON", "a company", "chunk-2")},
		}},
	}

	batch, err := m.MergeDocument(context.Background(), gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	if len(batch.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1 merged", len(batch.Nodes))
	}
	data := batch.Nodes[0].Data

	if data.EntityType != "ORGANIZATION" {
		t.Errorf("entity_type = %q, want majority vote", data.EntityType)
	}
	if data.Name != "ACME" {
		t.Errorf("name = %q", data.Name)
	}
	// Unique descriptions joined once.
	descs := storage.SplitField(data.Description)
	if len(descs) != 2 {
		t.Errorf("descriptions = %v, want deduped pair", descs)
	}
	sources := storage.SplitField(data.SourceID)
	if len(sources) != 2 || sources[0] != "chunk-1" || sources[1] != "chunk-2" {
		t.Errorf("source_id = %v", sources)
	}
	if data.HasVector {
		t.Error("has_vector = true for a brand-new node")
	}
}

func TestMergeNodeCarriesHasVectorFromStore(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	ctx := context.Background()
	id := "ACME"

	gs.UpsertNode(ctx, id, storage.NodeData{
		Name:        "ACME",
		EntityType:  "ORGANIZATION",
		Description: "stored description",
		SourceID:    "chunk-0",
		HasVector:   true,
	})

	results := []*extract.Result{
		{Nodes: map[string][]extract.NodeFragment{
			id: {fragment("ACME", "ORGANIZATION", "fresh description", "chunk-9")},
		}},
	}
	batch, err := m.MergeDocument(ctx, gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	data := batch.Nodes[0].Data

	// has_vector passes through untouched; C7 owns flipping it.
	if !data.HasVector {
		t.Error("has_vector lost during merge")
	}
	// Stored description and source ids survive the set-replace write.
	if !strings.Contains(data.Description, "stored description") {
		t.Errorf("description = %q, stored fragment dropped", data.Description)
	}
	sources := storage.SplitField(data.SourceID)
	if len(sources) != 2 {
		t.Errorf("source_id = %v, want stored + new", sources)
	}
}

func TestMergeDocumentIdempotent(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	ctx := context.Background()
	id := "ACME"

	results := []*extract.Result{
		{Nodes: map[string][]extract.NodeFragment{
			id: {fragment("ACME", "ORGANIZATION", "a company", "chunk-1")},
		}},
	}

	batch, err := m.MergeDocument(ctx, gs, results)
	if err != nil {
		t.Fatalf("first merge: %v", err)
	}
	if err := gs.ExecuteDocumentBatch(ctx, batch); err != nil {
		t.Fatalf("first commit: %v", err)
	}

	// Re-ingesting the same document must not duplicate joined fields.
	batch2, err := m.MergeDocument(ctx, gs, results)
	if err != nil {
		t.Fatalf("second merge: %v", err)
	}
	if err := gs.ExecuteDocumentBatch(ctx, batch2); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	n, _ := gs.GetNode(ctx, id)
	if got := storage.SplitField(n.Description); len(got) != 1 {
		t.Errorf("descriptions = %v, want 1 after replay", got)
	}
	if got := storage.SplitField(n.SourceID); len(got) != 1 {
		t.Errorf("source ids = %v, want 1 after replay", got)
	}
}

// ---------------------------------------------------------------------------
// Edge merging
// ---------------------------------------------------------------------------

func TestMergeEdgeWeightSummedInBatch(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	src, tgt := "A", "B"

	results := []*extract.Result{
		{Edges: []extract.EdgeFragment{
			{Source: src, Target: tgt, Description: "first", Weight: 2, SourceID: "chunk-1", RelationType: "RELATED"},
			{Source: src, Target: tgt, Description: "second", Weight: 3, SourceID: "chunk-2", RelationType: "SUPPORTS"},
		}},
	}

	batch, err := m.MergeDocument(context.Background(), gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	if len(batch.Edges) != 1 {
		t.Fatalf("edges = %d, want 1 merged", len(batch.Edges))
	}
	e := batch.Edges[0]
	if e.Data.Weight != 5 {
		t.Errorf("weight = %v, want 5 (summed in batch)", e.Data.Weight)
	}
	// First non-default relation type wins.
	if e.Data.RelationType != "SUPPORTS" {
		t.Errorf("relation_type = %q, want SUPPORTS", e.Data.RelationType)
	}
	if e.Source != src || e.Target != tgt {
		t.Errorf("direction = %s -> %s", e.Source, e.Target)
	}
}

func TestMergeEdgeOppositeDirectionsStaySeparate(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	a, b := "A", "B"

	results := []*extract.Result{
		{Edges: []extract.EdgeFragment{
			{Source: a, Target: b, Description: "a to b", Weight: 1, SourceID: "c1", RelationType: "SUPPORTS"},
			{Source: b, Target: a, Description: "b to a", Weight: 1, SourceID: "c1", RelationType: "OPPOSES"},
		}},
	}

	batch, err := m.MergeDocument(context.Background(), gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	if len(batch.Edges) != 2 {
		t.Fatalf("edges = %d, want 2 (ordered pairs, not sorted)", len(batch.Edges))
	}
}

// ---------------------------------------------------------------------------
// Placeholders
// ---------------------------------------------------------------------------

func TestMergeCreatesPlaceholdersForDanglingEndpoints(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	ctx := context.Background()
	known := "KNOWN"
	dangling := "DANGLING"

	results := []*extract.Result{
		{
			Nodes: map[string][]extract.NodeFragment{
				known: {fragment("KNOWN", "PERSON", "exists in batch", "chunk-1")},
			},
			Edges: []extract.EdgeFragment{
				{Source: known, Target: dangling, Description: "points at nothing", Weight: 1, SourceID: "chunk-1", RelationType: "RELATED"},
			},
		},
	}

	batch, err := m.MergeDocument(ctx, gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	if len(batch.Nodes) != 2 {
		t.Fatalf("nodes = %d, want known + placeholder", len(batch.Nodes))
	}

	var placeholder *storage.BatchNode
	for i := range batch.Nodes {
		if batch.Nodes[i].ID == dangling {
			placeholder = &batch.Nodes[i]
		}
	}
	if placeholder == nil {
		t.Fatal("no placeholder for dangling endpoint")
	}
	if placeholder.Data.EntityType != "UNKNOWN" {
		t.Errorf("placeholder entity_type = %q", placeholder.Data.EntityType)
	}
	if placeholder.Data.HasVector {
		t.Error("placeholder has_vector = true")
	}
	if placeholder.Data.SourceID != "chunk-1" {
		t.Errorf("placeholder source_id = %q", placeholder.Data.SourceID)
	}
}

func TestMergeNoPlaceholderWhenNodeExistsInGraph(t *testing.T) {
	m := newTestMerger(t)
	gs := storage.NewMemGraph("test")
	ctx := context.Background()
	existing := "EXISTING"
	known := "KNOWN"

	gs.UpsertNode(ctx, existing, storage.NodeData{Name: "EXISTING", EntityType: "PERSON"})

	results := []*extract.Result{
		{
			Nodes: map[string][]extract.NodeFragment{
				known: {fragment("KNOWN", "PERSON", "d", "chunk-1")},
			},
			Edges: []extract.EdgeFragment{
				{Source: known, Target: existing, Weight: 1, SourceID: "chunk-1", RelationType: "RELATED"},
			},
		},
	}

	batch, err := m.MergeDocument(ctx, gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	// The existing endpoint is not re-written by the batch.
	if len(batch.Nodes) != 1 {
		t.Fatalf("nodes = %d, want 1 (no placeholder for stored node)", len(batch.Nodes))
	}
}

// ---------------------------------------------------------------------------
// Summarization
// ---------------------------------------------------------------------------

type summaryProvider struct{ calls int }

func (p *summaryProvider) Complete(ctx context.Context, req llm.CompleteRequest) (string, error) {
	p.calls++
	return "condensed summary", nil
}

func (p *summaryProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return make([][]float32, len(texts)), nil
}

func TestMergeSummarizesOverlongDescriptions(t *testing.T) {
	p := &summaryProvider{}
	m := NewMerger(p, tokenizer.NewHeuristic(), Config{SummaryMaxTokens: 10})
	gs := storage.NewMemGraph("test")
	id := "VERBOSE"

	long1 := strings.Repeat("alpha ", 8)
	long2 := strings.Repeat("beta ", 8)
	results := []*extract.Result{
		{Nodes: map[string][]extract.NodeFragment{
			id: {
				fragment("VERBOSE", "CONCEPT", long1, "chunk-1"),
				fragment("VERBOSE", "CONCEPT", long2, "chunk-1"),
			},
		}},
	}

	batch, err := m.MergeDocument(context.Background(), gs, results)
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	if p.calls != 1 {
		t.Errorf("summary calls = %d, want 1", p.calls)
	}
	if batch.Nodes[0].Data.Description != "condensed summary" {
		t.Errorf("description = %q", batch.Nodes[0].Data.Description)
	}
}
