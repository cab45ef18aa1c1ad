package storage

import (
	"context"
	"testing"
)

func testNode(desc, sourceID string) NodeData {
	return NodeData{
		EntityType:  "ORGANIZATION",
		Description: desc,
		SourceID:    sourceID,
	}
}

// ---------------------------------------------------------------------------
// Node and edge round trips
// ---------------------------------------------------------------------------

func TestMemGraphNodeRoundTrip(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	if err := g.UpsertNode(ctx, "node-1", testNode("alpha", "chunk-a")); err != nil {
		t.Fatalf("UpsertNode: %v", err)
	}

	ok, err := g.HasNode(ctx, "node-1")
	if err != nil || !ok {
		t.Fatalf("HasNode = %v, %v; want true, nil", ok, err)
	}
	n, err := g.GetNode(ctx, "node-1")
	if err != nil {
		t.Fatalf("GetNode: %v", err)
	}
	if n.Description != "alpha" || n.EntityType != "ORGANIZATION" {
		t.Errorf("node = %+v", n)
	}

	// Missing node: nil, no error.
	n, err = g.GetNode(ctx, "node-missing")
	if err != nil || n != nil {
		t.Errorf("missing node = %v, %v; want nil, nil", n, err)
	}
}

func TestMemGraphEdgeCreatesPlaceholders(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	err := g.UpsertEdge(ctx, "node-a", "node-b", EdgeData{
		Description:  "a relates to b",
		Weight:       2,
		SourceID:     "chunk-1",
		RelationType: "RELATED",
	})
	if err != nil {
		t.Fatalf("UpsertEdge: %v", err)
	}

	for _, id := range []string{"node-a", "node-b"} {
		n, err := g.GetNode(ctx, id)
		if err != nil || n == nil {
			t.Fatalf("placeholder %s = %v, %v", id, n, err)
		}
		if n.EntityType != "UNKNOWN" {
			t.Errorf("placeholder %s entity_type = %q, want UNKNOWN", id, n.EntityType)
		}
		if n.HasVector {
			t.Errorf("placeholder %s has_vector = true, want false", id)
		}
	}

	// Direction is preserved: forward edge exists, reverse does not.
	if ok, _ := g.HasEdge(ctx, "node-a", "node-b"); !ok {
		t.Error("forward edge missing")
	}
	if ok, _ := g.HasEdge(ctx, "node-b", "node-a"); ok {
		t.Error("reverse edge should not exist")
	}
}

// ---------------------------------------------------------------------------
// Batch reads
// ---------------------------------------------------------------------------

func TestMemGraphBatchReadsPreserveOrder(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	g.UpsertNode(ctx, "node-a", testNode("a", "c1"))
	g.UpsertNode(ctx, "node-b", testNode("b", "c1"))
	g.UpsertEdge(ctx, "node-a", "node-b", EdgeData{Weight: 1, RelationType: "RELATED"})

	nodes, err := g.GetNodesBatch(ctx, []string{"node-b", "node-missing", "node-a"})
	if err != nil {
		t.Fatalf("GetNodesBatch: %v", err)
	}
	if len(nodes) != 3 {
		t.Fatalf("len(nodes) = %d, want 3", len(nodes))
	}
	if nodes[0] == nil || nodes[0].Description != "b" {
		t.Errorf("nodes[0] = %+v, want b", nodes[0])
	}
	if nodes[1] != nil {
		t.Errorf("nodes[1] = %+v, want nil for missing id", nodes[1])
	}
	if nodes[2] == nil || nodes[2].Description != "a" {
		t.Errorf("nodes[2] = %+v, want a", nodes[2])
	}

	degrees, err := g.NodeDegreesBatch(ctx, []string{"node-a", "node-missing", "node-b"})
	if err != nil {
		t.Fatalf("NodeDegreesBatch: %v", err)
	}
	want := []int{1, 0, 1}
	for i, d := range degrees {
		if d != want[i] {
			t.Errorf("degrees[%d] = %d, want %d", i, d, want[i])
		}
	}

	edges, err := g.GetEdgesBatch(ctx, [][2]string{{"node-a", "node-b"}, {"node-b", "node-a"}})
	if err != nil {
		t.Fatalf("GetEdgesBatch: %v", err)
	}
	if edges[0] == nil {
		t.Error("forward edge missing from batch read")
	}
	if edges[1] != nil {
		t.Error("reverse pair should resolve to nil")
	}
}

func TestMemGraphNodesEdgesBatchKeepsDirection(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	g.UpsertEdge(ctx, "node-a", "node-b", EdgeData{RelationType: "SUPPORTS"})
	g.UpsertEdge(ctx, "node-c", "node-a", EdgeData{RelationType: "OPPOSES"})

	perNode, err := g.GetNodesEdgesBatch(ctx, []string{"node-a"})
	if err != nil {
		t.Fatalf("GetNodesEdgesBatch: %v", err)
	}
	if len(perNode[0]) != 2 {
		t.Fatalf("edges for ent-a = %d, want 2", len(perNode[0]))
	}
	// Both tuples keep their stored direction even though ent-a is the
	// target of one of them.
	seen := map[[2]string]bool{}
	for _, e := range perNode[0] {
		seen[[2]string{e.Source, e.Target}] = true
	}
	if !seen[[2]string{"node-a", "node-b"}] || !seen[[2]string{"node-c", "node-a"}] {
		t.Errorf("directions not preserved: %v", seen)
	}
}

// ---------------------------------------------------------------------------
// Document batches
// ---------------------------------------------------------------------------

func TestMemGraphDocumentBatchReplaces(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	batch := &DocumentBatch{
		Nodes: []BatchNode{
			{ID: "node-a", Data: testNode("first", "c1")},
			{ID: "node-b", Data: testNode("b", "c1")},
		},
		Edges: []BatchEdge{
			{Source: "node-a", Target: "node-b", Data: EdgeData{Weight: 3, RelationType: "RELATED"}},
		},
	}
	if err := g.ExecuteDocumentBatch(ctx, batch); err != nil {
		t.Fatalf("ExecuteDocumentBatch: %v", err)
	}

	// Re-running the same batch with updated data replaces, never merges:
	// merge semantics live upstream in the in-memory merger.
	batch.Nodes[0].Data.Description = "second"
	batch.Edges[0].Data.Weight = 7
	if err := g.ExecuteDocumentBatch(ctx, batch); err != nil {
		t.Fatalf("ExecuteDocumentBatch (replay): %v", err)
	}

	n, _ := g.GetNode(ctx, "node-a")
	if n.Description != "second" {
		t.Errorf("description = %q, want %q (set-replace)", n.Description, "second")
	}
	e, _ := g.GetEdge(ctx, "node-a", "node-b")
	if e.Weight != 7 {
		t.Errorf("weight = %v, want 7 (set-replace)", e.Weight)
	}

	stats, _ := g.Stats(ctx)
	if stats.Nodes != 2 || stats.Edges != 1 {
		t.Errorf("stats = %+v, want 2 nodes / 1 edge", stats)
	}
}

func TestDocumentBatchSplit(t *testing.T) {
	batch := &DocumentBatch{}
	for i := 0; i < 5; i++ {
		batch.Nodes = append(batch.Nodes, BatchNode{ID: string(rune('a' + i))})
	}
	for i := 0; i < 4; i++ {
		batch.Edges = append(batch.Edges, BatchEdge{Source: "a", Target: string(rune('b' + i))})
	}

	chunks := batch.Split(3)
	if len(chunks) != 3 {
		t.Fatalf("len(chunks) = %d, want 3", len(chunks))
	}
	total := 0
	for _, c := range chunks {
		n := len(c.Nodes) + len(c.Edges)
		if n > 3 {
			t.Errorf("chunk holds %d items, want <= 3", n)
		}
		total += n
	}
	if total != 9 {
		t.Errorf("total items = %d, want 9", total)
	}
	// Nodes always precede edges so endpoints exist before the edge lands.
	if len(chunks[0].Edges) != 0 {
		t.Errorf("first chunk has edges before all nodes are placed")
	}
}

// ---------------------------------------------------------------------------
// Field updates
// ---------------------------------------------------------------------------

func TestMemGraphBatchUpdateNodeField(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	g.UpsertNode(ctx, "node-a", testNode("a", "c1"))
	g.UpsertNode(ctx, "node-b", testNode("b", "c1"))

	if err := g.BatchUpdateNodeField(ctx, []string{"node-a", "node-b"}, "has_vector", true); err != nil {
		t.Fatalf("BatchUpdateNodeField: %v", err)
	}
	for _, id := range []string{"node-a", "node-b"} {
		n, _ := g.GetNode(ctx, id)
		if !n.HasVector {
			t.Errorf("%s has_vector = false after update", id)
		}
	}

	if err := g.BatchUpdateNodeField(ctx, []string{"node-a"}, "bogus_field", 1); err == nil {
		t.Error("unknown field accepted")
	}
}

// ---------------------------------------------------------------------------
// Clustering
// ---------------------------------------------------------------------------

func TestMemGraphClusteringComponents(t *testing.T) {
	g := NewMemGraph("test")
	ctx := context.Background()

	// Two disconnected components. Source ids carry the chunk provenance
	// that feeds occurrence.
	g.UpsertNode(ctx, "node-a", NodeData{EntityType: "PERSON", SourceID: JoinField("c1", "c2")})
	g.UpsertNode(ctx, "node-b", NodeData{EntityType: "PERSON", SourceID: "c1"})
	g.UpsertEdge(ctx, "node-a", "node-b", EdgeData{Weight: 1, RelationType: "RELATED"})

	g.UpsertNode(ctx, "node-x", NodeData{EntityType: "EVENT", SourceID: "c3"})
	g.UpsertNode(ctx, "node-y", NodeData{EntityType: "EVENT", SourceID: "c3"})
	g.UpsertEdge(ctx, "node-x", "node-y", EdgeData{Weight: 1, RelationType: "RELATED"})

	schema, err := g.Clustering(ctx, "leiden")
	if err != nil {
		t.Fatalf("Clustering: %v", err)
	}

	level0 := 0
	for _, info := range schema {
		if info.Level == 0 {
			level0++
		}
	}
	if level0 != 2 {
		t.Fatalf("level-0 communities = %d, want 2", level0)
	}

	var ab *CommunityInfo
	for _, info := range schema {
		if info.Level != 0 {
			continue
		}
		for _, n := range info.Nodes {
			if n == "node-a" {
				ab = info
			}
		}
	}
	if ab == nil {
		t.Fatal("no community contains ent-a")
	}
	if len(ab.ChunkIDs) != 2 {
		t.Errorf("chunk ids = %v, want [c1 c2]", ab.ChunkIDs)
	}
	if ab.Occurrence != 1.0 {
		t.Errorf("occurrence = %v, want 1.0 for the largest community", ab.Occurrence)
	}
	if len(ab.Edges) != 1 || ab.Edges[0] != [2]string{"node-a", "node-b"} {
		t.Errorf("edges = %v, want stored direction kept", ab.Edges)
	}

	// CommunitySchema returns the cached result.
	cached, err := g.CommunitySchema(ctx)
	if err != nil || len(cached) != len(schema) {
		t.Errorf("CommunitySchema = %d communities, %v; want %d", len(cached), err, len(schema))
	}

	if _, err := g.Clustering(ctx, "louvain"); err == nil {
		t.Error("unknown algorithm accepted")
	}
}

// ---------------------------------------------------------------------------
// Snapshot round trip
// ---------------------------------------------------------------------------

func TestMemGraphDumpLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	g := NewMemGraph("test")
	g.UpsertNode(ctx, "node-a", testNode("a", "c1"))
	g.UpsertNode(ctx, "node-b", testNode("b", "c2"))
	g.UpsertEdge(ctx, "node-a", "node-b", EdgeData{Weight: 2, RelationType: "SUPPORTS", Order: 1})

	if err := g.Dump(ctx, dir); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	restored := NewMemGraph("test")
	if err := restored.Load(ctx, dir); err != nil {
		t.Fatalf("Load: %v", err)
	}

	stats, _ := restored.Stats(ctx)
	if stats.Nodes != 2 || stats.Edges != 1 {
		t.Fatalf("restored stats = %+v", stats)
	}
	e, _ := restored.GetEdge(ctx, "node-a", "node-b")
	if e == nil || e.RelationType != "SUPPORTS" || e.Order != 1 {
		t.Errorf("restored edge = %+v", e)
	}
}
