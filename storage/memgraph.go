package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
)

// MemGraph is the embedded graph backend: a mutex-guarded adjacency
// structure with the same contract as the Neo4j backend. Suitable for
// single-process deployments and tests.
type MemGraph struct {
	namespace  string
	persistDir string // "" = never flushed to disk

	mu     sync.RWMutex
	nodes  map[string]*NodeData
	out    map[string]map[string]*EdgeData // source -> target -> edge
	in     map[string]map[string]bool      // target -> sources
	schema CommunitySchema                 // last clustering result
}

// NewMemGraph returns an empty in-memory graph store.
func NewMemGraph(namespace string) *MemGraph {
	return &MemGraph{
		namespace: namespace,
		nodes:     make(map[string]*NodeData),
		out:       make(map[string]map[string]*EdgeData),
		in:        make(map[string]map[string]bool),
	}
}

// NewPersistentMemGraph loads any previous snapshot from dir and flushes
// back there on IndexDoneCallback.
func NewPersistentMemGraph(dir, namespace string) (*MemGraph, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating graph dir: %w", err)
	}
	g := NewMemGraph(namespace)
	g.persistDir = dir
	if err := g.Load(context.Background(), dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	return g, nil
}

func (g *MemGraph) Namespace() string { return g.namespace }

func (g *MemGraph) HasNode(ctx context.Context, id string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.nodes[id]
	return ok, nil
}

func (g *MemGraph) HasEdge(ctx context.Context, source, target string) (bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.out[source][target]
	return ok, nil
}

func (g *MemGraph) GetNode(ctx context.Context, id string) (*NodeData, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, nil
	}
	cp := *n
	return &cp, nil
}

func (g *MemGraph) GetEdge(ctx context.Context, source, target string) (*EdgeData, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.out[source][target]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (g *MemGraph) UpsertNode(ctx context.Context, id string, data NodeData) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertNodeLocked(id, data)
	return nil
}

func (g *MemGraph) upsertNodeLocked(id string, data NodeData) {
	cp := data
	g.nodes[id] = &cp
}

func (g *MemGraph) UpsertEdge(ctx context.Context, source, target string, data EdgeData) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.upsertEdgeLocked(source, target, data)
	return nil
}

func (g *MemGraph) upsertEdgeLocked(source, target string, data EdgeData) {
	// Endpoints must exist; create bare placeholders on demand.
	for _, id := range []string{source, target} {
		if _, ok := g.nodes[id]; !ok {
			g.nodes[id] = &NodeData{EntityType: "UNKNOWN"}
		}
	}
	if g.out[source] == nil {
		g.out[source] = make(map[string]*EdgeData)
	}
	cp := data
	g.out[source][target] = &cp
	if g.in[target] == nil {
		g.in[target] = make(map[string]bool)
	}
	g.in[target][source] = true
}

// NodeDegree counts edges touching the node in either direction.
func (g *MemGraph) NodeDegree(ctx context.Context, id string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degreeLocked(id), nil
}

func (g *MemGraph) degreeLocked(id string) int {
	return len(g.out[id]) + len(g.in[id])
}

func (g *MemGraph) EdgeDegree(ctx context.Context, source, target string) (int, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.degreeLocked(source) + g.degreeLocked(target), nil
}

func (g *MemGraph) GetNodesBatch(ctx context.Context, ids []string) ([]*NodeData, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*NodeData, len(ids))
	for i, id := range ids {
		if n, ok := g.nodes[id]; ok {
			cp := *n
			out[i] = &cp
		}
	}
	return out, nil
}

func (g *MemGraph) NodeDegreesBatch(ctx context.Context, ids []string) ([]int, error) {
	if len(ids) == 0 {
		return []int{}, nil
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]int, len(ids))
	for i, id := range ids {
		out[i] = g.degreeLocked(id)
	}
	return out, nil
}

func (g *MemGraph) GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]*EdgeData, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]*EdgeData, len(pairs))
	for i, p := range pairs {
		if e, ok := g.out[p[0]][p[1]]; ok {
			cp := *e
			out[i] = &cp
		}
	}
	return out, nil
}

func (g *MemGraph) GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]Edge, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([][]Edge, len(ids))
	for i, id := range ids {
		var edges []Edge
		for tgt, e := range g.out[id] {
			edges = append(edges, Edge{Source: id, Target: tgt, Data: *e})
		}
		for src := range g.in[id] {
			if e, ok := g.out[src][id]; ok {
				edges = append(edges, Edge{Source: src, Target: id, Data: *e})
			}
		}
		sort.Slice(edges, func(a, b int) bool {
			if edges[a].Source != edges[b].Source {
				return edges[a].Source < edges[b].Source
			}
			return edges[a].Target < edges[b].Target
		})
		out[i] = edges
	}
	return out, nil
}

func (g *MemGraph) AllNodeIDs(ctx context.Context) ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ExecuteDocumentBatch applies an already-merged batch. Set-replace
// semantics: properties overwrite whatever is stored; the in-memory
// backend commits the whole batch under one lock, so it is atomic with
// respect to readers.
func (g *MemGraph) ExecuteDocumentBatch(ctx context.Context, batch *DocumentBatch) error {
	if batch == nil {
		return nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, n := range batch.Nodes {
		g.upsertNodeLocked(n.ID, n.Data)
	}
	for _, e := range batch.Edges {
		g.upsertEdgeLocked(e.Source, e.Target, e.Data)
	}
	return nil
}

func (g *MemGraph) BatchUpdateNodeField(ctx context.Context, ids []string, field string, value any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		n, ok := g.nodes[id]
		if !ok {
			slog.Warn("memgraph: batch field update for missing node", "node", id, "field", field)
			continue
		}
		switch field {
		case "has_vector":
			if b, ok := value.(bool); ok {
				n.HasVector = b
			}
		case "community_description":
			if s, ok := value.(string); ok {
				n.CommunityDescription = s
			}
		case "entity_type":
			if s, ok := value.(string); ok {
				n.EntityType = s
			}
		default:
			return fmt.Errorf("memgraph: unknown node field %q", field)
		}
	}
	return nil
}

func (g *MemGraph) Stats(ctx context.Context) (GraphStats, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	edges := 0
	for _, m := range g.out {
		edges += len(m)
	}
	return GraphStats{Nodes: len(g.nodes), Edges: edges}, nil
}

// IndexDoneCallback flushes the graph snapshot when persistence is on.
func (g *MemGraph) IndexDoneCallback(ctx context.Context) error {
	if g.persistDir == "" {
		return nil
	}
	return g.Dump(ctx, g.persistDir)
}

// CommunitySchema returns the schema from the last Clustering run.
func (g *MemGraph) CommunitySchema(ctx context.Context) (CommunitySchema, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.schema == nil {
		return CommunitySchema{}, nil
	}
	return g.schema, nil
}

// ---------------------------------------------------------------------------
// Clustering
// ---------------------------------------------------------------------------

// minComponentSplit is the minimum component size eligible for further
// modularity-based splitting into level-1 sub-communities.
const minComponentSplit = 6

// maxModularityNodes caps the node count for the modularity optimisation.
// Components larger than this stay level-0 only.
const maxModularityNodes = 2000

type memEdge struct {
	to     int
	weight float64
}

// Clustering runs hierarchical community detection. Level-0 communities
// are connected components; components above minComponentSplit are split
// by greedy modularity optimisation into level-1 sub-communities. The
// algorithm argument is accepted for contract parity ("leiden" is the
// only recognized value).
func (g *MemGraph) Clustering(ctx context.Context, algorithm string) (CommunitySchema, error) {
	if algorithm != "" && algorithm != "leiden" {
		return nil, fmt.Errorf("memgraph: unsupported clustering algorithm %q", algorithm)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	ids := make([]string, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	idx := make(map[string]int, len(ids))
	for i, id := range ids {
		idx[id] = i
	}

	// Weighted undirected adjacency for clustering; direction is kept in
	// the stored edges and is irrelevant to modularity.
	adj := make([][]memEdge, len(ids))
	totalWeight := 0.0
	for src, targets := range g.out {
		si := idx[src]
		for tgt, e := range targets {
			ti := idx[tgt]
			w := e.Weight
			if w <= 0 {
				w = 1.0
			}
			adj[si] = append(adj[si], memEdge{to: ti, weight: w})
			adj[ti] = append(adj[ti], memEdge{to: si, weight: w})
			totalWeight += w
		}
	}

	// Level 0: connected components via BFS.
	visited := make([]bool, len(ids))
	var components [][]int
	for i := range ids {
		if visited[i] {
			continue
		}
		var comp []int
		queue := []int{i}
		visited[i] = true
		for len(queue) > 0 {
			node := queue[0]
			queue = queue[1:]
			comp = append(comp, node)
			for _, e := range adj[node] {
				if !visited[e.to] {
					visited[e.to] = true
					queue = append(queue, e.to)
				}
			}
		}
		sort.Ints(comp)
		components = append(components, comp)
	}

	schema := make(CommunitySchema)
	clusterSeq := 0
	nextID := func() string {
		id := strconv.Itoa(clusterSeq)
		clusterSeq++
		return id
	}

	for _, comp := range components {
		rootID := nextID()
		root := g.communityInfoLocked(rootID, 0, comp, ids)
		schema[rootID] = root

		if len(comp) >= minComponentSplit && len(comp) <= maxModularityNodes && totalWeight > 0 {
			for _, sub := range modularitySplit(comp, adj, totalWeight) {
				if len(sub) == len(comp) {
					break // split was not beneficial
				}
				subID := nextID()
				schema[subID] = g.communityInfoLocked(subID, 1, sub, ids)
				root.SubCommunities = append(root.SubCommunities, subID)
			}
		}
	}

	// Occurrence: community chunk coverage normalized by the largest.
	maxChunks := 0
	for _, c := range schema {
		if len(c.ChunkIDs) > maxChunks {
			maxChunks = len(c.ChunkIDs)
		}
	}
	if maxChunks > 0 {
		for _, c := range schema {
			c.Occurrence = float64(len(c.ChunkIDs)) / float64(maxChunks)
		}
	}

	g.schema = schema
	return schema, nil
}

// communityInfoLocked collects member nodes, intra-community edges
// (direction preserved), and source chunk ids for one cluster.
func (g *MemGraph) communityInfoLocked(id string, level int, comp []int, ids []string) *CommunityInfo {
	member := make(map[string]bool, len(comp))
	info := &CommunityInfo{
		Level: level,
		Title: "Cluster " + id,
	}
	for _, n := range comp {
		member[ids[n]] = true
		info.Nodes = append(info.Nodes, ids[n])
	}
	sort.Strings(info.Nodes)

	chunkSeen := make(map[string]bool)
	for _, n := range info.Nodes {
		if nd := g.nodes[n]; nd != nil {
			for _, cid := range SplitField(nd.SourceID) {
				if !chunkSeen[cid] {
					chunkSeen[cid] = true
					info.ChunkIDs = append(info.ChunkIDs, cid)
				}
			}
		}
		for tgt := range g.out[n] {
			if member[tgt] {
				info.Edges = append(info.Edges, [2]string{n, tgt})
			}
		}
	}
	sort.Slice(info.Edges, func(a, b int) bool {
		if info.Edges[a][0] != info.Edges[b][0] {
			return info.Edges[a][0] < info.Edges[b][0]
		}
		return info.Edges[a][1] < info.Edges[b][1]
	})
	sort.Strings(info.ChunkIDs)
	return info
}

// modularitySplit applies greedy modularity optimisation (simplified
// Louvain) to split a connected component. If the split does not improve
// modularity the original component is returned as-is.
func modularitySplit(comp []int, adj [][]memEdge, totalWeight float64) [][]int {
	n := len(comp)
	localIdx := make(map[int]int, n)
	for i, node := range comp {
		localIdx[node] = i
	}

	community := make([]int, n)
	for i := range community {
		community[i] = i
	}

	strength := make([]float64, n)
	for i, node := range comp {
		for _, e := range adj[node] {
			if _, ok := localIdx[e.to]; ok {
				strength[i] += e.weight
			}
		}
	}

	m2 := 2.0 * totalWeight
	if m2 == 0 {
		return [][]int{comp}
	}

	commStrength := make(map[int]float64, n)
	for i := range comp {
		commStrength[community[i]] += strength[i]
	}

	const maxPasses = 20
	for pass := 0; pass < maxPasses; pass++ {
		moved := false
		for i, node := range comp {
			commWeights := make(map[int]float64)
			for _, e := range adj[node] {
				li, ok := localIdx[e.to]
				if !ok {
					continue
				}
				commWeights[community[li]] += e.weight
			}

			current := community[i]
			ki := strength[i]
			removeDelta := commWeights[current]/m2 - (commStrength[current]*ki)/(m2*m2)

			bestComm, bestGain := current, 0.0
			for c, wic := range commWeights {
				if c == current {
					continue
				}
				gain := (wic/m2 - (commStrength[c]*ki)/(m2*m2)) - removeDelta
				if gain > bestGain {
					bestGain = gain
					bestComm = c
				}
			}

			if bestComm != current {
				commStrength[current] -= ki
				commStrength[bestComm] += ki
				community[i] = bestComm
				moved = true
			}
		}
		if !moved {
			break
		}
	}

	groups := make(map[int][]int)
	for i, node := range comp {
		groups[community[i]] = append(groups[community[i]], node)
	}
	labels := make([]int, 0, len(groups))
	for l := range groups {
		labels = append(labels, l)
	}
	sort.Ints(labels)

	result := make([][]int, 0, len(groups))
	for _, l := range labels {
		g := groups[l]
		sort.Ints(g)
		result = append(result, g)
	}
	if len(result) <= 1 {
		return [][]int{comp}
	}
	return result
}

// ---------------------------------------------------------------------------
// Snapshot support
// ---------------------------------------------------------------------------

type memGraphDump struct {
	Nodes map[string]*NodeData `json:"nodes"`
	Edges []Edge               `json:"edges"`
}

// Dump writes the full graph as one JSON file into dir.
func (g *MemGraph) Dump(ctx context.Context, dir string) error {
	g.mu.RLock()
	dump := memGraphDump{Nodes: make(map[string]*NodeData, len(g.nodes))}
	for id, n := range g.nodes {
		cp := *n
		dump.Nodes[id] = &cp
	}
	for src, targets := range g.out {
		for tgt, e := range targets {
			dump.Edges = append(dump.Edges, Edge{Source: src, Target: tgt, Data: *e})
		}
	}
	g.mu.RUnlock()

	sort.Slice(dump.Edges, func(a, b int) bool {
		if dump.Edges[a].Source != dump.Edges[b].Source {
			return dump.Edges[a].Source < dump.Edges[b].Source
		}
		return dump.Edges[a].Target < dump.Edges[b].Target
	})

	data, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling graph dump: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, g.namespace+".json"), data, 0o644)
}

// Load replaces the graph contents from a Dump directory.
func (g *MemGraph) Load(ctx context.Context, dir string) error {
	data, err := os.ReadFile(filepath.Join(dir, g.namespace+".json"))
	if err != nil {
		return fmt.Errorf("reading graph dump: %w", err)
	}
	var dump memGraphDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("parsing graph dump: %w", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.nodes = make(map[string]*NodeData, len(dump.Nodes))
	g.out = make(map[string]map[string]*EdgeData)
	g.in = make(map[string]map[string]bool)
	for id, n := range dump.Nodes {
		g.upsertNodeLocked(id, *n)
	}
	for _, e := range dump.Edges {
		g.upsertEdgeLocked(e.Source, e.Target, e.Data)
	}
	return nil
}
