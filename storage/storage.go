// Package storage defines the graph, vector, and key-value contracts the
// engine is built against, plus the concrete backends (in-memory graph,
// Neo4j, sqlite-vec, Qdrant, JSON files, Redis) and the factory that
// resolves them from configuration.
package storage

import (
	"context"
	"strings"
)

// FieldSep is the literal separator used to join list-like string fields
// (descriptions, source chunk ids) stored as single strings.
const FieldSep = "<SEP>"

// JoinField joins unique non-empty parts with FieldSep, preserving first-seen
// order.
func JoinField(parts ...string) string {
	seen := make(map[string]bool, len(parts))
	var out []string
	for _, p := range parts {
		for _, item := range strings.Split(p, FieldSep) {
			item = strings.TrimSpace(item)
			if item == "" || seen[item] {
				continue
			}
			seen[item] = true
			out = append(out, item)
		}
	}
	return strings.Join(out, FieldSep)
}

// SplitField splits a FieldSep-joined string back into its parts.
func SplitField(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, FieldSep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NodeData holds the properties of an entity node. The zero value is a
// placeholder node (no vector, unknown type).
type NodeData struct {
	// Name is the normalized entity name. Node ids are hashes of it, so
	// it must be stored to survive the round trip.
	Name                 string `json:"name"`
	EntityType           string `json:"entity_type"`
	Description          string `json:"description"`
	SourceID             string `json:"source_id"`
	HasVector            bool   `json:"has_vector"`
	CommunityDescription string `json:"community_description,omitempty"`
}

// EdgeData holds the properties of a directed relationship edge.
type EdgeData struct {
	Description  string  `json:"description"`
	Weight       float64 `json:"weight"`
	SourceID     string  `json:"source_id"`
	RelationType string  `json:"relation_type"`
	Order        int     `json:"order"`
}

// Edge is an EdgeData with its endpoints. Direction is as extracted and is
// never re-sorted.
type Edge struct {
	Source string   `json:"source"`
	Target string   `json:"target"`
	Data   EdgeData `json:"data"`
}

// BatchNode is one already-merged node destined for a document batch write.
type BatchNode struct {
	ID   string
	Data NodeData
}

// BatchEdge is one already-merged edge destined for a document batch write.
type BatchEdge struct {
	Source string
	Target string
	Data   EdgeData
}

// DocumentBatch is the atomic unit of graph mutation: all nodes and edges
// produced by one document, merged in memory before commit.
type DocumentBatch struct {
	Nodes []BatchNode
	Edges []BatchEdge
}

// Split partitions the batch into sub-batches of at most size nodes+edges
// each, preserving order. Each sub-batch commits in its own transaction.
func (b *DocumentBatch) Split(size int) []*DocumentBatch {
	if size <= 0 {
		size = 1000
	}
	if len(b.Nodes)+len(b.Edges) <= size {
		return []*DocumentBatch{b}
	}
	var out []*DocumentBatch
	cur := &DocumentBatch{}
	count := 0
	flush := func() {
		if count > 0 {
			out = append(out, cur)
			cur = &DocumentBatch{}
			count = 0
		}
	}
	for _, n := range b.Nodes {
		cur.Nodes = append(cur.Nodes, n)
		if count++; count >= size {
			flush()
		}
	}
	for _, e := range b.Edges {
		cur.Edges = append(cur.Edges, e)
		if count++; count >= size {
			flush()
		}
	}
	flush()
	return out
}

// CommunityInfo describes one cluster in the community hierarchy.
type CommunityInfo struct {
	Level          int         `json:"level"`
	Title          string      `json:"title"`
	Nodes          []string    `json:"nodes"`
	Edges          [][2]string `json:"edges"`
	ChunkIDs       []string    `json:"chunk_ids"`
	Occurrence     float64     `json:"occurrence"`
	SubCommunities []string    `json:"sub_communities"`
}

// CommunitySchema maps cluster id -> cluster description.
type CommunitySchema map[string]*CommunityInfo

// GraphStats reports node and edge counts for backup manifests.
type GraphStats struct {
	Nodes int
	Edges int
}

// GraphStorage is the contract every graph backend must honor. Batch
// variants return results in input order; a missing node/edge is a nil
// entry. ExecuteDocumentBatch must apply set-replace semantics: the data
// is already merged and the store must not merge again.
type GraphStorage interface {
	Namespace() string

	HasNode(ctx context.Context, id string) (bool, error)
	HasEdge(ctx context.Context, source, target string) (bool, error)
	GetNode(ctx context.Context, id string) (*NodeData, error)
	GetEdge(ctx context.Context, source, target string) (*EdgeData, error)
	UpsertNode(ctx context.Context, id string, data NodeData) error
	UpsertEdge(ctx context.Context, source, target string, data EdgeData) error

	NodeDegree(ctx context.Context, id string) (int, error)
	EdgeDegree(ctx context.Context, source, target string) (int, error)

	GetNodesBatch(ctx context.Context, ids []string) ([]*NodeData, error)
	NodeDegreesBatch(ctx context.Context, ids []string) ([]int, error)
	GetEdgesBatch(ctx context.Context, pairs [][2]string) ([]*EdgeData, error)
	GetNodesEdgesBatch(ctx context.Context, ids []string) ([][]Edge, error)
	AllNodeIDs(ctx context.Context) ([]string, error)

	ExecuteDocumentBatch(ctx context.Context, batch *DocumentBatch) error
	BatchUpdateNodeField(ctx context.Context, ids []string, field string, value any) error

	Clustering(ctx context.Context, algorithm string) (CommunitySchema, error)
	CommunitySchema(ctx context.Context) (CommunitySchema, error)

	Stats(ctx context.Context) (GraphStats, error)
	IndexDoneCallback(ctx context.Context) error
}

// VectorRecord is the payload stored alongside an embedding. Content is
// fixed at insertion time and drives the embedding; it is never updated.
type VectorRecord struct {
	Content              string `json:"content"`
	EntityName           string `json:"entity_name,omitempty"`
	EntityType           string `json:"entity_type,omitempty"`
	CommunityDescription string `json:"community_description,omitempty"`
}

// ScoredPoint is one vector query hit.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload VectorRecord
}

// EmbeddingFunc computes dense embeddings for a batch of texts.
type EmbeddingFunc func(ctx context.Context, texts []string) ([][]float32, error)

// SparseVector is a SPLADE-like learned sparse representation.
type SparseVector struct {
	Indices []uint32  `json:"indices"`
	Values  []float32 `json:"values"`
}

// SparseEmbeddingFunc computes sparse embeddings for a batch of texts.
type SparseEmbeddingFunc func(ctx context.Context, texts []string) ([]SparseVector, error)

// VectorStorage is the contract every vector backend must honor.
// UpdatePayload must never touch the embedding or the content field:
// backends silently drop those keys (logged at debug) and do not re-embed.
type VectorStorage interface {
	Namespace() string
	Upsert(ctx context.Context, records map[string]VectorRecord) error
	UpdatePayload(ctx context.Context, updates map[string]map[string]any) error
	Query(ctx context.Context, text string, topK int) ([]ScoredPoint, error)
	Has(ctx context.Context, id string) (bool, error)
	IndexDoneCallback(ctx context.Context) error
}

// protectedPayloadFields may never be changed by UpdatePayload.
var protectedPayloadFields = map[string]bool{
	"content":   true,
	"embedding": true,
}

// ProtectedPayloadField reports whether a payload field is immutable.
func ProtectedPayloadField(name string) bool {
	return protectedPayloadFields[strings.ToLower(name)]
}

// KVStorage is the key-value contract, generic over the stored record
// type. GetByIDs returns results in input order with zero-value entries
// (ok=false) for missing keys; FilterKeys returns the subset of keys not
// already present.
type KVStorage[V any] interface {
	Namespace() string
	GetByID(ctx context.Context, id string) (V, bool, error)
	GetByIDs(ctx context.Context, ids []string) ([]V, []bool, error)
	AllKeys(ctx context.Context) ([]string, error)
	FilterKeys(ctx context.Context, keys []string) ([]string, error)
	Upsert(ctx context.Context, records map[string]V) error
	DeleteByID(ctx context.Context, id string) error
	Drop(ctx context.Context) error
	IndexDoneCallback(ctx context.Context) error
}

// Snapshotter is an optional capability: backends that can export and
// re-import their full state to a directory implement it, and the backup
// orchestrator uses it for the corresponding tier.
type Snapshotter interface {
	Dump(ctx context.Context, dir string) error
	Load(ctx context.Context, dir string) error
}

// Well-known KV namespaces.
const (
	NamespaceFullDocs         = "full_docs"
	NamespaceTextChunks       = "text_chunks"
	NamespaceCommunityReports = "community_reports"
	NamespaceLLMCache         = "llm_response_cache"
)

// FullDoc is the stored form of an ingested document.
type FullDoc struct {
	Content string `json:"content"`
}

// TextChunk is the stored form of one document chunk.
type TextChunk struct {
	Content         string `json:"content"`
	Tokens          int    `json:"tokens"`
	ChunkOrderIndex int    `json:"chunk_order_index"`
	FullDocID       string `json:"full_doc_id"`
}

// CommunityReport is the stored form of one community summary.
type CommunityReport struct {
	Level        int            `json:"level"`
	Title        string         `json:"title"`
	Occurrence   float64        `json:"occurrence"`
	ReportString string         `json:"report_string"`
	ReportJSON   map[string]any `json:"report_json"`
}

// CacheEntry is one memoized LLM completion.
type CacheEntry struct {
	Return string `json:"return"`
	Model  string `json:"model"`
}
