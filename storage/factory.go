package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend selector values.
const (
	GraphBackendMemory = "memory"
	GraphBackendNeo4j  = "neo4j"

	VectorBackendNano   = "nano" // embedded sqlite-vec
	VectorBackendQdrant = "qdrant"

	KVBackendJSON  = "json"
	KVBackendRedis = "redis"
)

// Options selects and configures the storage backends for one working
// directory. The embedding funcs are injected by the engine so storage
// never depends on the LLM layer.
type Options struct {
	WorkingDir string

	GraphBackend  string // memory | neo4j
	VectorBackend string // nano | qdrant
	KVBackend     string // json | redis

	EmbeddingDim int
	Embed        EmbeddingFunc
	SparseEmbed  SparseEmbeddingFunc

	Neo4j  Neo4jConfig
	Qdrant QdrantConfig

	RedisURL    string
	RedisPrefix string

	// CacheTTL applies to the LLM response cache namespace only.
	CacheTTL time.Duration

	// EnableNaiveRAG provisions the chunks vector namespace.
	EnableNaiveRAG bool
}

// Backends bundles every live store the engine operates on.
type Backends struct {
	Graph GraphStorage

	Entities VectorStorage
	Chunks   VectorStorage // nil unless naive RAG is enabled

	FullDocs         KVStorage[FullDoc]
	TextChunks       KVStorage[TextChunk]
	CommunityReports KVStorage[CommunityReport]
	LLMCache         KVStorage[CacheEntry]

	redisClient redis.UniversalClient
	closers     []func(context.Context) error
}

// Open resolves Options into live backends. Partially-opened backends are
// closed on error.
func Open(ctx context.Context, opts Options) (*Backends, error) {
	if opts.WorkingDir == "" {
		return nil, fmt.Errorf("storage: working dir is required")
	}
	b := &Backends{}
	if err := b.open(ctx, opts); err != nil {
		b.Close(ctx)
		return nil, err
	}
	slog.Info("storage: backends ready",
		"graph", defaultStr(opts.GraphBackend, GraphBackendMemory),
		"vector", defaultStr(opts.VectorBackend, VectorBackendNano),
		"kv", defaultStr(opts.KVBackend, KVBackendJSON))
	return b, nil
}

func defaultStr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func (b *Backends) open(ctx context.Context, opts Options) error {
	switch defaultStr(opts.GraphBackend, GraphBackendMemory) {
	case GraphBackendMemory:
		g, err := NewPersistentMemGraph(opts.WorkingDir, "chunk_entity_relation")
		if err != nil {
			return fmt.Errorf("opening memory graph: %w", err)
		}
		b.Graph = g
	case GraphBackendNeo4j:
		g, err := NewNeo4j(ctx, opts.Neo4j, "chunk_entity_relation")
		if err != nil {
			return fmt.Errorf("opening neo4j graph: %w", err)
		}
		b.Graph = g
		b.closers = append(b.closers, g.Close)
	default:
		return fmt.Errorf("storage: unknown graph backend %q", opts.GraphBackend)
	}

	vectorNamespaces := []string{"entities"}
	if opts.EnableNaiveRAG {
		vectorNamespaces = append(vectorNamespaces, "chunks")
	}
	for _, ns := range vectorNamespaces {
		var (
			vs  VectorStorage
			err error
		)
		switch defaultStr(opts.VectorBackend, VectorBackendNano) {
		case VectorBackendNano:
			var s *SQLiteVec
			s, err = NewSQLiteVec(opts.WorkingDir, ns, opts.EmbeddingDim, opts.Embed)
			if s != nil {
				b.closers = append(b.closers, func(context.Context) error { return s.Close() })
			}
			vs = s
		case VectorBackendQdrant:
			var q *Qdrant
			q, err = NewQdrant(ctx, opts.Qdrant, ns, opts.EmbeddingDim, opts.Embed, opts.SparseEmbed)
			if q != nil {
				b.closers = append(b.closers, q.Close)
			}
			vs = q
		default:
			return fmt.Errorf("storage: unknown vector backend %q", opts.VectorBackend)
		}
		if err != nil {
			return fmt.Errorf("opening vector namespace %s: %w", ns, err)
		}
		if ns == "entities" {
			b.Entities = vs
		} else {
			b.Chunks = vs
		}
	}

	switch defaultStr(opts.KVBackend, KVBackendJSON) {
	case KVBackendJSON:
		var err error
		if b.FullDocs, err = NewJSONKV[FullDoc](opts.WorkingDir, NamespaceFullDocs, 0); err != nil {
			return err
		}
		if b.TextChunks, err = NewJSONKV[TextChunk](opts.WorkingDir, NamespaceTextChunks, 0); err != nil {
			return err
		}
		if b.CommunityReports, err = NewJSONKV[CommunityReport](opts.WorkingDir, NamespaceCommunityReports, 0); err != nil {
			return err
		}
		if b.LLMCache, err = NewJSONKV[CacheEntry](opts.WorkingDir, NamespaceLLMCache, opts.CacheTTL); err != nil {
			return err
		}
	case KVBackendRedis:
		ropts, err := redis.ParseURL(defaultStr(opts.RedisURL, "redis://localhost:6379/0"))
		if err != nil {
			return fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(ropts)
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fmt.Errorf("connecting to redis: %w", err)
		}
		b.redisClient = client
		b.closers = append(b.closers, func(context.Context) error { return client.Close() })
		b.FullDocs = NewRedisKV[FullDoc](client, opts.RedisPrefix, NamespaceFullDocs, 0)
		b.TextChunks = NewRedisKV[TextChunk](client, opts.RedisPrefix, NamespaceTextChunks, 0)
		b.CommunityReports = NewRedisKV[CommunityReport](client, opts.RedisPrefix, NamespaceCommunityReports, 0)
		b.LLMCache = NewRedisKV[CacheEntry](client, opts.RedisPrefix, NamespaceLLMCache, opts.CacheTTL)
	default:
		return fmt.Errorf("storage: unknown kv backend %q", opts.KVBackend)
	}

	return nil
}

// IndexDone flushes every backend after an indexing pass.
func (b *Backends) IndexDone(ctx context.Context) error {
	callbacks := []interface {
		IndexDoneCallback(context.Context) error
	}{}
	if b.Graph != nil {
		callbacks = append(callbacks, b.Graph)
	}
	if b.Entities != nil {
		callbacks = append(callbacks, b.Entities)
	}
	if b.Chunks != nil {
		callbacks = append(callbacks, b.Chunks)
	}
	if b.FullDocs != nil {
		callbacks = append(callbacks, b.FullDocs)
	}
	if b.TextChunks != nil {
		callbacks = append(callbacks, b.TextChunks)
	}
	if b.CommunityReports != nil {
		callbacks = append(callbacks, b.CommunityReports)
	}
	if b.LLMCache != nil {
		callbacks = append(callbacks, b.LLMCache)
	}
	for _, cb := range callbacks {
		if err := cb.IndexDoneCallback(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Snapshotters returns every backend that supports Dump/Load, keyed by a
// stable archive name. KV namespaces that are not natively file-backed are
// wrapped in archivers.
func (b *Backends) Snapshotters() map[string]Snapshotter {
	out := make(map[string]Snapshotter)
	if s, ok := b.Graph.(Snapshotter); ok {
		out["graph_"+b.Graph.Namespace()] = s
	}
	if b.Entities != nil {
		if s, ok := b.Entities.(Snapshotter); ok {
			out["vector_"+b.Entities.Namespace()] = s
		}
	}
	if b.Chunks != nil {
		if s, ok := b.Chunks.(Snapshotter); ok {
			out["vector_"+b.Chunks.Namespace()] = s
		}
	}
	out["kv_"+NamespaceFullDocs] = snapshotterForKV(b.FullDocs)
	out["kv_"+NamespaceTextChunks] = snapshotterForKV(b.TextChunks)
	out["kv_"+NamespaceCommunityReports] = snapshotterForKV(b.CommunityReports)
	out["kv_"+NamespaceLLMCache] = snapshotterForKV(b.LLMCache)
	return out
}

func snapshotterForKV[V any](kv KVStorage[V]) Snapshotter {
	if s, ok := kv.(Snapshotter); ok {
		return s
	}
	return NewKVArchiver(kv)
}

// Close shuts down every backend that holds a connection or file handle.
func (b *Backends) Close(ctx context.Context) error {
	var firstErr error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
