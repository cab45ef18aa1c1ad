// Package nanograph is a GraphRAG engine: documents go in, a knowledge
// graph with community structure and vectors comes out, and three query
// modes (local, global, naive) answer over it.
package nanograph

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nanograph/nanograph/backup"
	"github.com/nanograph/nanograph/chunker"
	"github.com/nanograph/nanograph/community"
	"github.com/nanograph/nanograph/extract"
	"github.com/nanograph/nanograph/graph"
	"github.com/nanograph/nanograph/llm"
	"github.com/nanograph/nanograph/loader"
	"github.com/nanograph/nanograph/query"
	"github.com/nanograph/nanograph/storage"
	"github.com/nanograph/nanograph/tokenizer"
	"github.com/nanograph/nanograph/vectorsync"
)

// Version is stamped into backup manifests.
const Version = "0.1.0"

// Engine wires the full pipeline over one working directory.
type Engine struct {
	cfg      Config
	backends *storage.Backends
	provider llm.Provider
	tok      tokenizer.Tokenizer

	chunker   *chunker.Chunker
	extractor *extract.Extractor
	merger    *graph.Merger
	syncer    *vectorsync.Syncer
	community *community.Engine
	planner   *query.Planner
	backup    *backup.Orchestrator
	loaders   *loader.Registry
}

// kvCache adapts the LLM cache namespace to the llm.Cache contract.
type kvCache struct {
	kv storage.KVStorage[storage.CacheEntry]
}

func (c *kvCache) Get(ctx context.Context, key string) (string, bool, error) {
	e, ok, err := c.kv.GetByID(ctx, key)
	return e.Return, ok, err
}

func (c *kvCache) Set(ctx context.Context, key, value, model string) error {
	return c.kv.Upsert(ctx, map[string]storage.CacheEntry{
		key: {Return: value, Model: model},
	})
}

// New opens all backends and wires the pipeline. Close releases them.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	tok, err := tokenizer.New("")
	if err != nil {
		slog.Warn("nanograph: tiktoken unavailable, using heuristic tokenizer", "error", err)
		tok = tokenizer.NewHeuristic()
	}

	base, err := llm.NewProvider(llm.Config{
		Provider:            cfg.LLM.Provider,
		Model:               cfg.LLM.Model,
		EmbeddingModel:      cfg.LLM.EmbeddingModel,
		BaseURL:             cfg.LLM.BaseURL,
		APIKey:              cfg.LLM.APIKey,
		StreamIdleTimeoutMS: cfg.LLM.StreamIdleTimeoutMS,
	})
	if err != nil {
		return nil, fmt.Errorf("creating llm provider: %w", err)
	}
	provider := llm.WithLimit(base, cfg.LLM.MaxConcurrent, cfg.LLM.EmbeddingMaxConcurrent)

	opts := cfg.storageOptions()
	opts.Embed = provider.Embed
	if cfg.Storage.HybridSearch.Enabled {
		sparse, err := llm.NewSparseEmbedder(llm.SparseConfig{
			BaseURL:   cfg.Storage.HybridSearch.BaseURL,
			Model:     cfg.Storage.HybridSearch.Model,
			Device:    cfg.Storage.HybridSearch.Device,
			TimeoutMS: cfg.Storage.HybridSearch.TimeoutMS,
		})
		if err != nil {
			return nil, fmt.Errorf("creating sparse embedder: %w", err)
		}
		opts.SparseEmbed = sparse.Embed
	}

	backends, err := storage.Open(ctx, opts)
	if err != nil {
		return nil, err
	}
	if cfg.LLM.CacheEnabled {
		// Cache sits outside the limiter so hits skip the semaphore.
		provider = llm.WithCache(provider, &kvCache{kv: backends.LLMCache})
	}

	ch, err := chunker.New(tok, chunker.Config{
		Strategy:  chunker.Strategy(cfg.Chunking.Strategy),
		TokenSize: cfg.Chunking.Size,
		Overlap:   cfg.Chunking.Overlap,
	})
	if err != nil {
		backends.Close(ctx)
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		backends: backends,
		provider: provider,
		tok:      tok,
		chunker:  ch,
		extractor: extract.New(provider, extract.Config{
			EntityTypes:             cfg.Extraction.EntityTypes,
			RelationPatterns:        cfg.relationPatterns(),
			MaxGleaning:             cfg.Extraction.MaxGleaning,
			MaxContinuationAttempts: cfg.Extraction.MaxContinuationAttempts,
			MaxEntities:             cfg.Extraction.MaxEntitiesPerChunk,
			MaxRelations:            cfg.Extraction.MaxRelationsPerChunk,
		}),
		merger: graph.NewMerger(provider, tok, graph.Config{
			SummaryMaxTokens: cfg.Extraction.SummaryMaxTokens,
		}),
		syncer: vectorsync.NewSyncer(backends.Graph, backends.Entities),
		community: community.NewEngine(provider, tok, backends.Graph, backends.CommunityReports, community.Config{
			MaxConcurrency:   int64(cfg.LLM.CommunityReportMaxConcurrency),
			ModelContext:     cfg.LLM.ModelContext,
			TokenBudgetRatio: cfg.LLM.CommunityReportTokenBudgetRatio,
			ChatOverhead:     cfg.LLM.CommunityReportChatOverhead,
		}),
		planner: query.NewPlanner(provider, tok,
			backends.Graph, backends.Entities, backends.Chunks,
			backends.TextChunks, backends.CommunityReports,
			query.Config{
				TopK:           cfg.Query.TopK,
				Level:          cfg.Query.Level,
				ResponseType:   cfg.Query.ResponseType,
				LocalTemplate:  cfg.Query.LocalTemplate,
				GlobalTemplate: cfg.Query.GlobalTemplate,
				EnableNaiveRAG: cfg.Query.EnableNaiveRAG,
			}),
		loaders: loader.NewRegistry(),
	}
	e.backup = backup.New(cfg.Backup.Dir, backends.Snapshotters(), map[string]string{
		"graph":  defaultBackend(cfg.Storage.GraphBackend, storage.GraphBackendMemory),
		"vector": defaultBackend(cfg.Storage.VectorBackend, storage.VectorBackendNano),
		"kv":     defaultBackend(cfg.Storage.KVBackend, storage.KVBackendJSON),
	}, Version, e.backupStats, cfg)
	return e, nil
}

func defaultBackend(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Close releases every backend connection.
func (e *Engine) Close(ctx context.Context) error {
	return e.backends.Close(ctx)
}

// ---------------------------------------------------------------------------
// Ingest
// ---------------------------------------------------------------------------

// IngestReport summarizes one ingest call.
type IngestReport struct {
	Total     int
	Succeeded int
	Failed    int
	Skipped   int // already ingested (content hash match)
	Errors    map[string]error
}

// Ingest runs the full pipeline over raw document contents. Documents
// process strictly sequentially; per-document failures are recorded and
// the rest continue.
func (e *Engine) Ingest(ctx context.Context, docs []string) (*IngestReport, error) {
	start := time.Now()
	report := &IngestReport{Total: len(docs), Errors: make(map[string]error)}

	// Dedup by content hash against the docs already stored.
	newDocs := make(map[string]string)
	var order []string
	for _, content := range docs {
		content = strings.TrimSpace(content)
		if content == "" {
			report.Failed++
			continue
		}
		id := storage.DocID(content)
		if _, seen := newDocs[id]; !seen {
			newDocs[id] = content
			order = append(order, id)
		}
	}
	newIDs, err := e.backends.FullDocs.FilterKeys(ctx, order)
	if err != nil {
		return report, fmt.Errorf("deduplicating documents: %w", err)
	}
	isNew := make(map[string]bool, len(newIDs))
	for _, id := range newIDs {
		isNew[id] = true
	}
	for _, id := range order {
		if !isNew[id] {
			report.Skipped++
		}
	}
	if len(newIDs) == 0 {
		slog.Info("nanograph: nothing new to ingest", "skipped", report.Skipped)
		return report, nil
	}

	docRecords := make(map[string]storage.FullDoc, len(newIDs))
	chunkInput := make(map[string]string, len(newIDs))
	for _, id := range newIDs {
		docRecords[id] = storage.FullDoc{Content: newDocs[id]}
		chunkInput[id] = newDocs[id]
	}
	if err := e.backends.FullDocs.Upsert(ctx, docRecords); err != nil {
		return report, fmt.Errorf("storing documents: %w", err)
	}

	chunks, err := e.chunker.GetChunks(chunkInput)
	if err != nil {
		return report, fmt.Errorf("chunking: %w", err)
	}
	if err := e.storeNewChunks(ctx, chunks); err != nil {
		return report, err
	}

	chunksByDoc := make(map[string]map[string]storage.TextChunk)
	for id, c := range chunks {
		if chunksByDoc[c.FullDocID] == nil {
			chunksByDoc[c.FullDocID] = make(map[string]storage.TextChunk)
		}
		chunksByDoc[c.FullDocID][id] = c
	}

	// Strictly sequential across documents; concurrency lives inside the
	// per-document extraction and under the LLM semaphore.
	for i, docID := range newIDs {
		slog.Info("nanograph: processing document",
			"doc", docID, "progress", fmt.Sprintf("%d/%d", i+1, len(newIDs)))
		if err := e.processDocument(ctx, docID, chunksByDoc[docID]); err != nil {
			slog.Error("nanograph: document failed", "doc", docID, "error", err)
			report.Failed++
			report.Errors[docID] = err
			continue
		}
		report.Succeeded++
	}

	if report.Succeeded > 0 {
		if err := e.community.GenerateReports(ctx); err != nil {
			return report, fmt.Errorf("community pass: %w", err)
		}
		if err := e.syncer.SyncCommunityPayloads(ctx); err != nil {
			return report, fmt.Errorf("community payload sync: %w", err)
		}
	}
	if err := e.backends.IndexDone(ctx); err != nil {
		return report, fmt.Errorf("flushing stores: %w", err)
	}

	slog.Info("nanograph: ingest complete",
		"total", report.Total, "succeeded", report.Succeeded,
		"failed", report.Failed, "skipped", report.Skipped,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return report, nil
}

// IngestFiles loads each path through the format registry and ingests
// the resulting texts.
func (e *Engine) IngestFiles(ctx context.Context, paths []string) (*IngestReport, error) {
	var docs []string
	for _, path := range paths {
		text, err := e.loaders.Load(ctx, path)
		if err != nil {
			if strings.Contains(err.Error(), "no loader") {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
			}
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		docs = append(docs, text)
	}
	return e.Ingest(ctx, docs)
}

// storeNewChunks dedups against the chunk KV, persists the new ones and
// mirrors them into the chunk vector store when naive RAG is on.
func (e *Engine) storeNewChunks(ctx context.Context, chunks map[string]storage.TextChunk) error {
	ids := make([]string, 0, len(chunks))
	for id := range chunks {
		ids = append(ids, id)
	}
	newIDs, err := e.backends.TextChunks.FilterKeys(ctx, ids)
	if err != nil {
		return fmt.Errorf("deduplicating chunks: %w", err)
	}
	if len(newIDs) == 0 {
		return nil
	}
	records := make(map[string]storage.TextChunk, len(newIDs))
	for _, id := range newIDs {
		records[id] = chunks[id]
	}
	if err := e.backends.TextChunks.Upsert(ctx, records); err != nil {
		return fmt.Errorf("storing chunks: %w", err)
	}
	if e.backends.Chunks != nil {
		vrecords := make(map[string]storage.VectorRecord, len(newIDs))
		for _, id := range newIDs {
			vrecords[id] = storage.VectorRecord{Content: records[id].Content}
		}
		if err := e.backends.Chunks.Upsert(ctx, vrecords); err != nil {
			return fmt.Errorf("%w: chunk vectors: %v", ErrVectorUpsertFailed, err)
		}
	}
	return nil
}

// processDocument extracts all chunks of one document, merges them into
// a single batch, commits it and syncs vectors. Chunk extraction runs
// concurrently; everything downstream is one atomic unit.
func (e *Engine) processDocument(ctx context.Context, docID string, chunks map[string]storage.TextChunk) error {
	if len(chunks) == 0 {
		return fmt.Errorf("%w: document has no chunks", ErrExtractionEmpty)
	}

	results := make([]*extract.Result, 0, len(chunks))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for id, chunk := range chunks {
		g.Go(func() error {
			r, err := e.extractor.ExtractChunk(gctx, id, chunk.Content)
			if err != nil {
				return fmt.Errorf("extracting chunk %s: %w", id, err)
			}
			mu.Lock()
			results = append(results, r)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	total := 0
	for _, r := range results {
		total += len(r.Nodes)
	}
	if total == 0 {
		return ErrExtractionEmpty
	}

	batch, err := e.merger.MergeDocument(ctx, e.backends.Graph, results)
	if err != nil {
		return fmt.Errorf("merging document: %w", err)
	}
	if err := e.backends.Graph.ExecuteDocumentBatch(ctx, batch); err != nil {
		return fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	if err := e.syncer.UpsertEntities(ctx, batch); err != nil {
		return fmt.Errorf("%w: %v", ErrVectorUpsertFailed, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Query, delete, backup
// ---------------------------------------------------------------------------

// Query answers in the given mode ("local" when empty).
func (e *Engine) Query(ctx context.Context, q string, mode query.Mode) (string, error) {
	return e.planner.Query(ctx, q, mode)
}

// Delete removes a document, its chunk records and, when the chunk
// vector backend supports deletion, its chunk vectors. Graph nodes stay:
// entity lifecycle is decoupled from document lifecycle.
func (e *Engine) Delete(ctx context.Context, docID string) error {
	_, ok, err := e.backends.FullDocs.GetByID(ctx, docID)
	if err != nil {
		return fmt.Errorf("looking up document: %w", err)
	}
	if !ok {
		return ErrDocumentNotFound
	}

	keys, err := e.backends.TextChunks.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing chunks: %w", err)
	}
	all, found, err := e.backends.TextChunks.GetByIDs(ctx, keys)
	if err != nil {
		return fmt.Errorf("loading chunks: %w", err)
	}
	var doomed []string
	for i, ok := range found {
		if ok && all[i].FullDocID == docID {
			doomed = append(doomed, keys[i])
		}
	}
	for _, id := range doomed {
		if err := e.backends.TextChunks.DeleteByID(ctx, id); err != nil {
			return fmt.Errorf("deleting chunk %s: %w", id, err)
		}
	}
	if e.backends.Chunks != nil {
		if deleter, ok := e.backends.Chunks.(interface {
			DeleteByIDs(ctx context.Context, ids []string) error
		}); ok {
			if err := deleter.DeleteByIDs(ctx, doomed); err != nil {
				return fmt.Errorf("deleting chunk vectors: %w", err)
			}
		} else {
			slog.Debug("nanograph: chunk vector backend has no delete, leaving vectors", "chunks", len(doomed))
		}
	}
	if err := e.backends.FullDocs.DeleteByID(ctx, docID); err != nil {
		return fmt.Errorf("deleting document: %w", err)
	}
	slog.Info("nanograph: document deleted", "doc", docID, "chunks", len(doomed))
	return nil
}

// Backup writes a .ngbak archive and returns its path.
func (e *Engine) Backup(ctx context.Context, id string) (string, error) {
	return e.backup.Create(ctx, id)
}

// Restore loads a .ngbak archive into the configured backends.
func (e *Engine) Restore(ctx context.Context, archivePath string) error {
	return e.backup.Restore(ctx, archivePath)
}

func (e *Engine) backupStats(ctx context.Context) (backup.Statistics, error) {
	var stats backup.Statistics
	gs, err := e.backends.Graph.Stats(ctx)
	if err != nil {
		return stats, err
	}
	stats.Entities = gs.Nodes
	stats.Relationships = gs.Edges
	if ids, err := e.backends.Graph.AllNodeIDs(ctx); err == nil {
		if nodes, err := e.backends.Graph.GetNodesBatch(ctx, ids); err == nil {
			for _, n := range nodes {
				if n != nil && n.HasVector {
					stats.Vectors++
				}
			}
		}
	}
	if keys, err := e.backends.FullDocs.AllKeys(ctx); err == nil {
		stats.Documents = len(keys)
	}
	if keys, err := e.backends.TextChunks.AllKeys(ctx); err == nil {
		stats.Chunks = len(keys)
	}
	if keys, err := e.backends.CommunityReports.AllKeys(ctx); err == nil {
		stats.Communities = len(keys)
	}
	return stats, nil
}
