package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
)

// qdrantMaxRecvBytes raises the gRPC receive cap: scrolling a large
// collection returns responses well past the 4MB default.
const qdrantMaxRecvBytes = 64 * 1024 * 1024

// QdrantConfig holds connection and hybrid-search settings for the Qdrant
// backend.
type QdrantConfig struct {
	Host   string
	Port   int
	APIKey string
	UseTLS bool

	HybridEnabled       bool
	RRFK                int // informational: Qdrant's RRF fusion fixes k=60
	SparseTopKMult      int
	DenseTopKMult       int
}

const (
	denseVectorName  = "dense"
	sparseVectorName = "sparse"
	// qdrantRRFK is Qdrant's fixed fusion constant. The configured rrf_k is
	// honored by backends that expose it; Qdrant does not, so anything else
	// degrades to 60 with a debug log.
	qdrantRRFK = 60
)

// Qdrant is the vector backend over the Qdrant gRPC client. Point ids are
// UUIDs derived from the record id (md5); the original id lives in the
// payload. When hybrid search is enabled, records carry a named dense and
// a named sparse vector and queries fuse both prefetches with RRF.
type Qdrant struct {
	namespace  string
	collection string
	cfg        QdrantConfig
	client     *qdrant.Client
	embed      EmbeddingFunc
	sparse     SparseEmbeddingFunc
	dim        int
}

// NewQdrant connects and ensures the collection exists. sparse may be nil
// when hybrid search is disabled.
func NewQdrant(ctx context.Context, cfg QdrantConfig, namespace string, dim int, embed EmbeddingFunc, sparse SparseEmbeddingFunc) (*Qdrant, error) {
	if embed == nil {
		return nil, fmt.Errorf("qdrant: embedding func is required")
	}
	if cfg.HybridEnabled && sparse == nil {
		return nil, fmt.Errorf("qdrant: hybrid search enabled but no sparse embedder")
	}
	if cfg.Port == 0 {
		cfg.Port = 6334
	}
	if cfg.SparseTopKMult <= 0 {
		cfg.SparseTopKMult = 2
	}
	if cfg.DenseTopKMult <= 0 {
		cfg.DenseTopKMult = 1
	}
	if cfg.RRFK > 0 && cfg.RRFK != qdrantRRFK {
		slog.Debug("qdrant: rrf_k is fixed by the backend, using default",
			"requested", cfg.RRFK, "effective", qdrantRRFK)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(grpc.MaxCallRecvMsgSize(qdrantMaxRecvBytes)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to qdrant: %w", err)
	}

	s := &Qdrant{
		namespace:  namespace,
		collection: "nanograph_" + namespace,
		cfg:        cfg,
		client:     client,
		embed:      embed,
		sparse:     sparse,
		dim:        dim,
	}
	if err := s.ensureCollection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Qdrant) Namespace() string { return s.namespace }

// Close shuts down the gRPC connection.
func (s *Qdrant) Close(ctx context.Context) error { return s.client.Close() }

func (s *Qdrant) ensureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("checking collection %s: %w", s.collection, err)
	}
	if exists {
		return nil
	}

	req := &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfigMap(map[string]*qdrant.VectorParams{
			denseVectorName: {
				Size:     uint64(s.dim),
				Distance: qdrant.Distance_Cosine,
			},
		}),
	}
	if s.cfg.HybridEnabled {
		req.SparseVectorsConfig = qdrant.NewSparseVectorsConfig(map[string]*qdrant.SparseVectorParams{
			sparseVectorName: {},
		})
	}
	if err := s.client.CreateCollection(ctx, req); err != nil {
		return fmt.Errorf("creating collection %s: %w", s.collection, err)
	}
	slog.Info("qdrant: created collection",
		"collection", s.collection, "dim", s.dim, "hybrid", s.cfg.HybridEnabled)
	return nil
}

// pointUUID derives a deterministic UUID-formatted id from a record id.
func pointUUID(id string) string {
	sum := md5.Sum([]byte(id))
	h := hex.EncodeToString(sum[:])
	return h[0:8] + "-" + h[8:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:32]
}

func payloadMap(id string, r VectorRecord) map[string]any {
	return map[string]any{
		"orig_id":               id,
		"content":               r.Content,
		"entity_name":           r.EntityName,
		"entity_type":           r.EntityType,
		"community_description": r.CommunityDescription,
	}
}

func (s *Qdrant) Upsert(ctx context.Context, records map[string]VectorRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]string, 0, len(records))
	texts := make([]string, 0, len(records))
	for id, r := range records {
		ids = append(ids, id)
		texts = append(texts, r.Content)
	}

	dense, err := s.embed(ctx, texts)
	if err != nil {
		return fmt.Errorf("embedding %d texts: %w", len(texts), err)
	}
	if len(dense) != len(texts) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(dense), len(texts))
	}

	var sparse []SparseVector
	if s.cfg.HybridEnabled {
		sparse, err = s.sparse(ctx, texts)
		if err != nil {
			return fmt.Errorf("sparse embedding %d texts: %w", len(texts), err)
		}
		if len(sparse) != len(texts) {
			return fmt.Errorf("sparse embedding count mismatch: got %d, want %d", len(sparse), len(texts))
		}
	}

	points := make([]*qdrant.PointStruct, len(ids))
	for i, id := range ids {
		vectors := map[string]*qdrant.Vector{
			denseVectorName: qdrant.NewVector(dense[i]...),
		}
		if s.cfg.HybridEnabled {
			vectors[sparseVectorName] = qdrant.NewVectorSparse(sparse[i].Indices, sparse[i].Values)
		}
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewID(pointUUID(id)),
			Vectors: qdrant.NewVectorsMap(vectors),
			Payload: qdrant.NewValueMap(payloadMap(id, records[id])),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Points:         points,
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return fmt.Errorf("upserting %d points: %w", len(points), err)
	}
	return nil
}

// UpdatePayload sets payload fields without touching vectors. Protected
// fields (content, embedding) are silently dropped with a debug log.
func (s *Qdrant) UpdatePayload(ctx context.Context, updates map[string]map[string]any) error {
	for id, fields := range updates {
		clean := make(map[string]any, len(fields))
		for field, value := range fields {
			if ProtectedPayloadField(field) {
				slog.Debug("qdrant: dropping protected payload field",
					"id", id, "field", field)
				continue
			}
			clean[field] = value
		}
		if len(clean) == 0 {
			continue
		}
		_, err := s.client.SetPayload(ctx, &qdrant.SetPayloadPoints{
			CollectionName: s.collection,
			Payload:        qdrant.NewValueMap(clean),
			PointsSelector: qdrant.NewPointsSelector(qdrant.NewID(pointUUID(id))),
			Wait:           qdrant.PtrOf(true),
		})
		if err != nil {
			return fmt.Errorf("setting payload for %s: %w", id, err)
		}
	}
	return nil
}

// Query runs dense KNN, or hybrid dense+sparse with server-side RRF fusion
// when enabled. Prefetch windows are widened by the configured top-k
// multipliers before fusion.
func (s *Qdrant) Query(ctx context.Context, text string, topK int) ([]ScoredPoint, error) {
	if topK <= 0 {
		topK = 10
	}
	dense, err := s.embed(ctx, []string{text})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(dense) == 0 {
		return nil, fmt.Errorf("embedding query returned no vectors")
	}

	req := &qdrant.QueryPoints{
		CollectionName: s.collection,
		Limit:          qdrant.PtrOf(uint64(topK)),
		WithPayload:    qdrant.NewWithPayload(true),
	}

	if s.cfg.HybridEnabled {
		sparse, err := s.sparse(ctx, []string{text})
		if err != nil {
			return nil, fmt.Errorf("sparse embedding query: %w", err)
		}
		if len(sparse) == 0 {
			return nil, fmt.Errorf("sparse embedding query returned no vectors")
		}
		req.Prefetch = []*qdrant.PrefetchQuery{
			{
				Query: qdrant.NewQueryDense(dense[0]),
				Using: qdrant.PtrOf(denseVectorName),
				Limit: qdrant.PtrOf(uint64(topK * s.cfg.DenseTopKMult)),
			},
			{
				Query: qdrant.NewQuerySparse(sparse[0].Indices, sparse[0].Values),
				Using: qdrant.PtrOf(sparseVectorName),
				Limit: qdrant.PtrOf(uint64(topK * s.cfg.SparseTopKMult)),
			},
		}
		req.Query = qdrant.NewQueryFusion(qdrant.Fusion_RRF)
	} else {
		req.Query = qdrant.NewQueryDense(dense[0])
		req.Using = qdrant.PtrOf(denseVectorName)
	}

	hits, err := s.client.Query(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("querying collection %s: %w", s.collection, err)
	}

	out := make([]ScoredPoint, 0, len(hits))
	for _, h := range hits {
		p := ScoredPoint{Score: float64(h.Score)}
		if v, ok := h.Payload["orig_id"]; ok {
			p.ID = v.GetStringValue()
		}
		if v, ok := h.Payload["content"]; ok {
			p.Payload.Content = v.GetStringValue()
		}
		if v, ok := h.Payload["entity_name"]; ok {
			p.Payload.EntityName = v.GetStringValue()
		}
		if v, ok := h.Payload["entity_type"]; ok {
			p.Payload.EntityType = v.GetStringValue()
		}
		if v, ok := h.Payload["community_description"]; ok {
			p.Payload.CommunityDescription = v.GetStringValue()
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Qdrant) Has(ctx context.Context, id string) (bool, error) {
	points, err := s.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: s.collection,
		Ids:            []*qdrant.PointId{qdrant.NewID(pointUUID(id))},
	})
	if err != nil {
		return false, fmt.Errorf("getting point %s: %w", id, err)
	}
	return len(points) > 0, nil
}

func (s *Qdrant) IndexDoneCallback(ctx context.Context) error { return nil }

// Dump exports all point payloads as JSON. Vectors are not exported:
// content is the embedding source and Load re-embeds deterministically
// through the configured embedding func.
func (s *Qdrant) Dump(ctx context.Context, dir string) error {
	records := make(map[string]VectorRecord)

	var offset *qdrant.PointId
	for {
		resp, err := s.client.GetPointsClient().Scroll(ctx, &qdrant.ScrollPoints{
			CollectionName: s.collection,
			Limit:          qdrant.PtrOf(uint32(256)),
			WithPayload:    qdrant.NewWithPayload(true),
			Offset:         offset,
		})
		if err != nil {
			return fmt.Errorf("scrolling collection %s: %w", s.collection, err)
		}
		for _, pt := range resp.GetResult() {
			payload := pt.GetPayload()
			id := payload["orig_id"].GetStringValue()
			if id == "" {
				continue
			}
			records[id] = VectorRecord{
				Content:              payload["content"].GetStringValue(),
				EntityName:           payload["entity_name"].GetStringValue(),
				EntityType:           payload["entity_type"].GetStringValue(),
				CommunityDescription: payload["community_description"].GetStringValue(),
			}
		}
		offset = resp.GetNextPageOffset()
		if offset == nil {
			break
		}
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling qdrant dump: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, s.namespace+".json"), data, 0o644)
}

// Load re-upserts all records from a Dump directory.
func (s *Qdrant) Load(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, s.namespace+".json"))
	if err != nil {
		return fmt.Errorf("reading qdrant dump: %w", err)
	}
	var records map[string]VectorRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parsing qdrant dump: %w", err)
	}
	return s.Upsert(ctx, records)
}
