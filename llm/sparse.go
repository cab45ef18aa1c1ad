package llm

import (
	"bytes"
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nanograph/nanograph/storage"
)

// SparseConfig configures the SPLADE-like sparse embedding service.
type SparseConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	Device  string `json:"device" yaml:"device"` // "", "cpu", "cuda:0", ...

	// TimeoutMS bounds each call; zero uses the 5s default.
	TimeoutMS int `json:"timeout_ms" yaml:"timeout_ms"`
	// BatchLimit caps texts per request; zero uses the default (32).
	BatchLimit int `json:"batch_limit" yaml:"batch_limit"`
}

const (
	defaultSparseTimeout    = 5 * time.Second
	defaultSparseBatchLimit = 32
	// sparseModelLRUSize caps loaded model clients: sparse models are
	// memory-heavy, so at most two live at once and the least recently
	// used one is evicted.
	sparseModelLRUSize = 2
)

// SparseEmbedder computes SPLADE-like sparse vectors over an HTTP model
// server. Model clients are created lazily and held in a process-wide LRU
// of two entries.
type SparseEmbedder struct {
	cfg     SparseConfig
	timeout time.Duration
	batch   int

	mu      sync.Mutex
	order   *list.List               // front = most recent
	clients map[string]*list.Element // model|device -> element holding *sparseClient
}

type sparseClient struct {
	key    string
	model  string
	device string
	http   *http.Client
}

// NewSparseEmbedder validates the configuration; no model is loaded until
// the first call.
func NewSparseEmbedder(cfg SparseConfig) (*SparseEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("llm: sparse embedder requires base_url")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: sparse embedder requires model")
	}
	timeout := defaultSparseTimeout
	if cfg.TimeoutMS > 0 {
		timeout = time.Duration(cfg.TimeoutMS) * time.Millisecond
	}
	batch := cfg.BatchLimit
	if batch <= 0 {
		batch = defaultSparseBatchLimit
	}
	return &SparseEmbedder{
		cfg:     cfg,
		timeout: timeout,
		batch:   batch,
		order:   list.New(),
		clients: make(map[string]*list.Element),
	}, nil
}

// client returns the LRU-cached client for the configured model, loading
// and evicting as needed.
func (e *SparseEmbedder) client() *sparseClient {
	key := e.cfg.Model + "|" + e.cfg.Device

	e.mu.Lock()
	defer e.mu.Unlock()

	if el, ok := e.clients[key]; ok {
		e.order.MoveToFront(el)
		return el.Value.(*sparseClient)
	}

	c := &sparseClient{
		key:    key,
		model:  e.cfg.Model,
		device: e.cfg.Device,
		http:   &http.Client{},
	}
	e.clients[key] = e.order.PushFront(c)

	for e.order.Len() > sparseModelLRUSize {
		oldest := e.order.Back()
		evicted := oldest.Value.(*sparseClient)
		e.order.Remove(oldest)
		delete(e.clients, evicted.key)
		evicted.http.CloseIdleConnections()
		slog.Debug("llm: evicted sparse model client", "model", evicted.key)
	}
	return c
}

type sparseRequest struct {
	Model  string   `json:"model"`
	Device string   `json:"device,omitempty"`
	Texts  []string `json:"texts"`
}

type sparseResponse struct {
	Vectors []struct {
		Indices []uint32  `json:"indices"`
		Values  []float32 `json:"values"`
	} `json:"vectors"`
}

// Embed returns one sparse vector per text, batching requests under the
// configured limit. Each batch runs under the call timeout.
func (e *SparseEmbedder) Embed(ctx context.Context, texts []string) ([]storage.SparseVector, error) {
	out := make([]storage.SparseVector, 0, len(texts))
	for start := 0; start < len(texts); start += e.batch {
		end := min(start+e.batch, len(texts))
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	if len(out) != len(texts) {
		return nil, fmt.Errorf("sparse embedding count mismatch: got %d, want %d", len(out), len(texts))
	}
	return out, nil
}

func (e *SparseEmbedder) embedBatch(ctx context.Context, texts []string) ([]storage.SparseVector, error) {
	c := e.client()

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	data, err := json.Marshal(sparseRequest{Model: c.model, Device: c.device, Texts: texts})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(callCtx, "POST",
		e.cfg.BaseURL+"/sparse_embed", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sparse embed request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading sparse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sparse embed error %d: %s", resp.StatusCode, string(body))
	}

	var parsed sparseResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decoding sparse response: %w", err)
	}
	vectors := make([]storage.SparseVector, len(parsed.Vectors))
	for i, v := range parsed.Vectors {
		vectors[i] = storage.SparseVector{Indices: v.Indices, Values: v.Values}
	}
	return vectors, nil
}
