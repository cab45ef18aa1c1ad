package llm

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"log/slog"
	"strings"
)

// Cache is the narrow persistence contract for completion memoization.
// The engine backs it with the llm_response_cache KV namespace.
type Cache interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value, model string) error
}

type cachedProvider struct {
	inner Provider
	cache Cache
}

// WithCache memoizes completions through the cache. Hits short-circuit the
// call; misses write through on success only, so failures are never
// poisoned into the cache. Embeddings pass straight through. Cache errors
// degrade to uncached calls with a warning.
func WithCache(inner Provider, cache Cache) Provider {
	if cache == nil {
		return inner
	}
	return &cachedProvider{inner: inner, cache: cache}
}

// cacheKey hashes model, prompt and full history into a stable key.
func cacheKey(req CompleteRequest) string {
	var b strings.Builder
	b.WriteString(req.Model)
	b.WriteString("|")
	b.WriteString(req.System)
	b.WriteString("|")
	b.WriteString(req.Prompt)
	for _, m := range req.History {
		b.WriteString("|")
		b.WriteString(m.Role)
		b.WriteString(":")
		b.WriteString(m.Content)
	}
	sum := md5.Sum([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func (p *cachedProvider) Complete(ctx context.Context, req CompleteRequest) (string, error) {
	key := cacheKey(req)

	if value, ok, err := p.cache.Get(ctx, key); err != nil {
		slog.Warn("llm: cache read failed, calling provider", "error", err)
	} else if ok {
		slog.Debug("llm: cache hit", "key", key)
		return value, nil
	}

	out, err := p.inner.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if err := p.cache.Set(ctx, key, out, req.Model); err != nil {
		slog.Warn("llm: cache write failed", "key", key, "error", err)
	}
	return out, nil
}

func (p *cachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return p.inner.Embed(ctx, texts)
}
