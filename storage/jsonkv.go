package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// JSONKV is the file-backed KV backend: one JSON file per namespace, the
// whole namespace held in memory and flushed on IndexDoneCallback. TTL is
// enforced lazily on read.
type JSONKV[V any] struct {
	namespace string
	path      string
	ttl       time.Duration

	mu      sync.RWMutex
	data    map[string]jsonKVEntry[V]
	dirty   bool
	nowFunc func() time.Time // test seam
}

type jsonKVEntry[V any] struct {
	Value     V     `json:"value"`
	ExpiresAt int64 `json:"expires_at,omitempty"` // unix seconds, 0 = no expiry
}

// NewJSONKV opens (or creates) the JSON store for a namespace under dir.
// ttl of zero means records never expire.
func NewJSONKV[V any](dir, namespace string, ttl time.Duration) (*JSONKV[V], error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating kv dir: %w", err)
	}
	s := &JSONKV[V]{
		namespace: namespace,
		path:      filepath.Join(dir, "kv_store_"+namespace+".json"),
		ttl:       ttl,
		data:      make(map[string]jsonKVEntry[V]),
		nowFunc:   time.Now,
	}
	if raw, err := os.ReadFile(s.path); err == nil {
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("parsing kv store %s: %w", s.path, err)
		}
		slog.Debug("jsonkv: loaded", "namespace", namespace, "records", len(s.data))
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading kv store %s: %w", s.path, err)
	}
	return s, nil
}

func (s *JSONKV[V]) Namespace() string { return s.namespace }

func (s *JSONKV[V]) expired(e jsonKVEntry[V]) bool {
	return e.ExpiresAt > 0 && s.nowFunc().Unix() >= e.ExpiresAt
}

func (s *JSONKV[V]) GetByID(ctx context.Context, id string) (V, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero V
	e, ok := s.data[id]
	if !ok || s.expired(e) {
		return zero, false, nil
	}
	return e.Value, true, nil
}

func (s *JSONKV[V]) GetByIDs(ctx context.Context, ids []string) ([]V, []bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vals := make([]V, len(ids))
	found := make([]bool, len(ids))
	for i, id := range ids {
		if e, ok := s.data[id]; ok && !s.expired(e) {
			vals[i] = e.Value
			found[i] = true
		}
	}
	return vals, found, nil
}

func (s *JSONKV[V]) AllKeys(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.data))
	for k, e := range s.data {
		if !s.expired(e) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// FilterKeys returns the subset of keys that are not already stored.
func (s *JSONKV[V]) FilterKeys(ctx context.Context, keys []string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	missing := make([]string, 0, len(keys))
	for _, k := range keys {
		if e, ok := s.data[k]; !ok || s.expired(e) {
			missing = append(missing, k)
		}
	}
	return missing, nil
}

func (s *JSONKV[V]) Upsert(ctx context.Context, records map[string]V) error {
	if len(records) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expires int64
	if s.ttl > 0 {
		expires = s.nowFunc().Add(s.ttl).Unix()
	}
	for k, v := range records {
		s.data[k] = jsonKVEntry[V]{Value: v, ExpiresAt: expires}
	}
	s.dirty = true
	return nil
}

func (s *JSONKV[V]) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[id]; ok {
		delete(s.data, id)
		s.dirty = true
	}
	return nil
}

func (s *JSONKV[V]) Drop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]jsonKVEntry[V])
	s.dirty = true
	return nil
}

// IndexDoneCallback flushes pending writes to disk.
func (s *JSONKV[V]) IndexDoneCallback(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}
	return s.flushLocked()
}

func (s *JSONKV[V]) flushLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling kv store %s: %w", s.namespace, err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing kv store %s: %w", s.namespace, err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replacing kv store %s: %w", s.namespace, err)
	}
	s.dirty = false
	return nil
}

// Dump writes the namespace as one JSON file into dir.
func (s *JSONKV[V]) Dump(ctx context.Context, dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]V, len(s.data))
	for k, e := range s.data {
		if !s.expired(e) {
			out[k] = e.Value
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling kv dump %s: %w", s.namespace, err)
	}
	return os.WriteFile(filepath.Join(dir, s.namespace+".json"), data, 0o644)
}

// Load restores the namespace from a Dump directory via Upsert semantics.
func (s *JSONKV[V]) Load(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, s.namespace+".json"))
	if err != nil {
		return fmt.Errorf("reading kv dump %s: %w", s.namespace, err)
	}
	var records map[string]V
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parsing kv dump %s: %w", s.namespace, err)
	}
	return s.Upsert(ctx, records)
}
