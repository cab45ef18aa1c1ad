package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// kvArchiver adapts any KVStorage to the Snapshotter contract for backends
// that have no file of their own (Redis). Dump reads every record through
// the storage interface; Load replays them through Upsert so namespace TTL
// and key layout are re-applied by the live backend.
type kvArchiver[V any] struct {
	kv KVStorage[V]
}

// NewKVArchiver wraps a KV namespace as a Snapshotter.
func NewKVArchiver[V any](kv KVStorage[V]) Snapshotter {
	return &kvArchiver[V]{kv: kv}
}

func (a *kvArchiver[V]) Dump(ctx context.Context, dir string) error {
	keys, err := a.kv.AllKeys(ctx)
	if err != nil {
		return fmt.Errorf("listing %s keys: %w", a.kv.Namespace(), err)
	}
	out := make(map[string]V, len(keys))
	// Page the reads so a large namespace does not need one giant MGET.
	const page = 500
	for start := 0; start < len(keys); start += page {
		end := min(start+page, len(keys))
		vals, found, err := a.kv.GetByIDs(ctx, keys[start:end])
		if err != nil {
			return fmt.Errorf("reading %s records: %w", a.kv.Namespace(), err)
		}
		for i, ok := range found {
			if ok {
				out[keys[start+i]] = vals[i]
			}
		}
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling %s archive: %w", a.kv.Namespace(), err)
	}
	return os.WriteFile(filepath.Join(dir, a.kv.Namespace()+".json"), data, 0o644)
}

func (a *kvArchiver[V]) Load(ctx context.Context, dir string) error {
	raw, err := os.ReadFile(filepath.Join(dir, a.kv.Namespace()+".json"))
	if err != nil {
		return fmt.Errorf("reading %s archive: %w", a.kv.Namespace(), err)
	}
	var records map[string]V
	if err := json.Unmarshal(raw, &records); err != nil {
		return fmt.Errorf("parsing %s archive: %w", a.kv.Namespace(), err)
	}
	return a.kv.Upsert(ctx, records)
}
