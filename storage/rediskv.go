package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV is the Redis-backed KV backend. Records are JSON-serialized and
// stored under "<prefix>:<namespace>:<id>" with the namespace TTL applied
// per key. GetByIDs uses a single MGET; FilterKeys a pipelined EXISTS.
type RedisKV[V any] struct {
	namespace string
	prefix    string
	ttl       time.Duration
	client    redis.UniversalClient
}

// NewRedisKV wraps an existing client for one namespace. The caller owns
// the client lifetime; multiple namespaces typically share one client.
func NewRedisKV[V any](client redis.UniversalClient, prefix, namespace string, ttl time.Duration) *RedisKV[V] {
	if prefix == "" {
		prefix = "nanograph"
	}
	return &RedisKV[V]{
		namespace: namespace,
		prefix:    prefix,
		ttl:       ttl,
		client:    client,
	}
}

func (s *RedisKV[V]) Namespace() string { return s.namespace }

func (s *RedisKV[V]) key(id string) string {
	return s.prefix + ":" + s.namespace + ":" + id
}

func (s *RedisKV[V]) GetByID(ctx context.Context, id string) (V, bool, error) {
	var zero V
	raw, err := s.client.Get(ctx, s.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return zero, false, nil
	}
	if err != nil {
		return zero, false, fmt.Errorf("redis get %s: %w", id, err)
	}
	var v V
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return zero, false, fmt.Errorf("decoding redis record %s: %w", id, err)
	}
	return v, true, nil
}

func (s *RedisKV[V]) GetByIDs(ctx context.Context, ids []string) ([]V, []bool, error) {
	vals := make([]V, len(ids))
	found := make([]bool, len(ids))
	if len(ids) == 0 {
		return vals, found, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.key(id)
	}
	raws, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("redis mget: %w", err)
	}
	for i, raw := range raws {
		str, ok := raw.(string)
		if !ok {
			continue // nil = missing key
		}
		if err := json.Unmarshal([]byte(str), &vals[i]); err != nil {
			return nil, nil, fmt.Errorf("decoding redis record %s: %w", ids[i], err)
		}
		found[i] = true
	}
	return vals, found, nil
}

func (s *RedisKV[V]) AllKeys(ctx context.Context) ([]string, error) {
	var keys []string
	pattern := s.key("*")
	skip := len(s.key(""))
	iter := s.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val()[skip:])
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("redis scan: %w", err)
	}
	return keys, nil
}

func (s *RedisKV[V]) FilterKeys(ctx context.Context, keys []string) ([]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.IntCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.Exists(ctx, s.key(k))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis exists pipeline: %w", err)
	}
	var missing []string
	for i, cmd := range cmds {
		if cmd.Val() == 0 {
			missing = append(missing, keys[i])
		}
	}
	return missing, nil
}

func (s *RedisKV[V]) Upsert(ctx context.Context, records map[string]V) error {
	if len(records) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for id, v := range records {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encoding redis record %s: %w", id, err)
		}
		pipe.Set(ctx, s.key(id), data, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis upsert pipeline: %w", err)
	}
	return nil
}

func (s *RedisKV[V]) DeleteByID(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, s.key(id)).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", id, err)
	}
	return nil
}

func (s *RedisKV[V]) Drop(ctx context.Context) error {
	keys, err := s.AllKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.key(k)
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return fmt.Errorf("redis drop %s: %w", s.namespace, err)
	}
	return nil
}

// IndexDoneCallback is a no-op: Redis writes are durable per command.
func (s *RedisKV[V]) IndexDoneCallback(ctx context.Context) error { return nil }
