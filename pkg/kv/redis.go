package kv

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
)

// DefaultCeiling caps keys returned from a single prefix listing. It mirrors
// the per-call list limit of the hosted KV namespace this layout originated
// on, so existing data stays interoperable.
const DefaultCeiling = 1000

// RedisStore implements Store on a Redis string namespace.
type RedisStore struct {
	client  *redis.Client
	ceiling int
}

// NewRedisStore builds a Redis-backed store. ceiling <= 0 selects
// DefaultCeiling.
func NewRedisStore(addr, password string, ceiling int) (*RedisStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, fmt.Errorf("kv: redis addr required")
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		ceiling: ceiling,
	}, nil
}

// Put unconditionally upserts the value at key.
func (s *RedisStore) Put(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("kv: put %q: %w", key, err)
	}
	return nil
}

// Get returns the value at key, or ErrKeyNotFound.
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("kv: get %q: %w", key, err)
	}
	return val, nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("kv: delete %q: %w", key, err)
	}
	return nil
}

// ListByPrefix returns up to min(limit, ceiling) keys with the given prefix
// in ascending lexicographic order. SCAN yields keys unordered, so the full
// match set is collected and sorted before truncation.
func (s *RedisStore) ListByPrefix(ctx context.Context, prefix string, limit int) ([]string, error) {
	if limit <= 0 || limit > s.ceiling {
		limit = s.ceiling
	}
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeMatch(prefix)+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("kv: list %q: %w", prefix, err)
	}
	sort.Strings(keys)
	if len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Ceiling reports the per-call listing cap.
func (s *RedisStore) Ceiling() int {
	return s.ceiling
}

// escapeMatch quotes glob metacharacters so a literal prefix never acts as
// a pattern.
func escapeMatch(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`, `\`, `\\`)
	return r.Replace(s)
}
