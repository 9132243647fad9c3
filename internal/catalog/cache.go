package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores JSON documents in redis with a fixed TTL. The zero value, a nil
// *Cache and a Cache without a client all behave as an always-miss cache.
type Cache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

func NewCache(rdb redis.Cmdable, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func (c *Cache) disabled() bool { return c == nil || c.rdb == nil }

// GetJSON decodes the document at key into dst and reports whether it was present.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if c.disabled() {
		return false, nil
	}
	raw, err := c.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// GetManyJSON fetches keys with one MGET and calls decode for each hit with
// the key's index. Misses are skipped.
func (c *Cache) GetManyJSON(ctx context.Context, keys []string, decode func(i int, raw []byte) error) error {
	if c.disabled() || len(keys) == 0 {
		return nil
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return err
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if err := decode(i, []byte(s)); err != nil {
			return fmt.Errorf("decode %s: %w", keys[i], err)
		}
	}
	return nil
}

// SetJSON stores v under key.
func (c *Cache) SetJSON(ctx context.Context, key string, v any) error {
	if c.disabled() {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, key, raw, c.ttl).Err()
}

// SetManyJSON writes several documents in a single pipeline.
func (c *Cache) SetManyJSON(ctx context.Context, docs map[string]any) error {
	if c.disabled() || len(docs) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		for key, v := range docs {
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			p.Set(ctx, key, raw, c.ttl)
		}
		return nil
	})
	return err
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if c.disabled() || len(keys) == 0 {
		return nil
	}
	return c.rdb.Del(ctx, keys...).Err()
}
