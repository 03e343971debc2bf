package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/leozw/credentials-manager/internal/db"
)

// Cache is a JSON read-through cache for rarely changing lookups.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCache(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) SetJSON(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, c.prefix+key, data, c.ttl).Err()
}

// GetJSON decodes a cached value into dest. It reports false on a miss.
func (c *Cache) GetJSON(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	return true, json.Unmarshal(data, dest)
}

// NetworkLimits returns the cached parsing types of a network, calling load
// on a miss. Cache failures fall back to load.
func (c *Cache) NetworkLimits(ctx context.Context, network string, load func(ctx context.Context) ([]*db.ParsingType, error)) ([]*db.ParsingType, error) {
	key := fmt.Sprintf("limits:%s", network)

	var cached []*db.ParsingType
	if ok, err := c.GetJSON(ctx, key, &cached); err == nil && ok {
		return cached, nil
	}

	types, err := load(ctx)
	if err != nil {
		return nil, err
	}

	_ = c.SetJSON(ctx, key, types)
	return types, nil
}
