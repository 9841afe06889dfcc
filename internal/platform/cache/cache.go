// Package cache holds the Redis-backed caches shared by service instances.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cmdable is the subset of the Redis client the caches use.
type Cmdable interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

const pricePrefix = "rxrules:price:"

// PriceCache stores base unit prices by price list id.
type PriceCache struct {
	rdb Cmdable
	ttl time.Duration
}

func NewPriceCache(rdb Cmdable, ttl time.Duration) *PriceCache {
	return &PriceCache{rdb: rdb, ttl: ttl}
}

func priceKey(priceListID string) string {
	return pricePrefix + priceListID
}

// GetPrice returns the cached price and whether it was present.
func (c *PriceCache) GetPrice(ctx context.Context, priceListID string) (float64, bool, error) {
	v, err := c.rdb.Get(ctx, priceKey(priceListID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get cached price: %w", err)
	}
	price, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false, fmt.Errorf("decode cached price %q: %w", v, err)
	}
	return price, true, nil
}

func (c *PriceCache) SetPrice(ctx context.Context, priceListID string, price float64) error {
	v := strconv.FormatFloat(price, 'f', -1, 64)
	if err := c.rdb.Set(ctx, priceKey(priceListID), v, c.ttl).Err(); err != nil {
		return fmt.Errorf("set cached price: %w", err)
	}
	return nil
}

func (c *PriceCache) DeletePrice(ctx context.Context, priceListID string) error {
	if err := c.rdb.Del(ctx, priceKey(priceListID)).Err(); err != nil {
		return fmt.Errorf("delete cached price: %w", err)
	}
	return nil
}

func (c *PriceCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
