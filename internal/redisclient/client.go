package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/adjust_stock.lua
var adjustStockScript string

//go:embed scripts/release_lock.lua
var releaseLockScript string

// Client caches stock levels for the cart soft check and holds per-cart checkout locks.
// The database stays authoritative for stock.
type Client struct {
	rdb           *redis.Client
	adjustScript  *redis.Script
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewFromRedis(rdb), nil
}

// NewFromRedis wraps an existing connection.
func NewFromRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		adjustScript:  redis.NewScript(adjustStockScript),
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

// SetStock overwrites the cached level of one product.
func (c *Client) SetStock(ctx context.Context, productID int64, available int) error {
	return c.rdb.Set(ctx, stockKey(productID), available, 0).Err()
}

// SyncStock overwrites the cached levels of many products in one round trip.
func (c *Client) SyncStock(ctx context.Context, levels map[int64]int) error {
	if len(levels) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for id, available := range levels {
		pipe.Set(ctx, stockKey(id), available, 0)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// GetStock returns the cached level. ok is false when the product is not cached.
func (c *Client) GetStock(ctx context.Context, productID int64) (available int, ok bool, err error) {
	raw, err := c.rdb.Get(ctx, stockKey(productID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	available, err = strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt stock cache for product %d: %w", productID, err)
	}
	return available, true, nil
}

// AdjustStock atomically applies delta to a cached level, clamping at zero.
// Products that are not cached are left alone.
func (c *Client) AdjustStock(ctx context.Context, productID int64, delta int) error {
	_, err := c.adjustScript.Run(ctx, c.rdb, []string{stockKey(productID)}, delta).Result()
	if err != nil {
		return fmt.Errorf("adjust stock script failed: %w", err)
	}
	return nil
}

// AcquireLock acquires a distributed lock and returns the token needed to release it.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", lockKey), token, ttl).Result()
	if err != nil || !ok {
		return "", false, err
	}
	return token, true, nil
}

// ReleaseLock releases a distributed lock if token still owns it.
func (c *Client) ReleaseLock(ctx context.Context, lockKey, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", lockKey)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}
