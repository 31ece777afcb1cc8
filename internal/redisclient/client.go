package redisclient

import (
	"context"
	_ "embed"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client
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

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireOrderLock serializes settlement passes for one order. Concurrent
// webhook deliveries for the same order contend here, so two reconciliation
// passes cannot both pass the not-yet-split guard. Returns a release token;
// ok=false means another pass holds the lock.
func (c *Client) AcquireOrderLock(ctx context.Context, orderID int64, ttl time.Duration) (string, bool, error) {
	token := uuid.New().String()
	ok, err := c.rdb.SetNX(ctx, orderLockKey(orderID), token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire order lock: %w", err)
	}
	return token, ok, nil
}

// ReleaseOrderLock releases the lock only when the token still matches, so an
// expired-and-reacquired lock is never released by the old holder.
func (c *Client) ReleaseOrderLock(ctx context.Context, orderID int64, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{orderLockKey(orderID)}, token).Result()
	if err != nil {
		return fmt.Errorf("release order lock: %w", err)
	}
	return nil
}

func orderLockKey(orderID int64) string {
	return fmt.Sprintf("lock:order:%d", orderID)
}

// CacheQuote stores a computed quote amount under a selection hash.
func (c *Client) CacheQuote(ctx context.Context, key string, amount int64, ttl time.Duration) error {
	return c.rdb.Set(ctx, "quote:"+key, amount, ttl).Err()
}

// GetCachedQuote retrieves a cached quote amount. ok=false on miss.
func (c *Client) GetCachedQuote(ctx context.Context, key string) (int64, bool, error) {
	val, err := c.rdb.Get(ctx, "quote:"+key).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	amount, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("corrupt cached quote: %w", err)
	}
	return amount, true, nil
}
