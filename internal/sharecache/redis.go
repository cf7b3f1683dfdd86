// Package sharecache provides an optional Redis-backed cache for
// duplicate-share detection, pool/miner hashrate bucketing, and online
// worker tracking. It has no database of its own, so every key is
// addressed by the wallet/session strings the stratum layer already
// carries rather than by DB-assigned IDs.
package sharecache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Cache wraps a Redis client. A nil *Cache is valid and every method on
// it is a no-op returning a zero value, so callers can treat the cache
// as always-present and skip a separate "configured" check.
type Cache struct {
	client *redis.Client
}

// New connects to Redis and pings it to confirm reachability. Returns
// an error if cfg.Addr is unreachable; callers that want the cache to
// be optional should simply not call New when cfg.Addr is empty.
func New(cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("sharecache: connect to redis: %w", err)
	}
	return &Cache{client: client}, nil
}

// Close releases the underlying Redis connection.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	return c.client.Close()
}

// Ping checks Redis reachability, for wiring into internal/health.
func (c *Cache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.client.Ping(ctx).Err()
}

// CheckShareDuplicate reports whether a (wallet, job_id, nonce) triple
// has already been submitted within the last 5 minutes, recording it
// as seen in the same call.
func (c *Cache) CheckShareDuplicate(ctx context.Context, wallet, jobID, nonce string) (bool, error) {
	if c == nil {
		return false, nil
	}
	key := fmt.Sprintf("share:%s:%s:%s", wallet, jobID, nonce)
	set, err := c.client.SetNX(ctx, key, "1", 5*time.Minute).Result()
	if err != nil {
		return false, fmt.Errorf("sharecache: check duplicate: %w", err)
	}
	return !set, nil
}

// RecordShare accumulates a share's difficulty into 1-minute pool and
// per-wallet buckets, each expiring after 10 minutes.
func (c *Cache) RecordShare(ctx context.Context, wallet string, difficulty uint64) error {
	if c == nil {
		return nil
	}
	bucket := nowUnix() / 60

	pipe := c.client.Pipeline()
	poolKey := fmt.Sprintf("hashrate:pool:%d", bucket)
	pipe.IncrBy(ctx, poolKey, int64(difficulty))
	pipe.Expire(ctx, poolKey, 10*time.Minute)

	walletKey := fmt.Sprintf("hashrate:wallet:%s:%d", wallet, bucket)
	pipe.IncrBy(ctx, walletKey, int64(difficulty))
	pipe.Expire(ctx, walletKey, 10*time.Minute)

	_, err := pipe.Exec(ctx)
	return err
}

// GetPoolHashrate estimates pool hashrate (shares-weighted, H/s) over
// the last N minutes.
func (c *Cache) GetPoolHashrate(ctx context.Context, minutes int) (float64, error) {
	if c == nil {
		return 0, nil
	}
	return c.sumBucketsSince(ctx, "hashrate:pool", minutes)
}

// GetWalletHashrate estimates a single wallet's hashrate over the last
// N minutes.
func (c *Cache) GetWalletHashrate(ctx context.Context, wallet string, minutes int) (float64, error) {
	if c == nil {
		return 0, nil
	}
	return c.sumBucketsSince(ctx, fmt.Sprintf("hashrate:wallet:%s", wallet), minutes)
}

func (c *Cache) sumBucketsSince(ctx context.Context, prefix string, minutes int) (float64, error) {
	now := nowUnix() / 60
	var total int64
	for i := 0; i < minutes; i++ {
		bucket := now - int64(i)
		key := fmt.Sprintf("%s:%d", prefix, bucket)
		val, err := c.client.Get(ctx, key).Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("sharecache: read bucket %s: %w", key, err)
		}
		total += val
	}
	return float64(total) / float64(minutes*60), nil
}

// SetWorkerOnline marks a session as actively connected.
func (c *Cache) SetWorkerOnline(ctx context.Context, sessionID string) error {
	if c == nil {
		return nil
	}
	return c.client.SAdd(ctx, "sessions:online", sessionID).Err()
}

// SetWorkerOffline removes a session from the online set.
func (c *Cache) SetWorkerOffline(ctx context.Context, sessionID string) error {
	if c == nil {
		return nil
	}
	return c.client.SRem(ctx, "sessions:online", sessionID).Err()
}

// GetOnlineWorkerCount returns how many sessions are currently online.
func (c *Cache) GetOnlineWorkerCount(ctx context.Context) (int64, error) {
	if c == nil {
		return 0, nil
	}
	return c.client.SCard(ctx, "sessions:online").Result()
}

// PublishNewJob notifies subscribers that the broker rotated to a new
// job at the given height.
func (c *Cache) PublishNewJob(ctx context.Context, height int64) error {
	if c == nil {
		return nil
	}
	return c.client.Publish(ctx, "jobs:new", height).Err()
}

// SubscribeJobs returns a PubSub subscribed to new-job notifications.
// Returns nil if the cache is not configured; callers must check.
func (c *Cache) SubscribeJobs(ctx context.Context) *redis.PubSub {
	if c == nil {
		return nil
	}
	return c.client.Subscribe(ctx, "jobs:new")
}

func nowUnix() int64 {
	return time.Now().Unix()
}
