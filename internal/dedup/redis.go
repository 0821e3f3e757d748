package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces guard keys in a shared Redis instance.
const keyPrefix = "processed_message:"

// Compile-time check that RedisGuard implements Guard.
var _ Guard = (*RedisGuard)(nil)

// RedisGuard implements Guard on a shared Redis instance. The client is
// constructed at process start, shared read-only thereafter, and closed
// at shutdown by the owner.
type RedisGuard struct {
	client *redis.Client

	// degraded records whether the last guard operation failed open.
	degraded atomic.Bool
}

// NewRedisGuard creates a guard backed by the Redis instance at url
// (e.g. "redis://localhost:6379"). The connection is verified up front.
func NewRedisGuard(ctx context.Context, url string) (*RedisGuard, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	slog.Debug("RedisGuard connected", "addr", opts.Addr)
	return &RedisGuard{client: client}, nil
}

// CheckAndMark implements Guard. SET NX EX is a single conditional set,
// so check and mark cannot race. Unreachable store fails open.
func (g *RedisGuard) CheckAndMark(ctx context.Context, messageID string) bool {
	first, err := g.client.SetNX(ctx, keyPrefix+messageID, "1", TTL).Result()
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("Idempotency guard degraded, failing open", "error", err, "message_id", messageID)
		return true
	}
	g.degraded.Store(false)
	if !first {
		slog.Info("Duplicate inbound message suppressed", "message_id", messageID)
	}
	return first
}

// Degraded reports whether the most recent guard operation failed open
// because Redis was unreachable.
func (g *RedisGuard) Degraded() bool {
	return g.degraded.Load()
}

// Close releases the underlying Redis connection.
func (g *RedisGuard) Close() error {
	return g.client.Close()
}
