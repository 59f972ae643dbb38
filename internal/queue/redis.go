package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisDedupTTL bounds how long a fingerprint is remembered in the
// durable mirror; it only needs to outlive the 30s drain window plus a
// generous margin for a restart shortly after delivery (§4.4).
const redisDedupTTL = 24 * time.Hour

// RedisDedup mirrors the in-memory dedup window in Redis so the "recently
// sent" guard survives a process restart, not just a crash mid-send
// within the same run (§4.4, §9 Open Question). It is best-effort: a
// Redis outage degrades to the in-memory window rather than blocking
// delivery.
type RedisDedup struct {
	client *redis.Client
	logger *slog.Logger
	prefix string
}

// NewRedisDedup connects to a Redis instance at addr/db for durable
// fingerprint tracking.
func NewRedisDedup(addr string, db int, logger *slog.Logger) *RedisDedup {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisDedup{
		client: redis.NewClient(&redis.Options{Addr: addr, DB: db}),
		logger: logger,
		prefix: "m365proxy:sent:",
	}
}

// Close releases the underlying connection pool.
func (r *RedisDedup) Close() error {
	return r.client.Close()
}

func (r *RedisDedup) Seen(fingerprint string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	n, err := r.client.Exists(ctx, r.prefix+fingerprint).Result()
	if err != nil {
		r.logger.Warn("redis dedup check failed, falling back to in-memory window only",
			slog.String("error", err.Error()))
		return false
	}
	return n > 0
}

func (r *RedisDedup) Record(fingerprint string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.client.Set(ctx, r.prefix+fingerprint, time.Now().Unix(), redisDedupTTL).Err(); err != nil {
		r.logger.Warn("redis dedup record failed", slog.String("error", err.Error()))
	}
}
