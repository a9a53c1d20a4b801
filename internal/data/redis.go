// Package data provides the optional external fan-out: the Redis
// client, alert delivery channels and the event publisher.
package data

import (
	"context"
	"fmt"
	"time"

	"SkillGuard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
)

// NewRedisClient creates a new Redis client with connection pool
// configuration. It returns the client, a cleanup function, and an
// error. Connection failure does not prevent application startup
// (graceful degradation); with no address configured the client is nil
// and every Redis-backed feature stays off.
func NewRedisClient(c *conf.Data, logger log.Logger) (*redis.Client, func(), error) {
	helper := log.NewHelper(logger)

	if c == nil || c.Redis == nil || c.Redis.Addr == "" {
		helper.Info("Redis address not configured, running without Redis fan-out")
		return nil, func() {}, nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            c.Redis.Addr,
		PoolSize:        100,
		MinIdleConns:    10,
		DialTimeout:     3 * time.Second,
		ReadTimeout:     c.Redis.ReadTimeout,
		WriteTimeout:    c.Redis.WriteTimeout,
		ConnMaxIdleTime: 5 * time.Minute,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		helper.Warnf("Failed to connect to Redis at %s: %v (application will continue without Redis)", c.Redis.Addr, err)
		return rdb, func() {
			helper.Info("Closing Redis client (connection was unavailable)")
			_ = rdb.Close()
		}, fmt.Errorf("redis ping failed: %w", err)
	}

	helper.Infof("Successfully connected to Redis at %s", c.Redis.Addr)

	cleanup := func() {
		helper.Info("Closing Redis client")
		if err := rdb.Close(); err != nil {
			helper.Errorf("Failed to close Redis client: %v", err)
		}
	}

	return rdb, cleanup, nil
}
