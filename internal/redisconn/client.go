// Package redisconn builds the Redis client backing the optional
// replication fan-out bus (internal/replication's redisBus), adapted from
// the teacher's redis/client.go connection wrapper.
package redisconn

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Connect dials addr and logs the outcome of an initial ping. A failed ping
// is returned as an error with a nil client; the caller (cmd/azsync-server)
// treats it as fatal so operators get an immediate signal for a
// misconfigured --redis-addr.
func Connect(log *zap.Logger, addr string) (*redis.Client, error) {
	log = log.Named("redis")
	opts := &redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := client.Ping(ctx).Err()
	elapsed := time.Since(start)
	if err != nil {
		log.Warn("connection failed", zap.String("addr", addr), zap.Error(err), zap.Duration("ping_rtt", elapsed))
		return nil, err
	}
	log.Info("connection established", zap.String("addr", addr), zap.Duration("ping_rtt", elapsed))
	return client, nil
}
