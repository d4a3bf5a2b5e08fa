package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Redis shares the fixed window between server instances. The first
// INCR of a window sets its expiry; later ones leave it alone.
type Redis struct {
	rdb    *redis.Client
	limit  int64
	period time.Duration
	prefix string
}

// NewRedis creates a Redis backed limiter
func NewRedis(rdb *redis.Client, limit int, period time.Duration) *Redis {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if period <= 0 {
		period = DefaultWindow
	}
	return &Redis{rdb: rdb, limit: int64(limit), period: period, prefix: "rl:send:"}
}

// NewRedisClient connects to host:port
func NewRedisClient(host, port string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         host + ":" + port,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Allow counts one message. If Redis is unreachable the message is
// allowed: limiting is best effort.
func (l *Redis) Allow(ctx context.Context, userID int64) bool {
	key := l.prefix + strconv.FormatInt(userID, 10)

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, l.period)
	if _, err := pipe.Exec(ctx); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Redis.Allow",
			"user_id":  userID,
			"error":    err,
		}).Warn("Rate limiter unavailable, allowing message")
		return true
	}
	return incr.Val() <= l.limit
}
