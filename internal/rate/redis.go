package rate

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const redisTimeout = 250 * time.Millisecond

// RedisLimiter counts events in fixed windows shared by every server
// pointing at the same redis. Redis errors admit the request. Any server
// version with SET NX EX (2.6.12+) works.
type RedisLimiter struct {
	rdb    *redis.Client
	prefix string
	logger *log.Logger
}

func NewRedis(rdb *redis.Client, logger *log.Logger) *RedisLimiter {
	return &RedisLimiter{rdb: rdb, prefix: "whisper:rl", logger: logger}
}

// NewRedisClient builds a client for addr.
func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func (l *RedisLimiter) Allow(key string, limit int, window time.Duration) (bool, time.Duration) {
	if limit <= 0 || window <= 0 {
		return false, window
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()

	now := time.Now()
	slot := now.UnixNano() / int64(window)
	k := fmt.Sprintf("%s:%s:%d", l.prefix, key, slot)
	resetAt := time.Unix(0, (slot+1)*int64(window))

	// SET NX EX creates the window with its TTL and works on servers older
	// than 7.0, where EXPIRE has no NX flag.
	pipe := l.rdb.TxPipeline()
	pipe.SetNX(ctx, k, 0, window)
	incr := pipe.Incr(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil {
		if l.logger != nil {
			l.logger.Warn("rate limiter unavailable, allowing request", "key", key, "err", err)
		}
		return true, 0
	}
	if incr.Val() > int64(limit) {
		return false, resetAt.Sub(now)
	}
	return true, 0
}

func (l *RedisLimiter) Close() error {
	return l.rdb.Close()
}
