package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"qazna.org/wallet/internal/obs"
)

// RedisCache caches provider rates in redis for ttl. When redis cannot be
// reached it serves straight from the provider.
type RedisCache struct {
	client redis.UniversalClient
	next   Provider
	ttl    time.Duration
	prefix string
	log    *zap.Logger
}

var _ Provider = (*RedisCache)(nil)

// Connect builds a client from a redis:// URL or a host:port address.
func Connect(addr string) (*redis.Client, error) {
	if strings.HasPrefix(addr, "redis://") || strings.HasPrefix(addr, "rediss://") {
		opt, err := redis.ParseURL(addr)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: addr}), nil
}

func NewRedisCache(client redis.UniversalClient, next Provider, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, next: next, ttl: ttl, prefix: "fx", log: obs.Logger()}
}

func (c *RedisCache) key(from, to string) string {
	return c.prefix + ":" + strings.ToUpper(from) + ":" + strings.ToUpper(to)
}

func (c *RedisCache) Rate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	key := c.key(from, to)
	cached, err := c.client.Get(ctx, key).Result()
	switch {
	case err == nil:
		if rate, perr := decimal.NewFromString(cached); perr == nil && rate.IsPositive() {
			return rate, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		c.log.Warn("fx cache unavailable", zap.String("key", key), zap.Error(err))
	}

	rate, err := c.next.Rate(ctx, from, to)
	if err != nil {
		return decimal.Zero, err
	}
	if err := c.client.Set(ctx, key, rate.String(), c.ttl).Err(); err != nil {
		c.log.Debug("fx cache write", zap.String("key", key), zap.Error(err))
	}
	return rate, nil
}
