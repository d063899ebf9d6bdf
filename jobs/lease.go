package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease decides which replica runs a sweep. Sweeps are safe to run on every
// replica at once; the lease only avoids duplicate work.
type Lease interface {
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
}

// LocalLease always grants. It is used by single-process deployments.
type LocalLease struct{}

func (LocalLease) Acquire(context.Context, string, time.Duration) (bool, error) { return true, nil }

// RedisLease grants a named lease to one holder until its ttl lapses.
type RedisLease struct {
	client *redis.Client
	holder string
}

func NewRedisLease(client *redis.Client, holder string) *RedisLease {
	return &RedisLease{client: client, holder: holder}
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("jobs: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// Acquire takes the lease or renews it when this holder already owns it.
func (l *RedisLease) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	key := "carflow:lease:" + name
	ok, err := l.client.SetNX(ctx, key, l.holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("jobs: acquire lease %s: %w", name, err)
	}
	if ok {
		return true, nil
	}

	owner, err := l.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("jobs: read lease %s: %w", name, err)
	}
	if owner != l.holder {
		return false, nil
	}
	if err := l.client.PExpire(ctx, key, ttl).Err(); err != nil {
		return false, fmt.Errorf("jobs: renew lease %s: %w", name, err)
	}
	return true, nil
}
