package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"

	"wikimap/api/internal/logging"
	"wikimap/api/internal/metrics"
)

const redisKeyPrefix = "wikimap:cache:"

// Redis is a Store shared by every API instance. Calls go through a circuit
// breaker so a dead Redis degrades to cache misses instead of slow requests.
type Redis struct {
	client  *redis.Client
	prefix  string
	breaker *gobreaker.CircuitBreaker[[]byte]
}

func NewRedis(redisURL string) (*Redis, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisWithClient(client), nil
}

func NewRedisWithClient(client *redis.Client) *Redis {
	return &Redis{
		client:  client,
		prefix:  redisKeyPrefix,
		breaker: newBreaker("redis-cache"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[[]byte] {
	return gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}

func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	hit := false
	value, err := r.breaker.Execute(func() ([]byte, error) {
		value, err := r.client.Get(ctx, r.prefix+key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		hit = true
		return value, nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", key, err)
	}
	return value, hit, nil
}

func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := r.breaker.Execute(func() ([]byte, error) {
		return nil, r.client.Set(ctx, r.prefix+key, value, ttl).Err()
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, key := range keys {
		full[i] = r.prefix + key
	}
	_, err := r.breaker.Execute(func() ([]byte, error) {
		return nil, r.client.Del(ctx, full...).Err()
	})
	if err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// DeletePrefix removes every key under prefix using SCAN, never KEYS.
func (r *Redis) DeletePrefix(ctx context.Context, prefix string) error {
	_, err := r.breaker.Execute(func() ([]byte, error) {
		iter := r.client.Scan(ctx, 0, r.prefix+prefix+"*", 200).Iterator()
		batch := make([]string, 0, 200)
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == cap(batch) {
				if err := r.client.Del(ctx, batch...).Err(); err != nil {
					return nil, err
				}
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return nil, err
		}
		if len(batch) > 0 {
			return nil, r.client.Del(ctx, batch...).Err()
		}
		return nil, nil
	})
	if err != nil {
		return fmt.Errorf("redis delete prefix %s: %w", prefix, err)
	}
	return nil
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
