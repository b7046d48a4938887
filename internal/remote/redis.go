package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisClient is the subset of *redis.Client the tier uses.
type redisClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

type redisStore struct {
	client redisClient
	ttl    time.Duration
}

func newRedisStore(cfg Config) (*redisStore, error) {
	addr := strings.TrimSpace(cfg.Endpoint)
	if addr == "" {
		return nil, fmt.Errorf("redis endpoint is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &redisStore{client: client, ttl: cfg.TTL}, nil
}

func (s *redisStore) Stat(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *redisStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Put stores data with the configured TTL; zero means no expiry.
func (s *redisStore) Put(ctx context.Context, key string, data []byte) error {
	return s.client.Set(ctx, key, data, s.ttl).Err()
}

func (s *redisStore) Close() error { return s.client.Close() }
