package chunkstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/sushant-115/versiondb/core/transaction"
)

// RedisConfig selects the Redis server holding chunks.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Redis stores chunks as plain keys with no expiry.
type Redis struct {
	client *redis.Client
	prefix string
}

func NewRedis(cfg RedisConfig) *Redis {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "versiondb:chunk:"
	}
	return &Redis{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		prefix: prefix,
	}
}

// Ping checks the server is reachable.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Redis) Put(ctx context.Context, data []byte) (string, error) {
	hash := transaction.ContentHash(data)
	// SetNX keeps the first copy; content addressing makes every copy identical.
	if err := s.client.SetNX(ctx, s.prefix+hash, data, 0).Err(); err != nil {
		return "", fmt.Errorf("failed to put chunk %s: %w", hash, err)
	}
	return hash, nil
}

func (s *Redis) Get(ctx context.Context, hash string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", transaction.ErrChunkNotFound, hash)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %s: %w", hash, err)
	}
	return data, nil
}

func (s *Redis) Close() error {
	return s.client.Close()
}
