package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mir00r/guardian-lb/pkg/logger"
)

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Address      string        `yaml:"address"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// RedisStore is a Store backed by a Redis server
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to Redis and verifies the connection
func NewRedisStore(ctx context.Context, config RedisConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Address,
		Password:     config.Password,
		DB:           config.DB,
		PoolSize:     config.PoolSize,
		DialTimeout:  config.DialTimeout,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

// Get implements domain.Store
func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set implements domain.Store
func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.client.Set(ctx, key, value, ttl).Err()
}

// Close implements domain.Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// ConfigureMemory applies the memory limit and eviction policy. A server
// refusing the limit is an error; a refused policy is only logged.
func (s *RedisStore) ConfigureMemory(ctx context.Context, maxMemory, policy string, log *logger.Logger) error {
	if maxMemory != "" {
		if err := s.client.ConfigSet(ctx, "maxmemory", maxMemory).Err(); err != nil {
			return fmt.Errorf("redis rejected maxmemory %q: %w", maxMemory, err)
		}
	}
	if policy != "" {
		if err := s.client.ConfigSet(ctx, "maxmemory-policy", policy).Err(); err != nil {
			log.CacheLogger().WithError(err).WithField("policy", policy).
				Warn("Redis rejected eviction policy, keeping server default")
		}
	}
	return nil
}
