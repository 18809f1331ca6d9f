package database

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"secureconnect-callkit/internal/config"
)

// RedisDB wraps the Redis client used for realtime fanout
type RedisDB struct {
	Client *redis.Client
}

// NewRedisDB creates a new Redis client from config
func NewRedisDB(ctx context.Context, cfg *config.Config) (*RedisDB, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr(),
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		PoolSize:     10,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		DialTimeout:  5 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &RedisDB{Client: client}, nil
}

// Close closes the Redis client connection
func (r *RedisDB) Close() {
	r.Client.Close()
}
