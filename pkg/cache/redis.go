package cache

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	URL     string
	Timeout time.Duration
}

// ConfigFromEnv reads REDIS_URL (e.g. redis://localhost:6379/0).
func ConfigFromEnv() Config {
	u := os.Getenv("REDIS_URL")
	if u == "" {
		u = "redis://localhost:6379/0"
	}
	return Config{URL: u, Timeout: 3 * time.Second}
}

// Connect builds a client from the URL and pings it once.
func Connect(cfg Config) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}
