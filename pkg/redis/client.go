package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/fern/pkg/metrics"
)

// Config holds Redis connection configuration
type Config struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Client wraps the Redis client with logging
type Client struct {
	rdb    redis.UniversalClient
	logger ectologger.Logger
}

// NewClient creates a new Redis client
func NewClient(cfg Config, logger ectologger.Logger) (*Client, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Infof("Connected to Redis at %s", addr)

	return NewClientFrom(rdb, logger), nil
}

// NewClientFrom wraps an existing go-redis client.
func NewClientFrom(rdb redis.UniversalClient, logger ectologger.Logger) *Client {
	return &Client{
		rdb:    rdb,
		logger: logger,
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks if Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	defer observe("ping", start)
	return c.rdb.Ping(ctx).Err()
}

func observe(operation string, start time.Time) {
	metrics.RedisOperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}
