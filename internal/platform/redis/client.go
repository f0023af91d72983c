// Package redis holds the Redis backed pieces of the worker: the per
// registration lock and the dead letter stream for parked events.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Client wraps the go-redis client with the worker's logger.
type Client struct {
	rdb    redis.UniversalClient
	logger zerolog.Logger
}

// NewClient connects to the Redis server at url (redis://host:port/db) and
// pings it before returning.
func NewClient(ctx context.Context, url string, logger zerolog.Logger) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}

	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("connected to redis")
	return &Client{rdb: rdb, logger: logger}, nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb redis.UniversalClient, logger zerolog.Logger) *Client {
	return &Client{rdb: rdb, logger: logger}
}

func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
