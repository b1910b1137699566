// Package redis opens the Redis connection shared by the execution lock, the
// redis event bus and the consumer deduper.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowforge/sagaflow/pkg/config"
)

const (
	ModeSingle   = "single"
	ModeCluster  = "cluster"
	ModeSentinel = "sentinel"

	defaultDialTimeout = 5 * time.Second
)

type Client struct {
	rdb  redis.UniversalClient
	mode string
}

// NewClient connects according to cfg: a sentinel group when MasterName is
// set, a cluster when ClusterMode is set, otherwise the first address.
func NewClient(cfg *config.RedisConfig) (*Client, error) {
	if len(cfg.Addresses) == 0 {
		return nil, errors.New("redis: no addresses configured")
	}

	c := &Client{}
	c.rdb, c.mode = open(cfg)

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.Ping(ctx); err != nil {
		_ = c.rdb.Close()
		return nil, err
	}
	return c, nil
}

func open(cfg *config.RedisConfig) (redis.UniversalClient, string) {
	switch {
	case cfg.MasterName != "":
		return redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.Addresses,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolSize,
			DialTimeout:   cfg.DialTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			WriteTimeout:  cfg.WriteTimeout,
		}), ModeSentinel
	case cfg.ClusterMode:
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.Addresses,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), ModeCluster
	default:
		return redis.NewClient(&redis.Options{
			Addr:         cfg.Addresses[0],
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolSize,
			DialTimeout:  cfg.DialTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		}), ModeSingle
	}
}

func (c *Client) Client() redis.UniversalClient {
	return c.rdb
}

func (c *Client) Mode() string {
	return c.mode
}

// Ping reports whether the server answers; the admin API uses it as a
// health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s ping: %w", c.mode, err)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
