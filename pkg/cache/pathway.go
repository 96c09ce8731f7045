// Package cache mirrors each project's top pathway into Redis so other services can read it
// without calling the API.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/stywzn/recon-orchestrator/internal/model"
)

const DefaultPrefix = "recon:pathway:"

// PathwayCache stores the latest hypothesis under <prefix><project_id> and announces it
// on the <prefix>updates channel.
type PathwayCache struct {
	cli    *redis.Client
	prefix string
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	MaxWait  time.Duration
}

// Connect pings Redis with exponential backoff before returning the cache.
func Connect(ctx context.Context, o Options) (*PathwayCache, error) {
	cli := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = o.MaxWait
	ping := func() error { return cli.Ping(ctx).Err() }
	if err := backoff.Retry(ping, backoff.WithContext(bo, ctx)); err != nil {
		cli.Close()
		return nil, fmt.Errorf("redis %s unreachable: %w", o.Addr, err)
	}
	return New(cli, o.Prefix), nil
}

func New(cli *redis.Client, prefix string) *PathwayCache {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &PathwayCache{cli: cli, prefix: prefix}
}

func (c *PathwayCache) key(projectID string) string { return c.prefix + projectID }

// Channel is the pub/sub channel carrying every published hypothesis.
func (c *PathwayCache) Channel() string { return c.prefix + "updates" }

// PublishPathway stores and announces h in one round trip.
func (c *PathwayCache) PublishPathway(ctx context.Context, h model.PathwayHypothesis) error {
	b, err := json.Marshal(h)
	if err != nil {
		return err
	}
	pipe := c.cli.TxPipeline()
	pipe.Set(ctx, c.key(h.ProjectID), b, 0)
	pipe.Publish(ctx, c.Channel(), b)
	_, err = pipe.Exec(ctx)
	return err
}

type clearNotice struct {
	ProjectID string `json:"project_id"`
	Cleared   bool   `json:"cleared"`
}

// ClearPathway deletes the stored hypothesis and announces {"project_id":..,"cleared":true}.
func (c *PathwayCache) ClearPathway(ctx context.Context, projectID string) error {
	b, err := json.Marshal(clearNotice{ProjectID: projectID, Cleared: true})
	if err != nil {
		return err
	}
	pipe := c.cli.TxPipeline()
	pipe.Del(ctx, c.key(projectID))
	pipe.Publish(ctx, c.Channel(), b)
	_, err = pipe.Exec(ctx)
	return err
}

func (c *PathwayCache) Close() error { return c.cli.Close() }
