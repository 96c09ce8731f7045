package advisory

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cached memoizes lookups of an underlying source.
type Cached struct {
	src Source
	lru *expirable.LRU[string, []Advisory]
}

func NewCached(src Source, size int, ttl time.Duration) *Cached {
	if size <= 0 {
		size = 1024
	}
	return &Cached{
		src: src,
		lru: expirable.NewLRU[string, []Advisory](size, nil, ttl),
	}
}

func (c *Cached) Lookup(ctx context.Context, product, version string) ([]Advisory, error) {
	key := normalizeProduct(product) + "\x00" + version
	if advs, ok := c.lru.Get(key); ok {
		return advs, nil
	}
	advs, err := c.src.Lookup(ctx, product, version)
	if err != nil {
		return nil, err
	}
	c.lru.Add(key, advs)
	return advs, nil
}
