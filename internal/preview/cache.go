package preview

import (
	"context"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"channelbot/internal/logx"
)

// Cache memoizes resolved previews per URL for the process lifetime.
// Concurrent callers for the same unresolved URL share one in-flight
// resolution; a failed resolution is returned to that call's waiters but is
// not cached, so a later publish of the same URL retries.
type Cache struct {
	resolver Resolver
	group    singleflight.Group
	store    *ristretto.Cache
	log      logx.Logger
}

func NewCache(resolver Resolver, log logx.Logger) (*Cache, error) {
	store, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Cache{resolver: resolver, store: store, log: log}, nil
}

// ResolvePreview returns the memoized preview for url, resolving it at most
// once no matter how many callers race on a cold key.
func (c *Cache) ResolvePreview(ctx context.Context, url string) (*Preview, error) {
	if v, ok := c.store.Get(url); ok {
		return v.(*Preview), nil
	}

	v, err, _ := c.group.Do(url, func() (any, error) {
		if v, ok := c.store.Get(url); ok {
			return v, nil
		}
		p, err := c.resolver.Resolve(ctx, url)
		if err != nil {
			c.log.Warn("preview resolution failed", logx.String("url", url), logx.Err(err))
			return nil, err
		}
		cost := int64(len(p.Title))
		if p.Image != nil {
			cost += int64(len(p.Image.Data)) + int64(len(p.Image.URL))
		}
		c.store.Set(url, p, cost)
		return p, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Preview), nil
}
