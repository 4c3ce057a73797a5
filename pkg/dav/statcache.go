package dav

import (
	"context"
	"os"

	lru "github.com/hashicorp/golang-lru/v2"
)

type contextKey struct{}

var statCacheKey contextKey

// statCache memoizes host stat calls by physical path for the duration
// of a single request. The handler installs a fresh cache per request;
// entries never cross request boundaries.
type statCache struct {
	c *lru.Cache[string, os.FileInfo]
}

func newStatCache() *statCache {
	c, err := lru.New[string, os.FileInfo](1024)
	if err != nil {
		// Only reachable with a non-positive size.
		panic(err)
	}
	return &statCache{c: c}
}

// WithStatCache returns a context carrying a fresh per-request cache.
func WithStatCache(ctx context.Context) context.Context {
	return context.WithValue(ctx, statCacheKey, newStatCache())
}

// statPath stats a physical path through the request's cache when one
// is present. Only successful results are inserted.
func statPath(ctx context.Context, phys string) (os.FileInfo, error) {
	sc, _ := ctx.Value(statCacheKey).(*statCache)
	if sc == nil {
		return os.Stat(phys)
	}
	if fi, ok := sc.c.Get(phys); ok {
		return fi, nil
	}
	fi, err := os.Stat(phys)
	if err != nil {
		return nil, err
	}
	sc.c.Add(phys, fi)
	return fi, nil
}
