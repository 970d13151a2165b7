package cmdlist

import (
	"context"
	stderrors "errors"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/c360/labctrl/errors"
)

type cacheEntry struct {
	text    string
	program []byte
	perr    *ParseError
}

// CacheStats counts cache lookups
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

// CachedCompiler memoizes an inner compiler. Both programs and syntax
// errors are cached; other failures are not.
type CachedCompiler struct {
	inner  Compiler
	cache  *lru.Cache[uint64, cacheEntry]
	hits   atomic.Uint64
	misses atomic.Uint64
}

// NewCachedCompiler wraps inner with an LRU of the given size
func NewCachedCompiler(inner Compiler, size int) (*CachedCompiler, error) {
	if size <= 0 {
		size = 64
	}
	cache, err := lru.New[uint64, cacheEntry](size)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CachedCompiler", "NewCachedCompiler", "create cache")
	}
	return &CachedCompiler{inner: inner, cache: cache}, nil
}

// Compile implements Compiler
func (c *CachedCompiler) Compile(ctx context.Context, text string) ([]byte, error) {
	key := xxhash.Sum64String(text)
	if e, ok := c.cache.Get(key); ok && e.text == text {
		c.hits.Add(1)
		if e.perr != nil {
			return nil, e.perr
		}
		return e.program, nil
	}
	c.misses.Add(1)

	program, err := c.inner.Compile(ctx, text)
	var perr *ParseError
	switch {
	case err == nil:
		c.cache.Add(key, cacheEntry{text: text, program: program})
	case stderrors.As(err, &perr):
		c.cache.Add(key, cacheEntry{text: text, perr: perr})
	}
	return program, err
}

// Stats returns hit and miss counts
func (c *CachedCompiler) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load()}
}

// Len returns the number of cached entries
func (c *CachedCompiler) Len() int {
	return c.cache.Len()
}
