package sourcemap

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bingosuite/inspector/internal/logging"
)

// Cache keeps one decoded map per resolved source map URL. Concurrent loads
// of the same map share a single fetch.
type Cache struct {
	client  *http.Client
	timeout time.Duration
	opts    []LoadOption
	log     *zap.SugaredLogger

	group singleflight.Group

	mu   sync.RWMutex
	maps map[string]*SourceMap
}

// NewCache builds an empty cache. opts apply to every load it performs.
func NewCache(client *http.Client, fetchTimeout time.Duration, log *zap.SugaredLogger, opts ...LoadOption) *Cache {
	return &Cache{
		client:  client,
		timeout: fetchTimeout,
		opts:    opts,
		log:     logging.OrNop(log),
		maps:    make(map[string]*SourceMap),
	}
}

// cacheKey identifies a map by the URL it resolves to. A data: map has no
// location of its own and takes its sources' base from the compiled script,
// so the compiled URL is part of its key.
func cacheKey(sourceMapURL, compiledURL string) string {
	mapURL := completeURL(compiledURL, sourceMapURL)
	if strings.HasPrefix(mapURL, "data:") {
		return compiledURL + " " + mapURL
	}
	return mapURL
}

func (c *Cache) Get(sourceMapURL, compiledURL string) (*SourceMap, bool) {
	return c.get(cacheKey(sourceMapURL, compiledURL))
}

func (c *Cache) get(key string) (*SourceMap, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.maps[key]
	return m, ok
}

// Load returns the cached map for sourceMapURL as seen from compiledURL,
// fetching it on first use. Failed loads are not cached.
func (c *Cache) Load(ctx context.Context, sourceMapURL, compiledURL string) (*SourceMap, error) {
	key := cacheKey(sourceMapURL, compiledURL)
	if m, ok := c.get(key); ok {
		return m, nil
	}

	v, err, shared := c.group.Do(key, func() (any, error) {
		if m, ok := c.get(key); ok {
			return m, nil
		}

		loadCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			loadCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}

		m, err := Load(loadCtx, c.client, sourceMapURL, compiledURL, c.opts...)
		if err != nil {
			c.log.Warnw("Source map load failed", "url", truncateURL(key), "error", err)
			return nil, err
		}

		c.mu.Lock()
		c.maps[key] = m
		c.mu.Unlock()
		c.log.Debugw("Source map loaded", "url", truncateURL(key), "sources", len(m.sources), "mappings", len(m.mappings))
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.log.Debugw("Source map load shared", "url", truncateURL(key))
	}
	return v.(*SourceMap), nil
}

func (c *Cache) Forget(sourceMapURL, compiledURL string) {
	c.mu.Lock()
	delete(c.maps, cacheKey(sourceMapURL, compiledURL))
	c.mu.Unlock()
}

// URLs lists the cache keys in sorted order: the resolved map URL, prefixed
// with the compiled URL for data: maps.
func (c *Cache) URLs() []string {
	c.mu.RLock()
	urls := lo.Keys(c.maps)
	c.mu.RUnlock()
	slices.Sort(urls)
	return urls
}
