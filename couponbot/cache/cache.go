package cache

import (
	"context"
	"sync"
	"time"

	"log/slog"

	lru "github.com/hashicorp/golang-lru"
	"github.com/nightcoffee/couponbot/couponbot/ledger"
	"github.com/sahilm/fuzzy"
)

const (
	// DefaultTTL bounds how stale a cached read may get before the next
	// access goes back to the ledger.
	DefaultTTL = 60 * time.Second

	stockCacheSize      = 1024
	maxAutocompleteHits = 25
)

// Source is the authoritative store the cache reads through. The cache
// is advisory: claim decisions never consult it.
type Source interface {
	ProjectNames(ctx context.Context) ([]string, error)
	Stock(ctx context.Context, project string) (int, error)
}

type stockEntry struct {
	count     int
	expiresAt time.Time
}

// Cache mirrors the project-name list and per-project stock counts for
// low-latency read paths (autocomplete, status panels). Entries expire
// after the TTL and are dropped immediately when the ledger reports a
// mutation through an Invalidation hint.
type Cache struct {
	source Source
	ttl    time.Duration
	now    func() time.Time

	mu       sync.RWMutex
	names    []string
	namesAt  time.Time
	hasNames bool

	stock *lru.Cache
}

func New(source Source, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stock, _ := lru.New(stockCacheSize)
	return &Cache{
		source: source,
		ttl:    ttl,
		now:    time.Now,
		stock:  stock,
	}
}

// SetClock overrides the time source for tests.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// ProjectNames returns the cached name list, refreshing it from the
// ledger when the TTL has lapsed. A refresh failure falls back to the
// stale list if one exists.
func (c *Cache) ProjectNames(ctx context.Context) ([]string, error) {
	c.mu.RLock()
	if c.hasNames && c.now().Sub(c.namesAt) < c.ttl {
		names := c.names
		c.mu.RUnlock()
		return names, nil
	}
	c.mu.RUnlock()

	if err := c.Refresh(ctx); err != nil {
		c.mu.RLock()
		defer c.mu.RUnlock()
		if c.hasNames {
			slog.Warn("Serving stale project names after refresh failure",
				slog.String("type", "sys"),
				slog.Any("error", err))
			return c.names, nil
		}
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.names, nil
}

// Refresh reloads the project-name list unconditionally. The periodic
// refresh loop calls this on its tick.
func (c *Cache) Refresh(ctx context.Context) error {
	names, err := c.source.ProjectNames(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.names = names
	c.namesAt = c.now()
	c.hasNames = true
	c.mu.Unlock()

	slog.Debug("Project name cache refreshed",
		slog.String("type", "sys"),
		slog.Int("projects", len(names)))
	return nil
}

// Stock returns a cached claimable-coupon count. The count is advisory
// and may lag the store by up to the TTL.
func (c *Cache) Stock(ctx context.Context, project string) (int, error) {
	if v, ok := c.stock.Get(project); ok {
		entry := v.(stockEntry)
		if c.now().Before(entry.expiresAt) {
			return entry.count, nil
		}
		c.stock.Remove(project)
	}

	count, err := c.source.Stock(ctx, project)
	if err != nil {
		return 0, err
	}

	c.stock.Add(project, stockEntry{
		count:     count,
		expiresAt: c.now().Add(c.ttl),
	})
	return count, nil
}

// Autocomplete fuzzy-matches the query against the cached project
// names, best matches first, capped at 25 suggestions. An empty query
// returns the head of the list.
func (c *Cache) Autocomplete(ctx context.Context, query string) ([]string, error) {
	names, err := c.ProjectNames(ctx)
	if err != nil {
		return nil, err
	}

	if query == "" {
		if len(names) > maxAutocompleteHits {
			names = names[:maxAutocompleteHits]
		}
		return names, nil
	}

	matches := fuzzy.Find(query, names)
	hits := make([]string, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, m.Str)
		if len(hits) == maxAutocompleteHits {
			break
		}
	}
	return hits, nil
}

// Apply drops whatever an Invalidation hint marks as stale. Callers
// invoke it with the hint returned by a ledger mutation.
func (c *Cache) Apply(inv ledger.Invalidation) {
	if inv.Projects {
		c.mu.Lock()
		c.hasNames = false
		c.mu.Unlock()
	}
	if inv.StockOf != "" {
		c.stock.Remove(inv.StockOf)
	}
}
