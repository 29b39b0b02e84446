// Package gridcache memoizes interpolated grids by request fingerprint.
package gridcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/smukkama/aqgrid/internal/interpolation"
	"github.com/smukkama/aqgrid/internal/logging"
)

// ErrCacheCompute wraps failures of the compute function. Failed
// computations are never stored.
var ErrCacheCompute = errors.New("grid computation failed")

// ComputeFunc builds the grid for a fingerprint.
type ComputeFunc func(ctx context.Context, fp Fingerprint) (*interpolation.Grid, error)

// Observer receives cache events; metrics implement it.
type Observer interface {
	CacheHit(method string)
	CacheMiss(method string)
	CacheComputed(method string, d time.Duration, err error)
	CacheInvalidated(n int)
}

type nopObserver struct{}

func (nopObserver) CacheHit(string)                            {}
func (nopObserver) CacheMiss(string)                           {}
func (nopObserver) CacheComputed(string, time.Duration, error) {}
func (nopObserver) CacheInvalidated(int)                       {}

// TTLPolicy chooses an entry lifetime by method and request kind.
type TTLPolicy struct {
	LiveIDW     time.Duration
	LiveKriging time.Duration
	Historical  time.Duration
}

// DefaultTTLPolicy is 30s/2m for live requests and a day for history.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{LiveIDW: 30 * time.Second, LiveKriging: 2 * time.Minute, Historical: 24 * time.Hour}
}

// For returns the TTL of fp.
func (p TTLPolicy) For(fp Fingerprint) time.Duration {
	if !fp.Latest {
		return p.Historical
	}
	if fp.Method == interpolation.MethodKriging {
		return p.LiveKriging
	}
	return p.LiveIDW
}

// Config tunes a Cache.
type Config struct {
	TTL TTLPolicy

	// SnapInterval quantizes historical timestamps.
	SnapInterval time.Duration

	// Precision is the number of decimal places kept in bounding boxes.
	Precision int
}

// DefaultConfig snaps historical requests to the hour and boxes to 4 dp.
func DefaultConfig() Config {
	return Config{TTL: DefaultTTLPolicy(), SnapInterval: time.Hour, Precision: 4}
}

// Stats is a point-in-time view of cache activity.
type Stats struct {
	Entries       int    `json:"entries"`
	InFlight      int    `json:"in_flight"`
	Hits          uint64 `json:"hits"`
	Misses        uint64 `json:"misses"`
	Computations  uint64 `json:"computations"`
	Invalidations uint64 `json:"invalidations"`
}

type flight struct {
	fp Fingerprint
}

type entry struct {
	fp      Fingerprint
	grid    *interpolation.Grid
	expires time.Time
}

// Cache is an in-process fingerprint cache with at most one concurrent
// computation per fingerprint. An optional Store shares completed grids
// between processes.
type Cache struct {
	cfg Config
	l2  Store
	obs Observer
	log *slog.Logger
	now func() time.Time

	mu       sync.RWMutex
	entries  map[string]*entry
	inflight map[string]*flight
	epoch    uint64

	group singleflight.Group

	hits          atomic.Uint64
	misses        atomic.Uint64
	computations  atomic.Uint64
	invalidations atomic.Uint64
}

// New creates a Cache. l2, obs and log may be nil.
func New(cfg Config, l2 Store, obs Observer, log *slog.Logger) *Cache {
	if obs == nil {
		obs = nopObserver{}
	}
	return &Cache{
		cfg:      cfg,
		l2:       l2,
		obs:      obs,
		log:      logging.OrDiscard(log),
		now:      time.Now,
		entries:  make(map[string]*entry),
		inflight: make(map[string]*flight),
	}
}

// SetClock replaces the time source.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// Fingerprint canonicalizes spec. Live requests snap to the live TTL of
// their method so a window of requests shares one entry.
func (c *Cache) Fingerprint(spec interpolation.GridSpec, latest bool) Fingerprint {
	snap := c.cfg.SnapInterval
	if latest {
		snap = c.cfg.TTL.For(Fingerprint{Method: spec.Method, Latest: true})
	}
	return NewFingerprint(spec, latest, snap, c.cfg.Precision)
}

// GetOrCompute returns the cached grid for fp, computing it at most once
// across concurrent callers. A caller whose ctx ends stops waiting; the
// shared computation continues for the others.
func (c *Cache) GetOrCompute(ctx context.Context, fp Fingerprint, compute ComputeFunc) (*interpolation.Grid, error) {
	key := fp.Key()
	method := string(fp.Method)

	if g, ok := c.lookup(key); ok {
		c.hits.Add(1)
		c.obs.CacheHit(method)
		return g, nil
	}
	c.misses.Add(1)
	c.obs.CacheMiss(method)

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.fill(context.WithoutCancel(ctx), key, fp, compute)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*interpolation.Grid), nil
	}
}

func (c *Cache) fill(ctx context.Context, key string, fp Fingerprint, compute ComputeFunc) (*interpolation.Grid, error) {
	c.mu.Lock()
	epoch := c.epoch
	f := &flight{fp: fp}
	c.inflight[key] = f
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight[key] == f {
			delete(c.inflight, key)
		}
		c.mu.Unlock()
	}()

	// A flight that finished between our lookup and DoChan already stored it.
	if g, ok := c.lookup(key); ok {
		return g, nil
	}

	ttl := c.cfg.TTL.For(fp)

	if c.l2 != nil {
		g, ok, err := c.l2.Get(ctx, key)
		if err != nil {
			c.log.Warn("grid store read failed", "fingerprint", fp.String(), "error", err)
		} else if ok {
			c.store(key, fp, g, ttl, epoch)
			return g, nil
		}
	}

	start := c.now()
	g, err := compute(ctx, fp)
	c.computations.Add(1)
	c.obs.CacheComputed(string(fp.Method), c.now().Sub(start), err)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrCacheCompute, fp.String(), err)
	}

	if c.store(key, fp, g, ttl, epoch) && c.l2 != nil {
		if err := c.l2.Put(ctx, key, fp, g, ttl); err != nil {
			c.log.Warn("grid store write failed", "fingerprint", fp.String(), "error", err)
		}
	}
	return g, nil
}

// store inserts unless an invalidation ran since epoch was read.
func (c *Cache) store(key string, fp Fingerprint, g *interpolation.Grid, ttl time.Duration, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	c.entries[key] = &entry{fp: fp, grid: g, expires: c.now().Add(ttl)}
	return true
}

func (c *Cache) lookup(key string) (*interpolation.Grid, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expires) {
		c.mu.Lock()
		if cur, ok := c.entries[key]; ok && cur == e {
			delete(c.entries, key)
		}
		c.mu.Unlock()
		return nil, false
	}
	return e.grid, true
}

// Invalidate removes entries whose box overlaps bbox and whose snap window
// covers ts. A nil argument matches everything. In-flight computations
// that match are detached so later callers start fresh ones.
func (c *Cache) Invalidate(ctx context.Context, bbox *interpolation.BBox, ts *time.Time) int {
	return c.invalidate(ctx, func(fp Fingerprint) bool {
		if bbox != nil && !fp.BBox.Overlaps(*bbox) {
			return false
		}
		if ts != nil && !fp.Covers(ts.UTC()) {
			return false
		}
		return true
	})
}

// InvalidateSensors removes entries within radiusM of any location, the
// reach of a sensor whose calibration changed.
func (c *Cache) InvalidateSensors(ctx context.Context, locations [][2]float64, radiusM float64) int {
	if len(locations) == 0 {
		return 0
	}
	boxes := make([]interpolation.BBox, len(locations))
	for i, l := range locations {
		boxes[i] = interpolation.BBox{MinLat: l[0], MinLon: l[1], MaxLat: l[0], MaxLon: l[1]}.Expand(radiusM)
	}
	return c.invalidate(ctx, func(fp Fingerprint) bool {
		for _, b := range boxes {
			if fp.BBox.Overlaps(b) {
				return true
			}
		}
		return false
	})
}

func (c *Cache) invalidate(ctx context.Context, match func(Fingerprint) bool) int {
	c.mu.Lock()
	c.epoch++
	removed := 0
	for key, e := range c.entries {
		if match(e.fp) {
			delete(c.entries, key)
			removed++
		}
	}
	for key, f := range c.inflight {
		if match(f.fp) {
			c.group.Forget(key)
			delete(c.inflight, key)
		}
	}
	c.mu.Unlock()

	if c.l2 != nil {
		n, err := c.l2.Delete(ctx, match)
		if err != nil {
			c.log.Warn("grid store invalidation failed", "error", err)
		}
		if n > removed {
			removed = n
		}
	}

	c.invalidations.Add(1)
	c.obs.CacheInvalidated(removed)
	c.log.Info("grid cache invalidated", "removed", removed)
	return removed
}

// Sweep drops expired entries.
func (c *Cache) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Run sweeps every interval until ctx ends.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.log.Debug("swept expired grids", "removed", n)
			}
		}
	}
}

// Stats reports counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	entries, inflight := len(c.entries), len(c.inflight)
	c.mu.RUnlock()
	return Stats{
		Entries:       entries,
		InFlight:      inflight,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Computations:  c.computations.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
