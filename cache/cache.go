// Package cache implements the caching middleware: operation-aware
// fingerprints, TinyLFU admission over a size-weighted LRU, per-operation
// TTL/TTI, single-flight coalescing and event-driven invalidation.
package cache

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	cachepit "github.com/cachepit/cachepit"
	"github.com/cachepit/cachepit/event"
	"github.com/cachepit/cachepit/metrics"
	"github.com/cachepit/cachepit/req"
	"github.com/cachepit/cachepit/s3ops"
)

// Config for the cache middleware.
type Config struct {
	Policy Policy
	// AccountScope keys ListBuckets entries; conventionally the upstream
	// access key id.
	AccountScope string
	// SweepInterval between eager expiry passes. Defaults to one second.
	SweepInterval time.Duration
	// SketchWidth sizes the frequency sketch. Defaults to 16384 slots.
	SketchWidth int
	// Logger to use. A new console-writer logger is used if nil.
	Logger *zerolog.Logger
	// Metrics sink; may be nil.
	Metrics *metrics.Metrics
	// Clock override for tests.
	Clock func() time.Time
}

// Cache is the caching middleware.
type Cache struct {
	mu    sync.Mutex
	store *store

	vers    *versions
	flights *flightGroup

	policy       Policy
	accountScope string

	log zerolog.Logger
	m   *metrics.Metrics
	now func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// New initializes the cache middleware and starts its background sweeper.
func New(config Config) *Cache {
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	logger = logger.With().Str("component", "cache").Logger()

	now := config.Clock
	if now == nil {
		now = time.Now
	}
	policy := config.Policy.withDefaults()

	c := &Cache{
		store:        newStore(policy.Capacity, policy.MaxEntrySize, config.SketchWidth, now, config.Metrics),
		vers:         newVersions(),
		flights:      newFlightGroup(),
		policy:       policy,
		accountScope: config.AccountScope,
		log:          logger,
		m:            config.Metrics,
		now:          now,
		stop:         make(chan struct{}),
	}

	interval := config.SweepInterval
	if interval <= 0 {
		interval = time.Second
	}
	go c.sweep(interval)

	return c
}

// Call implements the middleware contract.
func (c *Cache) Call(ctx context.Context, r *req.Request, next cachepit.Next) (resp *req.Response, err error) {
	op := s3ops.FromRequest(r)
	enabled, ttl, tti := c.policy.resolve(op.Tag)
	if !enabled {
		return next(ctx, r)
	}

	// An internal failure must not take the request down with it; fall back
	// to a plain passthrough and log.
	nextCalled := false
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Msg("Cache failure, passing request through")
			if nextCalled {
				err = fmt.Errorf("cache failed after contacting upstream: %v", p)
				return
			}
			resp, err = next(ctx, r)
		}
	}()

	shape := shapeOf(op, c.vers.snapshot(op), c.accountScope)
	fp := fingerprintOf(shape)

	c.mu.Lock()
	c.store.Touch(fp)
	hit, ok := c.store.Lookup(fp, shape)
	c.mu.Unlock()
	if ok {
		c.m.IncCacheHits()
		c.log.Trace().Str("fp", fp.String()).Str("op", op.Tag.String()).Msg("Cache hit")
		return c.hitResponse(hit), nil
	}
	c.m.IncCacheMisses()

	nextCalled = true
	res, _, err := c.flights.Do(ctx, fp, func(fctx context.Context) flightResult {
		resp, err := next(fctx, r)
		if err != nil {
			return flightResult{err: err}
		}
		if err := resp.Body.Materialize(0); err != nil {
			return flightResult{err: err}
		}
		fr := flightResult{status: resp.Status, header: resp.Header, body: resp.Body.Bytes()}
		c.absorb(fp, shape, fr, ttl, tti)
		return fr
	})
	if err != nil {
		// Caller gone; the fetch, if any, finishes detached.
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}

	// A 304 validates the stored body without carrying one. Serve the
	// refreshed entry when we still hold it; forward the 304 otherwise.
	if res.status == http.StatusNotModified {
		c.mu.Lock()
		hit, ok := c.store.Lookup(fp, shape)
		c.mu.Unlock()
		if ok {
			c.m.IncCacheHits()
			return c.hitResponse(hit), nil
		}
	}

	return missResponse(res), nil
}

// absorb applies a fetched response to the store. Only bounded success
// responses are admissible; errors and upstream failures never poison the
// cache.
func (c *Cache) absorb(fp Fingerprint, shape string, fr flightResult, ttl, tti time.Duration) {
	switch fr.status {
	case http.StatusOK, http.StatusPartialContent:
		c.mu.Lock()
		admitted := c.store.Admit(fp, shape, fr.status, storableHeader(fr.header), fr.body, ttl, tti)
		used := c.store.Used()
		c.mu.Unlock()
		c.log.Trace().
			Str("fp", fp.String()).
			Bool("admitted", admitted).
			Int64("used", used).
			Msg("Cache write considered")
	case http.StatusNotModified:
		c.mu.Lock()
		c.store.Refresh(fp, shape)
		c.mu.Unlock()
	}
}

// Subscribe starts consuming invalidation events; the consumer exits when
// the bus closes.
func (c *Cache) Subscribe(bus *event.Bus) {
	ch := bus.Subscribe()
	go func() {
		for ev := range ch {
			c.vers.apply(ev)
			c.m.IncInvalidations()
			c.log.Debug().
				Str("bucket", ev.Bucket).
				Str("key", ev.Key).
				Str("event", ev.Name).
				Msg("Applied invalidation event")
		}
	}()
}

// Close stops the background sweeper.
func (c *Cache) Close() error {
	c.stopOnce.Do(func() { close(c.stop) })
	return nil
}

// Used reports the summed weight of live entries.
func (c *Cache) Used() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Used()
}

// Len reports the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.Len()
}

func (c *Cache) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			removed := c.store.Sweep()
			c.mu.Unlock()
			if removed > 0 {
				c.log.Trace().Int("removed", removed).Msg("Swept expired entries")
			}
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) hitResponse(hit cached) *req.Response {
	resp := req.NewResponse(hit.status)
	copyHeader(resp.Header, hit.header)
	now := c.now()
	resp.Header.Set("Date", now.UTC().Format(http.TimeFormat))
	age := int64(now.Sub(hit.admittedAt) / time.Second)
	if age < 0 {
		age = 0
	}
	resp.Header.Set("Age", strconv.FormatInt(age, 10))
	resp.Header.Set("Cache-Status", "cachepit; hit")
	resp.Body = req.Finite(hit.body)
	return resp
}

func missResponse(fr flightResult) *req.Response {
	resp := req.NewResponse(fr.status)
	copyHeader(resp.Header, fr.header)
	resp.Header.Set("Cache-Status", "cachepit; fwd=miss")
	resp.Body = req.Finite(fr.body)
	return resp
}

// Connection-specific headers never belong in the store; they are regenerated
// per response.
var unstorableHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Transfer-Encoding",
	"Upgrade",
	"Trailer",
	"Date",
	"Age",
	"Cache-Status",
}

func storableHeader(h http.Header) http.Header {
	stored := h.Clone()
	for _, name := range unstorableHeaders {
		stored.Del(name)
	}
	return stored
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
