// Package router decides, per query, whether sensor data is served from the
// local history store, from a live upstream fetch behind the result cache,
// or from the last known good result when everything else fails.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alaa-nl/phytod/internal/cache"
	"github.com/Alaa-nl/phytod/internal/registry"
	"github.com/Alaa-nl/phytod/internal/series"
	"github.com/Alaa-nl/phytod/internal/store"
	"github.com/Alaa-nl/phytod/internal/upstream"
)

// ErrNoData means no source (history, live, or fallback) produced anything.
// Distinct from an empty-but-successful result.
var ErrNoData = errors.New("no data available")

// Source names where a result came from.
type Source string

const (
	SourceHistory  Source = "history"
	SourceLive     Source = "live"
	SourceFallback Source = "fallback"
)

// Result is an answered query.
type Result struct {
	DeviceID    string
	Quantity    string
	Aggregation series.Resolution
	Points      []series.Point
	Source      Source
	FetchedAt   time.Time
	Stale       bool          // true when served from last-known-good fallback
	Age         time.Duration // how old the fallback data is
}

// cached is what the live-result cache stores per query key.
type cached struct {
	points    []series.Point
	fetchedAt time.Time
}

// Options tunes routing behavior.
type Options struct {
	CacheTTL time.Duration // TTL for live results
	Liveness time.Duration // ranges ending within this of now are "live"
	Cadence  time.Duration // expected sensor sampling interval, for gap checks
}

// Router is the public query entry point of the pipeline.
type Router struct {
	registry *registry.Registry
	store    store.Store
	fetcher  upstream.Fetcher
	cache    *cache.Cache[cached]
	opts     Options
	logger   *slog.Logger

	mu       sync.RWMutex
	lastGood map[string]*Result // keyed device|quantity

	now func() time.Time // injectable clock for tests
}

// New creates a router. Zero option fields get sensor-cadence defaults.
func New(reg *registry.Registry, s store.Store, f upstream.Fetcher, opts Options, logger *slog.Logger) *Router {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = 5 * time.Minute
	}
	if opts.Liveness <= 0 {
		opts.Liveness = 5 * time.Minute
	}
	if opts.Cadence <= 0 {
		opts.Cadence = 5 * time.Minute
	}
	return &Router{
		registry: reg,
		store:    s,
		fetcher:  f,
		cache:    cache.New[cached](),
		opts:     opts,
		logger:   logger,
		lastGood: make(map[string]*Result),
		now:      time.Now,
	}
}

// CacheStats exposes the live-result cache counters.
func (r *Router) CacheStats() cache.Stats {
	return r.cache.Stats()
}

// Query answers one data request. Ranges ending before now minus the
// liveness threshold are served from history when it covers the range
// without gaps; everything else goes through the result cache to a live
// upstream fetch, with last-known-good fallback on upstream failure.
func (r *Router) Query(ctx context.Context, deviceID, quantity string, tr series.TimeRange, res series.Resolution) (*Result, error) {
	desc, channelID, err := r.resolveChannel(deviceID, quantity, tr)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()

	if tr.Till.Before(now.Add(-r.opts.Liveness)) {
		if result, ok := r.fromHistory(ctx, desc.DeviceID, channelID, quantity, tr, res); ok {
			return result, nil
		}
		// History is a best-effort cache of upstream, not a guarantee;
		// missing or gapped data falls through to a live fetch.
	}

	result, err := r.fromLive(ctx, desc, channelID, quantity, tr, res)
	if err == nil {
		r.setLastGood(deviceID, quantity, result)
		return result, nil
	}
	if !fallbackEligible(err) {
		return nil, err
	}

	r.logger.Warn("live fetch failed, attempting fallback",
		"device_id", deviceID, "quantity", quantity, "error", err)

	if lkg := r.getLastGood(deviceID, quantity, now); lkg != nil {
		return lkg, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrNoData, err)
}

// resolveChannel pins the descriptor that was authoritative when the range
// started, falling back to the current descriptor for ranges predating any
// configured window.
func (r *Router) resolveChannel(deviceID, quantity string, tr series.TimeRange) (registry.Descriptor, string, error) {
	desc, ch, err := r.registry.ResolveChannel(deviceID, quantity, tr.From)
	if err == nil {
		return desc, ch, nil
	}
	desc, derr := r.registry.Current(deviceID)
	if derr != nil {
		return registry.Descriptor{}, "", derr
	}
	ch, ok := desc.Channels[quantity]
	if !ok {
		return registry.Descriptor{}, "", fmt.Errorf("%w: device %q has no %q channel",
			registry.ErrUnknownDevice, deviceID, quantity)
	}
	return desc, ch, nil
}

func (r *Router) fromHistory(ctx context.Context, deviceID, channelID, quantity string, tr series.TimeRange, res series.Resolution) (*Result, bool) {
	readings, err := r.store.QueryReadings(ctx, deviceID, channelID, tr)
	if err != nil {
		r.logger.Warn("history query failed", "device_id", deviceID, "error", err)
		return nil, false
	}
	if !covers(readings, tr, r.opts.Cadence) {
		return nil, false
	}
	return &Result{
		DeviceID:    deviceID,
		Quantity:    quantity,
		Aggregation: res,
		Points:      series.Aggregate(readings, res),
		Source:      SourceHistory,
		FetchedAt:   r.now().UTC(),
	}, true
}

func (r *Router) fromLive(ctx context.Context, desc registry.Descriptor, channelID, quantity string, tr series.TimeRange, res series.Resolution) (*Result, error) {
	key := fmt.Sprintf("%s|%s|%d|%d|%s", desc.DeviceID, channelID, tr.From.Unix(), tr.Till.Unix(), res)

	// The fetch is shared across concurrent callers, so it must not die
	// with whichever caller happened to start it.
	fetchCtx := context.WithoutCancel(ctx)

	c, err := r.cache.GetOrFetch(key, r.opts.CacheTTL, func() (cached, error) {
		readings, err := r.fetcher.Fetch(fetchCtx, channelID, desc.SetupID, tr)
		if err != nil {
			return cached{}, err
		}
		return cached{points: series.Aggregate(readings, res), fetchedAt: r.now().UTC()}, nil
	})
	if err != nil {
		return nil, err
	}

	return &Result{
		DeviceID:    desc.DeviceID,
		Quantity:    quantity,
		Aggregation: res,
		Points:      c.points,
		Source:      SourceLive,
		FetchedAt:   c.fetchedAt,
	}, nil
}

func (r *Router) setLastGood(deviceID, quantity string, result *Result) {
	cp := *result
	r.mu.Lock()
	r.lastGood[deviceID+"|"+quantity] = &cp
	r.mu.Unlock()
}

func (r *Router) getLastGood(deviceID, quantity string, now time.Time) *Result {
	r.mu.RLock()
	lkg := r.lastGood[deviceID+"|"+quantity]
	r.mu.RUnlock()
	if lkg == nil {
		return nil
	}
	cp := *lkg
	cp.Source = SourceFallback
	cp.Stale = true
	cp.Age = now.Sub(lkg.FetchedAt)
	return &cp
}

// fallbackEligible reports whether an error class permits serving stale
// data. Bad input (unknown device, invalid range) never does.
func fallbackEligible(err error) bool {
	return errors.Is(err, upstream.ErrUnavailable) ||
		errors.Is(err, upstream.ErrRejected) ||
		errors.Is(err, upstream.ErrRateLimited) ||
		errors.Is(err, upstream.ErrMalformed)
}

// covers reports whether sorted readings span the whole range without an
// obvious gap: a non-empty sequence whose edges are within two sampling
// intervals of the range bounds and whose largest internal gap stays under
// three.
func covers(readings []series.Reading, tr series.TimeRange, cadence time.Duration) bool {
	if len(readings) == 0 {
		return false
	}
	if readings[0].Timestamp.Sub(tr.From) > 2*cadence {
		return false
	}
	if tr.Till.Sub(readings[len(readings)-1].Timestamp) > 2*cadence {
		return false
	}
	for i := 1; i < len(readings); i++ {
		if readings[i].Timestamp.Sub(readings[i-1].Timestamp) > 3*cadence {
			return false
		}
	}
	return true
}
