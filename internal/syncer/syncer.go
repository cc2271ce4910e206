// Package syncer pulls upstream readings into the local history store, both
// on a fixed interval matching the sensors' native cadence and on demand,
// and keeps per-channel sync cursors so interrupted pulls resume where they
// left off.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Alaa-nl/phytod/internal/registry"
	"github.com/Alaa-nl/phytod/internal/series"
	"github.com/Alaa-nl/phytod/internal/store"
	"github.com/Alaa-nl/phytod/internal/upstream"
)

// ChannelStatus describes sync progress for one device channel.
type ChannelStatus struct {
	Quantity  string     `json:"quantity"`
	ChannelID string     `json:"channel_id"`
	Cursor    *time.Time `json:"cursor,omitempty"`
	Records   int        `json:"records"`
	Live      bool       `json:"live"`
}

// DeviceStatus is the admin-facing sync state of one device.
type DeviceStatus struct {
	DeviceID   string          `json:"device_id"`
	Crop       string          `json:"crop,omitempty"`
	Channels   []ChannelStatus `json:"channels"`
	LastSyncAt time.Time       `json:"last_sync_at,omitempty"`
	ErrorCount int             `json:"error_count"`
	LastError  string          `json:"last_error,omitempty"`
}

// Syncer periodically copies upstream readings into the history store.
type Syncer struct {
	store    store.Store
	fetcher  upstream.Fetcher
	registry *registry.Registry
	logger   *slog.Logger
	interval time.Duration
	hub      *Hub

	mu       sync.RWMutex
	lastSync map[string]time.Time
	errCount map[string]int
	lastErr  map[string]string

	now func() time.Time // injectable clock for tests
}

// New creates a syncer. interval is both the tick period and the seed
// lookback for channels that have never been synced.
func New(s store.Store, f upstream.Fetcher, reg *registry.Registry, interval time.Duration, hub *Hub, logger *slog.Logger) *Syncer {
	return &Syncer{
		store:    s,
		fetcher:  f,
		registry: reg,
		logger:   logger,
		interval: interval,
		hub:      hub,
		lastSync: make(map[string]time.Time),
		errCount: make(map[string]int),
		lastErr:  make(map[string]string),
		now:      time.Now,
	}
}

// Run blocks, syncing all devices every interval until ctx is cancelled.
// Individual device failures are recorded and logged, never fatal.
func (s *Syncer) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SyncAll(ctx)
		}
	}
}

// SyncAll runs SyncNow for every registered device and returns written
// counts keyed by device ID.
func (s *Syncer) SyncAll(ctx context.Context) map[string]int {
	written := make(map[string]int)
	for _, deviceID := range s.registry.Devices() {
		n, err := s.SyncNow(ctx, deviceID)
		written[deviceID] = n
		if err != nil {
			s.logger.Error("sync failed", "device_id", deviceID, "error", err)
		}
	}
	return written
}

// SyncNow fetches [cursor, now) for every channel of one device, appends
// into the history store, and advances each channel's cursor to the latest
// appended timestamp. On failure the cursor is left unchanged so the next
// run retries the same range.
func (s *Syncer) SyncNow(ctx context.Context, deviceID string) (int, error) {
	desc, err := s.registry.Current(deviceID)
	if err != nil {
		s.recordError(deviceID, err)
		return 0, err
	}

	now := s.now().UTC()
	var (
		written int
		errs    []error
	)

	for quantity, channelID := range desc.Channels {
		n, err := s.syncChannel(ctx, desc, quantity, channelID, now)
		written += n
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", quantity, err))
		}
	}

	s.mu.Lock()
	s.lastSync[deviceID] = now
	s.mu.Unlock()

	if len(errs) > 0 {
		err := errors.Join(errs...)
		s.recordError(deviceID, err)
		return written, err
	}
	return written, nil
}

func (s *Syncer) syncChannel(ctx context.Context, desc registry.Descriptor, quantity, channelID string, now time.Time) (int, error) {
	cursor, err := s.store.GetCursor(ctx, desc.DeviceID, channelID)
	if err != nil {
		return 0, err
	}

	start := now.Add(-s.interval)
	if cursor != nil {
		start = cursor.Position
	}
	if !start.Before(now) {
		return 0, nil
	}

	tr, err := series.NewTimeRange(start, now)
	if err != nil {
		return 0, err
	}

	readings, err := s.fetcher.Fetch(ctx, channelID, desc.SetupID, tr)
	if err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		// Sensor quiet or upstream lagging; leave the cursor so the range
		// is retried next tick.
		return 0, nil
	}

	if err := s.store.AppendReadings(ctx, desc.DeviceID, channelID, readings); err != nil {
		return 0, err
	}

	latest := readings[len(readings)-1].Timestamp
	if err := s.store.SetCursor(ctx, desc.DeviceID, channelID, latest); err != nil {
		return len(readings), err
	}

	if s.hub != nil {
		s.hub.Publish(Event{DeviceID: desc.DeviceID, Quantity: quantity, Readings: readings})
	}

	s.logger.Info("synced channel",
		"device_id", desc.DeviceID,
		"quantity", quantity,
		"readings", len(readings),
		"cursor", latest.Format(time.RFC3339),
	)
	return len(readings), nil
}

func (s *Syncer) recordError(deviceID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errCount[deviceID]++
	s.lastErr[deviceID] = err.Error()
}

// Status assembles per-device sync state from the store and the in-memory
// error counters. A channel is live when its cursor is within twice the
// sync interval of now.
func (s *Syncer) Status(ctx context.Context) ([]DeviceStatus, error) {
	now := s.now().UTC()
	var result []DeviceStatus

	for _, deviceID := range s.registry.Devices() {
		desc, err := s.registry.Current(deviceID)
		if err != nil {
			continue
		}

		ds := DeviceStatus{DeviceID: deviceID, Crop: desc.Crop}
		for quantity, channelID := range desc.Channels {
			cs := ChannelStatus{Quantity: quantity, ChannelID: channelID}
			if cursor, err := s.store.GetCursor(ctx, deviceID, channelID); err == nil && cursor != nil {
				pos := cursor.Position
				cs.Cursor = &pos
				cs.Live = now.Sub(pos) <= 2*s.interval
			}
			if count, err := s.store.CountReadings(ctx, deviceID, channelID); err == nil {
				cs.Records = count
			}
			ds.Channels = append(ds.Channels, cs)
		}

		s.mu.RLock()
		ds.LastSyncAt = s.lastSync[deviceID]
		ds.ErrorCount = s.errCount[deviceID]
		ds.LastError = s.lastErr[deviceID]
		s.mu.RUnlock()

		result = append(result, ds)
	}
	return result, nil
}
