package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alaa-nl/phytod/internal/series"
)

const maxBackfillDays = 365

// Backfill seeds history predating the live cursor with up to days of past
// readings for one device. It only fetches the span before the oldest
// reading already stored, so re-running a backfill over data that is partly
// present touches upstream just for the missing prefix. The live sync
// cursor is never modified.
func (s *Syncer) Backfill(ctx context.Context, deviceID string, days int) (int, error) {
	if days < 1 || days > maxBackfillDays {
		return 0, fmt.Errorf("backfill days must be between 1 and %d, got %d", maxBackfillDays, days)
	}

	desc, err := s.registry.Current(deviceID)
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	from := now.AddDate(0, 0, -days)

	var (
		written int
		errs    []error
	)
	for quantity, channelID := range desc.Channels {
		n, err := s.backfillChannel(ctx, desc.DeviceID, desc.SetupID, channelID, from, now)
		written += n
		if err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", quantity, err))
		}
	}

	if len(errs) > 0 {
		return written, errors.Join(errs...)
	}
	s.logger.Info("backfill complete", "device_id", deviceID, "days", days, "readings", written)
	return written, nil
}

// BackfillAll backfills every registered device.
func (s *Syncer) BackfillAll(ctx context.Context, days int) (int, error) {
	var (
		written int
		errs    []error
	)
	for _, deviceID := range s.registry.Devices() {
		n, err := s.Backfill(ctx, deviceID, days)
		written += n
		if err != nil {
			s.logger.Error("backfill failed", "device_id", deviceID, "error", err)
			errs = append(errs, fmt.Errorf("device %s: %w", deviceID, err))
		}
	}
	return written, errors.Join(errs...)
}

func (s *Syncer) backfillChannel(ctx context.Context, deviceID, setupID, channelID string, from, till time.Time) (int, error) {
	oldest, err := s.store.OldestReading(ctx, deviceID, channelID)
	if err != nil {
		return 0, err
	}
	if !oldest.IsZero() && oldest.Before(till) {
		till = oldest
	}
	if !from.Before(till) {
		s.logger.Info("history already covers backfill span",
			"device_id", deviceID, "channel_id", channelID)
		return 0, nil
	}

	tr, err := series.NewTimeRange(from, till)
	if err != nil {
		return 0, err
	}
	readings, err := s.fetcher.Fetch(ctx, channelID, setupID, tr)
	if err != nil {
		return 0, err
	}
	if len(readings) == 0 {
		return 0, nil
	}

	if err := s.store.AppendReadings(ctx, deviceID, channelID, readings); err != nil {
		return 0, err
	}
	return len(readings), nil
}
