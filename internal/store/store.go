package store

import (
	"context"
	"time"

	"github.com/Alaa-nl/phytod/internal/series"
)

// Store is the local history of previously-synced readings plus the sync
// cursors that track how far each device channel has been persisted. Both
// SQLite and PostgreSQL implementations satisfy this interface.
//
// AppendReadings must be safe under a concurrent writer (the syncer) and
// readers (the query router) for the same device.
type Store interface {
	// AppendReadings upserts a batch of readings for one device channel.
	// Re-appending an already-stored timestamp updates the value in place.
	AppendReadings(ctx context.Context, deviceID, channelID string, readings []series.Reading) error

	// QueryReadings returns timestamp-sorted, deduplicated readings with
	// timestamps in [tr.From, tr.Till).
	QueryReadings(ctx context.Context, deviceID, channelID string, tr series.TimeRange) ([]series.Reading, error)

	// GetCursor returns the sync cursor for a device channel, or nil if the
	// channel has never been synced.
	GetCursor(ctx context.Context, deviceID, channelID string) (*Cursor, error)

	// SetCursor creates or advances the sync cursor.
	SetCursor(ctx context.Context, deviceID, channelID string, position time.Time) error

	// CountReadings returns the number of stored readings for a channel.
	CountReadings(ctx context.Context, deviceID, channelID string) (int, error)

	// OldestReading returns the earliest stored timestamp for a channel, or
	// the zero time when the channel has no history.
	OldestReading(ctx context.Context, deviceID, channelID string) (time.Time, error)

	// Close closes the database connection.
	Close() error
}

// Cursor records the latest timestamp successfully persisted for one
// device channel. Written only by the syncer.
type Cursor struct {
	DeviceID  string    `json:"device_id"`
	ChannelID string    `json:"channel_id"`
	Position  time.Time `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}
