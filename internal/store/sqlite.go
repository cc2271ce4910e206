package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/Alaa-nl/phytod/internal/series"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore implements Store backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens a SQLite database, sets file permissions, and runs
// migrations. WAL mode keeps the syncer's writes from blocking the query
// router's reads on the same device.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	dir := filepath.Dir(dsn)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", pragma, err)
		}
	}

	if err := os.Chmod(dsn, 0600); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("setting file permissions: %w", err)
	}

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("sqlite3"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) AppendReadings(ctx context.Context, deviceID, channelID string, readings []series.Reading) error {
	const batchSize = 500
	for i := 0; i < len(readings); i += batchSize {
		end := min(i+batchSize, len(readings))
		if err := s.appendBatch(ctx, deviceID, channelID, readings[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStore) appendBatch(ctx context.Context, deviceID, channelID string, readings []series.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (device_id, channel_id, timestamp, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, channel_id, timestamp) DO UPDATE SET
			value=excluded.value`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, deviceID, channelID, formatTS(r.Timestamp), r.Value); err != nil {
			return fmt.Errorf("inserting reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *SQLiteStore) QueryReadings(ctx context.Context, deviceID, channelID string, tr series.TimeRange) ([]series.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, value
		FROM readings
		WHERE device_id = ? AND channel_id = ? AND timestamp >= ? AND timestamp < ?
		ORDER BY timestamp`,
		deviceID, channelID, formatTS(tr.From), formatTS(tr.Till))
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []series.Reading
	for rows.Next() {
		var tsRaw string
		var r series.Reading
		if err := rows.Scan(&tsRaw, &r.Value); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		if r.Timestamp, err = parseTS(tsRaw); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *SQLiteStore) GetCursor(ctx context.Context, deviceID, channelID string) (*Cursor, error) {
	var posRaw, updRaw string
	err := s.db.QueryRowContext(ctx, `
		SELECT position, updated_at FROM sync_cursors
		WHERE device_id = ? AND channel_id = ?`, deviceID, channelID).Scan(&posRaw, &updRaw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor: %w", err)
	}

	c := &Cursor{DeviceID: deviceID, ChannelID: channelID}
	if c.Position, err = parseTS(posRaw); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTS(updRaw); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *SQLiteStore) SetCursor(ctx context.Context, deviceID, channelID string, position time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (device_id, channel_id, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(device_id, channel_id) DO UPDATE SET
			position=excluded.position,
			updated_at=excluded.updated_at`,
		deviceID, channelID, formatTS(position), formatTS(time.Now()))
	if err != nil {
		return fmt.Errorf("setting cursor: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CountReadings(ctx context.Context, deviceID, channelID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM readings
		WHERE device_id = ? AND channel_id = ?`, deviceID, channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting readings: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) OldestReading(ctx context.Context, deviceID, channelID string) (time.Time, error) {
	var tsRaw *string
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp) FROM readings
		WHERE device_id = ? AND channel_id = ?`, deviceID, channelID).Scan(&tsRaw)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying oldest reading: %w", err)
	}
	if tsRaw == nil {
		return time.Time{}, nil
	}
	return parseTS(*tsRaw)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Shared helpers ---

// formatTS renders timestamps as RFC3339 UTC strings so lexicographic and
// chronological order coincide in SQLite TEXT columns.
func formatTS(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func parseTS(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		time.RFC3339Nano,
		"2006-01-02 15:04:05+00:00",
		"2006-01-02 15:04:05",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse timestamp: %q", s)
}
