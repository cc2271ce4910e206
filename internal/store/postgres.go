package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	"github.com/pressly/goose/v3"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Alaa-nl/phytod/internal/series"
)

//go:embed pgmigrations/*.sql
var pgMigrations embed.FS

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a PostgreSQL connection and runs migrations.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("pinging postgres: %w", err)
	}

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.Up(db, "pgmigrations"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

// DB returns the underlying database connection for migration commands.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) AppendReadings(ctx context.Context, deviceID, channelID string, readings []series.Reading) error {
	const batchSize = 500
	for i := 0; i < len(readings); i += batchSize {
		end := min(i+batchSize, len(readings))
		if err := s.appendBatch(ctx, deviceID, channelID, readings[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStore) appendBatch(ctx context.Context, deviceID, channelID string, readings []series.Reading) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback after commit is harmless

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO readings (device_id, channel_id, timestamp, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(device_id, channel_id, timestamp) DO UPDATE SET
			value=excluded.value`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range readings {
		if _, err := stmt.ExecContext(ctx, deviceID, channelID, r.Timestamp.UTC(), r.Value); err != nil {
			return fmt.Errorf("inserting reading: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryReadings(ctx context.Context, deviceID, channelID string, tr series.TimeRange) ([]series.Reading, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT timestamp, value
		FROM readings
		WHERE device_id = $1 AND channel_id = $2 AND timestamp >= $3 AND timestamp < $4
		ORDER BY timestamp`,
		deviceID, channelID, tr.From, tr.Till)
	if err != nil {
		return nil, fmt.Errorf("querying readings: %w", err)
	}
	defer rows.Close() //nolint:errcheck

	var result []series.Reading
	for rows.Next() {
		var r series.Reading
		if err := rows.Scan(&r.Timestamp, &r.Value); err != nil {
			return nil, fmt.Errorf("scanning reading: %w", err)
		}
		r.Timestamp = r.Timestamp.UTC()
		result = append(result, r)
	}
	return result, rows.Err()
}

func (s *PostgresStore) GetCursor(ctx context.Context, deviceID, channelID string) (*Cursor, error) {
	c := &Cursor{DeviceID: deviceID, ChannelID: channelID}
	err := s.db.QueryRowContext(ctx, `
		SELECT position, updated_at FROM sync_cursors
		WHERE device_id = $1 AND channel_id = $2`, deviceID, channelID).Scan(&c.Position, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cursor: %w", err)
	}
	c.Position = c.Position.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, nil
}

func (s *PostgresStore) SetCursor(ctx context.Context, deviceID, channelID string, position time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_cursors (device_id, channel_id, position, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT(device_id, channel_id) DO UPDATE SET
			position=excluded.position,
			updated_at=excluded.updated_at`,
		deviceID, channelID, position.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("setting cursor: %w", err)
	}
	return nil
}

func (s *PostgresStore) CountReadings(ctx context.Context, deviceID, channelID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM readings
		WHERE device_id = $1 AND channel_id = $2`, deviceID, channelID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("counting readings: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) OldestReading(ctx context.Context, deviceID, channelID string) (time.Time, error) {
	var ts *time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(timestamp) FROM readings
		WHERE device_id = $1 AND channel_id = $2`, deviceID, channelID).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("querying oldest reading: %w", err)
	}
	if ts == nil {
		return time.Time{}, nil
	}
	return ts.UTC(), nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
