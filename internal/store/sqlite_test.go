package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/Alaa-nl/phytod/internal/series"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(dsn)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkReadings(base time.Time, step time.Duration, values ...float64) []series.Reading {
	out := make([]series.Reading, len(values))
	for i, v := range values {
		out[i] = series.Reading{Timestamp: base.Add(time.Duration(i) * step), Value: v}
	}
	return out
}

func mustRange(t *testing.T, from, till time.Time) series.TimeRange {
	t.Helper()
	tr, err := series.NewTimeRange(from, till)
	if err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestSQLiteStore_AppendAndQuery(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	readings := mkReadings(base, 5*time.Minute, 11.1, 11.2, 11.3)

	if err := s.AppendReadings(ctx, "GH1", "TD1", readings); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	got, err := s.QueryReadings(ctx, "GH1", "TD1", mustRange(t, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatalf("QueryReadings: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d readings, want 3", len(got))
	}
	if !got[0].Timestamp.Equal(base) || got[0].Value != 11.1 {
		t.Errorf("first reading = %+v", got[0])
	}
}

func TestSQLiteStore_QueryHalfOpen(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	if err := s.AppendReadings(ctx, "GH1", "TD1", mkReadings(base, time.Hour, 1, 2)); err != nil {
		t.Fatal(err)
	}

	// [base, base+1h) must include base but exclude base+1h.
	got, err := s.QueryReadings(ctx, "GH1", "TD1", mustRange(t, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 1 {
		t.Errorf("half-open query returned %+v, want only the reading at from", got)
	}
}

// Re-appending overlapping readings must not duplicate rows; the latest
// value for a timestamp wins.
func TestSQLiteStore_IdempotentAppend(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	if err := s.AppendReadings(ctx, "GH1", "TD1", mkReadings(base, 5*time.Minute, 1, 2, 3)); err != nil {
		t.Fatal(err)
	}
	// Overlap the last reading with a corrected value, plus one new.
	if err := s.AppendReadings(ctx, "GH1", "TD1", []series.Reading{
		{Timestamp: base.Add(10 * time.Minute), Value: 3.5},
		{Timestamp: base.Add(15 * time.Minute), Value: 4},
	}); err != nil {
		t.Fatal(err)
	}

	got, err := s.QueryReadings(ctx, "GH1", "TD1", mustRange(t, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 4 {
		t.Fatalf("got %d readings, want 4 (no duplicates)", len(got))
	}
	if got[2].Value != 3.5 {
		t.Errorf("overlapped timestamp value = %v, want updated 3.5", got[2].Value)
	}

	count, err := s.CountReadings(ctx, "GH1", "TD1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}

func TestSQLiteStore_ChannelsIsolated(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	_ = s.AppendReadings(ctx, "GH1", "TD1", mkReadings(base, time.Minute, 1))
	_ = s.AppendReadings(ctx, "GH1", "SF1", mkReadings(base, time.Minute, 2))
	_ = s.AppendReadings(ctx, "GH2", "TD1", mkReadings(base, time.Minute, 3))

	got, err := s.QueryReadings(ctx, "GH1", "TD1", mustRange(t, base, base.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Value != 1 {
		t.Errorf("cross-channel leak: %+v", got)
	}
}

func TestSQLiteStore_Cursors(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	c, err := s.GetCursor(ctx, "GH1", "TD1")
	if err != nil {
		t.Fatal(err)
	}
	if c != nil {
		t.Fatalf("expected nil cursor before first sync, got %+v", c)
	}

	pos := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	if err := s.SetCursor(ctx, "GH1", "TD1", pos); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}

	c, err = s.GetCursor(ctx, "GH1", "TD1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || !c.Position.Equal(pos) {
		t.Fatalf("cursor = %+v, want position %v", c, pos)
	}

	// Advancing overwrites.
	pos2 := pos.Add(5 * time.Minute)
	if err := s.SetCursor(ctx, "GH1", "TD1", pos2); err != nil {
		t.Fatal(err)
	}
	c, _ = s.GetCursor(ctx, "GH1", "TD1")
	if !c.Position.Equal(pos2) {
		t.Errorf("cursor position = %v, want advanced %v", c.Position, pos2)
	}
}

func TestSQLiteStore_OldestReading(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	oldest, err := s.OldestReading(ctx, "GH1", "TD1")
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.IsZero() {
		t.Errorf("oldest = %v, want zero for empty channel", oldest)
	}

	base := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	if err := s.AppendReadings(ctx, "GH1", "TD1", mkReadings(base, time.Minute, 1, 2, 3)); err != nil {
		t.Fatal(err)
	}

	oldest, err = s.OldestReading(ctx, "GH1", "TD1")
	if err != nil {
		t.Fatal(err)
	}
	if !oldest.Equal(base) {
		t.Errorf("oldest = %v, want %v", oldest, base)
	}
}

func TestSQLiteStore_LargeBatch(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var readings []series.Reading
	for i := 0; i < 1200; i++ {
		readings = append(readings, series.Reading{
			Timestamp: base.Add(time.Duration(i) * 5 * time.Minute),
			Value:     float64(i),
		})
	}
	if err := s.AppendReadings(ctx, "GH1", "TD1", readings); err != nil {
		t.Fatalf("AppendReadings: %v", err)
	}

	count, err := s.CountReadings(ctx, "GH1", "TD1")
	if err != nil {
		t.Fatal(err)
	}
	if count != 1200 {
		t.Errorf("count = %d, want 1200", count)
	}
}
