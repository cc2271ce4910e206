package series

import (
	"testing"
	"time"
)

func mk(ts time.Time, v float64) Reading {
	return Reading{Timestamp: ts, Value: v}
}

func TestAggregate_HourlyBuckets(t *testing.T) {
	base := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	readings := []Reading{
		mk(base, 10),                       // 00:00
		mk(base.Add(20*time.Minute), 12),   // 00:20
		mk(base.Add(50*time.Minute), 14),   // 00:50
		mk(base.Add(70*time.Minute), 16),   // 01:10
	}

	points := Aggregate(readings, Hourly)
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}

	if want := base.Add(30 * time.Minute); !points[0].Timestamp.Equal(want) {
		t.Errorf("bucket 0 timestamp = %v, want %v", points[0].Timestamp, want)
	}
	if points[0].Value != 12 {
		t.Errorf("bucket 0 value = %v, want 12", points[0].Value)
	}

	if want := base.Add(90 * time.Minute); !points[1].Timestamp.Equal(want) {
		t.Errorf("bucket 1 timestamp = %v, want %v", points[1].Timestamp, want)
	}
	if points[1].Value != 16 {
		t.Errorf("bucket 1 value = %v, want 16", points[1].Value)
	}
}

func TestAggregate_RawPassthrough(t *testing.T) {
	base := time.Date(2024, 6, 15, 9, 2, 30, 0, time.UTC)
	readings := []Reading{mk(base, 1.2345), mk(base.Add(5*time.Minute), 2.5)}

	points := Aggregate(readings, Raw)
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2", len(points))
	}
	for i := range readings {
		if !points[i].Timestamp.Equal(readings[i].Timestamp) {
			t.Errorf("point %d timestamp changed", i)
		}
		if points[i].Value != readings[i].Value {
			t.Errorf("point %d value = %v, want %v (raw must not round)", i, points[i].Value, readings[i].Value)
		}
	}
}

func TestAggregate_EmptyInput(t *testing.T) {
	if points := Aggregate(nil, Hourly); len(points) != 0 {
		t.Errorf("empty input produced %d points", len(points))
	}
}

func TestAggregate_SingleReading(t *testing.T) {
	ts := time.Date(2024, 6, 15, 10, 42, 0, 0, time.UTC)
	points := Aggregate([]Reading{mk(ts, 7.7)}, Hourly)
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	if want := time.Date(2024, 6, 15, 10, 30, 0, 0, time.UTC); !points[0].Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", points[0].Timestamp, want)
	}
	if points[0].Value != 7.7 {
		t.Errorf("value = %v, want 7.7", points[0].Value)
	}
}

func TestAggregate_MeanRounding(t *testing.T) {
	base := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	readings := []Reading{
		mk(base, 1),
		mk(base.Add(time.Minute), 2),
		mk(base.Add(2*time.Minute), 2),
	}
	points := Aggregate(readings, Hourly)
	if len(points) != 1 {
		t.Fatalf("got %d points, want 1", len(points))
	}
	// mean(1,2,2) = 1.666... -> 1.667
	if points[0].Value != 1.667 {
		t.Errorf("value = %v, want 1.667", points[0].Value)
	}
}

// Bucket boundaries must be grid-aligned to the epoch, so two overlapping
// queries produce identical buckets in their overlap.
func TestAggregate_GridAlignment(t *testing.T) {
	base := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	var readings []Reading
	for i := 0; i < 48; i++ {
		readings = append(readings, mk(base.Add(time.Duration(i)*5*time.Minute), float64(i)))
	}

	// Query A starts mid-bucket; query B starts at the hour. The shared
	// readings must land in identical buckets.
	full := Aggregate(readings, Hourly)
	tail := Aggregate(readings[7:], Hourly) // starts at 00:35

	if len(full) < 2 || len(tail) < 2 {
		t.Fatalf("unexpected point counts: %d, %d", len(full), len(tail))
	}
	// The second bucket of both series covers [01:00, 02:00).
	if !full[1].Timestamp.Equal(tail[1].Timestamp) {
		t.Errorf("bucket boundaries differ: %v vs %v", full[1].Timestamp, tail[1].Timestamp)
	}
	if full[1].Value != tail[1].Value {
		t.Errorf("bucket means differ: %v vs %v", full[1].Value, tail[1].Value)
	}
}

// No point may be emitted for a bucket with zero readings, even when the
// input has large gaps.
func TestAggregate_NoEmptyBuckets(t *testing.T) {
	base := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	readings := []Reading{
		mk(base, 1),
		mk(base.Add(5*time.Hour), 2), // four empty hourly buckets in between
	}
	points := Aggregate(readings, Hourly)
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2 (empty buckets must be omitted)", len(points))
	}
}

func TestAggregate_WeeklyDeterministic(t *testing.T) {
	ts := time.Date(2024, 6, 15, 13, 0, 0, 0, time.UTC)
	a := Aggregate([]Reading{mk(ts, 5)}, Weekly)
	b := Aggregate([]Reading{mk(ts.Add(time.Hour), 5)}, Weekly)
	if len(a) != 1 || len(b) != 1 {
		t.Fatal("expected one point each")
	}
	if !a[0].Timestamp.Equal(b[0].Timestamp) {
		t.Errorf("same week produced different buckets: %v vs %v", a[0].Timestamp, b[0].Timestamp)
	}
	// The bucket start must be an exact multiple of the width from the epoch.
	width := Weekly.Width()
	start := a[0].Timestamp.Add(-width / 2)
	if start.Unix()%int64(width/time.Second) != 0 {
		t.Errorf("bucket start %v is not epoch-aligned", start)
	}
}

func TestSortDedupe(t *testing.T) {
	base := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	readings := []Reading{
		mk(base.Add(time.Minute), 2),
		mk(base, 1),
		mk(base.Add(time.Minute), 3), // later-fetched duplicate wins
	}

	out := SortDedupe(readings)
	if len(out) != 2 {
		t.Fatalf("got %d readings, want 2", len(out))
	}
	if !out[0].Timestamp.Equal(base) {
		t.Errorf("not sorted: first timestamp %v", out[0].Timestamp)
	}
	if out[1].Value != 3 {
		t.Errorf("duplicate resolution: value = %v, want 3 (latest fetched)", out[1].Value)
	}
}

func TestNewTimeRange_Invalid(t *testing.T) {
	ts := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	if _, err := NewTimeRange(ts, ts); err == nil {
		t.Error("expected error for from == till")
	}
	if _, err := NewTimeRange(ts.Add(time.Hour), ts); err == nil {
		t.Error("expected error for from after till")
	}
}

func TestParseResolution(t *testing.T) {
	tests := []struct {
		in      string
		want    Resolution
		wantErr bool
	}{
		{"", Raw, false},
		{"raw", Raw, false},
		{"hourly", Hourly, false},
		{"6hour", SixHour, false},
		{"daily", Daily, false},
		{"weekly", Weekly, false},
		{"monthly", "", true},
	}
	for _, tt := range tests {
		got, err := ParseResolution(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseResolution(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseResolution(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
