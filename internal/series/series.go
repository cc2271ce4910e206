// Package series holds the normalized time-series model shared by the
// upstream client, the history store, and the query router, plus the
// resolution bucketing used to serve data at coarser granularities.
package series

import (
	"fmt"
	"sort"
	"time"
)

// Reading is a single normalized observation from one sensor channel.
// Value units are implied by the channel (mm for stem diameter, g/h for
// sap flow).
type Reading struct {
	Timestamp time.Time `json:"dateTime"`
	Value     float64   `json:"value"`
}

// Point is one aggregated data point: the midpoint of a bucket and the
// mean of the readings that fell inside it.
type Point struct {
	Timestamp time.Time `json:"dateTime"`
	Value     float64   `json:"value"`
}

// TimeRange is a half-open interval [From, Till).
type TimeRange struct {
	From time.Time
	Till time.Time
}

// NewTimeRange validates from < till and returns the range in UTC.
func NewTimeRange(from, till time.Time) (TimeRange, error) {
	if !from.Before(till) {
		return TimeRange{}, fmt.Errorf("invalid time range: from %s is not before till %s",
			from.Format(time.RFC3339), till.Format(time.RFC3339))
	}
	return TimeRange{From: from.UTC(), Till: till.UTC()}, nil
}

// Contains reports whether t falls inside the half-open interval.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && t.Before(r.Till)
}

// Duration returns till - from.
func (r TimeRange) Duration() time.Duration {
	return r.Till.Sub(r.From)
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s)", r.From.Format(time.RFC3339), r.Till.Format(time.RFC3339))
}

// SortDedupe sorts readings ascending by timestamp and collapses duplicate
// timestamps, keeping the last-fetched value. The input slice is modified.
func SortDedupe(readings []Reading) []Reading {
	if len(readings) < 2 {
		return readings
	}
	// Stable keeps the later-fetched duplicate behind the earlier one, so
	// the backward compaction below retains it.
	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].Timestamp.Before(readings[j].Timestamp)
	})
	out := readings[:1]
	for _, r := range readings[1:] {
		if r.Timestamp.Equal(out[len(out)-1].Timestamp) {
			out[len(out)-1] = r
			continue
		}
		out = append(out, r)
	}
	return out
}
