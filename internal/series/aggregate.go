package series

import (
	"math"
	"time"
)

// Aggregate buckets sorted readings into one averaged point per non-empty
// bucket. Input must already be sorted ascending by timestamp; callers that
// merge multiple sources should run SortDedupe first. Raw resolution passes
// readings through unchanged.
//
// Bucket boundaries are deterministic multiples of the width from the Unix
// epoch, so overlapping queries at the same resolution always produce
// identical boundaries in their overlap. Each emitted point carries the
// bucket midpoint as its timestamp and the arithmetic mean of its readings
// rounded to 3 decimal places. Empty buckets are never emitted.
func Aggregate(readings []Reading, res Resolution) []Point {
	if res == Raw || res.Width() == 0 {
		points := make([]Point, len(readings))
		for i, r := range readings {
			points[i] = Point{Timestamp: r.Timestamp, Value: r.Value}
		}
		return points
	}

	width := res.Width()
	var (
		points      []Point
		bucketStart time.Time
		sum         float64
		count       int
	)

	flush := func() {
		if count == 0 {
			return
		}
		points = append(points, Point{
			Timestamp: bucketStart.Add(width / 2),
			Value:     round3(sum / float64(count)),
		})
		sum, count = 0, 0
	}

	for _, r := range readings {
		start := bucketFloor(r.Timestamp, width)
		if count == 0 || !start.Equal(bucketStart) {
			flush()
			bucketStart = start
		}
		sum += r.Value
		count++
	}
	flush()

	return points
}

// bucketFloor aligns t down to a multiple of width from the Unix epoch.
func bucketFloor(t time.Time, width time.Duration) time.Time {
	sec := int64(width / time.Second)
	u := t.Unix()
	rem := u % sec
	if rem < 0 {
		rem += sec
	}
	return time.Unix(u-rem, 0).UTC()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
