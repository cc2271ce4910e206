package series

import (
	"fmt"
	"time"
)

// Resolution is an enumerated bucket width. Raw is a distinguished value
// meaning "pass readings through without bucketing".
type Resolution string

const (
	Raw     Resolution = "raw"
	Hourly  Resolution = "hourly"
	SixHour Resolution = "6hour"
	Daily   Resolution = "daily"
	Weekly  Resolution = "weekly"
)

// ParseResolution maps the public aggregation parameter onto a Resolution.
// An empty string defaults to raw.
func ParseResolution(s string) (Resolution, error) {
	switch s {
	case "", "raw":
		return Raw, nil
	case "hourly":
		return Hourly, nil
	case "6hour":
		return SixHour, nil
	case "daily":
		return Daily, nil
	case "weekly":
		return Weekly, nil
	default:
		return "", fmt.Errorf("unknown aggregation %q (want raw, hourly, 6hour, daily, or weekly)", s)
	}
}

// Width returns the bucket width, or 0 for Raw.
func (r Resolution) Width() time.Duration {
	switch r {
	case Hourly:
		return time.Hour
	case SixHour:
		return 6 * time.Hour
	case Daily:
		return 24 * time.Hour
	case Weekly:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

func (r Resolution) String() string { return string(r) }
