// Package export renders aggregated point sequences as spreadsheet-friendly
// CSV for the dashboard's download feature.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Alaa-nl/phytod/internal/series"
)

// Metadata describes the series being exported.
type Metadata struct {
	DeviceID    string
	Quantity    string
	Crop        string
	Variety     string
	Aggregation series.Resolution
	From        time.Time
	Till        time.Time
}

// WriteCSV writes a header block followed by one dateTime/value row per
// point. Values keep the 3-decimal rounding applied by aggregation.
func WriteCSV(w io.Writer, meta Metadata, points []series.Point) error {
	cw := csv.NewWriter(w)

	header := [][]string{
		{"device", meta.DeviceID},
		{"quantity", meta.Quantity},
		{"crop", meta.Crop},
		{"variety", meta.Variety},
		{"aggregation", meta.Aggregation.String()},
		{"from", meta.From.UTC().Format(time.RFC3339)},
		{"till", meta.Till.UTC().Format(time.RFC3339)},
		{},
		{"dateTime", "value"},
	}
	for _, row := range header {
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv header: %w", err)
		}
	}

	for _, p := range points {
		row := []string{
			p.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(p.Value, 'f', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
