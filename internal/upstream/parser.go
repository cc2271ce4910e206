package upstream

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/Alaa-nl/phytod/internal/series"
)

// measurement is one record in the vendor's XML encoding:
//
//	<measurements>
//	  <measurement datetime="2024-03-01T10:00:00Z" value="11.482"/>
//	  ...
//	</measurements>
type measurement struct {
	DateTime string `xml:"datetime,attr"`
	Value    string `xml:"value,attr"`
}

// parseMeasurements decodes the response incrementally so multi-megabyte
// bodies never have to be buffered whole. Records missing a parsable
// timestamp or numeric value are dropped individually; only a response with
// no recognizable structure at all fails with ErrMalformed. The reader is
// capped at maxBytes as a defensive limit.
func parseMeasurements(r io.Reader, maxBytes int64) ([]series.Reading, int, error) {
	dec := xml.NewDecoder(io.LimitReader(r, maxBytes))

	var (
		readings []series.Reading
		dropped  int
		sawRoot  bool
	)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if !sawRoot {
				return nil, 0, fmt.Errorf("%w: %v", ErrMalformed, err)
			}
			// Truncated tail after valid records; keep what parsed.
			break
		}

		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		switch start.Name.Local {
		case "measurements":
			sawRoot = true
		case "measurement":
			sawRoot = true
			var m measurement
			if err := dec.DecodeElement(&m, &start); err != nil {
				dropped++
				continue
			}
			reading, ok := m.toReading()
			if !ok {
				dropped++
				continue
			}
			readings = append(readings, reading)
		}
	}

	if !sawRoot {
		return nil, 0, fmt.Errorf("%w: no measurement elements found", ErrMalformed)
	}
	return readings, dropped, nil
}

func (m measurement) toReading() (series.Reading, bool) {
	if m.DateTime == "" || m.Value == "" {
		return series.Reading{}, false
	}
	ts, err := parseUpstreamTime(m.DateTime)
	if err != nil {
		return series.Reading{}, false
	}
	v, err := strconv.ParseFloat(m.Value, 64)
	if err != nil {
		return series.Reading{}, false
	}
	return series.Reading{Timestamp: ts, Value: v}, true
}

// parseUpstreamTime accepts the timestamp layouts observed in the wild.
func parseUpstreamTime(s string) (time.Time, error) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
	} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}
