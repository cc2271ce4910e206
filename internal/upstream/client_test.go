package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Alaa-nl/phytod/internal/series"
)

func testClient(t *testing.T, url string, opts Options) *Client {
	t.Helper()
	if opts.RequestsPerMin == 0 {
		opts.RequestsPerMin = 60000 // no pacing delays in tests
	}
	return NewClient(url, "test-key", opts, slog.Default())
}

func tr(t *testing.T, from, till time.Time) series.TimeRange {
	t.Helper()
	r, err := series.NewTimeRange(from, till)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestClient_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Api-Key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if got := r.URL.Query().Get("tdid"); got != "TD1001" {
			t.Errorf("tdid = %q, want TD1001", got)
		}
		fmt.Fprint(w, `<measurements>
			<measurement datetime="2024-06-15T10:00:00Z" value="11.482"/>
			<measurement datetime="2024-06-15T10:05:00Z" value="11.490"/>
		</measurements>`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{})
	from := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	readings, err := c.Fetch(context.Background(), "TD1001", "setup-12", tr(t, from, from.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2", len(readings))
	}
	if readings[0].Value != 11.482 {
		t.Errorf("value = %v, want 11.482", readings[0].Value)
	}
	if !readings[0].Timestamp.Equal(from) {
		t.Errorf("timestamp = %v, want %v", readings[0].Timestamp, from)
	}
}

// Spans wider than the upstream's per-request cap are split into chunked
// sub-range requests and the results concatenated.
func TestClient_FetchPaging(t *testing.T) {
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		after := r.URL.Query().Get("after")
		ts, err := time.Parse(time.RFC3339, after)
		if err != nil {
			t.Errorf("bad after param %q", after)
		}
		fmt.Fprintf(w, `<measurements><measurement datetime="%s" value="1.0"/></measurements>`,
			ts.Format(time.RFC3339))
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{MaxSpan: 24 * time.Hour})
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	readings, err := c.Fetch(context.Background(), "TD1001", "s", tr(t, from, from.Add(72*time.Hour)))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("issued %d requests, want 3", got)
	}
	if len(readings) != 3 {
		t.Errorf("got %d readings, want 3 concatenated", len(readings))
	}
}

// Individual malformed records are dropped; the rest of the response
// still parses.
func TestClient_FetchDropsMalformedRecords(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<measurements>
			<measurement datetime="2024-06-15T10:00:00Z" value="11.5"/>
			<measurement datetime="" value="12.0"/>
			<measurement datetime="2024-06-15T10:05:00Z" value="not-a-number"/>
			<measurement datetime="2024-06-15T10:10:00Z" value="11.7"/>
		</measurements>`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{})
	from := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	readings, err := c.Fetch(context.Background(), "TD1", "s", tr(t, from, from.Add(time.Hour)))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("got %d readings, want 2 (malformed records dropped)", len(readings))
	}
}

func TestClient_FetchEntirelyMalformed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"this": "is not xml"}`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{})
	from := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	_, err := c.Fetch(context.Background(), "TD1", "s", tr(t, from, from.Add(time.Hour)))
	if !errors.Is(err, ErrMalformed) {
		t.Errorf("error = %v, want ErrMalformed", err)
	}
}

func TestClient_FetchErrorClasses(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ErrRejected},
		{http.StatusForbidden, ErrRejected},
		{http.StatusTooManyRequests, ErrRateLimited},
		{http.StatusInternalServerError, ErrUnavailable},
		{http.StatusBadGateway, ErrUnavailable},
	}
	for _, tt := range tests {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		c := testClient(t, srv.URL, Options{})
		from := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
		_, err := c.Fetch(context.Background(), "TD1", "s", tr(t, from, from.Add(time.Hour)))
		if !errors.Is(err, tt.want) {
			t.Errorf("status %d: error = %v, want %v", tt.status, err, tt.want)
		}
		srv.Close()
	}
}

func TestClient_FetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{Timeout: 20 * time.Millisecond})
	from := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	_, err := c.Fetch(context.Background(), "TD1", "s", tr(t, from, from.Add(time.Hour)))
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("error = %v, want ErrUnavailable on timeout", err)
	}
}

// Whatever the upstream's boundary inclusivity is, callers see strictly
// half-open [from, till).
func TestClient_FetchHalfOpenRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// An inclusive upstream that returns both boundary instants.
		fmt.Fprint(w, `<measurements>
			<measurement datetime="2024-06-15T10:00:00Z" value="1"/>
			<measurement datetime="2024-06-15T11:00:00Z" value="2"/>
		</measurements>`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{})
	from := time.Date(2024, 6, 15, 10, 0, 0, 0, time.UTC)
	readings, err := c.Fetch(context.Background(), "TD1", "s", tr(t, from, from.Add(time.Hour)))
	if err != nil {
		t.Fatal(err)
	}
	if len(readings) != 1 {
		t.Fatalf("got %d readings, want 1 (till is exclusive)", len(readings))
	}
	if readings[0].Value != 1 {
		t.Errorf("kept value %v, want the reading at from", readings[0].Value)
	}
}

func TestClient_FetchEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `<measurements></measurements>`)
	}))
	defer srv.Close()

	c := testClient(t, srv.URL, Options{})
	from := time.Date(2024, 6, 15, 0, 0, 0, 0, time.UTC)
	readings, err := c.Fetch(context.Background(), "TD1", "s", tr(t, from, from.Add(time.Hour)))
	if err != nil {
		t.Fatalf("empty response must not be an error, got %v", err)
	}
	if len(readings) != 0 {
		t.Errorf("got %d readings, want 0", len(readings))
	}
}

func TestParseUpstreamTime(t *testing.T) {
	for _, in := range []string{
		"2024-06-15T10:00:00Z",
		"2024-06-15T10:00:00+02:00",
		"2024-06-15T10:00:00",
		"2024-06-15 10:00:00",
	} {
		if _, err := parseUpstreamTime(in); err != nil {
			t.Errorf("parseUpstreamTime(%q): %v", in, err)
		}
	}
	if _, err := parseUpstreamTime("soon"); err == nil {
		t.Error("expected error for unparsable timestamp")
	}
}
