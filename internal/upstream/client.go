// Package upstream implements the client for the external per-device sensor
// API: XML range queries keyed by channel ID and setup, chunked so callers
// never see the upstream's per-request span cap.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/Alaa-nl/phytod/internal/series"
)

// Typed failure classes. Callers branch on these with errors.Is to decide
// between retry, fallback, and hard failure.
var (
	ErrUnavailable = errors.New("upstream unavailable")
	ErrRejected    = errors.New("upstream rejected request")
	ErrRateLimited = errors.New("upstream rate limited")
	ErrMalformed   = errors.New("upstream response malformed")
)

// Fetcher is the interface consumed by the syncer and query router.
type Fetcher interface {
	Fetch(ctx context.Context, channelID, setupID string, tr series.TimeRange) ([]series.Reading, error)
}

// Options tunes a Client.
type Options struct {
	Timeout        time.Duration // per-request timeout
	MaxSpan        time.Duration // largest range issued in one request
	RequestsPerMin int           // pacing across chunked requests
	MaxBodyBytes   int64         // defensive cap on response size
}

// Client fetches readings from the sensor API over HTTP.
type Client struct {
	baseURL      string
	apiKey       string
	httpClient   *http.Client
	limiter      *rate.Limiter
	maxSpan      time.Duration
	maxBodyBytes int64
	logger       *slog.Logger
}

const (
	defaultTimeout  = 30 * time.Second
	defaultMaxSpan  = 7 * 24 * time.Hour
	defaultMaxBody  = 64 << 20
	defaultReqPerMn = 30
)

// NewClient creates a sensor API client.
func NewClient(baseURL, apiKey string, opts Options, logger *slog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.MaxSpan <= 0 {
		opts.MaxSpan = defaultMaxSpan
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.RequestsPerMin <= 0 {
		opts.RequestsPerMin = defaultReqPerMn
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		httpClient:   &http.Client{Timeout: opts.Timeout},
		limiter:      rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMin)/60.0), 1),
		maxSpan:      opts.MaxSpan,
		maxBodyBytes: opts.MaxBodyBytes,
		logger:       logger,
	}
}

// Fetch retrieves all readings for a channel in [tr.From, tr.Till), issuing
// sub-range requests when the span exceeds the upstream's per-request cap
// and concatenating the results. Returned readings are sorted ascending and
// deduplicated by timestamp.
func (c *Client) Fetch(ctx context.Context, channelID, setupID string, tr series.TimeRange) ([]series.Reading, error) {
	var all []series.Reading

	for chunkFrom := tr.From; chunkFrom.Before(tr.Till); {
		chunkTill := chunkFrom.Add(c.maxSpan)
		if chunkTill.After(tr.Till) {
			chunkTill = tr.Till
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}

		readings, err := c.fetchChunk(ctx, channelID, setupID, chunkFrom, chunkTill)
		if err != nil {
			return nil, err
		}
		all = append(all, readings...)
		chunkFrom = chunkTill
	}

	// The upstream's boundary inclusivity is not documented; filter to the
	// half-open range so an inclusive "before" cannot leak duplicates.
	filtered := all[:0]
	for _, r := range all {
		if tr.Contains(r.Timestamp) {
			filtered = append(filtered, r)
		}
	}
	return series.SortDedupe(filtered), nil
}

func (c *Client) fetchChunk(ctx context.Context, channelID, setupID string, from, till time.Time) ([]series.Reading, error) {
	q := url.Values{}
	q.Set("tdid", channelID)
	q.Set("setup_id", setupID)
	q.Set("after", from.UTC().Format(time.RFC3339))
	q.Set("before", till.UTC().Format(time.RFC3339))

	reqURL := c.baseURL + "/measurements?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Accept", "application/xml")
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("%w: status %d", ErrRateLimited, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	readings, dropped, err := parseMeasurements(resp.Body, c.maxBodyBytes)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("fetched chunk",
		"channel_id", channelID,
		"from", from.Format(time.RFC3339),
		"till", till.Format(time.RFC3339),
		"readings", len(readings),
		"dropped", dropped,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return readings, nil
}
