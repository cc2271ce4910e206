package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Alaa-nl/phytod/internal/cache"
	"github.com/Alaa-nl/phytod/internal/export"
	"github.com/Alaa-nl/phytod/internal/registry"
	"github.com/Alaa-nl/phytod/internal/router"
	"github.com/Alaa-nl/phytod/internal/series"
	"github.com/Alaa-nl/phytod/internal/syncer"
	"github.com/Alaa-nl/phytod/internal/upstream"
)

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Registry      *registry.Registry
	Router        *router.Router
	Syncer        *syncer.Syncer
	Hub           *syncer.Hub
	Logger        *slog.Logger
	StartTime     time.Time
	StorageDriver string
	Version       string
}

// dataResponse is the success envelope of the public query interface.
type dataResponse struct {
	Success     bool           `json:"success"`
	Aggregation string         `json:"aggregation"`
	DataPoints  int            `json:"dataPoints"`
	Data        []series.Point `json:"data"`
	Source      string         `json:"source,omitempty"`
	Stale       bool           `json:"stale,omitempty"`
	AgeMinutes  int            `json:"ageMinutes,omitempty"`
}

// errorResponse is the failure envelope; the API never leaks a bare error.
type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{Success: false, Message: msg, Error: code})
}

// writeQueryError maps the pipeline's error taxonomy onto HTTP statuses.
func writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registry.ErrUnknownDevice):
		writeError(w, http.StatusNotFound, "unknown_device", err.Error())
	case errors.Is(err, upstream.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, "upstream_rate_limited", "upstream sensor API is rate limiting requests")
	case errors.Is(err, upstream.ErrRejected):
		writeError(w, http.StatusBadGateway, "upstream_rejected", "upstream sensor API rejected the request")
	case errors.Is(err, upstream.ErrUnavailable), errors.Is(err, upstream.ErrMalformed):
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "upstream sensor API is unavailable")
	case errors.Is(err, router.ErrNoData):
		writeError(w, http.StatusServiceUnavailable, "no_data_available", "no data source could answer the query")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error")
	}
}

func parseTime(s string) (time.Time, error) {
	// Try RFC3339 first, then YYYY-MM-DD, then Unix epoch.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(epoch, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format: %q (expected RFC3339, YYYY-MM-DD, or Unix epoch)", s)
}

// parseQuery extracts and validates the shared /data and /export parameters.
func (h *Handlers) parseQuery(r *http.Request) (deviceID, quantity string, tr series.TimeRange, res series.Resolution, err error) {
	deviceID = r.PathValue("device_id")
	if deviceID == "" {
		deviceID = r.URL.Query().Get("device_id")
	}
	if deviceID == "" {
		return "", "", series.TimeRange{}, "", fmt.Errorf("missing device_id")
	}

	q := r.URL.Query()
	quantity = q.Get("channel")
	if quantity == "" {
		quantity = "diameter"
	}

	afterStr := q.Get("after")
	beforeStr := q.Get("before")
	if afterStr == "" || beforeStr == "" {
		return "", "", series.TimeRange{}, "", fmt.Errorf("missing 'after' or 'before' parameter")
	}
	after, err := parseTime(afterStr)
	if err != nil {
		return "", "", series.TimeRange{}, "", err
	}
	before, err := parseTime(beforeStr)
	if err != nil {
		return "", "", series.TimeRange{}, "", err
	}
	tr, err = series.NewTimeRange(after, before)
	if err != nil {
		return "", "", series.TimeRange{}, "", err
	}

	res, err = series.ParseResolution(q.Get("aggregation"))
	if err != nil {
		return "", "", series.TimeRange{}, "", err
	}
	return deviceID, quantity, tr, res, nil
}

// GetData handles GET /data/{device_id}.
func (h *Handlers) GetData(w http.ResponseWriter, r *http.Request) {
	deviceID, quantity, tr, res, err := h.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	// setup_id, when sent by the dashboard, must match the registry.
	if setupID := r.URL.Query().Get("setup_id"); setupID != "" {
		if desc, derr := h.Registry.Current(deviceID); derr == nil && desc.SetupID != setupID {
			writeError(w, http.StatusNotFound, "unknown_device",
				fmt.Sprintf("device %q does not belong to setup %q", deviceID, setupID))
			return
		}
	}

	result, err := h.Router.Query(r.Context(), deviceID, quantity, tr, res)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	resp := dataResponse{
		Success:     true,
		Aggregation: result.Aggregation.String(),
		DataPoints:  len(result.Points),
		Data:        result.Points,
		Source:      string(result.Source),
	}
	if resp.Data == nil {
		resp.Data = []series.Point{}
	}
	if result.Stale {
		resp.Stale = true
		resp.AgeMinutes = int(result.Age.Minutes())
	}
	writeJSON(w, http.StatusOK, resp)
}

// Export handles GET /api/v1/export, serving the same query as CSV.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	deviceID, quantity, tr, res, err := h.parseQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	result, err := h.Router.Query(r.Context(), deviceID, quantity, tr, res)
	if err != nil {
		writeQueryError(w, err)
		return
	}

	desc, _ := h.Registry.Current(deviceID)
	meta := export.Metadata{
		DeviceID:    deviceID,
		Quantity:    quantity,
		Crop:        desc.Crop,
		Variety:     desc.Variety,
		Aggregation: res,
		From:        tr.From,
		Till:        tr.Till,
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%s-%s-%s.csv", deviceID, quantity, tr.From.Format(time.DateOnly)))
	if err := export.WriteCSV(w, meta, result.Points); err != nil {
		h.Logger.Error("csv export failed", "device_id", deviceID, "error", err)
	}
}

// SyncNow handles POST /api/v1/sync: an on-demand sync of all devices.
func (h *Handlers) SyncNow(w http.ResponseWriter, r *http.Request) {
	written := h.Syncer.SyncAll(r.Context())

	total := 0
	for _, n := range written {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"written": written,
		"total":   total,
	})
}

// Backfill handles POST /api/v1/backfill.
func (h *Handlers) Backfill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeviceID string `json:"device_id"`
		Days     int    `json:"days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.Days < 1 || req.Days > 365 {
		writeError(w, http.StatusBadRequest, "bad_request",
			fmt.Sprintf("days must be between 1 and 365, got %d", req.Days))
		return
	}

	var (
		written int
		err     error
	)
	if req.DeviceID != "" {
		written, err = h.Syncer.Backfill(r.Context(), req.DeviceID, req.Days)
	} else {
		written, err = h.Syncer.BackfillAll(r.Context(), req.Days)
	}
	if err != nil {
		if errors.Is(err, registry.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, "unknown_device", err.Error())
			return
		}
		// Partial progress still counts; report what was written.
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"success": false,
			"written": written,
			"message": err.Error(),
			"error":   "backfill_incomplete",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "written": written})
}

// SyncStatus handles GET /api/v1/sync-status.
func (h *Handlers) SyncStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.Syncer.Status(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to collect sync status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"devices": statuses,
	})
}

// Health handles GET /api/v1/health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	type healthResponse struct {
		Status  string      `json:"status"`
		Version string      `json:"version"`
		Uptime  string      `json:"uptime"`
		Storage string      `json:"storage"`
		Devices int         `json:"devices"`
		Cache   cache.Stats `json:"cache"`
	}

	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "healthy",
		Version: h.Version,
		Uptime:  formatUptime(time.Since(h.StartTime)),
		Storage: h.StorageDriver,
		Devices: len(h.Registry.Devices()),
		Cache:   h.Router.CacheStats(),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
