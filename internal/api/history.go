package api

import (
	"context"
	"fmt"
	"net/http"

	"can-autoconfig/internal/database/clickhouse"
	"can-autoconfig/internal/database/influxdb"
	"can-autoconfig/internal/models"
)

// HistoryStore reads persisted detection runs
type HistoryStore interface {
	Detections(ctx context.Context, params models.QueryParams) ([]models.DetectionRecord, error)
	VendorSummary(ctx context.Context, params models.QueryParams, interval string) ([]clickhouse.VendorSummary, error)
}

// TrendStore reads the confidence time series
type TrendStore interface {
	ConfidenceTrend(ctx context.Context, params models.QueryParams) ([]influxdb.TrendPoint, error)
}

// HistoryAPI handles HTTP API requests for detection history
type HistoryAPI struct {
	store HistoryStore
	trend TrendStore
}

// NewHistoryAPI creates a history handler. Either store may be nil, in
// which case its endpoints answer 503.
func NewHistoryAPI(store HistoryStore, trend TrendStore) *HistoryAPI {
	return &HistoryAPI{store: store, trend: trend}
}

// GetHistory lists recent detection runs
// GET /api/detections/history?vendor=haltech&interface=can0&start_time=2024-01-01T00:00:00Z&limit=100&offset=0
func (api *HistoryAPI) GetHistory(w http.ResponseWriter, r *http.Request) {
	if api.store == nil {
		respondWithError(w, http.StatusServiceUnavailable, "detection history is not enabled")
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := api.store.Detections(r.Context(), params)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Query failed: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, records)
}

// GetSummary aggregates detection runs per interval and vendor
// GET /api/detections/summary?interface=can0&start_time=2024-01-01T00:00:00Z&interval=1h
func (api *HistoryAPI) GetSummary(w http.ResponseWriter, r *http.Request) {
	if api.store == nil {
		respondWithError(w, http.StatusServiceUnavailable, "detection history is not enabled")
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	interval := r.URL.Query().Get("interval")
	if interval == "" {
		interval = "1h"
	}

	summary, err := api.store.VendorSummary(r.Context(), params, interval)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Query failed: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, summary)
}

// GetConfidenceTrend returns the confidence of recent runs
// GET /api/detections/confidence?vendor=haltech&limit=50
func (api *HistoryAPI) GetConfidenceTrend(w http.ResponseWriter, r *http.Request) {
	if api.trend == nil {
		respondWithError(w, http.StatusServiceUnavailable, "confidence trend is not enabled")
		return
	}
	params, err := parseQueryParams(r)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}

	points, err := api.trend.ConfidenceTrend(r.Context(), params)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, fmt.Sprintf("Query failed: %v", err))
		return
	}
	respondWithJSON(w, http.StatusOK, points)
}
