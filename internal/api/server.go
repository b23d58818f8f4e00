package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"can-autoconfig/internal/autoconfig"
	"can-autoconfig/internal/profile"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server represents the HTTP API server
type Server struct {
	server        *http.Server
	autoconfigAPI *AutoconfigAPI
	historyAPI    *HistoryAPI
	engine        *autoconfig.Engine
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Port     int
	Defaults profile.OperatingProfile
	History  HistoryStore
	Trend    TrendStore
}

// NewServer creates a new API server instance. Runs started over HTTP are
// bound to runCtx.
func NewServer(runCtx context.Context, config ServerConfig, engine *autoconfig.Engine) *Server {
	server := &Server{
		autoconfigAPI: NewAutoconfigAPI(runCtx, engine, config.Defaults),
		historyAPI:    NewHistoryAPI(config.History, config.Trend),
		engine:        engine,
	}

	// Setup HTTP router
	mux := http.NewServeMux()
	server.setupRoutes(mux)

	server.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      loggingMiddleware(corsMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server
}

// Handler returns the root handler including middleware
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())

	// Auto-configuration endpoints
	mux.HandleFunc("/api/autoconfig/status", s.autoconfigAPI.GetStatus)
	mux.HandleFunc("/api/autoconfig/run", s.autoconfigAPI.StartRun)
	mux.HandleFunc("/api/autoconfig/cancel", s.autoconfigAPI.CancelRun)
	mux.HandleFunc("/api/autoconfig/config", s.autoconfigAPI.GetConfig)
	mux.HandleFunc("/api/autoconfig/override", s.autoconfigAPI.PutOverride)
	mux.HandleFunc("/api/autoconfig/decode", s.autoconfigAPI.Decode)

	// Detection history endpoints
	mux.HandleFunc("/api/detections/history", s.historyAPI.GetHistory)
	mux.HandleFunc("/api/detections/summary", s.historyAPI.GetSummary)
	mux.HandleFunc("/api/detections/confidence", s.historyAPI.GetConfidenceTrend)
}

// handleRoot returns API information
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	info := map[string]any{
		"name":    "CAN Auto-Configuration API Server",
		"version": "1.0.0",
		"endpoints": map[string]any{
			"health":  "/health",
			"metrics": "/metrics",
			"autoconfig": map[string]string{
				"status":   "GET /api/autoconfig/status",
				"run":      "POST /api/autoconfig/run",
				"cancel":   "POST /api/autoconfig/cancel",
				"config":   "GET /api/autoconfig/config",
				"override": "PUT /api/autoconfig/override (body: {channel?, bitrate?, metric_names?, poll_intervals_ms?, thresholds?, tuning_hints?})",
				"decode":   `POST /api/autoconfig/decode (body: {"can_id":"0x360","data":"0BB803E8"})`,
			},
			"detections": map[string]string{
				"history":    "/api/detections/history?vendor=haltech&interface=can0&start_time=2024-01-01T00:00:00Z&limit=100&offset=0",
				"summary":    "/api/detections/summary?interface=can0&start_time=2024-01-01T00:00:00Z&interval=1h",
				"confidence": "/api/detections/confidence?vendor=haltech&limit=50",
			},
		},
	}

	respondWithJSON(w, http.StatusOK, info)
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.engine.Status()
	history := "disabled"
	if s.historyAPI.store != nil {
		history = "enabled"
	}

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
		"services": map[string]string{
			"api":        "up",
			"autoconfig": status.State.String(),
			"history":    history,
		},
	}

	respondWithJSON(w, http.StatusOK, health)
}

// Start starts the API server
func (s *Server) Start() error {
	slog.Info("api: starting HTTP server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Stop gracefully stops the API server
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("api: stopping HTTP server")
	return s.server.Shutdown(ctx)
}

// statusRecorder captures the response code for logging
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		slog.Debug("api: request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"status", rec.status,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		// Handle preflight requests
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
