package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ummshsh/Recall-Sampler/internal/capture"
	"github.com/ummshsh/Recall-Sampler/internal/config"
	"github.com/ummshsh/Recall-Sampler/internal/export"
	"github.com/ummshsh/Recall-Sampler/internal/host"
	"github.com/ummshsh/Recall-Sampler/internal/metrics"
)

const (
	serviceName    = "recall-sampler"
	serviceVersion = "1.0.0"

	// DefaultOverviewBuckets is used when /overview has no buckets parameter
	DefaultOverviewBuckets = 512
)

// IngestStatistics exposes counters of a network source
type IngestStatistics interface {
	GetStatistics() UDPStatistics
}

// HTTPServer provides the control API for the recorder
type HTTPServer struct {
	server   *http.Server
	logger   *slog.Logger
	config   *config.Config
	engine   *capture.Engine
	host     *host.Host
	exporter *export.Exporter
	hub      *StatusHub
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer
	ingest   IngestStatistics

	startTime time.Time
}

// HTTPServerConfig contains HTTP server configuration
type HTTPServerConfig struct {
	Port    int    `yaml:"port"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
}

// NewHTTPServer creates a new HTTP API server. ingest may be nil when audio
// does not come from the network.
func NewHTTPServer(cfg HTTPServerConfig, logger *slog.Logger, appConfig *config.Config,
	engine *capture.Engine, h *host.Host, exporter *export.Exporter, hub *StatusHub,
	m *metrics.Metrics, gatherer prometheus.Gatherer, ingest IngestStatistics) *HTTPServer {

	s := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    engine,
		host:      h,
		exporter:  exporter,
		hub:       hub,
		metrics:   m,
		gatherer:  gatherer,
		ingest:    ingest,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // long history downloads
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the routed handler
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

// setupRoutes configures HTTP API routes
func (s *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", s.withMetrics("/health", s.handleHealth))
	mux.HandleFunc("/status", s.withMetrics("/status", s.handleStatus))

	// Capture control
	mux.HandleFunc("/freeze", s.withMetrics("/freeze", s.handleFreeze))
	mux.HandleFunc("/duration", s.withMetrics("/duration", s.handleDuration))
	mux.HandleFunc("/duration/apply", s.withMetrics("/duration/apply", s.handleDurationApply))

	// History views
	mux.HandleFunc("/overview", s.withMetrics("/overview", s.handleOverview))
	mux.HandleFunc("/export", s.withMetrics("/export", s.handleExport))
	mux.HandleFunc("/exports", s.withMetrics("/exports", s.handleExports))

	// Live status feed, not wrapped: the request lasts as long as the socket
	mux.Handle("/ws", s.hub)

	mux.HandleFunc("/config", s.withMetrics("/config", s.handleConfig))

	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", s.withMetrics("/", s.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (s *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		s.metrics.RecordHTTPRequest(r.Method, endpoint, strconv.Itoa(ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			s.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Run serves until ctx is cancelled, then shuts down gracefully
func (s *HTTPServer) Run(ctx context.Context) error {
	s.logger.Info("Starting HTTP API server", slog.String("address", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Stopping HTTP API server...")
	s.hub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := s.engine.Status()
	hostStats := s.host.Stats()

	state := "healthy"
	if !status.Prepared {
		state = "starting"
	}

	components := map[string]interface{}{
		"engine": map[string]interface{}{
			"prepared": status.Prepared,
			"frozen":   status.Frozen,
			"paused":   status.Paused,
			"capacity": status.Capacity,
		},
		"host": map[string]interface{}{
			"suspended": hostStats.Suspended,
			"callbacks": hostStats.Callbacks,
			"dropped":   hostStats.Dropped,
		},
		"status_feed": map[string]interface{}{
			"clients": s.hub.Clients(),
		},
	}
	if s.ingest != nil {
		udpStats := s.ingest.GetStatistics()
		components["udp_source"] = map[string]interface{}{
			"packets_received":  udpStats.PacketsReceived,
			"packets_processed": udpStats.PacketsProcessed,
			"parse_errors":      udpStats.ParseErrors,
			"queue_size":        udpStats.QueueSize,
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    state,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.startTime).String(),
		"service": map[string]interface{}{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// statusResponse is the /status body
type statusResponse struct {
	Engine    capture.Status `json:"engine"`
	Host      host.Stats     `json:"host"`
	UDP       *UDPStatistics `json:"udp,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// handleStatus implements the /status endpoint
func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	resp := statusResponse{
		Engine:    s.engine.Status(),
		Host:      s.host.Stats(),
		Timestamp: time.Now().UTC(),
	}
	if s.ingest != nil {
		udpStats := s.ingest.GetStatistics()
		resp.UDP = &udpStats
	}
	writeJSON(w, http.StatusOK, resp)
}

type freezeRequest struct {
	Frozen *bool `json:"frozen"`
}

// handleFreeze implements GET and POST /freeze
func (s *HTTPServer) handleFreeze(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req freezeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Frozen == nil {
			http.Error(w, `Body must be {"frozen": true|false}`, http.StatusBadRequest)
			return
		}
		s.engine.SetFrozen(*req.Frozen)
		s.logger.Info("Freeze switched over HTTP", slog.Bool("frozen", *req.Frozen))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"frozen": s.engine.IsFrozen()})
}

type durationRequest struct {
	Seconds *float64 `json:"seconds"`
}

type durationResponse struct {
	RequestedSeconds float64 `json:"requested_seconds"`
	AppliedSeconds   float64 `json:"applied_seconds"`
	MinSeconds       float64 `json:"min_seconds"`
	MaxSeconds       float64 `json:"max_seconds"`
	Pending          bool    `json:"pending"`
	Changed          bool    `json:"changed,omitempty"`
}

func (s *HTTPServer) durationState() durationResponse {
	status := s.engine.Status()
	cfg := s.engine.Config()

	resp := durationResponse{
		RequestedSeconds: status.RequestedSeconds,
		AppliedSeconds:   status.DurationSeconds,
		MinSeconds:       cfg.MinDuration,
		MaxSeconds:       cfg.MaxDuration,
	}
	if status.Prepared {
		required, err := capture.RequiredSamples(status.RequestedSeconds, status.SampleRate)
		resp.Pending = err == nil && required != status.Capacity
	}
	return resp
}

// handleDuration implements GET and PUT /duration
func (s *HTTPServer) handleDuration(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var req durationRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Seconds == nil {
			http.Error(w, `Body must be {"seconds": number}`, http.StatusBadRequest)
			return
		}
		if *req.Seconds <= 0 {
			http.Error(w, "Duration must be positive", http.StatusBadRequest)
			return
		}
		stored := s.engine.SetRequestedDuration(*req.Seconds)
		s.logger.Info("Recording duration requested",
			slog.Float64("seconds", *req.Seconds),
			slog.Float64("stored_seconds", stored))
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, s.durationState())
}

// handleDurationApply implements POST /duration/apply
func (s *HTTPServer) handleDurationApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	changed, err := s.engine.ApplyRequestedDurationChange(s.host)
	if err != nil {
		s.logger.Error("Failed to apply recording duration", slog.String("error", err.Error()))
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	resp := s.durationState()
	resp.Changed = changed
	writeJSON(w, http.StatusOK, resp)
}

// handleOverview implements GET /overview?buckets=N
func (s *HTTPServer) handleOverview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	buckets := DefaultOverviewBuckets
	if v := r.URL.Query().Get("buckets"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid buckets", http.StatusBadRequest)
			return
		}
		buckets = n
	}

	ov, err := s.engine.Overview(buckets)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}
	writeJSON(w, http.StatusOK, ov)
}

// exportRange resolves ?seconds= or ?start=&end= to a logical range; with
// neither the whole ring is selected
func (s *HTTPServer) exportRange(r *http.Request) (int, int, error) {
	q := r.URL.Query()

	if v := q.Get("seconds"); v != "" {
		seconds, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: seconds %q", capture.ErrInvalidRange, v)
		}
		return s.engine.LastRange(seconds)
	}

	start, end := 0, s.engine.Capacity()
	if end == 0 {
		return 0, 0, capture.ErrEmptyRecording
	}
	if v := q.Get("start"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: start %q", capture.ErrInvalidRange, v)
		}
		start = n
	}
	if v := q.Get("end"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, 0, fmt.Errorf("%w: end %q", capture.ErrInvalidRange, v)
		}
		end = n
	}
	return start, end, nil
}

// handleExport implements GET /export (download) and POST /export (save)
func (s *HTTPServer) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start, end, err := s.exportRange(r)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	began := time.Now()
	snap, err := s.engine.SuspendedSnapshot(s.host, start, end)
	if err != nil {
		http.Error(w, err.Error(), statusForError(err))
		return
	}

	if r.Method == http.MethodPost {
		result, err := s.exporter.Save(snap)
		if err != nil {
			s.metrics.RecordExportFailure()
			s.logger.Error("Failed to save export", slog.String("error", err.Error()))
			http.Error(w, err.Error(), statusForError(err))
			return
		}
		s.metrics.RecordExport("save", time.Since(began).Seconds(), result.Seconds)
		for range result.Evicted {
			s.metrics.RecordExportEvicted()
		}
		writeJSON(w, http.StatusCreated, result)
		return
	}

	filename := fmt.Sprintf("rescue-%s.wav", time.Now().UTC().Format("20060102-150405"))
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	n, err := s.exporter.Stream(w, snap)
	if err != nil {
		s.metrics.RecordExportFailure()
		s.logger.Error("Failed to stream export",
			slog.Int64("bytes_sent", n),
			slog.String("error", err.Error()))
		if n == 0 {
			http.Error(w, err.Error(), statusForError(err))
		}
		return
	}
	s.metrics.RecordExport("download", time.Since(began).Seconds(), snap.Seconds())
	s.logger.Info("Export downloaded",
		slog.Int("start", start),
		slog.Int("end", end),
		slog.Int64("bytes", n))
}

// handleExports implements GET /exports, the retained rescue files
func (s *HTTPServer) handleExports(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	files := s.exporter.Files()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"dir":   s.exporter.Dir(),
		"count": len(files),
		"files": files,
	})
}

// handleConfig implements the /config endpoint
func (s *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := s.config
	sanitizedConfig := map[string]interface{}{
		"capture": map[string]interface{}{
			"sample_rate":          cfg.Capture.SampleRate,
			"channels":             cfg.Capture.Channels,
			"frames_per_buffer":    cfg.Capture.FramesPerBuffer,
			"initial_duration":     cfg.Capture.InitialDuration,
			"min_duration":         cfg.Capture.MinDuration,
			"max_duration":         cfg.Capture.MaxDuration,
			"max_capacity_samples": cfg.Capture.MaxCapacitySamples,
		},
		"silence": map[string]interface{}{
			"enabled":      cfg.Silence.Enabled,
			"threshold":    cfg.Silence.Threshold,
			"hold_seconds": cfg.Silence.HoldSeconds,
		},
		"source": map[string]interface{}{
			"type":        cfg.Source.Type,
			"device_name": cfg.Source.DeviceName,
			"replay": map[string]interface{}{
				"path":     cfg.Source.Replay.Path,
				"loop":     cfg.Source.Replay.Loop,
				"realtime": cfg.Source.Replay.Realtime,
			},
		},
		"udp": map[string]interface{}{
			"udp_port":     cfg.UDP.UDPPort,
			"bind_address": cfg.UDP.BindAddress,
			"buffer_size":  cfg.UDP.BufferSize,
			"queue_size":   cfg.UDP.QueueSize,
		},
		"http": map[string]interface{}{
			"address":            cfg.HTTP.Address,
			"port":               cfg.HTTP.Port,
			"status_interval_ms": cfg.HTTP.StatusIntervalMs,
		},
		"export": map[string]interface{}{
			"bit_depth": cfg.Export.BitDepth,
			"max_files": cfg.Export.MaxFiles,
			// The export directory is listed by /exports
		},
		"logging": map[string]interface{}{
			"level":  cfg.Logging.Level,
			"format": cfg.Logging.Format,
			"output": cfg.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleRoot implements the / endpoint with API documentation
func (s *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Recall Sampler",
		"version": serviceVersion,
		"endpoints": map[string]interface{}{
			"GET /":                             "API documentation",
			"GET /health":                       "Service health check",
			"GET /status":                       "Engine, host and ingest status",
			"GET|POST /freeze":                  "Read or switch freeze",
			"GET|PUT /duration":                 "Read or request the history length",
			"POST /duration/apply":              "Apply the requested history length (clears history)",
			"GET /overview?buckets=N":           "Waveform min/max overview with cursor",
			"GET /export?seconds=|start=&end=":  "Download history as WAV",
			"POST /export?seconds=|start=&end=": "Save history to the export directory",
			"GET /exports":                      "Retained export files",
			"GET /ws":                           "Websocket status stream",
			"GET /config":                       "Service configuration",
			"GET /metrics":                      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}

// statusForError maps engine and export errors to HTTP status codes
func statusForError(err error) int {
	switch {
	case errors.Is(err, capture.ErrInvalidRange),
		errors.Is(err, capture.ErrInvalidDuration):
		return http.StatusBadRequest
	case errors.Is(err, capture.ErrNotPrepared),
		errors.Is(err, capture.ErrEmptyRecording),
		errors.Is(err, export.ErrEmptySnapshot):
		return http.StatusConflict
	case errors.Is(err, capture.ErrCapacityTooLarge):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
