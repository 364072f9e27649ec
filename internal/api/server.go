// Package api serves a read-mostly HTTP view of the bridge: the current
// snapshot, derived entities, redacted diagnostics and Prometheus metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"bhyvebridge/internal/bhyve"
	"bhyvebridge/internal/clock"
	"bhyvebridge/internal/entity"
	"bhyvebridge/internal/stream"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const (
	refreshTimeout  = 30 * time.Second
	shutdownTimeout = 5 * time.Second
)

// Coordinator is the part of the coordinator the API reads from.
type Coordinator interface {
	Snapshot() *bhyve.Data
	LastUpdate() time.Time
	LastError() error
	Refresh(ctx context.Context, force bool) error
}

// StreamStatus reports the event stream connection.
type StreamStatus interface {
	State() stream.State
	IsConnected() bool
}

// Server provides HTTP API endpoints for the bridge.
type Server struct {
	coord   Coordinator
	stream  StreamStatus
	metrics http.Handler
	build   entity.Options
	clock   clock.Clock
	logger  *zap.Logger
	router  *mux.Router
	server  *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithStream adds the stream connection state to health and diagnostics.
func WithStream(s StreamStatus) Option {
	return func(srv *Server) { srv.stream = s }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) { srv.metrics = h }
}

// WithEntityOptions sets the options used to build /api/entities.
func WithEntityOptions(opts entity.Options) Option {
	return func(srv *Server) { srv.build = opts }
}

// WithClock sets the clock used as the entity reference time.
func WithClock(clk clock.Clock) Option {
	return func(srv *Server) { srv.clock = clk }
}

// NewServer creates a new API server listening on addr.
func NewServer(addr string, coord Coordinator, logger *zap.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		coord:  coord,
		clock:  clock.Real(),
		logger: logger.Named("api"),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router = s.routes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: refreshTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Endpoint represents an API endpoint with its documentation.
type Endpoint struct {
	Path        string `json:"path"`
	Method      string `json:"method"`
	Description string `json:"description"`
}

var endpoints = []Endpoint{
	{Path: "/", Method: http.MethodGet, Description: "This sitemap"},
	{Path: "/health", Method: http.MethodGet, Description: "Snapshot age and stream state"},
	{Path: "/api/devices", Method: http.MethodGet, Description: "All devices in the current snapshot"},
	{Path: "/api/devices/{id}", Method: http.MethodGet, Description: "One device with its programs and watering history"},
	{Path: "/api/programs", Method: http.MethodGet, Description: "All timer programs"},
	{Path: "/api/entities", Method: http.MethodGet, Description: "Entities derived from the snapshot"},
	{Path: "/api/diagnostics", Method: http.MethodGet, Description: "Snapshot dump with location data redacted"},
	{Path: "/api/refresh", Method: http.MethodPost, Description: "Force a full refresh from the cloud"},
	{Path: "/metrics", Method: http.MethodGet, Description: "Prometheus metrics"},
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.handleSitemap).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)

	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.HandleFunc("/devices", s.handleDevices).Methods(http.MethodGet)
	apiRouter.HandleFunc("/devices/{id}", s.handleDevice).Methods(http.MethodGet)
	apiRouter.HandleFunc("/programs", s.handlePrograms).Methods(http.MethodGet)
	apiRouter.HandleFunc("/entities", s.handleEntities).Methods(http.MethodGet)
	apiRouter.HandleFunc("/diagnostics", s.handleDiagnostics).Methods(http.MethodGet)
	apiRouter.HandleFunc("/refresh", s.handleRefresh).Methods(http.MethodPost)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status          string `json:"status"`
	LastUpdate      string `json:"last_update,omitempty"`
	LastError       string `json:"last_error,omitempty"`
	Stream          string `json:"stream,omitempty"`
	StreamConnected bool   `json:"stream_connected"`
}

func (s *Server) health() HealthResponse {
	resp := HealthResponse{Status: "ok"}
	if last := s.coord.LastUpdate(); !last.IsZero() {
		resp.LastUpdate = last.UTC().Format(time.RFC3339)
	} else {
		resp.Status = "starting"
	}
	if err := s.coord.LastError(); err != nil {
		resp.LastError = err.Error()
		resp.Status = "degraded"
	}
	if s.stream != nil {
		resp.Stream = string(s.stream.State())
		resp.StreamConnected = s.stream.IsConnected()
	}
	return resp
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.health()
	status := http.StatusOK
	if resp.Status == "starting" {
		status = http.StatusServiceUnavailable
	}
	s.respond(w, r, status, resp)
}

func (s *Server) snapshot(w http.ResponseWriter, r *http.Request) (*bhyve.Data, bool) {
	data := s.coord.Snapshot()
	if data == nil {
		s.fail(w, r, http.StatusServiceUnavailable, "no data yet")
		return nil, false
	}
	return data, true
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	data, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	devices := data.Devices
	if devices == nil {
		devices = []*bhyve.Device{}
	}
	s.respond(w, r, http.StatusOK, devices)
}

// DeviceResponse is the body of /api/devices/{id}.
type DeviceResponse struct {
	Device     *bhyve.Device         `json:"device"`
	Programs   []*bhyve.Program      `json:"programs"`
	History    []bhyve.WateringEvent `json:"history"`
	Landscapes []bhyve.Landscape     `json:"landscapes,omitempty"`
}

func (s *Server) handleDevice(w http.ResponseWriter, r *http.Request) {
	data, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	id := mux.Vars(r)["id"]
	device := data.Device(id)
	if device == nil {
		s.fail(w, r, http.StatusNotFound, fmt.Sprintf("device %s not found", id))
		return
	}
	s.respond(w, r, http.StatusOK, DeviceResponse{
		Device:     device,
		Programs:   orEmpty(data.ProgramsFor(id)),
		History:    orEmpty(data.History(id)),
		Landscapes: data.Landscapes[id],
	})
}

func (s *Server) handlePrograms(w http.ResponseWriter, r *http.Request) {
	data, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	s.respond(w, r, http.StatusOK, orEmpty(data.Programs))
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	data, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	opts := s.build
	opts.Now = s.clock.Now()
	if opts.Logger == nil {
		opts.Logger = s.logger
	}
	s.respond(w, r, http.StatusOK, orEmpty(entity.Build(data, opts)))
}

// DiagnosticsResponse is the body of /api/diagnostics before redaction.
type DiagnosticsResponse struct {
	Health     HealthResponse                   `json:"health"`
	Devices    []*bhyve.Device                  `json:"devices"`
	Programs   []*bhyve.Program                 `json:"programs"`
	Landscapes map[string][]bhyve.Landscape     `json:"landscapes"`
	Histories  map[string][]bhyve.WateringEvent `json:"histories"`
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	data, ok := s.snapshot(w, r)
	if !ok {
		return
	}
	body, err := redact(DiagnosticsResponse{
		Health:     s.health(),
		Devices:    orEmpty(data.Devices),
		Programs:   orEmpty(data.Programs),
		Landscapes: data.Landscapes,
		Histories:  data.Histories,
	})
	if err != nil {
		s.logger.Error("Failed to build diagnostics", zap.Error(err))
		s.fail(w, r, http.StatusInternalServerError, "failed to build diagnostics")
		return
	}
	s.respond(w, r, http.StatusOK, body)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), refreshTimeout)
	defer cancel()

	if err := s.coord.Refresh(ctx, true); err != nil {
		s.logger.Warn("Manual refresh failed", zap.Error(err))
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		s.fail(w, r, status, err.Error())
		return
	}
	s.logger.Info("Manual refresh completed", zap.String("remote_addr", r.RemoteAddr))
	s.respond(w, r, http.StatusOK, s.health())
}

// handleSitemap lists the endpoints, as HTML for browsers and plain text
// otherwise.
func (s *Server) handleSitemap(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.Header.Get("Accept"), "text/html") {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<!DOCTYPE html>\n<html>\n<head><title>B-hyve Bridge API</title></head>\n<body>\n<h1>B-hyve Bridge API</h1>\n<ul>\n")
		for _, ep := range endpoints {
			fmt.Fprintf(w, "<li><code>%s %s</code> %s</li>\n", ep.Method, ep.Path, ep.Description)
		}
		fmt.Fprint(w, "</ul>\n<p>Append <code>?format=msgpack</code> for MessagePack responses.</p>\n</body>\n</html>\n")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "B-hyve Bridge API\n")
	fmt.Fprintf(w, "=================\n\n")
	fmt.Fprintf(w, "Available endpoints:\n\n")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "  %-6s %-20s %s\n", ep.Method, ep.Path, ep.Description)
	}
	fmt.Fprintf(w, "\nAppend ?format=msgpack for MessagePack responses.\n")
}

func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, data any) {
	if err := writeResponse(w, r, status, data); err != nil {
		s.logger.Error("Failed to encode response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if err := writeError(w, r, status, msg); err != nil {
		s.logger.Error("Failed to encode error response", zap.String("path", r.URL.Path), zap.Error(err))
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP API server", zap.String("addr", s.server.Addr))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.logger.Info("Stopping HTTP API server")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}

	return nil
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
