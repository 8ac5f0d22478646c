// Package gateway is the relay's HTTP surface: health, the latest-state and
// latest-config documents, server-side tracks, discrete events, metrics and
// the websocket pipe into the hub.
package gateway

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/anqori/anchorwatch/errors"
	"github.com/anqori/anchorwatch/health"
	"github.com/anqori/anchorwatch/hub"
	"github.com/anqori/anchorwatch/merge"
	"github.com/anqori/anchorwatch/metric"
)

// ServiceName is reported by the health endpoints.
const ServiceName = "anchorwatch-relay"

// Config holds the gateway settings.
type Config struct {
	// AllowedOrigin is sent as Access-Control-Allow-Origin. Empty means "*".
	AllowedOrigin string
	// BoatID scopes the relay to one boat when set.
	BoatID string
	// BoatSecret enables bearer auth on /v1/* when set.
	BoatSecret   string
	BuildVersion string
	// MaxBodyBytes bounds POST bodies. Zero means 1 MiB.
	MaxBodyBytes int64
	Socket       hub.SocketConfig
}

func (c Config) withDefaults() Config {
	if c.AllowedOrigin == "" {
		c.AllowedOrigin = "*"
	}
	if c.BuildVersion == "" {
		c.BuildVersion = "run-unknown"
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = 1 << 20
	}
	c.BoatID = strings.TrimSpace(c.BoatID)
	c.BoatSecret = strings.TrimSpace(c.BoatSecret)
	return c
}

// Server serves the relay API.
type Server struct {
	cfg      Config
	engine   *merge.Engine
	hub      *hub.Hub
	monitor  *health.Monitor
	registry *metric.MetricsRegistry
	logger   *slog.Logger
	metrics  *gatewayMetrics
	now      func() time.Time
	upgrader websocket.Upgrader
	handler  http.Handler
	// ctx bounds pipe sockets; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger. Nil keeps slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics registers request metrics and serves /metrics from registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(s *Server) { s.registry = registry }
}

// WithHealth reports the monitor's checks under /health.
func WithHealth(m *health.Monitor) Option {
	return func(s *Server) {
		if m != nil {
			s.monitor = m
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates the gateway over the merge engine and the hub.
func New(cfg Config, engine *merge.Engine, h *hub.Hub, opts ...Option) (*Server, error) {
	if engine == nil || h == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "gateway", "New", "check engine and hub")
	}
	s := &Server{
		cfg:     cfg.withDefaults(),
		engine:  engine,
		hub:     h,
		monitor: health.NewMonitor(),
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "gateway")
	m, err := newGatewayMetrics(s.registry)
	if err != nil {
		return nil, errors.Wrap(err, "gateway", "New", "register metrics")
	}
	s.metrics = m
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handler = s.middleware(http.HandlerFunc(s.route))
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// RegisterHTTPHandlers mounts the gateway on mux under prefix.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		mux.Handle("/", s.handler)
		return
	}
	mux.Handle(prefix+"/", http.StripPrefix(prefix, s.handler))
}

// Close ends every pipe socket served by s.
func (s *Server) Close() { s.cancel() }

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	switch {
	case path == "/" || path == "/health":
		s.handleHealth(w, r)
	case path == "/metrics" && r.Method == http.MethodGet:
		metric.Handler(s.registry).ServeHTTP(w, r)
	case path == "/v1/pipe" && r.Method == http.MethodGet:
		s.handlePipe(w, r)
	case strings.HasPrefix(path, "/v1/") && !s.authorized(r):
		s.writeError(w, http.StatusUnauthorized, "AUTH_FAILED", "invalid or missing bearer secret")
	case path == "/v1/state" && r.Method == http.MethodGet:
		s.handleGetState(w, r)
	case path == "/v1/state" && r.Method == http.MethodPost:
		s.handlePostState(w, r)
	case path == "/v1/config" && r.Method == http.MethodGet:
		s.handleGetConfig(w, r)
	case path == "/v1/config" && r.Method == http.MethodPost:
		s.handlePostConfig(w, r)
	case path == "/v1/tracks" && r.Method == http.MethodGet:
		s.handleTracks(w, r)
	case path == "/v1/events" && r.Method == http.MethodPost:
		s.handleEvents(w, r)
	default:
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "")
	}
}

// authorized checks the bearer secret. Without a configured secret every
// request passes.
func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.BoatSecret == "" {
		return true
	}
	return secretMatches(r.Header.Get("Authorization"), "Bearer "+s.cfg.BoatSecret)
}

// secretMatches compares in constant time for equal-length inputs.
func secretMatches(given, want string) bool {
	return subtle.ConstantTimeCompare([]byte(given), []byte(want)) == 1
}

// inScope reports whether boatID is allowed. An unset scope or an empty
// boat id always passes.
func (s *Server) inScope(boatID string) bool {
	return s.cfg.BoatID == "" || boatID == "" || boatID == s.cfg.BoatID
}

func (s *Server) writeScopeError(w http.ResponseWriter) {
	s.writeError(w, http.StatusForbidden, "AUTH_FAILED", "boatId does not match configured scope")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.Report(r.Context(), ServiceName)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":           true,
		"service":      ServiceName,
		"buildVersion": s.cfg.BuildVersion,
		"storage":      s.engine.Backend(),
		"now":          s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
		"components":   report,
	})
}

func requestID(r *http.Request) string {
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("req-%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
