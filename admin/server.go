package admin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/dispatch"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/health"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/tlsutil"
	"github.com/c360/ruuvigw/processor/filter"
)

// SystemName is the component name of the aggregated health status.
const SystemName = "ruuvigw"

// Gateway is the view of the engine the admin surface reads from.
type Gateway interface {
	Running() bool
	Devices() []filter.DeviceSnapshot
	Sinks() []dispatch.WorkerStats
	Blacklist() []string
}

// Deps holds what the handlers read from. Every field except Gateway may be nil.
type Deps struct {
	Gateway         Gateway
	Health          *health.Monitor
	MetricsRegistry *metric.MetricsRegistry
	Config          *config.SafeConfig
	Logger          *slog.Logger
	Version         string
}

// Server is the admin HTTP server.
type Server struct {
	cfg    config.AdminConfig
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
}

// New creates a server for cfg. Nothing listens until Start.
func New(cfg config.AdminConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "admin"),
	}
}

// Handler returns the router serving every admin route.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	if s.deps.MetricsRegistry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(
			s.deps.MetricsRegistry.PrometheusRegistry(),
			promhttp.HandlerOpts{ErrorLog: slog.NewLogLogger(s.logger.Handler(), slog.LevelError)},
		))
	}
	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Get("/sinks", s.handleSinks)
		r.Get("/blacklist", s.handleBlacklist)
		r.Get("/config", s.handleConfig)
		r.Get("/version", s.handleVersion)
	})
	return r
}

// logRequests logs every request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("Admin request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "admin", "Start", "start server")
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "admin", "Start", "load TLS config")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "admin", "Start", "listen")
	}

	server := &http.Server{
		Handler:           s.Handler(),
		TLSConfig:         tlsConfig,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	s.server, s.ln = server, ln

	go func() {
		var err error
		if tlsConfig != nil {
			err = server.ServeTLS(ln, "", "")
		} else {
			err = server.Serve(ln)
		}
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server failed", "error", err)
		}
	}()

	s.logger.Info("Admin server listening", "addr", ln.Addr().String(), "tls", tlsConfig != nil)
	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops accepting requests and waits for active ones until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	server := s.server
	s.mu.Unlock()

	if server == nil {
		return nil
	}
	if err := server.Shutdown(ctx); err != nil {
		return errors.Wrap(err, "admin", "Shutdown", "shutdown server")
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) aggregate() health.Status {
	if s.deps.Health == nil {
		return health.NewHealthy(SystemName, "no health monitor")
	}
	return s.deps.Health.AggregateHealth(SystemName)
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	ready := s.deps.Gateway != nil && s.deps.Gateway.Running() && !s.aggregate().IsUnhealthy()
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("READY"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("NOT READY"))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.aggregate()
	code := http.StatusOK
	if status.IsUnhealthy() {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, status)
}

func (s *Server) handleDevices(w http.ResponseWriter, _ *http.Request) {
	devices := []filter.DeviceSnapshot{}
	if s.deps.Gateway != nil {
		devices = append(devices, s.deps.Gateway.Devices()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"devices": devices,
		"count":   len(devices),
	})
}

func (s *Server) handleSinks(w http.ResponseWriter, _ *http.Request) {
	sinks := []dispatch.WorkerStats{}
	if s.deps.Gateway != nil {
		sinks = append(sinks, s.deps.Gateway.Sinks()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sinks": sinks})
}

func (s *Server) handleBlacklist(w http.ResponseWriter, _ *http.Request) {
	macs := []string{}
	if s.deps.Gateway != nil {
		macs = append(macs, s.deps.Gateway.Blacklist()...)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"blacklist": macs})
}

func (s *Server) handleConfig(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Config == nil {
		http.Error(w, "configuration not available", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, s.deps.Config.Get().Redacted())
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.deps.Version})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Failed to encode admin response", "error", err)
	}
}
