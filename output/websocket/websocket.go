package websocket

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/security"
	"github.com/c360/ruuvigw/pkg/tlsutil"
)

// Config holds configuration for the websocket sink
type Config struct {
	Addr           string                   `json:"addr"`
	Path           string                   `json:"path"`
	WriteTimeout   config.Duration          `json:"write_timeout"`
	PingInterval   config.Duration          `json:"ping_interval"`
	AllowedOrigins []string                 `json:"allowed_origins,omitempty"`
	TLS            security.ServerTLSConfig `json:"tls"`
}

// DefaultConfig returns the websocket sink defaults
func DefaultConfig() Config {
	return Config{
		Addr:         ":8081",
		Path:         "/ws",
		WriteTimeout: config.Duration(10 * time.Second),
		PingInterval: config.Duration(30 * time.Second),
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	if c.Path == "" || c.Path[0] != '/' {
		return fmt.Errorf("path must start with /")
	}
	if c.WriteTimeout.D() <= 0 || c.PingInterval.D() <= 0 {
		return fmt.Errorf("write_timeout and ping_interval must be positive")
	}
	return nil
}

// MessageEnvelope wraps every message sent to a client
type MessageEnvelope struct {
	Type      string           `json:"type"`
	ID        string           `json:"id"`
	Timestamp int64            `json:"timestamp"`
	Resend    bool             `json:"resend"`
	Payload   []message.Record `json:"payload"`
}

// clientInfo holds information about a connected WebSocket client
type clientInfo struct {
	conn        *websocket.Conn
	connectedAt time.Time
	closed      atomic.Bool
	closeOnce   sync.Once
	writeMutex  sync.Mutex // gorilla/websocket allows one concurrent writer
}

// Metrics holds Prometheus metrics for one websocket sink
type Metrics struct {
	messagesSent       prometheus.Counter
	bytesSent          prometheus.Counter
	clientsConnected   prometheus.Gauge
	connectionTotal    prometheus.Counter
	disconnectionTotal *prometheus.CounterVec
	broadcastDuration  *prometheus.HistogramVec
}

// newMetrics creates and registers the sink metrics; nil registry disables them
func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"sink": name}
	m := &Metrics{
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket",
			Name:        "messages_sent_total",
			Help:        "Total messages sent to WebSocket clients",
			ConstLabels: labels,
		}),
		bytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket",
			Name:        "bytes_sent_total",
			Help:        "Total bytes sent to WebSocket clients",
			ConstLabels: labels,
		}),
		clientsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket",
			Name:        "clients_connected",
			Help:        "Number of currently connected clients",
			ConstLabels: labels,
		}),
		connectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket",
			Name:        "client_connections_total",
			Help:        "Total client connections (including disconnected)",
			ConstLabels: labels,
		}),
		disconnectionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket",
			Name:        "client_disconnections_total",
			Help:        "Total client disconnections",
			ConstLabels: labels,
		}, []string{"reason"}),
		broadcastDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket",
			Name:        "broadcast_duration_seconds",
			Help:        "Time to broadcast one item to all clients",
			Buckets:     []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			ConstLabels: labels,
		}, []string{"measurement"}),
	}

	service := "websocket_" + name
	_ = registry.RegisterCounter(service, "messages_sent", m.messagesSent)
	_ = registry.RegisterCounter(service, "bytes_sent", m.bytesSent)
	_ = registry.RegisterGauge(service, "clients_connected", m.clientsConnected)
	_ = registry.RegisterCounter(service, "client_connections", m.connectionTotal)
	_ = registry.RegisterCounterVec(service, "client_disconnections", m.disconnectionTotal)
	_ = registry.RegisterHistogramVec(service, "broadcast_duration", m.broadcastDuration)
	return m
}

// Sink runs a WebSocket server and broadcasts items to its clients
type Sink struct {
	name     string
	cfg      Config
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	lifecycleMu sync.Mutex
	server      *http.Server
	listener    net.Listener
	shutdown    chan struct{}
	wg          sync.WaitGroup

	clients   map[*websocket.Conn]*clientInfo
	clientsMu sync.RWMutex

	messageIDCounter atomic.Uint64
	messagesSent     atomic.Int64
	errors           atomic.Int64
}

// Create builds a websocket sink from its raw options.
func Create(name string, raw json.RawMessage, registry *metric.MetricsRegistry, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "websocket-output", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Sink{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(registry, name),
		clients: make(map[*websocket.Conn]*clientInfo),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s, nil
}

func (s *Sink) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.cfg.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Addr returns the listening address, or nil when the server is not running.
func (s *Sink) Addr() net.Addr {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Clients returns the number of connected clients
func (s *Sink) Clients() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Connect starts the server unless it is already listening.
func (s *Sink) Connect(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.server != nil {
		return nil
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(s.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "websocket-output", "Connect", "load TLS config")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapTransient(err, "websocket-output", "Connect", "listen on "+s.cfg.Addr)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Path, s.handleWebSocket)
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}

	s.server = server
	s.listener = ln
	s.shutdown = make(chan struct{})

	s.wg.Add(2)
	go s.runServer(server, ln, tlsConfig != nil)
	go s.maintainClients(s.shutdown)

	s.logger.Info("WebSocket server listening", "addr", ln.Addr().String(), "path", s.cfg.Path, "tls", tlsConfig != nil)
	return nil
}

func (s *Sink) runServer(server *http.Server, ln net.Listener, useTLS bool) {
	defer s.wg.Done()

	var err error
	if useTLS {
		err = server.ServeTLS(ln, "", "")
	} else {
		err = server.Serve(ln)
	}
	if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
		s.errors.Add(1)
		s.logger.Error("WebSocket server stopped", "error", err)

		s.lifecycleMu.Lock()
		if s.server == server {
			s.server, s.listener = nil, nil
			close(s.shutdown)
		}
		s.lifecycleMu.Unlock()
	}
}

// handleWebSocket handles new WebSocket connections
func (s *Sink) handleWebSocket(wr http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(wr, r, nil)
	if err != nil {
		s.errors.Add(1)
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	info := &clientInfo{conn: conn, connectedAt: time.Now()}

	s.clientsMu.Lock()
	s.clients[conn] = info
	count := len(s.clients)
	s.clientsMu.Unlock()

	if s.metrics != nil {
		s.metrics.connectionTotal.Inc()
		s.metrics.clientsConnected.Set(float64(count))
	}
	s.logger.Debug("WebSocket client connected", "remote", r.RemoteAddr, "clients", count)

	s.handleClient(info)
}

// handleClient reads until the client goes away
func (s *Sink) handleClient(info *clientInfo) {
	defer s.removeClient(info, "normal")

	readTimeout := 2 * s.cfg.PingInterval.D()
	info.conn.SetPongHandler(func(string) error {
		return info.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		_ = info.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if _, _, err := info.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// removeClient closes and forgets a client once
func (s *Sink) removeClient(info *clientInfo, reason string) {
	info.closeOnce.Do(func() {
		info.closed.Store(true)

		s.clientsMu.Lock()
		delete(s.clients, info.conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		if s.metrics != nil {
			s.metrics.disconnectionTotal.WithLabelValues(reason).Inc()
			s.metrics.clientsConnected.Set(float64(count))
		}
		_ = info.conn.Close()
	})
}

func (s *Sink) snapshot() []*clientInfo {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	list := make([]*clientInfo, 0, len(s.clients))
	for _, info := range s.clients {
		if !info.closed.Load() {
			list = append(list, info)
		}
	}
	return list
}

// Publish broadcasts the item to every connected client.
func (s *Sink) Publish(ctx context.Context, item *message.Item) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}
	start := time.Now()

	data, err := json.Marshal(MessageEnvelope{
		Type:      "data",
		ID:        strconv.FormatUint(s.messageIDCounter.Add(1), 10),
		Timestamp: start.UnixMilli(),
		Resend:    item.Resend,
		Payload:   item.Records,
	})
	if err != nil {
		return errors.WrapInvalid(err, "websocket-output", "Publish", "marshal envelope")
	}

	var wg sync.WaitGroup
	for _, info := range s.snapshot() {
		wg.Add(1)
		go func(info *clientInfo) {
			defer wg.Done()
			if err := s.sendToClient(info, websocket.TextMessage, data); err != nil {
				s.errors.Add(1)
				s.removeClient(info, "write_error")
				return
			}
			s.messagesSent.Add(1)
			if s.metrics != nil {
				s.metrics.messagesSent.Inc()
				s.metrics.bytesSent.Add(float64(len(data)))
			}
		}(info)
	}
	wg.Wait()

	if s.metrics != nil {
		s.metrics.broadcastDuration.WithLabelValues(item.Measurement).Observe(time.Since(start).Seconds())
	}
	return nil
}

// sendToClient writes one message under the client's write lock
func (s *Sink) sendToClient(info *clientInfo, messageType int, data []byte) error {
	info.writeMutex.Lock()
	defer info.writeMutex.Unlock()

	_ = info.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout.D()))
	return info.conn.WriteMessage(messageType, data)
}

// maintainClients pings clients so dead connections are noticed
func (s *Sink) maintainClients(shutdown <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PingInterval.D())
	defer ticker.Stop()

	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			for _, info := range s.snapshot() {
				if err := s.sendToClient(info, websocket.PingMessage, nil); err != nil {
					s.removeClient(info, "ping_error")
				}
			}
		}
	}
}

// Ping reports whether the server is listening.
func (s *Sink) Ping(_ context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.server == nil {
		return errors.WrapTransient(errors.ErrNotConnected, "websocket-output", "Ping", "check server")
	}
	return nil
}

// Close stops the server and disconnects every client.
func (s *Sink) Close(ctx context.Context) error {
	s.lifecycleMu.Lock()
	server := s.server
	if server != nil {
		close(s.shutdown)
	}
	s.server, s.listener = nil, nil
	s.lifecycleMu.Unlock()

	if server == nil {
		return nil
	}

	err := server.Shutdown(ctx)
	for _, info := range s.snapshot() {
		_ = info.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"), time.Now().Add(time.Second))
		s.removeClient(info, "shutdown")
	}
	s.wg.Wait()

	if err != nil {
		return errors.Wrap(err, "websocket-output", "Close", "shutdown server")
	}
	return nil
}
