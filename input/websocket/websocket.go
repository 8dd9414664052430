// Package websocket receives advertisement frames over WebSocket. In client mode it dials a
// bridge that streams frames and reconnects with backoff; in server mode bridges connect to
// it and push frames. Every text message carries one or more JSON packets or "MAC,RSSI,HEX"
// lines separated by newlines.
package websocket

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/input/adv"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/retry"
	"github.com/c360/ruuvigw/pkg/security"
	"github.com/c360/ruuvigw/pkg/tlsutil"
)

// Mode defines the operation mode for the websocket source
type Mode string

const (
	// ModeClient connects to a remote bridge
	ModeClient Mode = "client"
	// ModeServer listens for bridges
	ModeServer Mode = "server"
)

// Auth types
const (
	AuthNone   = "none"
	AuthBearer = "bearer"
	AuthBasic  = "basic"
)

const readLimit = 1 << 20

// AuthConfig names the environment variables holding credentials. Secrets never live in
// the configuration file.
type AuthConfig struct {
	Type             string `json:"type"`
	BearerTokenEnv   string `json:"bearer_token_env,omitempty"`
	BasicUsernameEnv string `json:"basic_username_env,omitempty"`
	BasicPasswordEnv string `json:"basic_password_env,omitempty"`
}

// ReconnectConfig holds the client mode backoff. MaxRetries 0 retries forever.
type ReconnectConfig struct {
	InitialInterval config.Duration `json:"initial_interval"`
	MaxInterval     config.Duration `json:"max_interval"`
	Multiplier      float64         `json:"multiplier"`
	MaxRetries      int             `json:"max_retries"`
}

// Config holds the websocket source options
type Config struct {
	Mode Mode `json:"mode"`

	// client mode
	URL       string                   `json:"url,omitempty"`
	Reconnect ReconnectConfig          `json:"reconnect"`
	TLS       security.ClientTLSConfig `json:"tls"`

	// server mode
	Addr           string                   `json:"addr,omitempty"`
	Path           string                   `json:"path,omitempty"`
	MaxConnections int                      `json:"max_connections"`
	ServerTLS      security.ServerTLSConfig `json:"server_tls"`

	Auth AuthConfig `json:"auth"`
}

// DefaultConfig returns the websocket source defaults
func DefaultConfig() Config {
	return Config{
		Mode: ModeClient,
		URL:  "ws://localhost:8080/adv",
		Reconnect: ReconnectConfig{
			InitialInterval: config.Duration(time.Second),
			MaxInterval:     config.Duration(60 * time.Second),
			Multiplier:      2.0,
		},
		Addr:           ":8082",
		Path:           "/adv",
		MaxConnections: 16,
		Auth:           AuthConfig{Type: AuthNone},
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeClient:
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			return fmt.Errorf("url must be a ws:// or wss:// address, got %q", c.URL)
		}
		if c.Reconnect.InitialInterval.D() <= 0 || c.Reconnect.MaxInterval.D() < c.Reconnect.InitialInterval.D() {
			return fmt.Errorf("reconnect intervals must be positive and max_interval >= initial_interval")
		}
		if c.Reconnect.Multiplier < 1 {
			return fmt.Errorf("reconnect multiplier must be at least 1")
		}
		if c.Reconnect.MaxRetries < 0 {
			return fmt.Errorf("reconnect max_retries must not be negative")
		}
	case ModeServer:
		if c.Addr == "" {
			return fmt.Errorf("addr is required in server mode")
		}
		if c.Path == "" || c.Path[0] != '/' {
			return fmt.Errorf("path must start with /")
		}
		if c.MaxConnections < 0 {
			return fmt.Errorf("max_connections must not be negative")
		}
	default:
		return fmt.Errorf("invalid mode %q", c.Mode)
	}

	switch c.Auth.Type {
	case "", AuthNone:
	case AuthBearer:
		if c.Auth.BearerTokenEnv == "" {
			return fmt.Errorf("auth bearer needs bearer_token_env")
		}
	case AuthBasic:
		if c.Auth.BasicUsernameEnv == "" || c.Auth.BasicPasswordEnv == "" {
			return fmt.Errorf("auth basic needs basic_username_env and basic_password_env")
		}
	default:
		return fmt.Errorf("invalid auth type %q", c.Auth.Type)
	}
	return nil
}

// Metrics holds Prometheus metrics for one websocket source
type Metrics struct {
	connectionsActive prometheus.Gauge
	messagesReceived  prometheus.Counter
	reconnects        prometheus.Counter
	errors            *prometheus.CounterVec
}

func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"source": name}
	m := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket_input",
			Name:        "connections_active",
			Help:        "Open websocket connections",
			ConstLabels: labels,
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket_input",
			Name:        "messages_received_total",
			Help:        "Websocket messages received",
			ConstLabels: labels,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket_input",
			Name:        "reconnect_attempts_total",
			Help:        "Client mode reconnect attempts",
			ConstLabels: labels,
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "websocket_input",
			Name:        "errors_total",
			Help:        "Websocket source errors by type",
			ConstLabels: labels,
		}, []string{"type"}),
	}

	service := "websocket_input_" + name
	_ = registry.RegisterGauge(service, "connections_active", m.connectionsActive)
	_ = registry.RegisterCounter(service, "messages_received", m.messagesReceived)
	_ = registry.RegisterCounter(service, "reconnect_attempts", m.reconnects)
	_ = registry.RegisterCounterVec(service, "errors", m.errors)
	return m
}

// Input is a websocket frame source
type Input struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	core    *metric.Metrics
	metrics *Metrics

	getenv   func(string) string
	upgrader websocket.Upgrader

	mu      sync.Mutex
	ln      net.Listener
	clients map[*websocket.Conn]struct{}
	bound   chan struct{}

	running     atomic.Bool
	messages    atomic.Int64
	frames      atomic.Int64
	parseErrors atomic.Int64
	errorCount  atomic.Int64
}

// Create builds a websocket source from its raw options.
func Create(name string, raw json.RawMessage, registry *metric.MetricsRegistry, logger *slog.Logger) (*Input, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "websocket-input", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}

	in := &Input{
		name:    name,
		cfg:     cfg,
		logger:  logger,
		metrics: newMetrics(registry, name),
		getenv:  os.Getenv,
		clients: make(map[*websocket.Conn]struct{}),
		bound:   make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// bridges are not browsers
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if registry != nil {
		in.core = registry.Metrics
	}
	return in, nil
}

// Name returns the source name
func (in *Input) Name() string { return in.name }

// Frames returns the number of frames handed to the handler.
func (in *Input) Frames() int64 { return in.frames.Load() }

// Addr returns the listen address in server mode once bound, nil otherwise.
func (in *Input) Addr() net.Addr {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.ln == nil {
		return nil
	}
	return in.ln.Addr()
}

// Bound is closed once the server mode listener accepts connections.
func (in *Input) Bound() <-chan struct{} { return in.bound }

// Start runs the source until ctx is done.
func (in *Input) Start(ctx context.Context, handle message.FrameHandler) error {
	if !in.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(fmt.Errorf("already running"), "websocket-input", "Start", "state check")
	}
	defer in.running.Store(false)

	if in.cfg.Mode == ModeServer {
		return in.serve(ctx, handle)
	}
	return in.dialLoop(ctx, handle)
}

func (in *Input) serve(ctx context.Context, handle message.FrameHandler) error {
	mux := http.NewServeMux()
	mux.HandleFunc(in.cfg.Path, func(w http.ResponseWriter, r *http.Request) {
		in.handleUpgrade(ctx, w, r, handle)
	})
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", in.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "websocket-input", "serve", "listen on "+in.cfg.Addr)
	}
	if in.cfg.ServerTLS.Enabled {
		tlsConfig, err := tlsutil.LoadServerTLSConfig(in.cfg.ServerTLS)
		if err != nil {
			_ = ln.Close()
			return errors.WrapFatal(err, "websocket-input", "serve", "load TLS config")
		}
		server.TLSConfig = tlsConfig
	}

	in.mu.Lock()
	in.ln = ln
	in.mu.Unlock()
	close(in.bound)
	in.logger.Info("Websocket source listening", "addr", ln.Addr().String(), "path", in.cfg.Path)

	serveErr := make(chan error, 1)
	go func() {
		if in.cfg.ServerTLS.Enabled {
			serveErr <- server.ServeTLS(ln, "", "")
		} else {
			serveErr <- server.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			return errors.WrapTransient(err, "websocket-input", "serve", "serve")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	// hijacked connections are not closed by Shutdown
	in.mu.Lock()
	for conn := range in.clients {
		_ = conn.Close()
	}
	in.mu.Unlock()
	return nil
}

func (in *Input) handleUpgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, handle message.FrameHandler) {
	if !in.authenticate(r) {
		in.trackError("auth_failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	in.mu.Lock()
	full := in.cfg.MaxConnections > 0 && len(in.clients) >= in.cfg.MaxConnections
	in.mu.Unlock()
	if full {
		in.trackError("too_many_connections")
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, err := in.upgrader.Upgrade(w, r, nil)
	if err != nil {
		in.trackError("upgrade_error")
		return
	}

	in.track(conn, true)
	defer in.track(conn, false)
	in.logger.Info("Bridge connected", "remote", r.RemoteAddr)

	in.readLoop(ctx, conn, handle)
	in.logger.Info("Bridge disconnected", "remote", r.RemoteAddr)
}

func (in *Input) track(conn *websocket.Conn, add bool) {
	in.mu.Lock()
	if add {
		in.clients[conn] = struct{}{}
	} else {
		delete(in.clients, conn)
		_ = conn.Close()
	}
	n := len(in.clients)
	in.mu.Unlock()
	if in.metrics != nil {
		in.metrics.connectionsActive.Set(float64(n))
	}
}

// dialLoop keeps one client connection open, backing off between failed attempts.
func (in *Input) dialLoop(ctx context.Context, handle message.FrameHandler) error {
	dialer := &websocket.Dialer{HandshakeTimeout: 30 * time.Second}
	if in.cfg.TLS.Enabled {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(in.cfg.TLS)
		if err != nil {
			return errors.WrapFatal(err, "websocket-input", "dialLoop", "load TLS config")
		}
		dialer.TLSClientConfig = tlsConfig
	}

	backoff := retry.Config{
		InitialDelay: in.cfg.Reconnect.InitialInterval.D(),
		MaxDelay:     in.cfg.Reconnect.MaxInterval.D(),
		Multiplier:   in.cfg.Reconnect.Multiplier,
	}

	attempt := 0
	for ctx.Err() == nil {
		conn, _, err := dialer.DialContext(ctx, in.cfg.URL, in.authHeaders())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			in.trackError("connect_error")
			attempt++
			if limit := in.cfg.Reconnect.MaxRetries; limit > 0 && attempt > limit {
				return errors.WrapTransient(err, "websocket-input", "dialLoop",
					fmt.Sprintf("connect after %d attempts", attempt))
			}
			delay := backoff.Delay(attempt)
			in.logger.Warn("Websocket connect failed", "url", in.cfg.URL, "attempt", attempt, "retry_in", delay, "error", err)
			if in.metrics != nil {
				in.metrics.reconnects.Inc()
			}
			if !sleep(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		in.track(conn, true)
		in.logger.Info("Websocket source connected", "url", in.cfg.URL)

		// unblock ReadMessage on shutdown
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		in.readLoop(ctx, conn, handle)
		stop()
		in.track(conn, false)
	}
	return nil
}

func (in *Input) readLoop(ctx context.Context, conn *websocket.Conn, handle message.FrameHandler) {
	conn.SetReadLimit(readLimit)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				in.trackError("read_error")
				in.logger.Debug("Websocket read failed", "error", err)
			}
			return
		}
		if kind != websocket.TextMessage && kind != websocket.BinaryMessage {
			continue
		}

		in.messages.Add(1)
		if in.metrics != nil {
			in.metrics.messagesReceived.Inc()
		}
		in.handleMessage(ctx, data, time.Now(), handle)
	}
}

func (in *Input) handleMessage(ctx context.Context, data []byte, now time.Time, handle message.FrameHandler) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		frame, err := adv.ParseDatagram(line, now)
		if err != nil {
			in.parseErrors.Add(1)
			if in.core != nil {
				in.core.FramesDropped.WithLabelValues(adv.DropReason(err)).Inc()
			}
			in.logger.Debug("Skipping unparsable line", "error", err)
			continue
		}
		in.frames.Add(1)
		if in.core != nil {
			in.core.FramesReceived.WithLabelValues(in.name).Inc()
		}
		handle(ctx, frame)
	}
}

// authenticate checks the request credentials against the configured environment variables.
// A configured auth type with an unset variable rejects every request.
func (in *Input) authenticate(r *http.Request) bool {
	switch in.cfg.Auth.Type {
	case "", AuthNone:
		return true
	case AuthBearer:
		expected := in.getenv(in.cfg.Auth.BearerTokenEnv)
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if expected == "" || !ok {
			return false
		}
		return subtle.ConstantTimeCompare([]byte(token), []byte(expected)) == 1
	case AuthBasic:
		username := in.getenv(in.cfg.Auth.BasicUsernameEnv)
		password := in.getenv(in.cfg.Auth.BasicPasswordEnv)
		user, pass, ok := r.BasicAuth()
		if username == "" || password == "" || !ok {
			return false
		}
		userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(username)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(pass), []byte(password)) == 1
		return userMatch && passMatch
	default:
		return false
	}
}

func (in *Input) authHeaders() http.Header {
	headers := http.Header{}
	switch in.cfg.Auth.Type {
	case AuthBearer:
		if token := in.getenv(in.cfg.Auth.BearerTokenEnv); token != "" {
			headers.Set("Authorization", "Bearer "+token)
		}
	case AuthBasic:
		username := in.getenv(in.cfg.Auth.BasicUsernameEnv)
		password := in.getenv(in.cfg.Auth.BasicPasswordEnv)
		if username != "" && password != "" {
			headers.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(username+":"+password)))
		}
	}
	return headers
}

func (in *Input) trackError(kind string) {
	in.errorCount.Add(1)
	if in.metrics != nil {
		in.metrics.errors.WithLabelValues(kind).Inc()
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
