package udp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/input/adv"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/retry"
)

// Defaults
const (
	DefaultBind       = "0.0.0.0"
	DefaultPort       = 5350
	DefaultReadBuffer = 2 * 1024 * 1024

	readDeadline = 100 * time.Millisecond
)

// Config holds the udp source options
type Config struct {
	Bind       string `json:"bind"`
	Port       int    `json:"port"`
	ReadBuffer int    `json:"read_buffer"`
}

// DefaultConfig returns the udp source defaults
func DefaultConfig() Config {
	return Config{
		Bind:       DefaultBind,
		Port:       DefaultPort,
		ReadBuffer: DefaultReadBuffer,
	}
}

// Validate checks the options. Port 0 asks the OS for a free port.
func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Bind != "" && net.ParseIP(c.Bind) == nil {
		if _, err := net.LookupHost(c.Bind); err != nil {
			return fmt.Errorf("invalid bind address %q: %w", c.Bind, err)
		}
	}
	if c.ReadBuffer < 0 {
		return fmt.Errorf("negative read_buffer")
	}
	return nil
}

// Metrics holds Prometheus metrics for one udp source
type Metrics struct {
	packetsReceived prometheus.Counter
	bytesReceived   prometheus.Counter
	socketErrors    prometheus.Counter
	lastActivity    prometheus.Gauge
}

// newMetrics creates and registers the socket metrics; nil registry disables them
func newMetrics(registry *metric.MetricsRegistry, name string) *Metrics {
	if registry == nil {
		return nil
	}

	labels := prometheus.Labels{"source": name}
	m := &Metrics{
		packetsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "udp",
			Name:        "packets_received_total",
			Help:        "Total UDP datagrams received",
			ConstLabels: labels,
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "udp",
			Name:        "bytes_received_total",
			Help:        "Total bytes received from UDP",
			ConstLabels: labels,
		}),
		socketErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "udp",
			Name:        "socket_errors_total",
			Help:        "Socket read errors encountered",
			ConstLabels: labels,
		}),
		lastActivity: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "udp",
			Name:        "last_activity_timestamp",
			Help:        "Unix timestamp of last received datagram",
			ConstLabels: labels,
		}),
	}

	service := "udp_" + name
	_ = registry.RegisterCounter(service, "packets_received", m.packetsReceived)
	_ = registry.RegisterCounter(service, "bytes_received", m.bytesReceived)
	_ = registry.RegisterCounter(service, "socket_errors", m.socketErrors)
	_ = registry.RegisterGauge(service, "last_activity", m.lastActivity)
	return m
}

// Input listens on a UDP socket and emits one frame per parsed line
type Input struct {
	name   string
	cfg    Config
	logger *slog.Logger

	core    *metric.Metrics
	metrics *Metrics

	retryConfig retry.Config

	mu        sync.RWMutex
	conn      *net.UDPConn
	bound     chan struct{}
	boundOnce sync.Once
	running   atomic.Bool

	packets     atomic.Int64
	frames      atomic.Int64
	parseErrors atomic.Int64
}

// Stats is a snapshot of the source counters
type Stats struct {
	Packets     int64 `json:"packets"`
	Frames      int64 `json:"frames"`
	ParseErrors int64 `json:"parse_errors"`
}

// Deps holds runtime dependencies for the udp source
type Deps struct {
	Name            string
	Config          Config
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// NewInput creates a udp source. The socket is bound by Start.
func NewInput(deps Deps) *Input {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "udp-input", "source", deps.Name)
	}

	u := &Input{
		name:        deps.Name,
		cfg:         deps.Config,
		logger:      logger,
		metrics:     newMetrics(deps.MetricsRegistry, deps.Name),
		retryConfig: retry.DefaultConfig(),
		bound:       make(chan struct{}),
	}
	if deps.MetricsRegistry != nil {
		u.core = deps.MetricsRegistry.Metrics
	}
	return u
}

// Create builds a udp source from its raw options.
func Create(name string, raw json.RawMessage, registry *metric.MetricsRegistry, logger *slog.Logger) (*Input, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "udp-input", "Create", "parse options")
	}
	return NewInput(Deps{Name: name, Config: cfg, MetricsRegistry: registry, Logger: logger}), nil
}

// Name returns the source name
func (u *Input) Name() string { return u.name }

// Addr returns the bound address once Start has bound the socket, nil before.
func (u *Input) Addr() net.Addr {
	u.mu.RLock()
	defer u.mu.RUnlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Bound is closed once the socket is listening.
func (u *Input) Bound() <-chan struct{} { return u.bound }

// Stats returns the source counters
func (u *Input) Stats() Stats {
	return Stats{
		Packets:     u.packets.Load(),
		Frames:      u.frames.Load(),
		ParseErrors: u.parseErrors.Load(),
	}
}

// Start binds the socket and reads datagrams until ctx is done.
func (u *Input) Start(ctx context.Context, handle message.FrameHandler) error {
	if !u.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(fmt.Errorf("already running"), "udp-input", "Start", "state check")
	}
	defer u.running.Store(false)

	if err := retry.Do(ctx, u.retryConfig, u.bindSocket); err != nil {
		return errors.WrapTransient(err, "udp-input", "Start", "socket binding")
	}
	u.boundOnce.Do(func() { close(u.bound) })
	u.logger.Info("UDP source listening", "addr", u.Addr().String())

	defer u.closeSocket()
	u.readLoop(ctx, handle)
	return nil
}

func (u *Input) bindSocket() error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(u.cfg.Bind, fmt.Sprint(u.cfg.Port)))
	if err != nil {
		return retry.NonRetryable(fmt.Errorf("resolve UDP address %s:%d: %w", u.cfg.Bind, u.cfg.Port, err))
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("listen on UDP port %d: %w", u.cfg.Port, err)
	}

	if u.cfg.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(u.cfg.ReadBuffer); err != nil {
			// some systems cap the buffer size
			u.logger.Warn("Could not set UDP buffer size", "buffer_size", u.cfg.ReadBuffer, "error", err)
		}
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return nil
}

func (u *Input) closeSocket() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn != nil {
		_ = u.conn.Close()
		u.conn = nil
	}
}

func (u *Input) readLoop(ctx context.Context, handle message.FrameHandler) {
	buf := make([]byte, 65536)

	u.mu.RLock()
	conn := u.conn
	u.mu.RUnlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// the deadline lets the loop observe ctx
		_ = conn.SetReadDeadline(time.Now().Add(readDeadline))

		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			if u.metrics != nil {
				u.metrics.socketErrors.Inc()
			}
			u.logger.Warn("UDP read failed", "error", err)
			continue
		}

		now := time.Now()
		u.packets.Add(1)
		if u.metrics != nil {
			u.metrics.packetsReceived.Inc()
			u.metrics.bytesReceived.Add(float64(n))
			u.metrics.lastActivity.Set(float64(now.Unix()))
		}

		u.handleDatagram(ctx, buf[:n], now, handle)
	}
}

func (u *Input) handleDatagram(ctx context.Context, data []byte, now time.Time, handle message.FrameHandler) {
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		frame, err := adv.ParseDatagram(line, now)
		if err != nil {
			u.parseErrors.Add(1)
			if u.core != nil {
				u.core.FramesDropped.WithLabelValues(adv.DropReason(err)).Inc()
			}
			u.logger.Debug("Skipping unparsable line", "error", err)
			continue
		}

		u.frames.Add(1)
		if u.core != nil {
			u.core.FramesReceived.WithLabelValues(u.name).Inc()
		}
		handle(ctx, frame)
	}
}
