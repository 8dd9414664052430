package natsclient

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ruuvigw/errors"
)

// Fixed connection tuning. Reconnects are unlimited; the circuit breaker bounds connect
// attempts instead.
const (
	reconnectWait = 2 * time.Second
	pingInterval  = 30 * time.Second
	drainTimeout  = 5 * time.Second
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Error messages
var (
	ErrNotConnected = stderrors.New("not connected to NATS")
	ErrCircuitOpen  = stderrors.New("circuit breaker is open")
)

// Client manages one NATS connection
type Client struct {
	url      string
	status   atomic.Value // ConnectionStatus
	failures atomic.Int32
	logger   *slog.Logger

	conn *nats.Conn
	js   jetstream.JetStream
	subs []*nats.Subscription

	// circuit breaker
	openUntil        atomic.Value // time.Time
	backoff          atomic.Value // time.Duration
	circuitFailures  atomic.Int32
	circuitThreshold int32
	maxBackoff       time.Duration

	timeout time.Duration

	username  string
	password  string
	token     string
	tlsConfig *tls.Config

	clientName string

	onHealthChange func(bool)

	mu sync.RWMutex
}

// NewClient creates a client for url. No connection is made until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		logger:           slog.Default(),
		circuitThreshold: 5,
		maxBackoff:       time.Minute,
		timeout:          5 * time.Second,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	c.logger = c.logger.With("component", "natsclient", "url", redactURL(url))

	c.status.Store(StatusDisconnected)
	c.backoff.Store(time.Second)
	c.openUntil.Store(time.Time{})
	return c, nil
}

// URL returns the NATS server URL
func (m *Client) URL() string { return m.url }

// Status returns the current connection status
func (m *Client) Status() ConnectionStatus {
	if m.circuitOpen() {
		return StatusCircuitOpen
	}
	return m.status.Load().(ConnectionStatus)
}

func (m *Client) setStatus(status ConnectionStatus) {
	m.status.Store(status)
}

// IsHealthy returns true if the connection is established
func (m *Client) IsHealthy() bool {
	return m.Status() == StatusConnected
}

// Failures returns the consecutive connect failure count
func (m *Client) Failures() int32 { return m.failures.Load() }

// Backoff returns the current circuit backoff
func (m *Client) Backoff() time.Duration { return m.backoff.Load().(time.Duration) }

func (m *Client) circuitOpen() bool {
	until := m.openUntil.Load().(time.Time)
	return !until.IsZero() && time.Now().Before(until)
}

// recordFailure counts a connect failure and opens the circuit every circuitThreshold
// failures, doubling the backoff each time up to maxBackoff.
func (m *Client) recordFailure() {
	m.failures.Add(1)
	if m.circuitFailures.Add(1) < m.circuitThreshold {
		return
	}
	m.circuitFailures.Store(0)

	current := m.Backoff()
	m.openUntil.Store(time.Now().Add(current))

	next := current * 2
	if next > m.maxBackoff {
		next = m.maxBackoff
	}
	m.backoff.Store(next)
	m.logger.Warn("Circuit breaker opened", "failures", m.failures.Load(), "backoff", current)
}

func (m *Client) resetCircuit() {
	m.failures.Store(0)
	m.circuitFailures.Store(0)
	m.backoff.Store(time.Second)
	m.openUntil.Store(time.Time{})
}

func (m *Client) buildConnectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(reconnectWait),
		nats.ReconnectBufSize(-1),
		nats.PingInterval(pingInterval),
		nats.Timeout(m.timeout),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(m.handleDisconnect),
		nats.ReconnectHandler(m.handleReconnect),
		nats.ClosedHandler(m.handleClosed),
		nats.ErrorHandler(m.handleError),
	}

	if m.username != "" {
		opts = append(opts, nats.UserInfo(m.username, m.password))
	}
	if m.token != "" {
		opts = append(opts, nats.Token(m.token))
	}
	if m.tlsConfig != nil {
		opts = append(opts, nats.Secure(m.tlsConfig))
	}
	if m.clientName != "" {
		opts = append(opts, nats.Name(m.clientName))
	}
	return opts
}

// Connect establishes the connection, replacing any previous one.
func (m *Client) Connect(ctx context.Context) error {
	if m.circuitOpen() {
		return errors.WrapTransient(ErrCircuitOpen, "Client", "Connect", "check circuit")
	}

	m.closeConn()
	m.setStatus(StatusConnecting)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(m.url, m.buildConnectionOptions()...)
		done <- result{conn, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			m.recordFailure()
			m.setStatus(StatusDisconnected)
			return errors.WrapTransient(r.err, "Client", "Connect", "establish connection")
		}
		js, err := jetstream.New(r.conn)
		if err != nil {
			m.logger.Warn("JetStream unavailable", "error", err)
		}
		m.mu.Lock()
		m.conn = r.conn
		m.js = js
		m.mu.Unlock()
	case <-ctx.Done():
		m.recordFailure()
		m.setStatus(StatusDisconnected)
		// a late connection is closed by the abandoned goroutine's receiver
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Connected to NATS")
	m.notifyHealth(true)
	return nil
}

// Close drains and closes the connection. It is safe to call more than once.
func (m *Client) Close(ctx context.Context) error {
	m.mu.Lock()
	conn := m.conn
	subs := m.subs
	m.conn, m.js, m.subs = nil, nil, nil
	m.mu.Unlock()

	if conn == nil {
		return nil
	}

	var errs []error
	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "unsubscribe"))
		}
	}

	wait := drainTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && remaining < wait {
			wait = remaining
		}
	}

	drainDone := make(chan error, 1)
	go func() { drainDone <- conn.Drain() }()

	select {
	case err := <-drainDone:
		if err != nil && !stderrors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, errors.Wrap(err, "Client", "Close", "drain connection"))
		}
	case <-time.After(wait):
		errs = append(errs, errors.WrapTransient(fmt.Errorf("drain timeout after %v", wait),
			"Client", "Close", "drain connection"))
	case <-ctx.Done():
		errs = append(errs, errors.Wrap(ctx.Err(), "Client", "Close", "drain connection"))
	}

	conn.Close()
	m.setStatus(StatusDisconnected)
	return stderrors.Join(errs...)
}

func (m *Client) closeConn() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.conn, m.js, m.subs = nil, nil, nil
}

func (m *Client) connected() (*nats.Conn, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return nil, errors.WrapTransient(ErrNotConnected, "Client", "connected", "check connection")
	}
	return conn, nil
}

// RTT returns the round-trip time to the server
func (m *Client) RTT() (time.Duration, error) {
	conn, err := m.connected()
	if err != nil {
		return 0, err
	}
	rtt, err := conn.RTT()
	if err != nil {
		return 0, errors.WrapTransient(err, "Client", "RTT", "ping server")
	}
	return rtt, nil
}

// Subscribe delivers every message on subject to handler with a per-message context
// derived from ctx.
func (m *Client) Subscribe(ctx context.Context, subject string, handler func(context.Context, []byte)) error {
	conn, err := m.connected()
	if err != nil {
		return err
	}

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		msgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		handler(msgCtx, msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "Client", "Subscribe", "subscribe "+subject)
	}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()
	return nil
}

// Publish sends data with optional headers and flushes so that a dead connection is
// reported to the caller.
func (m *Client) Publish(ctx context.Context, subject string, data []byte, header nats.Header) error {
	conn, err := m.connected()
	if err != nil {
		return err
	}

	msg := &nats.Msg{Subject: subject, Data: data, Header: header}
	if err := conn.PublishMsg(msg); err != nil {
		if stderrors.Is(err, nats.ErrMaxPayload) {
			return errors.WrapInvalid(err, "Client", "Publish", "publish "+subject)
		}
		return errors.WrapTransient(err, "Client", "Publish", "publish "+subject)
	}

	// FlushWithContext requires a deadline
	flushCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := conn.FlushWithContext(flushCtx); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "flush")
	}
	return nil
}

// EnsureStream creates or updates a JetStream stream capturing subjects.
func (m *Client) EnsureStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error) {
	js, err := m.jetStream()
	if err != nil {
		return nil, err
	}
	stream, err := js.CreateOrUpdateStream(ctx, cfg)
	if err != nil {
		return nil, errors.WrapTransient(err, "Client", "EnsureStream", "create stream "+cfg.Name)
	}
	return stream, nil
}

// PublishToStream publishes and waits for the JetStream acknowledgement.
func (m *Client) PublishToStream(ctx context.Context, subject string, data []byte, header nats.Header) error {
	js, err := m.jetStream()
	if err != nil {
		return err
	}
	if _, err := js.PublishMsg(ctx, &nats.Msg{Subject: subject, Data: data, Header: header}); err != nil {
		return errors.WrapTransient(err, "Client", "PublishToStream", "publish "+subject)
	}
	return nil
}

func (m *Client) jetStream() (jetstream.JetStream, error) {
	if _, err := m.connected(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.js == nil {
		return nil, errors.WrapTransient(fmt.Errorf("JetStream not initialized"), "Client", "jetStream", "get context")
	}
	return m.js, nil
}

func (m *Client) notifyHealth(healthy bool) {
	m.mu.RLock()
	fn := m.onHealthChange
	m.mu.RUnlock()
	if fn != nil {
		go fn(healthy)
	}
}

func (m *Client) handleDisconnect(_ *nats.Conn, err error) {
	m.setStatus(StatusReconnecting)
	if err != nil {
		m.logger.Warn("Disconnected from NATS", "error", err)
	}
	m.notifyHealth(false)
}

func (m *Client) handleReconnect(_ *nats.Conn) {
	m.setStatus(StatusConnected)
	m.resetCircuit()
	m.logger.Info("Reconnected to NATS")
	m.notifyHealth(true)
}

func (m *Client) handleClosed(_ *nats.Conn) {
	m.setStatus(StatusDisconnected)
	m.notifyHealth(false)
}

func (m *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	m.logger.Error("NATS error", "error", err)
}

// redactURL strips credentials from a server url for logging
func redactURL(url string) string {
	at := strings.LastIndexByte(url, '@')
	if at < 0 {
		return url
	}
	scheme := ""
	if i := strings.Index(url, "://"); i >= 0 && i < at {
		scheme = url[:i+3]
	}
	return scheme + "[REDACTED]" + url[at:]
}
