package httppost

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/message/codec"
	"github.com/c360/ruuvigw/pkg/retry"
	"github.com/c360/ruuvigw/pkg/security"
	"github.com/c360/ruuvigw/pkg/tlsutil"
)

// ResendHeader marks a redelivered item
const ResendHeader = "X-Ruuvigw-Resend"

// Config holds configuration for the webhook sink
type Config struct {
	URL        string                   `json:"url"`
	Headers    map[string]string        `json:"headers,omitempty"`
	Timeout    int                      `json:"timeout"`
	RetryCount int                      `json:"retry_count"`
	Encoding   string                   `json:"encoding"`
	PingURL    string                   `json:"ping_url,omitempty"`
	TLS        security.ClientTLSConfig `json:"tls"`
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.URL == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "url is required")
	}

	for _, raw := range []string{c.URL, c.PingURL} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil {
			return errors.WrapInvalid(err, "Config", "Validate", "invalid URL format")
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
		}
	}

	if c.Timeout < 0 || c.Timeout > 300 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeout must be between 0 and 300 seconds")
	}

	if c.RetryCount < 0 || c.RetryCount > 10 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"retry_count must be between 0 and 10")
	}

	return nil
}

// DefaultConfig returns default configuration for the webhook sink
func DefaultConfig() Config {
	return Config{
		URL:        "http://localhost:8080/webhook",
		Headers:    make(map[string]string),
		Timeout:    30,
		RetryCount: 2,
		Encoding:   codec.JSON,
	}
}

// Sink posts records to an HTTP endpoint
type Sink struct {
	name   string
	cfg    Config
	codec  codec.Codec
	retry  retry.Config
	logger *slog.Logger

	mu         sync.RWMutex
	httpClient *http.Client

	messagesSent    atomic.Int64
	messagesRetried atomic.Int64
	errors          atomic.Int64
}

// Create builds a webhook sink from its raw options.
func Create(name string, raw json.RawMessage, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "httppost-output", "Create", "parse options")
	}
	c, err := codec.New(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		name:   name,
		cfg:    cfg,
		codec:  c,
		logger: logger,
		retry: retry.Config{
			MaxAttempts:  cfg.RetryCount + 1,
			InitialDelay: 100 * time.Millisecond,
			MaxDelay:     2 * time.Second,
			Multiplier:   2,
			AddJitter:    true,
		},
	}, nil
}

// Name returns the sink name
func (h *Sink) Name() string { return h.name }

// Connect builds the HTTP client and probes ping_url when one is configured.
func (h *Sink) Connect(ctx context.Context) error {
	timeout := time.Duration(h.cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	client := &http.Client{Timeout: timeout}

	tlsConfig, err := tlsutil.LoadClientTLSConfig(h.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "httppost-output", "Connect", "load TLS config")
	}
	if tlsConfig != nil {
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}

	h.mu.Lock()
	h.httpClient = client
	h.mu.Unlock()

	return h.Ping(ctx)
}

func (h *Sink) client() (*http.Client, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.httpClient == nil {
		return nil, errors.WrapTransient(errors.ErrNotConnected, "httppost-output", "client", "check client")
	}
	return h.httpClient, nil
}

// Publish posts the item's records, retrying transient failures.
func (h *Sink) Publish(ctx context.Context, item *message.Item) error {
	client, err := h.client()
	if err != nil {
		return err
	}

	data, err := h.codec.Marshal(item.Records)
	if err != nil {
		return errors.WrapInvalid(err, "httppost-output", "Publish", "encode records")
	}

	attempt := 0
	err = retry.Do(ctx, h.retry, func() error {
		attempt++
		if attempt > 1 {
			h.messagesRetried.Add(1)
		}
		err := h.send(ctx, client, data, item.Resend)
		if errors.IsInvalid(err) || stderrors.Is(err, errors.ErrPublishRejected) {
			return retry.NonRetryable(err)
		}
		return err
	})
	if err != nil {
		h.errors.Add(1)
		if errors.IsInvalid(err) {
			return err
		}
		return errors.WrapTransient(err, "httppost-output", "Publish", "post records")
	}

	h.messagesSent.Add(1)
	return nil
}

// send sends a single HTTP POST request
func (h *Sink) send(ctx context.Context, client *http.Client, data []byte, resend bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.cfg.URL, bytes.NewReader(data))
	if err != nil {
		return errors.WrapInvalid(err, "httppost-output", "send", "build request")
	}

	req.Header.Set("Content-Type", h.codec.ContentType())
	if resend {
		req.Header.Set(ResendHeader, "true")
	}
	for key, value := range h.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read and discard body to reuse connection
	_, _ = io.Copy(io.Discard, resp.Body)

	return checkStatus(resp)
}

func checkStatus(resp *http.Response) error {
	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return fmt.Errorf("HTTP %s", resp.Status)
	default:
		return fmt.Errorf("%w: HTTP %s", errors.ErrPublishRejected, resp.Status)
	}
}

// Ping issues a GET to ping_url. Without one it only checks the client exists.
func (h *Sink) Ping(ctx context.Context) error {
	client, err := h.client()
	if err != nil {
		return err
	}
	if h.cfg.PingURL == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.cfg.PingURL, nil)
	if err != nil {
		return errors.WrapTransient(err, "httppost-output", "Ping", "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "httppost-output", "Ping", "request ping url")
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.WrapTransient(fmt.Errorf("HTTP %s", resp.Status), "httppost-output", "Ping", "check status")
	}
	return nil
}

// Close releases idle connections.
func (h *Sink) Close(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.httpClient != nil {
		h.httpClient.CloseIdleConnections()
		h.httpClient = nil
	}
	return nil
}
