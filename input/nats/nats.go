// Package nats receives advertisement frames published on NATS subjects, either as JSON
// packets or as "MAC,RSSI,HEX" lines.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/input/adv"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/natsclient"
	"github.com/c360/ruuvigw/pkg/security"
)

// Defaults
const (
	DefaultURL            = "nats://localhost:4222"
	DefaultSubject        = "ruuvi.adv.>"
	DefaultReconnectDelay = 5 * time.Second
)

// Config holds the nats source options
type Config struct {
	URL            string                   `json:"url"`
	Subject        string                   `json:"subject"`
	Username       string                   `json:"username,omitempty"`
	Password       string                   `json:"password,omitempty"`
	Token          string                   `json:"token,omitempty"`
	TLS            security.ClientTLSConfig `json:"tls"`
	ReconnectDelay config.Duration          `json:"reconnect_delay"`
}

// DefaultConfig returns the nats source defaults
func DefaultConfig() Config {
	return Config{
		URL:            DefaultURL,
		Subject:        DefaultSubject,
		ReconnectDelay: config.Duration(DefaultReconnectDelay),
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	if c.ReconnectDelay.D() <= 0 {
		return fmt.Errorf("reconnect_delay must be positive")
	}
	return nil
}

// Input subscribes to a subject and emits frames
type Input struct {
	name   string
	cfg    Config
	logger *slog.Logger
	core   *metric.Metrics

	frames      atomic.Int64
	parseErrors atomic.Int64

	now func() time.Time
}

// Create builds a nats source from its raw options.
func Create(name string, raw json.RawMessage, registry *metric.MetricsRegistry, logger *slog.Logger) (*Input, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "nats-input", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}
	in := &Input{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	if registry != nil {
		in.core = registry.Metrics
	}
	return in, nil
}

// Name returns the source name
func (in *Input) Name() string { return in.name }

// Start connects and subscribes until ctx is done. Once subscribed, the client
// reconnects on its own and the subscription survives.
func (in *Input) Start(ctx context.Context, handle message.FrameHandler) error {
	opts := []natsclient.ClientOption{
		natsclient.WithName("ruuvigw-" + in.name),
		natsclient.WithLogger(in.logger),
		natsclient.WithTLS(in.cfg.TLS),
	}
	if in.cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(in.cfg.Username, in.cfg.Password))
	}
	if in.cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(in.cfg.Token))
	}
	client, err := natsclient.NewClient(in.cfg.URL, opts...)
	if err != nil {
		return errors.WrapFatal(err, "nats-input", "Start", "create client")
	}

	for {
		err := in.subscribe(ctx, client, handle)
		if err == nil {
			break
		}
		in.logger.Warn("NATS source connect failed", "error", err, "retry_in", in.cfg.ReconnectDelay.D())
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(in.cfg.ReconnectDelay.D()):
		}
	}

	<-ctx.Done()
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Close(closeCtx); err != nil {
		in.logger.Debug("NATS source close", "error", err)
	}
	return nil
}

func (in *Input) subscribe(ctx context.Context, client *natsclient.Client, handle message.FrameHandler) error {
	if err := client.Connect(ctx); err != nil {
		return err
	}
	if err := client.Subscribe(ctx, in.cfg.Subject, func(msgCtx context.Context, data []byte) {
		in.handleMessage(msgCtx, data, handle)
	}); err != nil {
		_ = client.Close(ctx)
		return err
	}
	in.logger.Info("NATS source subscribed", "subject", in.cfg.Subject)
	return nil
}

func (in *Input) handleMessage(ctx context.Context, data []byte, handle message.FrameHandler) {
	frame, err := adv.ParseDatagram(data, in.now())
	if err != nil {
		in.parseErrors.Add(1)
		if in.core != nil {
			in.core.FramesDropped.WithLabelValues(adv.DropReason(err)).Inc()
		}
		in.logger.Debug("Skipping unparsable message", "error", err)
		return
	}

	in.frames.Add(1)
	if in.core != nil {
		in.core.FramesReceived.WithLabelValues(in.name).Inc()
	}
	handle(ctx, frame)
}
