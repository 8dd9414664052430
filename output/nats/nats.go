// Package nats publishes dispatch records to NATS subjects, optionally through a
// JetStream stream.
//
// Every record goes to <subject_prefix>.<measurement>.<mac> encoded with the configured
// codec (json, msgpack or cbor). A redelivered item carries the Ruuvigw-Resend header.
// With JetStream the stream capturing <subject_prefix>.> is created on connect and each
// message gets a Nats-Msg-Id built from measurement, mac and time, so a resend inside the
// stream's duplicate window is stored once.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	natspkg "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/message/codec"
	"github.com/c360/ruuvigw/natsclient"
	"github.com/c360/ruuvigw/pkg/security"
)

// Headers set on published messages
const (
	ResendHeader   = "Ruuvigw-Resend"
	EncodingHeader = "Content-Type"
)

// Defaults
const (
	DefaultURL        = "nats://localhost:4222"
	DefaultPrefix     = "ruuvi"
	DefaultStreamName = "RUUVI"
)

// JetStreamConfig configures the optional stream
type JetStreamConfig struct {
	Enabled    bool            `json:"enabled"`
	Stream     string          `json:"stream"`
	MaxAge     config.Duration `json:"max_age"`
	Replicas   int             `json:"replicas"`
	Duplicates config.Duration `json:"duplicates"`
}

// Config holds the nats sink options
type Config struct {
	URL           string                   `json:"url"`
	SubjectPrefix string                   `json:"subject_prefix"`
	Encoding      string                   `json:"encoding"`
	Username      string                   `json:"username,omitempty"`
	Password      string                   `json:"password,omitempty"`
	Token         string                   `json:"token,omitempty"`
	TLS           security.ClientTLSConfig `json:"tls"`
	Timeout       config.Duration          `json:"timeout"`
	JetStream     JetStreamConfig          `json:"jetstream"`
}

// DefaultConfig returns the nats sink defaults
func DefaultConfig() Config {
	return Config{
		URL:           DefaultURL,
		SubjectPrefix: DefaultPrefix,
		Encoding:      codec.JSON,
		Timeout:       config.Duration(5 * time.Second),
		JetStream: JetStreamConfig{
			Stream:     DefaultStreamName,
			MaxAge:     config.Duration(7 * 24 * time.Hour),
			Replicas:   1,
			Duplicates: config.Duration(2 * time.Minute),
		},
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.SubjectPrefix == "" || strings.ContainsAny(c.SubjectPrefix, " *>") {
		return fmt.Errorf("invalid subject_prefix %q", c.SubjectPrefix)
	}
	if c.Timeout.D() <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.JetStream.Enabled {
		if c.JetStream.Stream == "" {
			return fmt.Errorf("jetstream.stream is required")
		}
		if c.JetStream.Replicas < 1 || c.JetStream.Replicas > 5 {
			return fmt.Errorf("jetstream.replicas must be between 1 and 5")
		}
	}
	return nil
}

// Sink publishes records to NATS
type Sink struct {
	name   string
	cfg    Config
	codec  codec.Codec
	client *natsclient.Client
	logger *slog.Logger
}

// Create builds a nats sink from its raw options.
func Create(name string, raw json.RawMessage, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "nats-output", "Create", "parse options")
	}
	c, err := codec.New(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []natsclient.ClientOption{
		natsclient.WithName("ruuvigw-" + name),
		natsclient.WithLogger(logger),
		natsclient.WithTimeout(cfg.Timeout.D()),
		natsclient.WithTLS(cfg.TLS),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	client, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "nats-output", "Create", "create client")
	}

	return &Sink{name: name, cfg: cfg, codec: c, client: client, logger: logger}, nil
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Subject returns the subject a record is published on
func (s *Sink) Subject(r message.Record) string {
	return s.cfg.SubjectPrefix + "." + r.Measurement + "." + r.Tags[message.TagMAC]
}

// Connect connects and, with JetStream, ensures the stream exists.
func (s *Sink) Connect(ctx context.Context) error {
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	if !s.cfg.JetStream.Enabled {
		return nil
	}

	js := s.cfg.JetStream
	_, err := s.client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:       js.Stream,
		Subjects:   []string{s.cfg.SubjectPrefix + ".>"},
		MaxAge:     js.MaxAge.D(),
		Replicas:   js.Replicas,
		Duplicates: js.Duplicates.D(),
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		_ = s.client.Close(ctx)
		return err
	}
	s.logger.Info("JetStream stream ready", "stream", js.Stream, "subjects", s.cfg.SubjectPrefix+".>")
	return nil
}

// Header returns the headers for one record
func (s *Sink) Header(item *message.Item, r message.Record) natspkg.Header {
	h := natspkg.Header{}
	h.Set(EncodingHeader, s.codec.ContentType())
	if item.Resend {
		h.Set(ResendHeader, "true")
	}
	if s.cfg.JetStream.Enabled {
		h.Set(natspkg.MsgIdHdr, msgID(r))
	}
	return h
}

func msgID(r message.Record) string {
	ts, _ := r.Fields["time"].(string)
	if ts == "" && !r.Time.IsZero() {
		ts = r.Time.UTC().Format(message.TimeFormat)
	}
	return r.Measurement + "/" + r.Tags[message.TagMAC] + "/" + ts
}

// Publish sends each record on its own subject.
func (s *Sink) Publish(ctx context.Context, item *message.Item) error {
	for _, r := range item.Records {
		data, err := s.codec.Marshal(r)
		if err != nil {
			return errors.WrapInvalid(err, "nats-output", "Publish", "encode record")
		}

		subject := s.Subject(r)
		header := s.Header(item, r)
		if s.cfg.JetStream.Enabled {
			err = s.client.PublishToStream(ctx, subject, data, header)
		} else {
			err = s.client.Publish(ctx, subject, data, header)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Ping measures the round trip to the server.
func (s *Sink) Ping(_ context.Context) error {
	_, err := s.client.RTT()
	return err
}

// Close drains the connection.
func (s *Sink) Close(ctx context.Context) error {
	return s.client.Close(ctx)
}
