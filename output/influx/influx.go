// Package influx writes dispatch records to InfluxDB, one point per record.
//
// Both InfluxDB 2.x (org, bucket, token) and the 1.8 compatibility API (database,
// retention_policy, username, password) are supported. Writes use the blocking write
// API so a failed write is reported to the sink worker and the item is requeued.
// A 4xx response other than 408 and 429 is reported as errors.ErrPublishRejected and
// takes the same requeue path.
package influx

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	ihttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/pkg/security"
	"github.com/c360/ruuvigw/pkg/tlsutil"
)

// Config holds the influx sink options
type Config struct {
	URL    string `json:"url"`
	Token  string `json:"token,omitempty"`
	Org    string `json:"org,omitempty"`
	Bucket string `json:"bucket,omitempty"`

	// 1.8 compatibility; used when bucket is empty
	Database        string `json:"database,omitempty"`
	RetentionPolicy string `json:"retention_policy,omitempty"`
	Username        string `json:"username,omitempty"`
	Password        string `json:"password,omitempty"`

	Timeout config.Duration          `json:"timeout"`
	TLS     security.ClientTLSConfig `json:"tls"`
}

// DefaultConfig returns the influx sink defaults
func DefaultConfig() Config {
	return Config{
		URL:     "http://localhost:8086",
		Timeout: config.Duration(10 * time.Second),
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	if c.Bucket == "" && c.Database == "" {
		return fmt.Errorf("bucket or database is required")
	}
	if c.Timeout.D() < time.Second {
		return fmt.Errorf("timeout must be at least 1s")
	}
	return nil
}

// bucket returns the v2 bucket, or db/rp for the 1.8 compatibility API
func (c *Config) bucket() string {
	if c.Bucket != "" {
		return c.Bucket
	}
	if c.RetentionPolicy != "" {
		return c.Database + "/" + c.RetentionPolicy
	}
	return c.Database
}

// token returns the v2 token, or user:password for the 1.8 compatibility API
func (c *Config) token() string {
	if c.Token != "" || c.Username == "" {
		return c.Token
	}
	return c.Username + ":" + c.Password
}

// Sink writes records as InfluxDB points
type Sink struct {
	name   string
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	client influxdb2.Client
	writer api.WriteAPIBlocking
}

// Create builds an influx sink from its raw options.
func Create(name string, raw json.RawMessage, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "influx-output", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{name: name, cfg: cfg, logger: logger}, nil
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Connect creates the client and pings the server.
func (s *Sink) Connect(ctx context.Context) error {
	tlsConfig, err := tlsutil.LoadClientTLSConfig(s.cfg.TLS)
	if err != nil {
		return errors.WrapFatal(err, "influx-output", "Connect", "load TLS config")
	}

	opts := influxdb2.DefaultOptions().
		SetHTTPRequestTimeout(uint(s.cfg.Timeout.D() / time.Second)).
		SetPrecision(time.Microsecond)
	if tlsConfig != nil {
		opts.SetTLSConfig(tlsConfig)
	}
	client := influxdb2.NewClientWithOptions(s.cfg.URL, s.cfg.token(), opts)

	s.mu.Lock()
	if s.client != nil {
		s.client.Close()
	}
	s.client = client
	s.writer = client.WriteAPIBlocking(s.cfg.Org, s.cfg.bucket())
	s.mu.Unlock()

	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.logger.Info("Connected to InfluxDB", "url", s.cfg.URL, "bucket", s.cfg.bucket())
	return nil
}

func (s *Sink) current() (influxdb2.Client, api.WriteAPIBlocking, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.client == nil {
		return nil, nil, errors.WrapTransient(errors.ErrNotConnected, "influx-output", "current", "check client")
	}
	return s.client, s.writer, nil
}

// Points converts records to InfluxDB points. The time field becomes the point
// timestamp and empty tags are left out.
func Points(records []message.Record) []*write.Point {
	points := make([]*write.Point, 0, len(records))
	for _, r := range records {
		tags := make(map[string]string, len(r.Tags))
		for k, v := range r.Tags {
			if v != "" {
				tags[k] = v
			}
		}
		fields := make(map[string]any, len(r.Fields))
		for k, v := range r.Fields {
			if k == "time" {
				continue
			}
			fields[k] = v
		}
		ts := r.Time
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		points = append(points, influxdb2.NewPoint(r.Measurement, tags, fields, ts))
	}
	return points
}

// Publish writes one point per record.
func (s *Sink) Publish(ctx context.Context, item *message.Item) error {
	_, writer, err := s.current()
	if err != nil {
		return err
	}
	if len(item.Records) == 0 {
		return nil
	}

	if err := writer.WritePoint(ctx, Points(item.Records)...); err != nil {
		var herr *ihttp.Error
		if stderrors.As(err, &herr) && rejected(herr.StatusCode) {
			err = fmt.Errorf("%w: %w", errors.ErrPublishRejected, err)
		}
		return errors.WrapTransient(err, "influx-output", "Publish", "write points")
	}
	return nil
}

// rejected reports a status the server will keep answering for the same points.
func rejected(status int) bool {
	return status >= 400 && status < 500 &&
		status != http.StatusRequestTimeout && status != http.StatusTooManyRequests
}

// Ping checks the server answers its ping endpoint.
func (s *Sink) Ping(ctx context.Context) error {
	client, _, err := s.current()
	if err != nil {
		return err
	}
	ok, err := client.Ping(ctx)
	if err != nil {
		return errors.WrapTransient(err, "influx-output", "Ping", "ping server")
	}
	if !ok {
		return errors.WrapTransient(errors.ErrConnectionLost, "influx-output", "Ping", "ping server")
	}
	return nil
}

// Close releases the client.
func (s *Sink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Close()
		s.client, s.writer = nil, nil
	}
	return nil
}
