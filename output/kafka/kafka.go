// Package kafka produces dispatch records to Kafka topics.
//
// Topic and key are templates expanded per record: ${measurement}, ${name}, ${mac} and
// ${tagmac} (the mac without colons). Slashes in the expanded topic become dots. The key
// defaults to ${mac} so the readings of one device stay on one partition.
//
// Every message carries an id header (a random uuid), a content-type header naming the
// codec and, for redelivered items, resend=true.
package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/sasl/plain"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/message/codec"
	"github.com/c360/ruuvigw/pkg/security"
	"github.com/c360/ruuvigw/pkg/tlsutil"
)

// Header keys
const (
	HeaderID          = "id"
	HeaderResend      = "resend"
	HeaderContentType = "content-type"
)

// Defaults
const (
	DefaultTopic = "ruuvi"
	DefaultKey   = "${mac}"
)

// Config holds the kafka sink options
type Config struct {
	Brokers     []string                 `json:"brokers"`
	Topic       string                   `json:"topic"`
	Key         string                   `json:"key"`
	Encoding    string                   `json:"encoding"`
	Acks        int                      `json:"acks"`
	MaxAttempts int                      `json:"max_attempts"`
	Timeout     config.Duration          `json:"timeout"`
	ClientID    string                   `json:"client_id,omitempty"`
	Username    string                   `json:"username,omitempty"`
	Password    string                   `json:"password,omitempty"`
	TLS         security.ClientTLSConfig `json:"tls"`
}

// DefaultConfig returns the kafka sink defaults
func DefaultConfig() Config {
	return Config{
		Brokers:     []string{"localhost:9092"},
		Topic:       DefaultTopic,
		Key:         DefaultKey,
		Encoding:    codec.JSON,
		Acks:        1,
		MaxAttempts: 3,
		Timeout:     config.Duration(10 * time.Second),
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("at least one broker is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.Acks < -1 || c.Acks > 1 {
		return fmt.Errorf("acks must be -1, 0 or 1")
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.Timeout.D() <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Sink writes records to Kafka
type Sink struct {
	name   string
	cfg    Config
	codec  codec.Codec
	logger *slog.Logger

	mu     sync.RWMutex
	writer *kafkago.Writer
	client *kafkago.Client
}

// Create builds a kafka sink from its raw options.
func Create(name string, raw json.RawMessage, logger *slog.Logger) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "kafka-output", "Create", "parse options")
	}
	c, err := codec.New(cfg.Encoding)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{name: name, cfg: cfg, codec: c, logger: logger}, nil
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

func (s *Sink) transport() (*kafkago.Transport, error) {
	tlsConfig, err := tlsutil.LoadClientTLSConfig(s.cfg.TLS)
	if err != nil {
		return nil, err
	}

	clientID := s.cfg.ClientID
	if clientID == "" {
		clientID = "ruuvigw-" + uuid.NewString()[:10]
	}
	t := &kafkago.Transport{
		ClientID:    clientID,
		DialTimeout: s.cfg.Timeout.D(),
		TLS:         tlsConfig,
	}
	if s.cfg.Username != "" {
		t.SASL = plain.Mechanism{Username: s.cfg.Username, Password: s.cfg.Password}
	}
	return t, nil
}

// Connect builds the writer and checks a broker answers a metadata request.
func (s *Sink) Connect(ctx context.Context) error {
	transport, err := s.transport()
	if err != nil {
		return errors.WrapFatal(err, "kafka-output", "Connect", "load TLS config")
	}

	addr := kafkago.TCP(s.cfg.Brokers...)
	client := &kafkago.Client{Addr: addr, Timeout: s.cfg.Timeout.D(), Transport: transport}
	writer := &kafkago.Writer{
		Addr:                   addr,
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequiredAcks(s.cfg.Acks),
		MaxAttempts:            s.cfg.MaxAttempts,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           s.cfg.Timeout.D(),
		AllowAutoTopicCreation: true,
		Transport:              transport,
	}

	s.mu.Lock()
	old := s.writer
	s.writer, s.client = writer, client
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := s.Ping(ctx); err != nil {
		return err
	}
	s.logger.Info("Kafka brokers reachable", "brokers", s.cfg.Brokers)
	return nil
}

func (s *Sink) current() (*kafkago.Writer, *kafkago.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.writer == nil {
		return nil, nil, errors.WrapTransient(errors.ErrNotConnected, "kafka-output", "current", "check writer")
	}
	return s.writer, s.client, nil
}

func expand(tmpl string, r message.Record) string {
	mac := r.Tags[message.TagMAC]
	name := r.Tags[message.TagName]
	if name == "" {
		name = mac
	}
	return strings.NewReplacer(
		"${measurement}", r.Measurement,
		"${name}", name,
		"${tagmac}", strings.ReplaceAll(mac, ":", ""),
		"${mac}", mac,
	).Replace(tmpl)
}

// Topic returns the topic a record is produced to
func (s *Sink) Topic(r message.Record) string {
	return strings.ReplaceAll(expand(s.cfg.Topic, r), "/", ".")
}

// Messages converts the item to Kafka messages
func (s *Sink) Messages(item *message.Item) ([]kafkago.Message, error) {
	msgs := make([]kafkago.Message, 0, len(item.Records))
	for _, r := range item.Records {
		value, err := s.codec.Marshal(r)
		if err != nil {
			return nil, err
		}
		headers := []kafkago.Header{
			{Key: HeaderID, Value: []byte(uuid.NewString())},
			{Key: HeaderContentType, Value: []byte(s.codec.ContentType())},
		}
		if item.Resend {
			headers = append(headers, kafkago.Header{Key: HeaderResend, Value: []byte("true")})
		}

		msg := kafkago.Message{
			Topic:   s.Topic(r),
			Value:   value,
			Headers: headers,
			Time:    r.Time,
		}
		if s.cfg.Key != "" {
			msg.Key = []byte(expand(s.cfg.Key, r))
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// Publish writes all records of the item in one request.
func (s *Sink) Publish(ctx context.Context, item *message.Item) error {
	writer, _, err := s.current()
	if err != nil {
		return err
	}

	msgs, err := s.Messages(item)
	if err != nil {
		return errors.WrapInvalid(err, "kafka-output", "Publish", "encode records")
	}
	if len(msgs) == 0 {
		return nil
	}

	if err := writer.WriteMessages(ctx, msgs...); err != nil {
		return writeError(err)
	}
	return nil
}

// writeError classifies a failed write. Broker rejections are marked with
// errors.ErrPublishRejected but stay transient so the item is requeued.
func writeError(err error) error {
	if rejected(err) {
		err = fmt.Errorf("%w: %w", errors.ErrPublishRejected, err)
	}
	return errors.WrapTransient(err, "kafka-output", "Publish", "write messages")
}

// rejected reports broker errors that a retry cannot fix
func rejected(err error) bool {
	var werrs kafkago.WriteErrors
	if stderrors.As(err, &werrs) {
		for _, e := range werrs {
			if e != nil && !rejected(e) {
				return false
			}
		}
		return werrs.Count() > 0
	}
	var kerr kafkago.Error
	if stderrors.As(err, &kerr) {
		switch kerr {
		case kafkago.MessageSizeTooLarge, kafkago.InvalidTopic, kafkago.RecordListTooLarge,
			kafkago.TopicAuthorizationFailed:
			return true
		}
	}
	return false
}

// Ping sends a metadata request for the configured brokers.
func (s *Sink) Ping(ctx context.Context) error {
	_, client, err := s.current()
	if err != nil {
		return err
	}
	if _, err := client.Metadata(ctx, &kafkago.MetadataRequest{}); err != nil {
		return errors.WrapTransient(err, "kafka-output", "Ping", "metadata request")
	}
	return nil
}

// Close flushes and closes the writer.
func (s *Sink) Close(_ context.Context) error {
	s.mu.Lock()
	writer := s.writer
	s.writer, s.client = nil, nil
	s.mu.Unlock()

	if writer == nil {
		return nil
	}
	if err := writer.Close(); err != nil {
		return errors.Wrap(err, "kafka-output", "Close", "close writer")
	}
	return nil
}
