// Package mqtt receives advertisement frames relayed by Ruuvi Gateways over MQTT.
//
// A Ruuvi Gateway publishes every advertisement to <prefix>/<gateway mac>/<tag mac> with a
// JSON body carrying rssi and the raw advertisement as hex. The tag mac is taken from the
// body when present and from the last topic level otherwise.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/input/adv"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/mqttconn"
)

// Defaults
const (
	DefaultTopic          = "ruuvi/#"
	DefaultReconnectDelay = 5 * time.Second
)

// Config holds the mqtt source options
type Config struct {
	mqttconn.Config
	Topic          string          `json:"topic"`
	QoS            byte            `json:"qos"`
	ReconnectDelay config.Duration `json:"reconnect_delay"`
}

// DefaultConfig returns the mqtt source defaults
func DefaultConfig() Config {
	return Config{
		Config:         mqttconn.Config{Broker: mqttconn.DefaultBroker, CleanSession: true},
		Topic:          DefaultTopic,
		ReconnectDelay: config.Duration(DefaultReconnectDelay),
	}
}

// Validate checks the options
func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return err
	}
	if c.Topic == "" {
		return fmt.Errorf("topic is required")
	}
	if c.QoS > 2 {
		return fmt.Errorf("invalid qos %d", c.QoS)
	}
	return nil
}

// Input subscribes to gateway topics and emits frames
type Input struct {
	name   string
	cfg    Config
	logger *slog.Logger
	core   *metric.Metrics

	mu     sync.Mutex
	client paho.Client
	lost   chan struct{}

	frames      atomic.Int64
	parseErrors atomic.Int64

	now func() time.Time
}

// Create builds an mqtt source from its raw options.
func Create(name string, raw json.RawMessage, registry *metric.MetricsRegistry, logger *slog.Logger) (*Input, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "mqtt-input", "Create", "parse options")
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

// Start connects and subscribes, reconnecting after a lost connection, until ctx is done.
func (in *Input) Start(ctx context.Context, handle message.FrameHandler) error {
	clientID := in.cfg.ResolveClientID("ruuvigw-in")

	for {
		if err := in.connect(ctx, clientID, handle); err != nil {
			in.logger.Warn("MQTT source connect failed", "error", err, "retry_in", in.cfg.ReconnectDelay.D())
		} else {
			in.mu.Lock()
			lost := in.lost
			in.mu.Unlock()

			select {
			case <-ctx.Done():
				in.disconnect()
				return nil
			case <-lost:
			}
		}

		select {
		case <-ctx.Done():
			in.disconnect()
			return nil
		case <-time.After(in.cfg.ReconnectDelay.D()):
		}
	}
}

func (in *Input) connect(ctx context.Context, clientID string, handle message.FrameHandler) error {
	lost := make(chan struct{})
	var once sync.Once

	opts, err := in.cfg.ClientOptions(clientID, mqttconn.Handlers{
		OnConnectionLost: func(paho.Client, error) {
			once.Do(func() { close(lost) })
		},
	}, in.logger)
	if err != nil {
		return errors.WrapFatal(err, "mqtt-input", "connect", "build client options")
	}

	client := paho.NewClient(opts)
	if err := mqttconn.Wait(client.Connect(), mqttconn.DefaultConnectTimeout); err != nil {
		return errors.WrapTransient(err, "mqtt-input", "connect", "connect broker")
	}

	token := client.Subscribe(in.cfg.Topic, in.cfg.QoS, func(_ paho.Client, msg paho.Message) {
		in.handleMessage(ctx, msg.Topic(), msg.Payload(), handle)
	})
	if err := mqttconn.Wait(token, mqttconn.DefaultWaitTimeout); err != nil {
		client.Disconnect(250)
		return errors.WrapTransient(err, "mqtt-input", "connect", "subscribe "+in.cfg.Topic)
	}

	in.mu.Lock()
	in.client = client
	in.lost = lost
	in.mu.Unlock()

	in.logger.Info("MQTT source subscribed", "broker", in.cfg.Broker, "topic", in.cfg.Topic)
	return nil
}

func (in *Input) disconnect() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.client != nil && in.client.IsConnected() {
		in.client.Disconnect(250)
	}
	in.client = nil
}

func (in *Input) handleMessage(ctx context.Context, topic string, payload []byte, handle message.FrameHandler) {
	frame, err := adv.ParseJSON(payload, topicMAC(topic), in.now())
	if err != nil {
		in.parseErrors.Add(1)
		if in.core != nil {
			in.core.FramesDropped.WithLabelValues(adv.DropReason(err)).Inc()
		}
		in.logger.Debug("Skipping unparsable message", "topic", topic, "error", err)
		return
	}

	in.frames.Add(1)
	if in.core != nil {
		in.core.FramesReceived.WithLabelValues(in.name).Inc()
	}
	handle(ctx, frame)
}

// topicMAC returns the last topic level when it looks like a mac address.
func topicMAC(topic string) string {
	last := topic[strings.LastIndexByte(topic, '/')+1:]
	if mac, err := message.NormalizeMAC(last); err == nil {
		return mac
	}
	return ""
}
