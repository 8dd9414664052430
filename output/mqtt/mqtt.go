package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/pkg/mqttconn"
)

// DefaultTopic is the publish prefix used when none is configured
const DefaultTopic = "ruuvitag/default"

// LWTConfig configures the last will and the online marker
type LWTConfig struct {
	Enabled bool   `json:"enabled"`
	Topic   string `json:"topic"`
	Online  string `json:"online"`
	Offline string `json:"offline"`
	QoS     byte   `json:"qos"`
	Retain  bool   `json:"retain"`
}

// DiscoveryField describes one Home Assistant sensor
type DiscoveryField struct {
	Unit          string `json:"unit_of_meas,omitempty"`
	DeviceClass   string `json:"dev_cla,omitempty"`
	ValueTemplate string `json:"val_tpl,omitempty"`
}

// DiscoveryConfig configures Home Assistant discovery
type DiscoveryConfig struct {
	Topic         string                    `json:"topic"`
	AnnounceTopic string                    `json:"announce_topic"`
	Retain        bool                      `json:"retain"`
	Fields        map[string]DiscoveryField `json:"fields,omitempty"`
}

// Config holds the mqtt sink options
type Config struct {
	mqttconn.Config
	Topic     string          `json:"topic"`
	QoS       byte            `json:"qos"`
	Retain    bool            `json:"retain"`
	FullJSON  bool            `json:"full_json"`
	Timeout   config.Duration `json:"timeout"`
	LWT       LWTConfig       `json:"lwt"`
	Discovery DiscoveryConfig `json:"discovery"`
}

// DefaultDiscoveryFields returns the sensors announced when discovery.fields is empty.
func DefaultDiscoveryFields() map[string]DiscoveryField {
	return map[string]DiscoveryField{
		message.FieldTemperature: {Unit: "°C", DeviceClass: "temperature", ValueTemplate: "{{ value_json.temperature | float | round(1) }}"},
		message.FieldHumidity:    {Unit: "%", DeviceClass: "humidity", ValueTemplate: "{{ value_json.humidity | float | round(1) }}"},
		message.FieldPressure:    {Unit: "hPa", DeviceClass: "pressure", ValueTemplate: "{{ value_json.pressure | float | round(1) }}"},
		message.FieldBattery:     {Unit: "V", DeviceClass: "voltage", ValueTemplate: "{{ value_json.battery | float / 1000 | round(3) }}"},
	}
}

// DefaultConfig returns the mqtt sink defaults
func DefaultConfig() Config {
	return Config{
		Config:  mqttconn.Config{Broker: mqttconn.DefaultBroker, CleanSession: true},
		Topic:   DefaultTopic,
		QoS:     1,
		Timeout: config.Duration(mqttconn.DefaultWaitTimeout),
		LWT: LWTConfig{
			Online:  "online",
			Offline: "offline",
			QoS:     1,
			Retain:  true,
		},
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
	if c.QoS > 2 || c.LWT.QoS > 2 {
		return fmt.Errorf("qos must be 0, 1 or 2")
	}
	if c.LWT.Enabled && c.LWT.Topic == "" {
		return fmt.Errorf("lwt.topic is required when lwt is enabled")
	}
	if c.Timeout.D() <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Deps holds what the sink needs besides its options
type Deps struct {
	Logger  *slog.Logger
	Version string
}

// Sink publishes records to a broker
type Sink struct {
	name    string
	cfg     Config
	logger  *slog.Logger
	version string

	newClient func(*paho.ClientOptions) paho.Client

	mu     sync.Mutex
	client paho.Client
	lost   bool

	adMu       sync.Mutex
	discovered map[string]bool
}

// Create builds an mqtt sink from its raw options.
func Create(name string, raw json.RawMessage, deps Deps) (*Sink, error) {
	cfg := DefaultConfig()
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "mqtt-output", "Create", "parse options")
	}
	if cfg.Discovery.Topic != "" && len(cfg.Discovery.Fields) == 0 {
		cfg.Discovery.Fields = DefaultDiscoveryFields()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		name:       name,
		cfg:        cfg,
		logger:     logger,
		version:    deps.Version,
		newClient:  paho.NewClient,
		discovered: make(map[string]bool),
	}, nil
}

// Name returns the sink name
func (s *Sink) Name() string { return s.name }

// Connect opens a new broker session, publishes the online marker and subscribes to the
// discovery announce topic.
func (s *Sink) Connect(_ context.Context) error {
	s.disconnect(false)

	opts, err := s.cfg.ClientOptions(s.cfg.ResolveClientID("ruuvigw-out"), mqttconn.Handlers{
		OnConnectionLost: func(paho.Client, error) {
			s.mu.Lock()
			s.lost = true
			s.mu.Unlock()
		},
	}, s.logger)
	if err != nil {
		return errors.WrapFatal(err, "mqtt-output", "Connect", "build client options")
	}
	if s.cfg.LWT.Enabled {
		opts.SetWill(s.cfg.LWT.Topic, s.cfg.LWT.Offline, s.cfg.LWT.QoS, s.cfg.LWT.Retain)
	}

	client := s.newClient(opts)
	if err := mqttconn.Wait(client.Connect(), mqttconn.DefaultConnectTimeout); err != nil {
		return errors.WrapTransient(err, "mqtt-output", "Connect", "connect broker")
	}

	if s.cfg.LWT.Enabled {
		token := client.Publish(s.cfg.LWT.Topic, s.cfg.LWT.QoS, s.cfg.LWT.Retain, s.cfg.LWT.Online)
		if err := mqttconn.Wait(token, s.cfg.Timeout.D()); err != nil {
			client.Disconnect(250)
			return errors.WrapTransient(err, "mqtt-output", "Connect", "publish online marker")
		}
	}

	if s.cfg.Discovery.AnnounceTopic != "" {
		token := client.Subscribe(s.cfg.Discovery.AnnounceTopic, 1, func(_ paho.Client, msg paho.Message) {
			s.handleAnnounce(string(msg.Payload()))
		})
		if err := mqttconn.Wait(token, s.cfg.Timeout.D()); err != nil {
			client.Disconnect(250)
			return errors.WrapTransient(err, "mqtt-output", "Connect", "subscribe announce topic")
		}
	}

	s.mu.Lock()
	s.client = client
	s.lost = false
	s.mu.Unlock()
	return nil
}

func (s *Sink) handleAnnounce(payload string) {
	if payload != "online" && payload != "ruuvi" {
		return
	}
	s.adMu.Lock()
	s.discovered = make(map[string]bool)
	s.adMu.Unlock()
	s.logger.Info("Discovery announce received, configs will be republished")
}

func (s *Sink) current() (paho.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil || s.lost || !s.client.IsConnectionOpen() {
		return nil, errors.WrapTransient(errors.ErrConnectionLost, "mqtt-output", "current", "check connection")
	}
	return s.client, nil
}

// Topic returns the publish topic for a record
func (s *Sink) Topic(r message.Record) string {
	name := r.Tags[message.TagName]
	if name == "" {
		name = r.Tags[message.TagMAC]
	}
	return s.cfg.Topic + "/" + name
}

// Payload returns the JSON object published for a record
func (s *Sink) Payload(r message.Record) ([]byte, error) {
	fields := make(map[string]any, len(r.Fields)+1)
	for k, v := range r.Fields {
		fields[k] = v
	}
	if s.cfg.FullJSON {
		fields[message.TagHostname] = r.Tags[message.TagHostname]
	} else {
		delete(fields, "time")
	}
	return json.Marshal(fields)
}

// Publish sends every record of the item.
func (s *Sink) Publish(_ context.Context, item *message.Item) error {
	client, err := s.current()
	if err != nil {
		return err
	}

	for _, r := range item.Records {
		topic := s.Topic(r)
		if err := s.announce(client, r, topic); err != nil {
			return err
		}

		payload, err := s.Payload(r)
		if err != nil {
			return errors.WrapInvalid(err, "mqtt-output", "Publish", "marshal fields")
		}
		if err := mqttconn.Wait(client.Publish(topic, s.cfg.QoS, s.cfg.Retain, payload), s.cfg.Timeout.D()); err != nil {
			return errors.WrapTransient(err, "mqtt-output", "Publish", "publish "+topic)
		}
	}
	return nil
}

type discoveryDevice struct {
	Identifiers  []string `json:"ids"`
	Name         string   `json:"name"`
	Model        string   `json:"mdl"`
	Software     string   `json:"sw,omitempty"`
	Manufacturer string   `json:"mf"`
}

type discoveryConfig struct {
	Device        discoveryDevice `json:"dev"`
	Name          string          `json:"name"`
	StateTopic    string          `json:"stat_t"`
	ValueTemplate string          `json:"val_tpl,omitempty"`
	UniqueID      string          `json:"unique_id"`
	QoS           byte            `json:"qos"`
	Unit          string          `json:"unit_of_meas,omitempty"`
	DeviceClass   string          `json:"dev_cla,omitempty"`
}

// DiscoveryMessage is one config message
type DiscoveryMessage struct {
	Topic   string
	Payload []byte
}

// Discovery returns the config messages for a record, in field order.
func (s *Sink) Discovery(r message.Record, stateTopic string) ([]DiscoveryMessage, error) {
	name := r.Tags[message.TagName]
	if name == "" {
		name = r.Tags[message.TagMAC]
	}
	dev := discoveryDevice{
		Identifiers:  []string{r.Tags[message.TagMAC]},
		Name:         "Ruuvi " + name,
		Model:        "ruuvigw",
		Software:     s.version,
		Manufacturer: "Ruuvi Innovations",
	}

	keys := make([]string, 0, len(r.Fields))
	for k := range r.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []DiscoveryMessage
	for _, field := range keys {
		def, ok := s.cfg.Discovery.Fields[field]
		if !ok {
			continue
		}
		payload, err := json.Marshal(discoveryConfig{
			Device:        dev,
			Name:          name + " " + field,
			StateTopic:    stateTopic,
			ValueTemplate: def.ValueTemplate,
			UniqueID:      name + "-" + field,
			QoS:           s.cfg.QoS,
			Unit:          def.Unit,
			DeviceClass:   def.DeviceClass,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, DiscoveryMessage{
			Topic:   s.cfg.Discovery.Topic + "/" + name + "-" + field + "/config",
			Payload: payload,
		})
	}
	return out, nil
}

// announce publishes discovery configs the first time a mac is seen
func (s *Sink) announce(client paho.Client, r message.Record, stateTopic string) error {
	if s.cfg.Discovery.Topic == "" {
		return nil
	}
	mac := r.Tags[message.TagMAC]

	s.adMu.Lock()
	defer s.adMu.Unlock()
	if s.discovered[mac] {
		return nil
	}

	msgs, err := s.Discovery(r, stateTopic)
	if err != nil {
		return errors.WrapInvalid(err, "mqtt-output", "announce", "marshal discovery config")
	}
	for _, m := range msgs {
		token := client.Publish(m.Topic, 1, s.cfg.Discovery.Retain, m.Payload)
		if err := mqttconn.Wait(token, s.cfg.Timeout.D()); err != nil {
			return errors.WrapTransient(err, "mqtt-output", "announce", "publish "+m.Topic)
		}
	}
	s.discovered[mac] = true
	s.logger.Info("Discovery configs published", "mac", mac, "sensors", len(msgs))
	return nil
}

// Ping reports whether the broker connection is open.
func (s *Sink) Ping(_ context.Context) error {
	_, err := s.current()
	return err
}

// Close publishes the offline marker and disconnects.
func (s *Sink) Close(_ context.Context) error {
	s.disconnect(true)
	return nil
}

func (s *Sink) disconnect(markOffline bool) {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()

	if client == nil || !client.IsConnectionOpen() {
		return
	}
	if markOffline && s.cfg.LWT.Enabled {
		token := client.Publish(s.cfg.LWT.Topic, s.cfg.LWT.QoS, s.cfg.LWT.Retain, s.cfg.LWT.Offline)
		if err := mqttconn.Wait(token, s.cfg.Timeout.D()); err != nil {
			s.logger.Warn("Failed to publish offline marker", "error", err)
		}
	}
	client.Disconnect(250)
}
