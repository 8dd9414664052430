package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/pkg/security"
)

// Config is the complete gateway configuration
type Config struct {
	Gateway      GatewayConfig                 `json:"gateway"`
	Collector    CollectorConfig               `json:"collector"`
	Tags         map[string]string             `json:"tags,omitempty"`
	Validation   map[string]Bounds             `json:"validation,omitempty"`
	Calibration  map[string]map[string]float64 `json:"calibration,omitempty"`
	Sources      []SourceConfig                `json:"sources"`
	Measurements []Measurement                 `json:"measurements"`
	Sinks        []SinkConfig                  `json:"sinks"`
	Admin        AdminConfig                   `json:"admin"`
}

// GatewayConfig holds process wide settings
type GatewayConfig struct {
	Hostname string `json:"hostname,omitempty"`

	// LastdataTick is how often the last value refresher checks tracked devices.
	LastdataTick Duration `json:"lastdata_tick"`
	// LastdataDelay postpones the first refresher tick after start.
	LastdataDelay Duration `json:"lastdata_delay"`
	// Precision is the rounding used for fields without an explicit round entry.
	Precision int `json:"precision"`
}

// CollectorConfig controls which frames are admitted before decoding
type CollectorConfig struct {
	SampleInterval    Duration `json:"sample_interval"`
	Whitelist         []string `json:"whitelist,omitempty"`
	Blacklist         []string `json:"blacklist,omitempty"`
	WhitelistFromTags bool     `json:"whitelist_from_tags"`
	BlacklistOnError  bool     `json:"blacklist_on_error"`
	// MaxTrackedMACs bounds the per mac sampling state; the least recently seen mac is
	// forgotten first.
	MaxTrackedMACs int `json:"max_tracked_macs"`
}

// Bounds is an inclusive [Min, Max] range for a reading field
type Bounds struct {
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// SourceConfig selects a frame source implementation
type SourceConfig struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// SinkConfig selects a sink implementation and its queue
type SinkConfig struct {
	Name                string          `json:"name"`
	Type                string          `json:"type"`
	Enabled             *bool           `json:"enabled,omitempty"`
	QueueSize           int             `json:"queue_size"`
	SupervisionInterval Duration        `json:"supervision_interval"`
	Options             json.RawMessage `json:"options,omitempty"`
}

// IsEnabled reports whether the sink should be started. Sinks are enabled unless disabled explicitly.
func (s SinkConfig) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// AdminConfig configures the HTTP surface serving metrics, health and device state
type AdminConfig struct {
	Enabled bool                     `json:"enabled"`
	Addr    string                   `json:"addr"`
	TLS     security.ServerTLSConfig `json:"tls"`
}

// Defaults
const (
	DefaultQueueSize        = 100
	DefaultPrecision        = 2
	DefaultWriteLastdataCnt = 40
	DefaultMeasurementName  = "ruuvi"
	DefaultAdminAddr        = ":9090"
	DefaultMaxTrackedMACs   = 4096

	DefaultMaxInterval         = 60 * time.Second
	DefaultLastdataTick        = time.Second
	DefaultLastdataDelay       = 10 * time.Second
	DefaultSampleInterval      = time.Second
	DefaultSupervisionInterval = 10 * time.Second

	// LastdataMargin is added to max_interval to get the minimum refresh interval.
	LastdataMargin = 10 * time.Second
)

// DefaultBounds returns the built-in plausibility ranges.
func DefaultBounds() map[string]Bounds {
	return map[string]Bounds{
		message.FieldTemperature: {Min: -127.99, Max: 127.99},
		message.FieldHumidity:    {Min: 0, Max: 100},
		message.FieldPressure:    {Min: 500, Max: 1155.36},
	}
}

// Default returns the configuration used as the bottom layer by the Loader.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			LastdataTick:  Duration(DefaultLastdataTick),
			LastdataDelay: Duration(DefaultLastdataDelay),
			Precision:     DefaultPrecision,
		},
		Collector: CollectorConfig{
			SampleInterval:    Duration(DefaultSampleInterval),
			WhitelistFromTags: true,
			BlacklistOnError:  true,
			MaxTrackedMACs:    DefaultMaxTrackedMACs,
		},
		Validation: DefaultBounds(),
		Admin: AdminConfig{
			Enabled: true,
			Addr:    DefaultAdminAddr,
		},
	}
}

// Validate checks cross references and value ranges. It does not inspect sink or
// source options; their packages validate those when they are constructed.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
			"Config", "Validate", "configuration check")
	}

	if c.Gateway.Precision < 0 || c.Gateway.Precision > 10 {
		return invalid("gateway.precision %d out of range 0..10", c.Gateway.Precision)
	}
	if c.Gateway.LastdataTick.D() <= 0 {
		return invalid("gateway.lastdata_tick must be positive")
	}

	if c.Collector.MaxTrackedMACs <= 0 {
		return invalid("collector.max_tracked_macs must be positive")
	}

	for field, b := range c.Validation {
		if b.Min > b.Max {
			return invalid("validation.%s: min %v > max %v", field, b.Min, b.Max)
		}
	}

	sinks := make(map[string]bool, len(c.Sinks))
	for i, s := range c.Sinks {
		if s.Name == "" {
			return invalid("sinks[%d]: name is required", i)
		}
		if s.Type == "" {
			return invalid("sink %s: type is required", s.Name)
		}
		if sinks[s.Name] {
			return invalid("sink %s: duplicate name", s.Name)
		}
		if s.QueueSize < 0 {
			return invalid("sink %s: queue_size must not be negative", s.Name)
		}
		sinks[s.Name] = s.IsEnabled()
	}

	sources := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if s.Name == "" || s.Type == "" {
			return invalid("sources[%d]: name and type are required", i)
		}
		if sources[s.Name] {
			return invalid("source %s: duplicate name", s.Name)
		}
		sources[s.Name] = true
	}

	if c.Admin.Enabled && c.Admin.Addr == "" {
		return invalid("admin.addr is required when admin is enabled")
	}
	if c.Admin.TLS.Enabled && (c.Admin.TLS.CertFile == "" || c.Admin.TLS.KeyFile == "") {
		return invalid("admin.tls needs cert_file and key_file")
	}

	names := make(map[string]bool, len(c.Measurements))
	for _, m := range c.Measurements {
		if err := m.validate(sinks); err != nil {
			return invalid("%v", err)
		}
		if names[m.Name] {
			return invalid("measurement %s: duplicate name", m.Name)
		}
		names[m.Name] = true
	}

	return nil
}

// Normalize rewrites every mac address key to canonical form.
func (c *Config) Normalize() error {
	normList := func(list []string) ([]string, error) {
		out := make([]string, 0, len(list))
		for _, s := range list {
			mac, err := message.NormalizeMAC(s)
			if err != nil {
				return nil, err
			}
			out = append(out, mac)
		}
		return out, nil
	}

	var err error
	if c.Collector.Whitelist, err = normList(c.Collector.Whitelist); err != nil {
		return errors.WrapInvalid(err, "Config", "Normalize", "collector.whitelist")
	}
	if c.Collector.Blacklist, err = normList(c.Collector.Blacklist); err != nil {
		return errors.WrapInvalid(err, "Config", "Normalize", "collector.blacklist")
	}

	if len(c.Tags) > 0 {
		tags := make(map[string]string, len(c.Tags))
		for k, v := range c.Tags {
			mac, err := message.NormalizeMAC(k)
			if err != nil {
				return errors.WrapInvalid(err, "Config", "Normalize", "tags")
			}
			tags[mac] = v
		}
		c.Tags = tags
	}

	if len(c.Calibration) > 0 {
		cal := make(map[string]map[string]float64, len(c.Calibration))
		for k, v := range c.Calibration {
			mac, err := message.NormalizeMAC(k)
			if err != nil {
				return errors.WrapInvalid(err, "Config", "Normalize", "calibration")
			}
			cal[mac] = v
		}
		c.Calibration = cal
	}

	return nil
}

// Sink returns the sink configuration named name.
func (c *Config) Sink(name string) (SinkConfig, bool) {
	for _, s := range c.Sinks {
		if s.Name == name {
			return s, true
		}
	}
	return SinkConfig{}, false
}
