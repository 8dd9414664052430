package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoader_LoadJSONWithComments(t *testing.T) {
	path := writeFile(t, "gw.json", `{
		// gateway wide settings
		"gateway": {"hostname": "gw-1", "precision": 3},
		"tags": {"d6:a9:11:22:33:44": "sauna"},
		"sinks": [
			{"name": "influx", "type": "influx", "queue_size": 50},
		],
		"measurements": [
			{"name": "ruuvi", "output": ["influx"], "max_interval": "2m"},
		],
	}`)

	loader := NewLoader()
	loader.lookupEnv = func(string) (string, bool) { return "", false }
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "gw-1", cfg.Gateway.Hostname)
	assert.Equal(t, 3, cfg.Gateway.Precision)
	assert.Equal(t, DefaultLastdataTick, cfg.Gateway.LastdataTick.D())
	assert.Equal(t, "sauna", cfg.Tags["D6:A9:11:22:33:44"])

	require.Len(t, cfg.Measurements, 1)
	m := cfg.Measurements[0]
	assert.Equal(t, 2*time.Minute, m.MaxInterval.D())
	assert.Equal(t, DefaultWriteLastdataCnt, m.WriteLastdataCnt)
	assert.Equal(t, DefaultDelta(), m.Delta)
	assert.Equal(t, DefaultRound(), m.Round)
	assert.Equal(t, DefaultMaxDelta(), m.MaxDelta)
}

func TestLoader_LoadYAML(t *testing.T) {
	path := writeFile(t, "gw.yaml", `
gateway:
  hostname: yaml-gw
collector:
  whitelist: ["aabbccddeeff"]
validation:
  temperature: {min: -40, max: 85}
sinks:
  - name: file
    type: file
    options:
      path: /tmp/out.jsonl
measurements:
  - name: climate
    output: [file]
    delta: {}
    maxdelta:
      temperature: {maxchange: 3, maxcount: 2}
    write_lastdata_int: 120
`)

	loader := NewLoader()
	loader.lookupEnv = func(string) (string, bool) { return "", false }
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"AA:BB:CC:DD:EE:FF"}, cfg.Collector.Whitelist)
	assert.Equal(t, Bounds{Min: -40, Max: 85}, cfg.Validation[message.FieldTemperature])
	// untouched default bounds survive the merge
	assert.Equal(t, Bounds{Min: 0, Max: 100}, cfg.Validation[message.FieldHumidity])

	m := cfg.Measurements[0]
	assert.Empty(t, m.Delta)
	assert.NotNil(t, m.Delta)
	assert.Equal(t, map[string]MaxDelta{message.FieldTemperature: {MaxChange: 3, MaxCount: 2}}, m.MaxDelta)
	assert.Equal(t, 120*time.Second, m.WriteLastdataInt.D())
	assert.JSONEq(t, `{"path":"/tmp/out.jsonl"}`, string(cfg.Sinks[0].Options))
}

func TestLoader_Layers(t *testing.T) {
	base := writeFile(t, "base.json", `{
		"gateway": {"hostname": "base", "precision": 1},
		"sinks": [{"name": "a", "type": "file"}, {"name": "b", "type": "file"}]
	}`)
	override := writeFile(t, "override.json", `{
		"gateway": {"hostname": "override"},
		"sinks": [{"name": "c", "type": "file"}]
	}`)

	loader := NewLoader()
	loader.lookupEnv = func(string) (string, bool) { return "", false }
	loader.AddLayer(base)
	loader.AddLayer(override)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "override", cfg.Gateway.Hostname)
	assert.Equal(t, 1, cfg.Gateway.Precision)
	require.Len(t, cfg.Sinks, 1)
	assert.Equal(t, "c", cfg.Sinks[0].Name)
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeFile(t, "gw.json", `{"gateway": {"hostname": "file"}}`)
	env := map[string]string{
		"RUUVIGW_HOSTNAME":      "from-env",
		"RUUVIGW_ADMIN_ADDR":    "127.0.0.1:9999",
		"RUUVIGW_ADMIN_ENABLED": "false",
	}

	loader := NewLoader()
	loader.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Gateway.Hostname)
	assert.Equal(t, "127.0.0.1:9999", cfg.Admin.Addr)
	assert.False(t, cfg.Admin.Enabled)

	env["RUUVIGW_ADMIN_ENABLED"] = "maybe"
	_, err = loader.LoadFile(path)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestLoader_RejectsBadFiles(t *testing.T) {
	loader := NewLoader()

	_, err := loader.LoadFile(writeFile(t, "gw.toml", `x = 1`))
	assert.Error(t, err)

	_, err = loader.LoadFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)

	_, err = loader.LoadFile(writeFile(t, "bad.json", `{"gateway": `))
	assert.Error(t, err)

	_, err = loader.LoadFile(writeFile(t, "badmac.json", `{"tags": {"not-a-mac": "x"}}`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"negative precision", func(c *Config) { c.Gateway.Precision = -1 }, false},
		{"no tracked macs", func(c *Config) { c.Collector.MaxTrackedMACs = 0 }, false},
		{"inverted bounds", func(c *Config) { c.Validation["humidity"] = Bounds{Min: 10, Max: 0} }, false},
		{"unnamed sink", func(c *Config) { c.Sinks = []SinkConfig{{Type: "file"}} }, false},
		{"duplicate sink", func(c *Config) {
			c.Sinks = []SinkConfig{{Name: "a", Type: "file"}, {Name: "a", Type: "file"}}
		}, false},
		{"unknown output", func(c *Config) {
			c.Measurements = []Measurement{NewMeasurement("m")}
			c.Measurements[0].Output = []string{"nope"}
		}, false},
		{"negative delta", func(c *Config) {
			m := NewMeasurement("m")
			m.Delta["temperature"] = -1
			c.Measurements = []Measurement{m}
		}, false},
		{"duplicate measurement", func(c *Config) {
			c.Measurements = []Measurement{NewMeasurement("m"), NewMeasurement("m")}
		}, false},
		{"valid output", func(c *Config) {
			c.Sinks = []SinkConfig{{Name: "a", Type: "file"}}
			m := NewMeasurement("m")
			m.Output = []string{"a"}
			c.Measurements = []Measurement{m}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestMeasurement_LastdataInterval(t *testing.T) {
	m := NewMeasurement("m")
	assert.Zero(t, m.LastdataInterval())

	m.MaxInterval = Duration(60 * time.Second)
	m.WriteLastdataInt = Duration(30 * time.Second)
	assert.Equal(t, 70*time.Second, m.LastdataInterval())

	m.WriteLastdataInt = Duration(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, m.LastdataInterval())
}

func TestMeasurement_SortedFields(t *testing.T) {
	m := NewMeasurement("m")
	assert.Equal(t, []string{"acceleration", "humidity", "pressure", "temperature"}, m.DeltaFields())
	assert.Equal(t, []string{"acceleration", "humidity", "pressure", "temperature"}, m.MaxDeltaFields())
}

func TestParseDuration(t *testing.T) {
	tests := map[string]time.Duration{
		"90s":  90 * time.Second,
		"2m":   2 * time.Minute,
		"30":   30 * time.Second,
		"1.5":  1500 * time.Millisecond,
		"365d": 365 * 24 * time.Hour,
	}
	for in, want := range tests {
		got, err := ParseDuration(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseDuration("soon")
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`45`)))
	assert.Equal(t, 45*time.Second, d.D())

	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, 90*time.Second, d.D())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))

	assert.Error(t, d.UnmarshalJSON([]byte(`true`)))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a": [1, {"b": "[[["}]}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a": [}`)))

	deep := make([]byte, 0, 2*(maxJSONDepth+1))
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, '[')
	}
	for i := 0; i <= maxJSONDepth; i++ {
		deep = append(deep, ']')
	}
	assert.Error(t, validateJSONDepth(deep))
}

func TestSafeConfig(t *testing.T) {
	cfg := Default()
	cfg.Sinks = []SinkConfig{{Name: "mq", Type: "mqtt", Options: []byte(`{"password":"secret"}`)}}
	safe := NewSafeConfig(cfg)

	got := safe.Get()
	got.Gateway.Hostname = "changed"
	assert.Empty(t, safe.Get().Gateway.Hostname)

	assert.Nil(t, safe.Get().Redacted().Sinks[0].Options)
	assert.NotNil(t, safe.Get().Sinks[0].Options)

	bad := Default()
	bad.Gateway.Precision = -1
	assert.Error(t, safe.Update(bad))
	assert.Error(t, safe.Update(nil))
}
