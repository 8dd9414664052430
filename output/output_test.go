package output

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/metric"
)

func TestNew(t *testing.T) {
	deps := Deps{MetricsRegistry: metric.NewMetricsRegistry(), Version: "test"}

	for _, typ := range Types() {
		t.Run(typ, func(t *testing.T) {
			raw := json.RawMessage(`{}`)
			switch typ {
			case TypeWebhook:
				raw = json.RawMessage(`{"url":"http://localhost:8080/ingest"}`)
			case TypeInflux:
				raw = json.RawMessage(`{"bucket":"ruuvi"}`)
			}
			sink, err := New(config.SinkConfig{Name: "out-" + typ, Type: typ, Options: raw}, deps)
			require.NoError(t, err)
			assert.Equal(t, "out-"+typ, sink.Name())
		})
	}
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(config.SinkConfig{Name: "x", Type: "carrier-pigeon"}, Deps{})
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestNew_BadOptions(t *testing.T) {
	_, err := New(config.SinkConfig{Name: "f", Type: TypeFile, Options: json.RawMessage(`{"path":""}`)}, Deps{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create file sink f")
}
