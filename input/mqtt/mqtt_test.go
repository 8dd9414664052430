package mqtt

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
)

const gatewayAdv = "0201061BFF99040512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F"

func TestCreate(t *testing.T) {
	in, err := Create("gw", json.RawMessage(`{"broker":"tcp://broker:1883","topic":"ruuvi/+/+","qos":1}`), nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "gw", in.Name())
	assert.Equal(t, "ruuvi/+/+", in.cfg.Topic)
	assert.Equal(t, byte(1), in.cfg.QoS)
	assert.True(t, in.cfg.CleanSession)
	assert.Equal(t, DefaultReconnectDelay, in.cfg.ReconnectDelay.D())

	_, err = Create("gw", json.RawMessage(`{"qos":3}`), nil, nil)
	assert.Error(t, err)

	_, err = Create("gw", json.RawMessage(`{"broker":"broker:1883"}`), nil, nil)
	assert.Error(t, err)
}

func TestTopicMAC(t *testing.T) {
	assert.Equal(t, "CB:D7:18:26:DA:B4", topicMAC("ruuvi/C8:25:2D:8E:9C:2C/CB:D7:18:26:DA:B4"))
	assert.Equal(t, "CB:D7:18:26:DA:B4", topicMAC("cbd71826dab4"))
	assert.Equal(t, "", topicMAC("ruuvi/gateway/status"))
}

func TestHandleMessage(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	in, err := Create("gw", nil, registry, nil)
	require.NoError(t, err)
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	in.now = func() time.Time { return now }

	var got []message.Frame
	handle := func(_ context.Context, f message.Frame) { got = append(got, f) }

	body := `{"gw_mac":"C8:25:2D:8E:9C:2C","rssi":-62,"data":"` + gatewayAdv + `"}`
	in.handleMessage(context.Background(), "ruuvi/C8:25:2D:8E:9C:2C/CB:D7:18:26:DA:B4", []byte(body), handle)
	in.handleMessage(context.Background(), "ruuvi/C8:25:2D:8E:9C:2C/gw_status", []byte(`{"state":"online"}`), handle)

	require.Len(t, got, 1)
	assert.Equal(t, "CB:D7:18:26:DA:B4", got[0].MAC)
	assert.Equal(t, -62, *got[0].RSSI)
	assert.Equal(t, now, got[0].Received)
	assert.Equal(t, byte(0x05), got[0].Payload[0])

	assert.Equal(t, int64(1), in.parseErrors.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(registry.Metrics.FramesReceived.WithLabelValues("gw")))
}

func TestStart_StopsWhileBrokerUnreachable(t *testing.T) {
	in, err := Create("gw", json.RawMessage(`{"broker":"tcp://127.0.0.1:1","reconnect_delay":"10ms"}`), nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- in.Start(ctx, func(context.Context, message.Frame) {}) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
