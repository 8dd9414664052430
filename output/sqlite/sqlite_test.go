package sqlite

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

func newSink(t *testing.T, extra string) *Sink {
	t.Helper()
	path := filepath.Join(t.TempDir(), "data", "ruuvi.db")
	raw := `{"path":"` + path + `"` + extra + `}`
	s, err := Create("db", json.RawMessage(raw), nil)
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func item(ts time.Time, temp float64) *message.Item {
	return &message.Item{
		Measurement: "ruuvi",
		Records: []message.Record{{
			Measurement: "ruuvi",
			Tags:        map[string]string{message.TagMAC: "CB:D7:18:26:DA:B4", message.TagName: "sauna"},
			Fields: map[string]any{
				"temperature": temp,
				"battery":     2899,
				"time":        ts.Format(message.TimeFormat),
			},
			Time: ts,
		}},
	}
}

func TestConfig_Validate(t *testing.T) {
	_, err := Create("db", json.RawMessage(`{"path":""}`), nil)
	assert.Error(t, err)
	_, err = Create("db", json.RawMessage(`{"retention":"-1h"}`), nil)
	assert.Error(t, err)
	_, err = Create("db", json.RawMessage(`{"retention":"720h"}`), nil)
	assert.NoError(t, err)
}

func TestSink_PublishAndLatest(t *testing.T) {
	s := newSink(t, "")
	ctx := context.Background()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Publish(ctx, item(t0, 21.5)))
	require.NoError(t, s.Publish(ctx, item(t0.Add(time.Minute), 22.0)))

	got, err := s.Latest(ctx, "CB:D7:18:26:DA:B4")
	require.NoError(t, err)
	require.Len(t, got, 2, "string time field is not stored")

	assert.Equal(t, "battery", got[0].Field)
	assert.Equal(t, 2899.0, got[0].Value)
	assert.Equal(t, "temperature", got[1].Field)
	assert.Equal(t, 22.0, got[1].Value)
	assert.Equal(t, "sauna", got[1].Name)
	assert.Equal(t, t0.Add(time.Minute), got[1].Time)

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM reading`).Scan(&rows))
	assert.Equal(t, 4, rows)

	assert.NoError(t, s.Ping(ctx))
}

func TestSink_Reconnect(t *testing.T) {
	s := newSink(t, "")
	ctx := context.Background()

	t0 := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, s.Publish(ctx, item(t0, 21.5)))
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Publish(ctx, item(t0.Add(time.Second), 21.6)))

	var rows int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM reading`).Scan(&rows))
	assert.Equal(t, 4, rows)
}

func TestSink_Retention(t *testing.T) {
	s := newSink(t, `,"retention":"1h"`)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, s.Publish(ctx, item(now.Add(-2*time.Hour), 20.0)))

	// first publish pruned its own stale rows
	got, err := s.Latest(ctx, "CB:D7:18:26:DA:B4")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.Publish(ctx, item(now, 23.0)))
	got, err = s.Latest(ctx, "CB:D7:18:26:DA:B4")
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSink_NotConnected(t *testing.T) {
	s, err := Create("db", nil, nil)
	require.NoError(t, err)

	err = s.Publish(context.Background(), item(time.Now(), 1))
	assert.True(t, errors.IsTransient(err))
	assert.True(t, errors.IsTransient(s.Ping(context.Background())))
	assert.NoError(t, s.Close(context.Background()))
}
