package httppost

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

func testItem() *message.Item {
	return &message.Item{
		Measurement: "ruuvi",
		Records: []message.Record{{
			Measurement: "ruuvi",
			Tags:        map[string]string{message.TagMAC: "CB:D7:18:26:DA:B4"},
			Fields:      map[string]any{"temperature": 24.3},
		}},
	}
}

func rawConfig(t *testing.T, cfg map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(cfg)
	require.NoError(t, err)
	return b
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     map[string]any
		wantErr bool
	}{
		{"defaults", map[string]any{}, false},
		{"missing url", map[string]any{"url": ""}, true},
		{"bad scheme", map[string]any{"url": "ftp://host/x"}, true},
		{"bad ping scheme", map[string]any{"ping_url": "tcp://host"}, true},
		{"timeout too large", map[string]any{"timeout": 301}, true},
		{"retry too large", map[string]any{"retry_count": 11}, true},
		{"unknown encoding", map[string]any{"encoding": "xml"}, true},
		{"unknown option", map[string]any{"subject": "x"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create("hook", rawConfig(t, tt.cfg), nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSink_Publish(t *testing.T) {
	var (
		body   []byte
		header http.Header
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ = io.ReadAll(r.Body)
		header = r.Header.Clone()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	s, err := Create("hook", rawConfig(t, map[string]any{
		"url":     server.URL,
		"headers": map[string]string{"X-Token": "abc"},
	}), nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.Publish(ctx, testItem())
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "publish before connect")

	require.NoError(t, s.Connect(ctx))
	item := testItem()
	item.Resend = true
	require.NoError(t, s.Publish(ctx, item))

	var records []message.Record
	require.NoError(t, json.Unmarshal(body, &records))
	require.Len(t, records, 1)
	assert.Equal(t, "CB:D7:18:26:DA:B4", records[0].Tags[message.TagMAC])
	assert.Equal(t, "application/json", header.Get("Content-Type"))
	assert.Equal(t, "abc", header.Get("X-Token"))
	assert.Equal(t, "true", header.Get(ResendHeader))
	assert.Equal(t, int64(1), s.messagesSent.Load())
}

func TestSink_PublishStatusClassification(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantRejected bool
		wantCalls    int32
	}{
		{"server error retried", http.StatusBadGateway, false, 2},
		{"rate limited retried", http.StatusTooManyRequests, false, 2},
		{"bad request left to the worker", http.StatusBadRequest, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			s, err := Create("hook", rawConfig(t, map[string]any{"url": server.URL, "retry_count": 1}), nil)
			require.NoError(t, err)
			require.NoError(t, s.Connect(context.Background()))

			err = s.Publish(context.Background(), testItem())
			require.Error(t, err)
			assert.True(t, errors.IsTransient(err), "every failed post is resent by the worker")
			assert.False(t, errors.IsInvalid(err))
			assert.Equal(t, tt.wantRejected, stderrors.Is(err, errors.ErrPublishRejected))
			assert.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestSink_Ping(t *testing.T) {
	healthy := atomic.Bool{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	defer server.Close()

	s, err := Create("hook", rawConfig(t, map[string]any{"url": server.URL, "ping_url": server.URL}), nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))

	healthy.Store(true)
	require.NoError(t, s.Ping(ctx))

	require.NoError(t, s.Close(ctx))
	assert.Error(t, s.Ping(ctx))
}
