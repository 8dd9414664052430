package kafka

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

func record() message.Record {
	return message.Record{
		Measurement: "ruuvi",
		Tags:        map[string]string{message.TagMAC: "CB:D7:18:26:DA:B4", message.TagName: "sauna"},
		Fields:      map[string]any{"temperature": 24.3},
		Time:        time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func header(msg kafkago.Message, key string) (string, bool) {
	for _, h := range msg.Headers {
		if h.Key == key {
			return string(h.Value), true
		}
	}
	return "", false
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"defaults", `{}`, false},
		{"acks all", `{"acks":-1,"brokers":["a:9092","b:9092"]}`, false},
		{"no brokers", `{"brokers":[]}`, true},
		{"empty topic", `{"topic":""}`, true},
		{"bad acks", `{"acks":2}`, true},
		{"zero attempts", `{"max_attempts":0}`, true},
		{"bad encoding", `{"encoding":"xml"}`, true},
		{"unknown field", `{"partition":3}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Create("stream", json.RawMessage(tt.raw), nil)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSink_Topic(t *testing.T) {
	tests := []struct {
		tmpl string
		want string
	}{
		{"ruuvi", "ruuvi"},
		{"ruuvi.${tagmac}", "ruuvi.CBD71826DAB4"},
		{"home/${name}/${measurement}", "home.sauna.ruuvi"},
		{"raw-${mac}", "raw-CB:D7:18:26:DA:B4"},
	}
	for _, tt := range tests {
		t.Run(tt.tmpl, func(t *testing.T) {
			raw, _ := json.Marshal(map[string]string{"topic": tt.tmpl})
			s, err := Create("stream", raw, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.Topic(record()))
		})
	}
}

func TestSink_TopicNameFallsBackToMAC(t *testing.T) {
	s, err := Create("stream", json.RawMessage(`{"topic":"t.${name}"}`), nil)
	require.NoError(t, err)

	r := record()
	delete(r.Tags, message.TagName)
	assert.Equal(t, "t.CB:D7:18:26:DA:B4", s.Topic(r))
}

func TestSink_Messages(t *testing.T) {
	s, err := Create("stream", nil, nil)
	require.NoError(t, err)

	msgs, err := s.Messages(&message.Item{Records: []message.Record{record(), record()}})
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	msg := msgs[0]
	assert.Equal(t, "ruuvi", msg.Topic)
	assert.Equal(t, "CB:D7:18:26:DA:B4", string(msg.Key))
	assert.Equal(t, record().Time, msg.Time)
	assert.JSONEq(t, `{"measurement":"ruuvi","tags":{"mac":"CB:D7:18:26:DA:B4","name":"sauna"},"fields":{"temperature":24.3}}`, string(msg.Value))

	ct, ok := header(msg, HeaderContentType)
	assert.True(t, ok)
	assert.Equal(t, "application/json", ct)
	_, ok = header(msg, HeaderResend)
	assert.False(t, ok)

	id0, _ := header(msgs[0], HeaderID)
	id1, _ := header(msgs[1], HeaderID)
	assert.NotEmpty(t, id0)
	assert.NotEqual(t, id0, id1)

	msgs, err = s.Messages(&message.Item{Resend: true, Records: []message.Record{record()}})
	require.NoError(t, err)
	v, ok := header(msgs[0], HeaderResend)
	assert.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestSink_NoKey(t *testing.T) {
	s, err := Create("stream", json.RawMessage(`{"key":""}`), nil)
	require.NoError(t, err)

	msgs, err := s.Messages(&message.Item{Records: []message.Record{record()}})
	require.NoError(t, err)
	assert.Nil(t, msgs[0].Key)
}

func TestSink_NotConnected(t *testing.T) {
	s, err := Create("stream", nil, nil)
	require.NoError(t, err)

	err = s.Publish(context.Background(), &message.Item{Records: []message.Record{record()}})
	assert.True(t, errors.IsTransient(err))
	assert.ErrorIs(t, err, errors.ErrNotConnected)

	assert.True(t, errors.IsTransient(s.Ping(context.Background())))
	assert.NoError(t, s.Close(context.Background()))
}

func TestSink_ConnectUnreachable(t *testing.T) {
	s, err := Create("stream", json.RawMessage(`{"brokers":["127.0.0.1:1"],"timeout":"200ms"}`), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = s.Connect(ctx)
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
	assert.NoError(t, s.Close(context.Background()))
}

func TestRejected(t *testing.T) {
	assert.True(t, rejected(kafkago.MessageSizeTooLarge))
	assert.True(t, rejected(kafkago.WriteErrors{kafkago.InvalidTopic, nil}))
	assert.False(t, rejected(kafkago.WriteErrors{kafkago.InvalidTopic, kafkago.LeaderNotAvailable}))
	assert.False(t, rejected(kafkago.LeaderNotAvailable))
	assert.False(t, rejected(context.DeadlineExceeded))
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name         string
		err          error
		wantRejected bool
	}{
		{"message too large", kafkago.MessageSizeTooLarge, true},
		{"partial write", kafkago.WriteErrors{kafkago.InvalidTopic, nil}, true},
		{"leader election", kafkago.LeaderNotAvailable, false},
		{"timeout", context.DeadlineExceeded, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := writeError(tt.err)
			assert.True(t, errors.IsTransient(err))
			assert.False(t, errors.IsInvalid(err))
			assert.Equal(t, tt.wantRejected, stderrors.Is(err, errors.ErrPublishRejected))
		})
	}
}
