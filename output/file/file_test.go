package file

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

func testItem(mac string, temp float64) *message.Item {
	return &message.Item{
		Measurement: "ruuvi",
		Records: []message.Record{{
			Measurement: "ruuvi",
			Tags:        map[string]string{message.TagMAC: mac},
			Fields:      map[string]any{"temperature": temp},
		}},
	}
}

func readLines(t *testing.T, path string) []message.Record {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []message.Record
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var r message.Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		out = append(out, r)
	}
	require.NoError(t, scanner.Err())
	return out
}

func TestCreate(t *testing.T) {
	s, err := Create("archive", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "archive", s.Name())
	assert.Equal(t, DefaultConfig(), s.cfg)

	_, err = Create("archive", json.RawMessage(`{"path":""}`), nil)
	assert.Error(t, err)

	_, err = Create("archive", json.RawMessage(`{"path":"x","max_bytes":-1}`), nil)
	assert.Error(t, err)
}

func TestSink_PublishAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "out.jsonl")
	s, err := Create("archive", json.RawMessage(`{"path":"`+path+`"}`), nil)
	require.NoError(t, err)
	ctx := context.Background()

	err = s.Publish(ctx, testItem("CB:D7:18:26:DA:B4", 1))
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err), "publish before connect")

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Publish(ctx, testItem("CB:D7:18:26:DA:B4", 1)))
	require.NoError(t, s.Publish(ctx, testItem("CB:D7:18:26:DA:B5", 2)))
	require.NoError(t, s.Close(ctx))

	// reconnect appends to the existing file
	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Publish(ctx, testItem("CB:D7:18:26:DA:B6", 3)))
	require.NoError(t, s.Close(ctx))

	records := readLines(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, "CB:D7:18:26:DA:B5", records[1].Tags[message.TagMAC])
	assert.Equal(t, 3.0, records[2].Fields["temperature"])
	assert.Equal(t, int64(3), s.Stats().RecordsWritten)

	assert.Error(t, s.Ping(ctx), "closed sink")
}

func TestSink_Rotation(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.jsonl")
	line, err := json.Marshal(testItem("CB:D7:18:26:DA:B4", 1).Records[0])
	require.NoError(t, err)
	lineLen := len(line) + 1

	raw := json.RawMessage(`{"path":"` + path + `","max_bytes":` + itoa(2*lineLen) + `,"max_backups":2}`)
	s, err := Create("archive", raw, nil)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, s.Connect(ctx))

	for i := 0; i < 7; i++ {
		require.NoError(t, s.Publish(ctx, testItem("CB:D7:18:26:DA:B4", 1)))
	}
	require.NoError(t, s.Close(ctx))

	// 7 lines at 2 per file: current holds 1, .1 and .2 hold 2 each, the oldest 2 are gone
	assert.Len(t, readLines(t, path), 1)
	assert.Len(t, readLines(t, path+".1"), 2)
	assert.Len(t, readLines(t, path+".2"), 2)
	_, err = os.Stat(path + ".3")
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, int64(3), s.Stats().Rotations)
}

func itoa(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}
