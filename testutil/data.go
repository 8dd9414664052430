package testutil

import (
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/input/adv"
	"github.com/c360/ruuvigw/message"
)

// Known advertisements.
const (
	// MAC is the address the vectors below were captured from.
	MAC = "CB:D7:18:26:DA:B4"

	// RawAdvDF5 is a complete BLE advertisement carrying a format 5 payload:
	// temperature 29.34, humidity 52.62, pressure 1005.48.
	RawAdvDF5 = "0201061BFF99040516EC5238C574FCE4FD8CFFEC99769A6221CBD71826DAB4BC"

	// PayloadDF5 is a bare format 5 payload starting at the format byte.
	PayloadDF5 = "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F"
)

// Frame builds a frame for mac from RawAdvDF5 received at at.
func Frame(t testing.TB, mac string, at time.Time) message.Frame {
	t.Helper()
	return FrameHex(t, mac, RawAdvDF5, at)
}

// FrameHex builds a frame for mac from a hex encoded advertisement or payload.
func FrameHex(t testing.TB, mac, data string, at time.Time) message.Frame {
	t.Helper()
	raw, err := hex.DecodeString(data)
	require.NoError(t, err)
	f, err := adv.NewFrame(mac, nil, raw, at)
	require.NoError(t, err)
	return f
}
