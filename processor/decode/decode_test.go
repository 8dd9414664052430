package decode

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func value(t *testing.T, r *message.Reading, field string) float64 {
	t.Helper()
	v, ok := r.Get(field)
	require.True(t, ok, "field %s missing", field)
	return v
}

func TestDecode_Format3Example(t *testing.T) {
	payload := []byte{0x03, 0x72, 0x1B, 0x2B, 0x45, 0x2D, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x0A, 0xED}

	r, err := Decode(payload, HintFirstByte)
	require.NoError(t, err)

	assert.Equal(t, DataFormat3, r.DataFormat)
	assert.Equal(t, 0x72*0.5, value(t, r, message.FieldHumidity))
	assert.Equal(t, 27.43, value(t, r, message.FieldTemperature))
	// (0x452D + 50000) / 100
	assert.Equal(t, message.Round(float64(0x452D+50000)/100, 2), value(t, r, message.FieldPressure))
	assert.Equal(t, 677.09, value(t, r, message.FieldPressure))
	assert.Equal(t, 2797.0, value(t, r, message.FieldBattery))
	assert.Equal(t, 0.0, value(t, r, message.FieldAcceleration))
	assert.False(t, r.Has(message.FieldTxPower))
	assert.Empty(t, r.MAC)
}

func TestDecode_Format3NegativeTemperature(t *testing.T) {
	payload := []byte{0x03, 0x00, 0x81, 0x45, 0x00, 0x00, 0xFF, 0xFF, 0x00, 0x02, 0x00, 0x00, 0x0B, 0xB8}

	r, err := Decode(payload, HintFirstByte)
	require.NoError(t, err)

	assert.Equal(t, -1.69, value(t, r, message.FieldTemperature))
	assert.Equal(t, -1.0, value(t, r, message.FieldAccelerationX))
	assert.Equal(t, 2.0, value(t, r, message.FieldAccelerationY))
	assert.Equal(t, message.Round(math.Sqrt(5), 3), value(t, r, message.FieldAcceleration))
	assert.Equal(t, 3000.0, value(t, r, message.FieldBattery))
}

func TestDecode_Format5Signature(t *testing.T) {
	raw := mustHex(t, "0201061BFF99040516EC5238C574FCE4FD8CFFEC99769A6221CBD71826DAB4BC")

	r, err := Decode(raw, HintSignature)
	require.NoError(t, err)

	assert.Equal(t, DataFormat5, r.DataFormat)
	assert.Equal(t, 29.34, value(t, r, message.FieldTemperature))
	assert.Equal(t, 52.62, value(t, r, message.FieldHumidity))
	assert.Equal(t, 1005.48, value(t, r, message.FieldPressure))
	assert.Equal(t, -796.0, value(t, r, message.FieldAccelerationX))
	assert.Equal(t, -628.0, value(t, r, message.FieldAccelerationY))
	assert.Equal(t, -20.0, value(t, r, message.FieldAccelerationZ))
	assert.Equal(t, 1014.101, value(t, r, message.FieldAcceleration))
	assert.Equal(t, 2827.0, value(t, r, message.FieldBattery))
	assert.Equal(t, 4.0, value(t, r, message.FieldTxPower))
	assert.Equal(t, 154.0, value(t, r, message.FieldMovementCounter))
	assert.Equal(t, 25121.0, value(t, r, message.FieldSequenceNumber))
	assert.Equal(t, "CB:D7:18:26:DA:B4", r.MAC)
}

// encodeFormat5 builds a format 5 payload from raw register values.
func encodeFormat5(temp int16, hum, pres uint16, ax, ay, az uint16, power uint16) []byte {
	b := make([]byte, 24)
	b[0] = DataFormat5
	binary.BigEndian.PutUint16(b[1:3], uint16(temp))
	binary.BigEndian.PutUint16(b[3:5], hum)
	binary.BigEndian.PutUint16(b[5:7], pres)
	binary.BigEndian.PutUint16(b[7:9], ax)
	binary.BigEndian.PutUint16(b[9:11], ay)
	binary.BigEndian.PutUint16(b[11:13], az)
	binary.BigEndian.PutUint16(b[13:15], power)
	b[15] = 7
	binary.BigEndian.PutUint16(b[16:18], 42)
	copy(b[18:24], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF})
	return b
}

func TestDecode_Format5Sentinels(t *testing.T) {
	payload := encodeFormat5(0x7FFF, 0xFFFF, 0xFFFF, 10, 20, 30, 0xFFFF)

	r, err := Decode(payload, HintFirstByte)
	require.NoError(t, err)

	for _, f := range []string{
		message.FieldTemperature, message.FieldHumidity, message.FieldPressure,
		message.FieldBattery, message.FieldTxPower,
	} {
		assert.False(t, r.Has(f), "%s should be absent", f)
		assert.Nil(t, r.Value(f))
	}
	assert.True(t, r.Has(message.FieldAccelerationX))
	assert.Equal(t, 7.0, value(t, r, message.FieldMovementCounter))

	r, err = Decode(encodeFormat5(-0x8000, 0, 0, 0, 0, 0, 0), HintFirstByte)
	require.NoError(t, err)
	assert.False(t, r.Has(message.FieldTemperature))
	assert.Equal(t, 500.0, value(t, r, message.FieldPressure))
	assert.Equal(t, 1600.0, value(t, r, message.FieldBattery))
	assert.Equal(t, -40.0, value(t, r, message.FieldTxPower))
}

func TestDecode_Format5AccelerationSentinelProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(5))
	axes := []string{
		message.FieldAccelerationX, message.FieldAccelerationY,
		message.FieldAccelerationZ, message.FieldAcceleration,
	}

	for i := 0; i < 500; i++ {
		acc := [3]uint16{uint16(rng.Intn(0x10000)), uint16(rng.Intn(0x10000)), uint16(rng.Intn(0x10000))}
		acc[rng.Intn(3)] = 0x7FFF

		r, err := Decode(encodeFormat5(100, 100, 100, acc[0], acc[1], acc[2], 0), HintFirstByte)
		require.NoError(t, err)
		for _, f := range axes {
			require.False(t, r.Has(f), "acc %v: %s should be absent", acc, f)
		}
	}
}

// encodeFormat3 is the inverse of the format 3 decoder for readings already at wire precision.
func encodeFormat3(hum, temp, pres float64, x, y, z int16, battery uint16) []byte {
	b := make([]byte, 14)
	b[0] = DataFormat3
	b[1] = byte(math.Round(hum * 2))

	abs := math.Abs(temp)
	whole := math.Floor(abs)
	b[2] = byte(whole)
	b[3] = byte(math.Round((abs - whole) * 100))
	if temp < 0 {
		b[2] |= 0x80
	}

	binary.BigEndian.PutUint16(b[4:6], uint16(math.Round(pres*100)-50000))
	binary.BigEndian.PutUint16(b[6:8], uint16(x))
	binary.BigEndian.PutUint16(b[8:10], uint16(y))
	binary.BigEndian.PutUint16(b[10:12], uint16(z))
	binary.BigEndian.PutUint16(b[12:14], battery)
	return b
}

func TestDecode_Format3RoundTripProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	for i := 0; i < 1000; i++ {
		hum := float64(rng.Intn(201)) / 2
		temp := message.Round(float64(rng.Intn(25599)-12799)/100, 2)
		pres := float64(50000+rng.Intn(65536)) / 100
		x, y, z := int16(rng.Intn(4001)-2000), int16(rng.Intn(4001)-2000), int16(rng.Intn(4001)-2000)
		battery := uint16(rng.Intn(65536))

		r, err := Decode(encodeFormat3(hum, temp, pres, x, y, z, battery), HintFirstByte)
		require.NoError(t, err)

		assert.InDelta(t, hum, value(t, r, message.FieldHumidity), 0.05)
		assert.InDelta(t, temp, value(t, r, message.FieldTemperature), 0.005)
		assert.InDelta(t, pres, value(t, r, message.FieldPressure), 0.005)
		assert.Equal(t, float64(x), value(t, r, message.FieldAccelerationX))
		assert.Equal(t, float64(y), value(t, r, message.FieldAccelerationY))
		assert.Equal(t, float64(z), value(t, r, message.FieldAccelerationZ))
		mag := math.Sqrt(float64(x)*float64(x) + float64(y)*float64(y) + float64(z)*float64(z))
		assert.InDelta(t, mag, value(t, r, message.FieldAcceleration), 0.0005)
		assert.Equal(t, float64(battery), value(t, r, message.FieldBattery))
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		hint    Hint
		want    error
	}{
		{"empty", nil, HintFirstByte, ErrTruncated},
		{"unknown format", []byte{0x04, 0x01, 0x02}, HintFirstByte, ErrUnknownFormat},
		{"short format 3", []byte{0x03, 0x01, 0x02}, HintFirstByte, ErrTruncated},
		{"zero format byte", make([]byte, 23), HintFirstByte, ErrUnknownFormat},
		{"format 8", append([]byte{0x08}, make([]byte, 30)...), HintFirstByte, ErrUnsupportedFormat},
		{"no signature", []byte{0x02, 0x01, 0x06}, HintSignature, ErrUnknownFormat},
		{"signature format 8", []byte{0xFF, 0x99, 0x04, 0x08, 0x00}, HintSignature, ErrUnsupportedFormat},
		{"signature only", []byte{0xFF, 0x99, 0x04}, HintSignature, ErrTruncated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Decode(tt.payload, tt.hint)
			require.Error(t, err)
			assert.Nil(t, r)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
			assert.NotEqual(t, "other", Kind(err))
		})
	}

	short5 := make([]byte, 23)
	short5[0] = DataFormat5
	_, err := Decode(short5, HintFirstByte)
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestDecoder_DecodeFrame(t *testing.T) {
	rssi := -71
	received := time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.FixedZone("x", 3600))
	frame := message.Frame{
		MAC:            "D6:A9:11:22:33:44",
		RSSI:           &rssi,
		ManufacturerID: message.RuuviCompanyID,
		Payload:        encodeFormat5(1000, 4000, 100, 0, 0, 1000, 0),
		Received:       received,
	}

	r, err := New().DecodeFrame(frame, HintFirstByte)
	require.NoError(t, err)

	assert.Equal(t, "D6:A9:11:22:33:44", r.MAC)
	assert.Equal(t, received.UTC(), r.Time)
	assert.Equal(t, "2024-03-01T11:00:00.123456Z", r.Timestamp())
	assert.Equal(t, -71.0, value(t, r, message.FieldRSSI))
	assert.Equal(t, 5.0, value(t, r, message.FieldTemperature))
	assert.Equal(t, 10.0, value(t, r, message.FieldHumidity))
}

func TestKind(t *testing.T) {
	assert.Equal(t, "", Kind(nil))
	assert.Equal(t, "out_of_range", Kind(ErrOutOfRange))
	assert.Equal(t, "other", Kind(assert.AnError))
}
