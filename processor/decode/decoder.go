package decode

import (
	"bytes"
	"fmt"
	"time"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
)

// Hint tells the decoder where the data format byte is.
type Hint int

const (
	// HintFirstByte means the payload starts at the data format byte.
	HintFirstByte Hint = iota
	// HintSignature means the payload is a raw advertisement; the format byte follows
	// the FF 99 04 manufacturer data signature.
	HintSignature
)

func (h Hint) String() string {
	if h == HintSignature {
		return "signature"
	}
	return "first_byte"
}

// Data formats
const (
	DataFormat3 = 3
	DataFormat5 = 5
	DataFormat8 = 8
)

// signature is the AD type for manufacturer data followed by the little endian Ruuvi company id.
var signature = []byte{0xFF, 0x99, 0x04}

// FormatDecoder decodes one wire layout.
type FormatDecoder interface {
	Format() int
	MinLength() int
	// Decode fills r from data, which starts at the format byte and is at least MinLength long.
	Decode(data []byte, r *message.Reading)
}

// Decoder dispatches payloads to the decoder for their data format.
type Decoder struct {
	formats map[byte]FormatDecoder
}

// New returns a decoder for data formats 3 and 5.
func New() *Decoder {
	d := &Decoder{formats: make(map[byte]FormatDecoder)}
	d.Register(format3{})
	d.Register(format5{})
	return d
}

// Register adds or replaces the decoder for fd.Format().
func (d *Decoder) Register(fd FormatDecoder) {
	d.formats[byte(fd.Format())] = fd
}

var defaultDecoder = New()

// Decode decodes payload with the default decoder.
func Decode(payload []byte, hint Hint) (*message.Reading, error) {
	return defaultDecoder.Decode(payload, hint)
}

// Decode decodes payload. The returned reading has no time set and carries the mac
// embedded in the payload when the format has one.
func (d *Decoder) Decode(payload []byte, hint Hint) (*message.Reading, error) {
	data := payload
	if hint == HintSignature {
		i := bytes.Index(payload, signature)
		if i < 0 {
			return nil, errors.WrapInvalid(ErrUnknownFormat, "Decoder", "Decode", "locate signature")
		}
		data = payload[i+len(signature):]
	}

	if len(data) == 0 {
		return nil, errors.WrapInvalid(ErrTruncated, "Decoder", "Decode", "read format byte")
	}

	format := data[0]
	if format == DataFormat8 {
		return nil, errors.WrapInvalid(ErrUnsupportedFormat, "Decoder", "Decode", "format 8")
	}

	fd, ok := d.formats[format]
	if !ok {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %d", ErrUnknownFormat, format),
			"Decoder", "Decode", "select format")
	}

	if len(data) < fd.MinLength() {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: format %d needs %d bytes, got %d", ErrTruncated, format, fd.MinLength(), len(data)),
			"Decoder", "Decode", "check length")
	}

	r := message.NewReading(fd.Format(), "", time.Time{})
	fd.Decode(data, r)
	return r, nil
}

// DecodeFrame decodes f.Payload and attributes the reading to the frame's mac, receive
// time and signal strength.
func (d *Decoder) DecodeFrame(f message.Frame, hint Hint) (*message.Reading, error) {
	r, err := d.Decode(f.Payload, hint)
	if err != nil {
		return nil, err
	}
	if f.MAC != "" {
		r.MAC = f.MAC
	}
	r.Time = f.Received.UTC()
	if f.RSSI != nil {
		r.Set(message.FieldRSSI, float64(*f.RSSI))
	}
	return r, nil
}
