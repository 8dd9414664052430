// Package codec encodes dispatch records for byte-oriented sinks.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/ruuvigw/errors"
)

// Names accepted by New.
const (
	JSON    = "json"
	MsgPack = "msgpack"
	CBOR    = "cbor"
)

// Codec marshals a value into a wire payload.
type Codec interface {
	Name() string
	ContentType() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// New returns the codec registered under name. An empty name selects JSON.
func New(name string) (Codec, error) {
	switch name {
	case "", JSON:
		return jsonCodec{}, nil
	case MsgPack:
		return msgpackCodec{}, nil
	case CBOR:
		mode, err := cbor.CoreDetEncOptions().EncMode()
		if err != nil {
			return nil, errors.WrapFatal(err, "codec", "New", "build cbor encoder")
		}
		return cborCodec{enc: mode}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: encoding %q", errors.ErrUnknownType, name),
			"codec", "New", "select encoding")
	}
}

type jsonCodec struct{}

func (jsonCodec) Name() string                       { return JSON }
func (jsonCodec) ContentType() string                { return "application/json" }
func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

type msgpackCodec struct{}

func (msgpackCodec) Name() string                       { return MsgPack }
func (msgpackCodec) ContentType() string                { return "application/msgpack" }
func (msgpackCodec) Marshal(v any) ([]byte, error)      { return msgpack.Marshal(v) }
func (msgpackCodec) Unmarshal(data []byte, v any) error { return msgpack.Unmarshal(data, v) }

type cborCodec struct {
	enc cbor.EncMode
}

func (cborCodec) Name() string                       { return CBOR }
func (cborCodec) ContentType() string                { return "application/cbor" }
func (c cborCodec) Marshal(v any) ([]byte, error)    { return c.enc.Marshal(v) }
func (cborCodec) Unmarshal(data []byte, v any) error { return cbor.Unmarshal(data, v) }
