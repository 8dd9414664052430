package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/c360/ruuvigw/errors"
)

// maxOptionsSize bounds the options block of one source or sink.
const maxOptionsSize = 1 << 20

// Validatable is implemented by option structs that check themselves after decoding.
type Validatable interface {
	Validate() error
}

// SafeUnmarshal decodes a source or sink options block into target, which should already
// hold the defaults. Empty options keep the defaults. Unknown fields are rejected so a
// typo in a sink block fails at startup.
func SafeUnmarshal(raw json.RawMessage, target any) error {
	if len(raw) > 0 && string(raw) != "null" {
		if len(raw) > maxOptionsSize {
			return errors.WrapInvalid(fmt.Errorf("options exceed %d bytes", maxOptionsSize),
				"config", "SafeUnmarshal", "size check")
		}
		if err := validateJSONDepth(raw); err != nil {
			return errors.WrapInvalid(err, "config", "SafeUnmarshal", "depth check")
		}
		if err := decodeStrict(raw, target); err != nil {
			return errors.WrapInvalid(err, "config", "SafeUnmarshal", "decode options")
		}
	}

	if v, ok := target.(Validatable); ok {
		if err := v.Validate(); err != nil {
			return errors.WrapInvalid(err, "config", "SafeUnmarshal", "validate options")
		}
	}
	return nil
}

func decodeStrict(raw json.RawMessage, target any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(target)
}
