// Package validate applies calibration offsets and plausibility bounds to decoded readings.
package validate

import (
	"fmt"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/processor/decode"
)

// ErrOutOfRange is returned when any field falls outside its bounds.
var ErrOutOfRange = decode.ErrOutOfRange

// Validator checks readings against per-field bounds after applying per-device offsets.
// It is read-only after construction and safe for concurrent use.
type Validator struct {
	bounds      map[string]config.Bounds
	calibration map[string]map[string]float64
}

// New creates a validator. A nil bounds map selects config.DefaultBounds.
// Calibration is keyed by canonical mac, then field.
func New(bounds map[string]config.Bounds, calibration map[string]map[string]float64) *Validator {
	if bounds == nil {
		bounds = config.DefaultBounds()
	}
	return &Validator{
		bounds:      bounds,
		calibration: calibration,
	}
}

// Offset returns the calibration offset for mac and field, 0 when none is configured.
func (v *Validator) Offset(mac, field string) float64 {
	return v.calibration[mac][field]
}

// Validate calibrates r in place and checks every present field against its bounds.
// On violation r is left unmodified and an Invalid error wrapping ErrOutOfRange is returned;
// the whole reading must be discarded.
func (v *Validator) Validate(mac string, r *message.Reading) error {
	offsets := v.calibration[mac]
	adjusted := make(map[string]float64, len(offsets))

	for _, field := range r.FieldNames() {
		value, _ := r.Get(field)
		if off, ok := offsets[field]; ok {
			value += off
			adjusted[field] = value
		}

		b, ok := v.bounds[field]
		if !ok {
			continue
		}
		if value < b.Min || value > b.Max {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s %v not in [%v, %v]", ErrOutOfRange, field, value, b.Min, b.Max),
				"Validator", "Validate", "bounds check")
		}
	}

	for field, value := range adjusted {
		r.Set(field, value)
	}
	return nil
}
