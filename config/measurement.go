package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/c360/ruuvigw/message"
)

// MaxDelta bounds a per-sample jump. Changes above MaxChange are treated as a glitch up
// to MaxCount times in a row. A zero in either field disables the check.
type MaxDelta struct {
	MaxChange float64 `json:"maxchange"`
	MaxCount  int     `json:"maxcount"`
}

// Measurement is a named forwarding policy applied to every decoded reading
type Measurement struct {
	Name string `json:"name"`

	// Fields maps raw reading fields to output names. Empty selects all present fields.
	Fields map[string]string `json:"fields,omitempty"`
	// Round is the decimal precision per raw field.
	Round map[string]int `json:"round"`
	// Delta is the minimum change per raw field for a reading to be forwarded.
	Delta map[string]float64 `json:"delta"`
	// MaxDelta is the glitch guard per raw field.
	MaxDelta map[string]MaxDelta `json:"maxdelta"`

	MaxInterval      Duration `json:"max_interval"`
	WriteLastdataInt Duration `json:"write_lastdata_int"`
	WriteLastdataCnt int      `json:"write_lastdata_cnt"`

	Output []string `json:"output"`
	Calcs  bool     `json:"calcs"`
	Debug  bool     `json:"debug"`
}

// DefaultRound is applied when a measurement omits round.
func DefaultRound() map[string]int {
	return map[string]int{
		message.FieldTemperature:  1,
		message.FieldHumidity:     1,
		message.FieldPressure:     1,
		message.FieldAcceleration: 2,
	}
}

// DefaultDelta is applied when a measurement omits delta.
func DefaultDelta() map[string]float64 {
	return map[string]float64{
		message.FieldTemperature:  0.1,
		message.FieldHumidity:     1,
		message.FieldPressure:     0.1,
		message.FieldAcceleration: 20,
	}
}

// DefaultMaxDelta is applied when a measurement omits maxdelta.
func DefaultMaxDelta() map[string]MaxDelta {
	return map[string]MaxDelta{
		message.FieldTemperature:  {MaxChange: 5, MaxCount: 10},
		message.FieldHumidity:     {MaxChange: 5, MaxCount: 10},
		message.FieldPressure:     {MaxChange: 1, MaxCount: 10},
		message.FieldAcceleration: {MaxChange: 50, MaxCount: 10},
	}
}

// NewMeasurement returns a measurement carrying all defaults.
func NewMeasurement(name string) Measurement {
	return Measurement{
		Name:             name,
		Round:            DefaultRound(),
		Delta:            DefaultDelta(),
		MaxDelta:         DefaultMaxDelta(),
		MaxInterval:      Duration(DefaultMaxInterval),
		WriteLastdataCnt: DefaultWriteLastdataCnt,
	}
}

// UnmarshalJSON fills omitted keys with defaults. A null or missing policy map gets the
// default map; an explicit empty map stays empty.
func (m *Measurement) UnmarshalJSON(data []byte) error {
	type plain Measurement
	p := plain{
		Name:             DefaultMeasurementName,
		MaxInterval:      Duration(DefaultMaxInterval),
		WriteLastdataCnt: DefaultWriteLastdataCnt,
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}

	if p.Round == nil {
		p.Round = DefaultRound()
	}
	if p.Delta == nil {
		p.Delta = DefaultDelta()
	}
	if p.MaxDelta == nil {
		p.MaxDelta = DefaultMaxDelta()
	}

	*m = Measurement(p)
	return nil
}

// LastdataInterval returns the effective refresh interval, never shorter than
// max_interval plus LastdataMargin. Zero means the refresher is disabled.
func (m Measurement) LastdataInterval() time.Duration {
	if m.WriteLastdataInt <= 0 {
		return 0
	}
	interval := m.WriteLastdataInt.D()
	if floor := m.MaxInterval.D() + LastdataMargin; interval < floor {
		interval = floor
	}
	return interval
}

// DeltaFields returns the delta keys in evaluation order.
func (m Measurement) DeltaFields() []string {
	return sortedKeys(m.Delta)
}

// MaxDeltaFields returns the maxdelta keys in evaluation order.
func (m Measurement) MaxDeltaFields() []string {
	return sortedKeys(m.MaxDelta)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m Measurement) validate(sinks map[string]bool) error {
	if m.Name == "" {
		return fmt.Errorf("measurement: name is required")
	}
	if m.MaxInterval < 0 || m.WriteLastdataInt < 0 {
		return fmt.Errorf("measurement %s: intervals must not be negative", m.Name)
	}
	if m.WriteLastdataCnt < 0 {
		return fmt.Errorf("measurement %s: write_lastdata_cnt must not be negative", m.Name)
	}
	for f, p := range m.Round {
		if p < 0 || p > 10 {
			return fmt.Errorf("measurement %s: round.%s %d out of range 0..10", m.Name, f, p)
		}
	}
	for f, d := range m.Delta {
		if d < 0 {
			return fmt.Errorf("measurement %s: delta.%s must not be negative", m.Name, f)
		}
	}
	for f, md := range m.MaxDelta {
		if md.MaxChange < 0 || md.MaxCount < 0 {
			return fmt.Errorf("measurement %s: maxdelta.%s must not be negative", m.Name, f)
		}
	}
	for _, out := range m.Output {
		if _, ok := sinks[out]; !ok {
			return fmt.Errorf("measurement %s: output %q is not a configured sink", m.Name, out)
		}
	}
	return nil
}
