package message

import (
	"math"
	"sort"
	"time"
)

// Raw field names. Measurement definitions address reading fields by these names.
const (
	FieldTemperature     = "temperature"
	FieldHumidity        = "humidity"
	FieldPressure        = "pressure"
	FieldAcceleration    = "acceleration"
	FieldAccelerationX   = "acceleration_x"
	FieldAccelerationY   = "acceleration_y"
	FieldAccelerationZ   = "acceleration_z"
	FieldBattery         = "battery"
	FieldTxPower         = "tx_power"
	FieldMovementCounter = "movement_counter"
	FieldSequenceNumber  = "sequence_number"
	FieldRSSI            = "rssi"
	FieldDataFormat      = "_df"
)

// TimeFormat is the UTC timestamp layout used in output records (microsecond precision).
const TimeFormat = "2006-01-02T15:04:05.000000Z"

// Reading is a decoded sensor snapshot. Absent values are missing from the value set,
// never stored as zero.
type Reading struct {
	DataFormat int
	MAC        string
	Name       string
	Time       time.Time

	values map[string]float64
}

// NewReading returns an empty reading for format df.
func NewReading(df int, mac string, t time.Time) *Reading {
	return &Reading{
		DataFormat: df,
		MAC:        mac,
		Time:       t.UTC(),
		values:     make(map[string]float64),
	}
}

// Set stores a field value.
func (r *Reading) Set(field string, v float64) {
	r.values[field] = v
}

// SetPtr stores v when non-nil and removes the field otherwise.
func (r *Reading) SetPtr(field string, v *float64) {
	if v == nil {
		delete(r.values, field)
		return
	}
	r.values[field] = *v
}

// Get returns the value of field and whether it is present.
func (r *Reading) Get(field string) (float64, bool) {
	v, ok := r.values[field]
	return v, ok
}

// Value returns a pointer to a copy of the field value, or nil when absent.
func (r *Reading) Value(field string) *float64 {
	v, ok := r.values[field]
	if !ok {
		return nil
	}
	return &v
}

// Has reports whether field is present.
func (r *Reading) Has(field string) bool {
	_, ok := r.values[field]
	return ok
}

// FieldNames returns the present field names in sorted order.
func (r *Reading) FieldNames() []string {
	names := make([]string, 0, len(r.values))
	for k := range r.values {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Values returns a copy of all present values.
func (r *Reading) Values() map[string]float64 {
	out := make(map[string]float64, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy.
func (r *Reading) Clone() *Reading {
	c := *r
	c.values = r.Values()
	return &c
}

// Timestamp formats Time for output records.
func (r *Reading) Timestamp() string {
	return r.Time.UTC().Format(TimeFormat)
}

// Round rounds v to places decimals, halves away from zero.
func Round(v float64, places int) float64 {
	if places < 0 {
		return v
	}
	p := math.Pow10(places)
	return math.Round(v*p) / p
}
