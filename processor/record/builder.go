// Package record turns forwarded readings into the records and dispatch items handed to sinks.
package record

import (
	"sort"
	"strconv"
	"time"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/processor/filter"
)

// Debug field names
const (
	FieldTime          = "time"
	FieldDebugReason   = "debugReason"
	FieldDebugCount    = "debugCount"
	FieldDebugInterval = "debugInterval"
)

// Builder renders readings according to a measurement definition.
type Builder struct {
	hostname  string
	precision int
	now       func() time.Time
}

// NewBuilder creates a builder. precision is used for fields without a round entry.
func NewBuilder(hostname string, precision int) *Builder {
	return &Builder{
		hostname:  hostname,
		precision: precision,
		now:       time.Now,
	}
}

// Record renders r for def. ok is false when no field of the definition is present in r.
func (b *Builder) Record(def config.Measurement, r *message.Reading, d filter.Decision) (message.Record, bool) {
	fields := b.fields(def, r)
	if len(fields) == 0 {
		return message.Record{}, false
	}

	ts := r.Time
	if ts.IsZero() {
		ts = b.now().UTC()
	}
	fields[FieldTime] = ts.UTC().Format(message.TimeFormat)

	if def.Debug {
		fields[FieldDebugReason] = d.Reason
		fields[FieldDebugCount] = d.Count
		fields[FieldDebugInterval] = d.Interval.Microseconds()
		if rssi, ok := r.Get(message.FieldRSSI); ok {
			fields[message.FieldRSSI] = int(rssi)
		}
	}

	if def.Calcs {
		for k, v := range Calcs(r) {
			fields[k] = v
		}
	}

	name := r.Name
	if name == "" {
		name = r.MAC
	}

	return message.Record{
		Measurement: def.Name,
		Tags: map[string]string{
			message.TagMAC:        r.MAC,
			message.TagName:       name,
			message.TagDataFormat: strconv.Itoa(r.DataFormat),
			message.TagHostname:   b.hostname,
		},
		Fields: fields,
		Time:   ts,
	}, true
}

// Item wraps the record for r in a dispatch envelope. ok is false when the record is empty.
func (b *Builder) Item(def config.Measurement, jobID string, r *message.Reading, d filter.Decision) (*message.Item, bool) {
	rec, ok := b.Record(def, r, d)
	if !ok {
		return nil, false
	}
	return &message.Item{
		Measurement: def.Name,
		JobID:       jobID,
		Records:     []message.Record{rec},
		Enqueued:    b.now(),
	}, true
}

func (b *Builder) fields(def config.Measurement, r *message.Reading) map[string]any {
	out := make(map[string]any)

	if len(def.Fields) > 0 {
		raws := make([]string, 0, len(def.Fields))
		for raw := range def.Fields {
			raws = append(raws, raw)
		}
		sort.Strings(raws)
		for _, raw := range raws {
			if v, ok := r.Get(raw); ok {
				out[def.Fields[raw]] = b.round(def, raw, v)
			}
		}
		return out
	}

	for _, field := range r.FieldNames() {
		// rssi describes the radio link, not the sensor; it is reported with debug only
		if field == message.FieldRSSI {
			continue
		}
		v, _ := r.Get(field)
		out[field] = b.round(def, field, v)
	}
	return out
}

func (b *Builder) round(def config.Measurement, field string, v float64) float64 {
	places, ok := def.Round[field]
	if !ok {
		places = b.precision
	}
	return message.Round(v, places)
}
