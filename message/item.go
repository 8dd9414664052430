package message

import "time"

// Record is one tagged field set destined for a sink.
type Record struct {
	Measurement string            `json:"measurement" msgpack:"measurement" cbor:"measurement"`
	Tags        map[string]string `json:"tags" msgpack:"tags" cbor:"tags"`
	Fields      map[string]any    `json:"fields" msgpack:"fields" cbor:"fields"`
	Time        time.Time         `json:"-" msgpack:"-" cbor:"-"`
}

// Tag keys set on every record.
const (
	TagMAC        = "mac"
	TagName       = "name"
	TagDataFormat = "dataFormat"
	TagHostname   = "hostname"
)

// Item is the dispatch envelope queued per sink.
type Item struct {
	Measurement string
	JobID       string
	Records     []Record
	Resend      bool
	Enqueued    time.Time
}

// Copy returns a shallow copy so each sink queue owns its own envelope and resend flag.
// Records are shared and must be treated as read-only by sinks.
func (it *Item) Copy() *Item {
	c := *it
	return &c
}

// MAC returns the mac tag of the first record, or "".
func (it *Item) MAC() string {
	if len(it.Records) == 0 {
		return ""
	}
	return it.Records[0].Tags[TagMAC]
}
