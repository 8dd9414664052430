package filter

import (
	"log/slog"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/message"
)

// Forward reasons
const (
	ReasonFirst       = "first"
	ReasonMaxInterval = "max_interval"
	ReasonUpdate      = "update"
	ReasonLastdata    = "lastdata"

	// suppress reasons, used for metrics and logging only
	ReasonDelta    = "delta"
	ReasonMaxDelta = "maxdelta"
)

// Decision is the outcome of evaluating one reading.
type Decision struct {
	Forward bool
	Reason  string
	// Count is the number of readings forwarded for the device before this one.
	Count int
	// Interval is the time since the previous baseline, 0 for the first reading.
	Interval time.Duration
}

// Refreshed is a reading re-emitted by Refresh.
type Refreshed struct {
	MAC      string
	Reading  *message.Reading
	Decision Decision
}

type deviceState struct {
	last      *message.Reading
	baseline  time.Time
	refreshes int
	anomalies int
	forwards  int
	reason    string
}

// Filter holds per device state for one measurement definition.
type Filter struct {
	def    config.Measurement
	logger *slog.Logger

	deltaFields    []string
	maxDeltaFields []string
	lastdata       time.Duration

	mu     sync.Mutex
	states map[string]*deviceState
}

// New creates a filter for def.
func New(def config.Measurement, logger *slog.Logger) *Filter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Filter{
		def:            def,
		logger:         logger.With("component", "filter", "measurement", def.Name),
		deltaFields:    def.DeltaFields(),
		maxDeltaFields: def.MaxDeltaFields(),
		lastdata:       def.LastdataInterval(),
		states:         make(map[string]*deviceState),
	}
}

// Measurement returns the definition the filter was built from.
func (f *Filter) Measurement() config.Measurement {
	return f.def
}

// LastdataJobID is the job id used for refreshed readings of measurement name.
func LastdataJobID(name string) string {
	return name + "_lastdata"
}

// Evaluate decides whether r is forwarded and commits the outcome to the device state.
// r must not be modified by the caller afterwards.
func (f *Filter) Evaluate(r *message.Reading, now time.Time) Decision {
	f.mu.Lock()
	defer f.mu.Unlock()

	st, ok := f.states[r.MAC]
	if !ok {
		f.states[r.MAC] = &deviceState{last: r, baseline: now, forwards: 1, reason: ReasonFirst}
		return Decision{Forward: true, Reason: ReasonFirst}
	}

	maxInterval := f.def.MaxInterval.D()
	if maxInterval > 0 && now.Sub(st.baseline) > maxInterval {
		prev := st.baseline
		next := prev.Add(maxInterval)
		if next.Add(maxInterval).Before(now) {
			next = now
		}
		return f.forward(st, r, next, prev, now, ReasonMaxInterval)
	}

	for _, field := range f.maxDeltaFields {
		md := f.def.MaxDelta[field]
		if md.MaxChange == 0 || md.MaxCount == 0 {
			continue
		}
		diff, ok := change(st.last, r, field)
		if !ok || diff <= md.MaxChange || st.anomalies >= md.MaxCount {
			continue
		}
		st.anomalies++
		st.last = r
		f.logger.Debug("Change above maxchange suppressed",
			"mac", r.MAC, "field", field, "diff", diff, "maxchange", md.MaxChange,
			"count", st.anomalies, "maxcount", md.MaxCount)
		return Decision{Reason: ReasonMaxDelta}
	}

	reason := ReasonUpdate
	for _, field := range f.deltaFields {
		reason = field
		diff, ok := change(st.last, r, field)
		if ok && diff < f.def.Delta[field] {
			return Decision{Reason: ReasonDelta}
		}
	}

	return f.forward(st, r, now, st.baseline, now, reason)
}

func (f *Filter) forward(st *deviceState, r *message.Reading, baseline, prev, now time.Time, reason string) Decision {
	d := Decision{
		Forward:  true,
		Reason:   reason,
		Count:    st.forwards,
		Interval: interval(prev, now),
	}
	st.last = r
	st.baseline = baseline
	st.anomalies = 0
	st.refreshes = 0
	st.forwards++
	st.reason = reason
	return d
}

// Refresh re-emits the last accepted reading of every device whose baseline is older than
// the lastdata interval. Devices that used up write_lastdata_cnt refreshes are dropped.
// It returns nil when refreshing is disabled.
func (f *Filter) Refresh(now time.Time) []Refreshed {
	if f.lastdata <= 0 {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	limit := f.def.WriteLastdataCnt
	var out []Refreshed

	for _, mac := range f.sortedMACs() {
		st := f.states[mac]
		if now.Sub(st.baseline) <= f.lastdata {
			continue
		}

		if limit > 0 && st.refreshes >= limit {
			delete(f.states, mac)
			f.logger.Info("Lastdata limit reached, device state dropped", "mac", mac, "limit", limit)
			continue
		}

		reading := st.last.Clone()
		reading.Time = now.UTC()
		reason := ReasonLastdata + ":" + strconv.Itoa(st.refreshes)

		out = append(out, Refreshed{
			MAC:     mac,
			Reading: reading,
			Decision: Decision{
				Forward:  true,
				Reason:   reason,
				Count:    st.forwards,
				Interval: interval(st.baseline, now),
			},
		})

		st.baseline = st.baseline.Add(f.lastdata)
		st.refreshes++
		st.forwards++
		st.reason = reason
	}

	return out
}

// Len returns the number of tracked devices.
func (f *Filter) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.states)
}

// Forget drops the state of mac.
func (f *Filter) Forget(mac string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, mac)
}

// DeviceSnapshot is a copy of one device state.
type DeviceSnapshot struct {
	Measurement string             `json:"measurement"`
	MAC         string             `json:"mac"`
	Name        string             `json:"name,omitempty"`
	Baseline    time.Time          `json:"baseline"`
	Reason      string             `json:"reason"`
	Forwards    int                `json:"forwards"`
	Refreshes   int                `json:"refreshes"`
	Anomalies   int                `json:"anomalies"`
	Values      map[string]float64 `json:"values"`
}

// Snapshot returns the state of every tracked device ordered by mac.
func (f *Filter) Snapshot() []DeviceSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]DeviceSnapshot, 0, len(f.states))
	for _, mac := range f.sortedMACs() {
		st := f.states[mac]
		out = append(out, DeviceSnapshot{
			Measurement: f.def.Name,
			MAC:         mac,
			Name:        st.last.Name,
			Baseline:    st.baseline,
			Reason:      st.reason,
			Forwards:    st.forwards,
			Refreshes:   st.refreshes,
			Anomalies:   st.anomalies,
			Values:      st.last.Values(),
		})
	}
	return out
}

func (f *Filter) sortedMACs() []string {
	macs := make([]string, 0, len(f.states))
	for mac := range f.states {
		macs = append(macs, mac)
	}
	sort.Strings(macs)
	return macs
}

// change returns |new-old| for field when both readings carry it.
func change(old, cur *message.Reading, field string) (float64, bool) {
	o, ok := old.Get(field)
	if !ok {
		return 0, false
	}
	n, ok := cur.Get(field)
	if !ok {
		return 0, false
	}
	return math.Abs(n - o), true
}

func interval(prev, now time.Time) time.Duration {
	if prev.IsZero() || !prev.Before(now) {
		return 0
	}
	return now.Sub(prev)
}
