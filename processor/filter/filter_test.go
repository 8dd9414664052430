package filter

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/message"
)

const mac = "D6:A9:11:22:33:44"

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func measurement() config.Measurement {
	m := config.NewMeasurement("test")
	m.Delta = map[string]float64{}
	m.MaxDelta = map[string]config.MaxDelta{}
	m.MaxInterval = config.Duration(60 * time.Second)
	return m
}

func temp(v float64) *message.Reading {
	r := message.NewReading(5, mac, t0)
	r.Set(message.FieldTemperature, v)
	return r
}

func TestEvaluate_FirstIsForwarded(t *testing.T) {
	f := New(measurement(), nil)

	d := f.Evaluate(temp(20), t0)
	assert.Equal(t, Decision{Forward: true, Reason: ReasonFirst}, d)
	assert.Equal(t, 1, f.Len())

	// another device is independent
	other := message.NewReading(5, "AA:BB:CC:DD:EE:FF", t0)
	assert.Equal(t, ReasonFirst, f.Evaluate(other, t0).Reason)
}

func TestEvaluate_MaxIntervalIgnoresDelta(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldTemperature: 0.5}
	f := New(m, nil)

	require.True(t, f.Evaluate(temp(20), t0).Forward)

	d := f.Evaluate(temp(20), t0.Add(30*time.Second))
	assert.False(t, d.Forward)

	d = f.Evaluate(temp(20), t0.Add(61*time.Second))
	assert.True(t, d.Forward)
	assert.Equal(t, ReasonMaxInterval, d.Reason)
	assert.Equal(t, 1, d.Count)
	assert.Equal(t, 61*time.Second, d.Interval)
}

func TestEvaluate_MaxIntervalKeepsCadence(t *testing.T) {
	f := New(measurement(), nil)
	f.Evaluate(temp(20), t0)

	// baseline advances by exactly max_interval
	f.Evaluate(temp(20), t0.Add(70*time.Second))
	assert.Equal(t, t0.Add(60*time.Second), f.Snapshot()[0].Baseline)

	// next forced refresh is due relative to the advanced baseline
	d := f.Evaluate(temp(20), t0.Add(121*time.Second))
	assert.Equal(t, ReasonMaxInterval, d.Reason)
	assert.Equal(t, t0.Add(120*time.Second), f.Snapshot()[0].Baseline)

	// silent for more than two intervals: clamp to now
	late := t0.Add(10 * time.Minute)
	d = f.Evaluate(temp(20), late)
	assert.Equal(t, ReasonMaxInterval, d.Reason)
	assert.Equal(t, late, f.Snapshot()[0].Baseline)
}

func TestEvaluate_Delta(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldTemperature: 0.5}
	f := New(m, nil)
	f.Evaluate(temp(20), t0)

	d := f.Evaluate(temp(20.4), t0.Add(time.Second))
	assert.False(t, d.Forward)
	assert.Equal(t, ReasonDelta, d.Reason)

	d = f.Evaluate(temp(20.6), t0.Add(2*time.Second))
	assert.True(t, d.Forward)
	assert.Equal(t, message.FieldTemperature, d.Reason)
	assert.Equal(t, 2*time.Second, d.Interval)
	assert.Equal(t, 1, d.Count)
}

func TestEvaluate_ReasonIsLastDeltaField(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldTemperature: 0.5, message.FieldHumidity: 1}
	f := New(m, nil)

	r := temp(20)
	r.Set(message.FieldHumidity, 40)
	f.Evaluate(r, t0)

	// humidity alone is not enough while temperature stays below its delta
	r = temp(20.1)
	r.Set(message.FieldHumidity, 45)
	d := f.Evaluate(r, t0.Add(time.Second))
	assert.False(t, d.Forward, "temperature change below delta suppresses")

	r = temp(21)
	r.Set(message.FieldHumidity, 45)
	d = f.Evaluate(r, t0.Add(2*time.Second))
	assert.True(t, d.Forward)
	assert.Equal(t, message.FieldTemperature, d.Reason)
}

func TestEvaluate_NoDeltaForwardsAsUpdate(t *testing.T) {
	f := New(measurement(), nil)
	f.Evaluate(temp(20), t0)

	d := f.Evaluate(temp(20), t0.Add(time.Second))
	assert.True(t, d.Forward)
	assert.Equal(t, ReasonUpdate, d.Reason)
}

func TestEvaluate_AbsentValuesAreNotCompared(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldHumidity: 1}
	m.MaxDelta = map[string]config.MaxDelta{message.FieldHumidity: {MaxChange: 5, MaxCount: 3}}
	f := New(m, nil)

	f.Evaluate(temp(20), t0)
	r := temp(20)
	r.Set(message.FieldHumidity, 80)
	d := f.Evaluate(r, t0.Add(time.Second))
	assert.True(t, d.Forward, "absent old value neither suppresses nor counts as anomaly")

	zero := temp(20)
	zero.Set(message.FieldHumidity, 0)
	d = f.Evaluate(zero, t0.Add(2*time.Second))
	assert.False(t, d.Forward, "zero is a value: 80 -> 0 is an anomaly")
	assert.Equal(t, ReasonMaxDelta, d.Reason)
}

func TestEvaluate_MaxDeltaSequence(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldTemperature: 0.5}
	m.MaxDelta = map[string]config.MaxDelta{message.FieldTemperature: {MaxChange: 5, MaxCount: 2}}
	f := New(m, nil)

	require.Equal(t, ReasonFirst, f.Evaluate(temp(20), t0).Reason)

	d := f.Evaluate(temp(30), t0.Add(time.Second))
	assert.Equal(t, Decision{Reason: ReasonMaxDelta}, d)
	d = f.Evaluate(temp(40), t0.Add(2*time.Second))
	assert.Equal(t, Decision{Reason: ReasonMaxDelta}, d)

	snap := f.Snapshot()[0]
	assert.Equal(t, 2, snap.Anomalies)
	assert.Equal(t, 40.0, snap.Values[message.FieldTemperature], "anomalous value becomes the comparison base")
	assert.Equal(t, t0, snap.Baseline, "suppression leaves the baseline untouched")

	// maxcount used up: ordinary delta logic against the stored anomalous value
	d = f.Evaluate(temp(50), t0.Add(3*time.Second))
	assert.True(t, d.Forward)
	assert.Equal(t, message.FieldTemperature, d.Reason)
	assert.Zero(t, f.Snapshot()[0].Anomalies)

	// and a small change after that is suppressed by delta
	d = f.Evaluate(temp(50.2), t0.Add(4*time.Second))
	assert.Equal(t, Decision{Reason: ReasonDelta}, d)
}

func TestEvaluate_MaxDeltaDisabledByZero(t *testing.T) {
	m := measurement()
	m.MaxDelta = map[string]config.MaxDelta{message.FieldTemperature: {MaxChange: 5, MaxCount: 0}}
	f := New(m, nil)
	f.Evaluate(temp(20), t0)

	assert.True(t, f.Evaluate(temp(40), t0.Add(time.Second)).Forward)
}

func TestRefresh(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldTemperature: 0.5}
	m.WriteLastdataInt = config.Duration(30 * time.Second) // raised to 70s
	m.WriteLastdataCnt = 2
	m.MaxInterval = config.Duration(60 * time.Second)
	f := New(m, nil)

	f.Evaluate(temp(20), t0)

	assert.Empty(t, f.Refresh(t0.Add(70*time.Second)))

	out := f.Refresh(t0.Add(71 * time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, mac, out[0].MAC)
	assert.Equal(t, "lastdata:0", out[0].Decision.Reason)
	assert.Equal(t, 1, out[0].Decision.Count)
	assert.Equal(t, 71*time.Second, out[0].Decision.Interval)
	assert.Equal(t, t0.Add(71*time.Second), out[0].Reading.Time)
	v, _ := out[0].Reading.Get(message.FieldTemperature)
	assert.Equal(t, 20.0, v)

	out = f.Refresh(t0.Add(142 * time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, "lastdata:1", out[0].Decision.Reason)

	// budget used up: state is dropped on the next due tick
	assert.Empty(t, f.Refresh(t0.Add(213*time.Second)))
	assert.Zero(t, f.Len())
	assert.Equal(t, ReasonFirst, f.Evaluate(temp(20), t0.Add(214*time.Second)).Reason)
}

func TestRefresh_ResetByForward(t *testing.T) {
	m := measurement()
	m.Delta = map[string]float64{message.FieldTemperature: 0.5}
	m.WriteLastdataInt = config.Duration(80 * time.Second)
	m.WriteLastdataCnt = 1
	f := New(m, nil)

	f.Evaluate(temp(20), t0)
	require.Len(t, f.Refresh(t0.Add(81*time.Second)), 1)

	// a real forward resets the refresh budget
	require.True(t, f.Evaluate(temp(25), t0.Add(90*time.Second)).Forward)
	out := f.Refresh(t0.Add(171 * time.Second))
	require.Len(t, out, 1)
	assert.Equal(t, "lastdata:0", out[0].Decision.Reason)
}

func TestRefresh_Disabled(t *testing.T) {
	f := New(measurement(), nil)
	f.Evaluate(temp(20), t0)
	assert.Nil(t, f.Refresh(t0.Add(24*time.Hour)))
	assert.Equal(t, "test_lastdata", LastdataJobID("test"))
}

func TestRefresh_UnlimitedCount(t *testing.T) {
	m := measurement()
	m.WriteLastdataInt = config.Duration(100 * time.Second)
	m.WriteLastdataCnt = 0
	f := New(m, nil)
	f.Evaluate(temp(20), t0)

	for i := 1; i <= 50; i++ {
		out := f.Refresh(t0.Add(time.Duration(i)*100*time.Second + time.Second))
		require.Len(t, out, 1, "tick %d", i)
	}
	assert.Equal(t, 1, f.Len())
}

func TestFilter_ConcurrentEvaluateAndRefresh(t *testing.T) {
	m := measurement()
	m.WriteLastdataInt = config.Duration(time.Second)
	f := New(m, nil)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r := temp(float64(i))
				r.MAC = []string{mac, "AA:BB:CC:DD:EE:FF"}[g%2]
				f.Evaluate(r, t0.Add(time.Duration(i)*time.Second))
			}
		}(g)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			f.Refresh(t0.Add(time.Duration(i) * time.Minute))
			_ = f.Snapshot()
		}
	}()
	wg.Wait()

	assert.LessOrEqual(t, f.Len(), 2)
}
