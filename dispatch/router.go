package dispatch

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
)

// Router fans items out to the sink queues named by a measurement.
type Router struct {
	mu      sync.RWMutex
	queues  map[string]*Queue
	metrics *metric.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRouter creates an empty router. registry may be nil.
func NewRouter(registry *metric.MetricsRegistry, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		queues: make(map[string]*Queue),
		logger: logger.With("component", "router"),
		now:    time.Now,
	}
	if registry != nil {
		r.metrics = registry.Metrics
	}
	return r
}

// Add registers q under its sink name, replacing any previous queue.
func (r *Router) Add(q *Queue) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues[q.Name()] = q
}

// Queue returns the queue registered for sink name.
func (r *Router) Queue(name string) (*Queue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	q, ok := r.queues[name]
	return q, ok
}

// Names returns the registered sink names in sorted order.
func (r *Router) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.queues))
	for name := range r.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch puts a copy of item on every queue listed in def.Output, in order. A full queue
// evicts its oldest entry and never fails the dispatch. An unknown sink or a closed queue
// aborts the remaining targets; the error is logged and returned.
func (r *Router) Dispatch(def config.Measurement, item *message.Item) error {
	if item.Enqueued.IsZero() {
		item.Enqueued = r.now()
	}

	for _, name := range def.Output {
		q, ok := r.Queue(name)
		if !ok {
			return r.abort(def, item, name, ErrUnknownSink)
		}
		if err := q.TryPut(item.Copy()); err != nil {
			return r.abort(def, item, name, err)
		}
	}
	return nil
}

func (r *Router) abort(def config.Measurement, item *message.Item, sink string, cause error) error {
	if r.metrics != nil {
		r.metrics.DispatchErrors.WithLabelValues(sink).Inc()
	}
	r.logger.Error("Dispatch aborted",
		"measurement", def.Name,
		"job_id", item.JobID,
		"sink", sink,
		"error", cause)

	err := fmt.Errorf("%w: %s", cause, sink)
	if stderrors.Is(cause, ErrUnknownSink) {
		return errors.WrapInvalid(err, "Router", "Dispatch", "resolve sink")
	}
	return errors.Wrap(err, "Router", "Dispatch", "enqueue item")
}

// Close closes every registered queue.
func (r *Router) Close() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, q := range r.queues {
		_ = q.Close()
	}
}
