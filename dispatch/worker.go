package dispatch

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/health"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
)

// Worker drains one queue into one sink.
type Worker struct {
	sink   Sink
	queue  *Queue
	retry  errors.RetryConfig
	logger *slog.Logger

	metrics *metric.Metrics
	health  *health.Monitor

	mu        sync.Mutex
	connected bool
	// signalled when the sink becomes connected; capacity 1
	wake chan struct{}

	lifecycleMu sync.Mutex
	running     bool

	published int64
	failed    int64
	resent    int64
	discarded int64
}

// WorkerStats is a snapshot of the worker counters.
type WorkerStats struct {
	Sink      string `json:"sink"`
	Connected bool   `json:"connected"`
	Queued    int    `json:"queued"`
	Published int64  `json:"published"`
	Failed    int64  `json:"failed"`
	Resent    int64  `json:"resent"`
	Discarded int64  `json:"discarded"`
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMetricsRegistry records publish outcomes and connection state.
func WithMetricsRegistry(registry *metric.MetricsRegistry) WorkerOption {
	return func(w *Worker) {
		if registry != nil {
			w.metrics = registry.Metrics
		}
	}
}

// WithHealthMonitor reports the sink state under the sink name.
func WithHealthMonitor(monitor *health.Monitor) WorkerOption {
	return func(w *Worker) {
		w.health = monitor
	}
}

// WithRetry sets the retry policy used for each connect attempt.
func WithRetry(rc errors.RetryConfig) WorkerOption {
	return func(w *Worker) {
		w.retry = rc
	}
}

// NewWorker creates a worker for sink reading from queue. The sink starts disconnected.
func NewWorker(sink Sink, queue *Queue, opts ...WorkerOption) *Worker {
	w := &Worker{
		sink:   sink,
		queue:  queue,
		retry:  errors.DefaultRetryConfig(),
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "sink", sink.Name())
	w.report(false, "not connected")
	return w
}

// Name returns the sink name.
func (w *Worker) Name() string { return w.sink.Name() }

// Connected reports the last known sink state.
func (w *Worker) Connected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

// Stats returns the worker counters.
func (w *Worker) Stats() WorkerStats {
	return WorkerStats{
		Sink:      w.sink.Name(),
		Connected: w.Connected(),
		Queued:    w.queue.Len(),
		Published: atomic.LoadInt64(&w.published),
		Failed:    atomic.LoadInt64(&w.failed),
		Resent:    atomic.LoadInt64(&w.resent),
		Discarded: atomic.LoadInt64(&w.discarded),
	}
}

// Run consumes the queue until ctx is done or the queue is closed and drained. While the
// sink is disconnected the loop parks without taking items.
func (w *Worker) Run(ctx context.Context) error {
	w.lifecycleMu.Lock()
	if w.running {
		w.lifecycleMu.Unlock()
		return errors.WrapFatal(ErrWorkerRunning, "Worker", "Run", "start consumer")
	}
	w.running = true
	w.lifecycleMu.Unlock()

	defer func() {
		w.lifecycleMu.Lock()
		w.running = false
		w.lifecycleMu.Unlock()
	}()

	w.logger.Info("Worker started")
	defer w.logger.Info("Worker stopped")

	for {
		if err := w.waitConnected(ctx); err != nil {
			return nil
		}

		item, err := w.queue.Get(ctx)
		if err != nil {
			if ctx.Err() != nil || stderrors.Is(err, ErrQueueClosed) {
				return nil
			}
			w.logger.Error("Queue read failed", "error", err)
			continue
		}

		w.publish(ctx, item)
	}
}

func (w *Worker) waitConnected(ctx context.Context) error {
	for {
		if w.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.wake:
		}
	}
}

func (w *Worker) publish(ctx context.Context, item *message.Item) {
	name := w.sink.Name()
	start := time.Now()
	err := w.sink.Publish(ctx, item)
	if w.metrics != nil {
		w.metrics.PublishDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}

	switch {
	case err == nil:
		atomic.AddInt64(&w.published, 1)
		w.count("ok")
		w.logger.Debug("Item published",
			"job_id", item.JobID, "mac", item.MAC(), "resend", item.Resend)

	case ctx.Err() != nil:
		// stopping: the in-flight item is not requeued
		atomic.AddInt64(&w.discarded, 1)
		w.count("cancelled")
		w.logger.Info("Publish interrupted by shutdown, item dropped", "job_id", item.JobID)

	case errors.IsInvalid(err):
		// the item could not be encoded; sending it again would fail the same way
		atomic.AddInt64(&w.discarded, 1)
		w.count("unencodable")
		w.logger.Warn("Item cannot be encoded for sink, dropped",
			"job_id", item.JobID, "mac", item.MAC(), "error", err)

	default:
		atomic.AddInt64(&w.failed, 1)
		if stderrors.Is(err, errors.ErrPublishRejected) {
			w.count("rejected")
		} else {
			w.count("failed")
		}
		w.setConnected(false, err.Error())
		w.logger.Warn("Publish failed, sink marked disconnected",
			"job_id", item.JobID, "mac", item.MAC(), "error", err)
		w.rebuffer(item)
	}
}

func (w *Worker) rebuffer(item *message.Item) {
	item.Resend = true
	if err := w.queue.TryPut(item); err != nil {
		atomic.AddInt64(&w.discarded, 1)
		w.logger.Error("Rebuffer failed, item dropped", "job_id", item.JobID, "error", err)
		return
	}
	atomic.AddInt64(&w.resent, 1)
	if w.metrics != nil {
		w.metrics.Resends.WithLabelValues(w.sink.Name()).Inc()
	}
	w.logger.Debug("Item rebuffered", "job_id", item.JobID, "queued", w.queue.Len())
}

// Reconnect is the supervisor tick. A disconnected sink is connected with the retry policy;
// a connected sink is pinged and marked disconnected when the ping fails.
func (w *Worker) Reconnect(ctx context.Context) error {
	if !w.Connected() {
		err := w.retry.Retry(ctx, func() error {
			return w.sink.Connect(ctx)
		})
		if err != nil {
			w.report(false, err.Error())
			w.logger.Warn("Sink connect failed", "error", err)
			return errors.WrapTransient(err, "Worker", "Reconnect", "connect sink")
		}
		w.setConnected(true, "connected")
		w.logger.Info("Sink connected", "queued", w.queue.Len())
		return nil
	}

	if err := w.sink.Ping(ctx); err != nil {
		w.setConnected(false, err.Error())
		w.logger.Warn("Sink ping failed, marked disconnected", "error", err)
		return errors.WrapTransient(err, "Worker", "Reconnect", "ping sink")
	}
	return nil
}

// Close disconnects the sink. Run is stopped through its context.
func (w *Worker) Close(ctx context.Context) error {
	w.setConnected(false, "closed")
	if err := w.sink.Close(ctx); err != nil {
		return errors.Wrap(err, "Worker", "Close", "close sink")
	}
	return nil
}

func (w *Worker) setConnected(connected bool, msg string) {
	w.mu.Lock()
	w.connected = connected
	w.mu.Unlock()

	if connected {
		select {
		case w.wake <- struct{}{}:
		default:
		}
	}
	w.report(connected, msg)
}

func (w *Worker) report(connected bool, msg string) {
	name := w.sink.Name()
	if w.metrics != nil {
		v := 0.0
		if connected {
			v = 1
		}
		w.metrics.SinkConnected.WithLabelValues(name).Set(v)
	}
	if w.health == nil {
		return
	}
	if connected {
		w.health.UpdateHealthy(name, msg)
	} else {
		w.health.UpdateUnhealthy(name, health.Sanitize(msg))
	}
}

func (w *Worker) count(status string) {
	if w.metrics != nil {
		w.metrics.Published.WithLabelValues(w.sink.Name(), status).Inc()
	}
}
