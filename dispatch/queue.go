package dispatch

import (
	"context"
	stderrors "errors"
	"log/slog"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/pkg/buffer"
)

// Queue errors
var (
	// ErrQueueFull is handled inside TryPut by evicting the oldest item and never returned.
	ErrQueueFull = buffer.ErrFull
	// ErrQueueClosed is returned once the queue has been torn down.
	ErrQueueClosed = buffer.ErrClosed
	// ErrUnknownSink is returned when a measurement names a sink without a queue.
	ErrUnknownSink = stderrors.New("unknown sink")
	// ErrWorkerRunning is returned by a second concurrent Run.
	ErrWorkerRunning = stderrors.New("worker already running")
)

// Queue is a bounded FIFO of items for one sink with drop-oldest backpressure.
type Queue struct {
	name   string
	buf    buffer.Buffer[*message.Item]
	logger *slog.Logger
}

// NewQueue creates the queue for sink name. registry may be nil.
func NewQueue(name string, size int, registry *metric.MetricsRegistry, logger *slog.Logger) (*Queue, error) {
	if size <= 0 {
		size = config.DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	q := &Queue{
		name:   name,
		logger: logger.With("component", "queue", "sink", name),
	}

	opts := []buffer.Option[*message.Item]{
		buffer.WithOverflowPolicy[*message.Item](buffer.DropOldest),
		buffer.WithDropCallback(func(item *message.Item) {
			q.logger.Debug("Queue full, oldest item dropped",
				"job_id", item.JobID, "mac", item.MAC(), "resend", item.Resend)
		}),
	}
	if registry != nil {
		opts = append(opts, buffer.WithMetrics[*message.Item](registry, name))
	}

	buf, err := buffer.NewRing(size, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Queue", "NewQueue", "create buffer")
	}
	q.buf = buf
	return q, nil
}

// Name returns the sink name.
func (q *Queue) Name() string { return q.name }

// TryPut enqueues item without blocking. When the queue is full the oldest item is
// evicted; the new item is always queued unless the queue is closed.
func (q *Queue) TryPut(item *message.Item) error {
	err := q.buf.TryPut(item)
	if stderrors.Is(err, ErrQueueFull) {
		// eviction loop exhausted; the item is lost like any evicted one
		q.logger.Warn("Queue overflow, item dropped", "job_id", item.JobID)
		return nil
	}
	return err
}

// Get blocks until an item is available, ctx is done or the queue is closed and drained.
func (q *Queue) Get(ctx context.Context) (*message.Item, error) {
	return q.buf.Get(ctx)
}

// Poll removes the oldest item without blocking.
func (q *Queue) Poll() (*message.Item, bool) {
	return q.buf.Poll()
}

// Len returns the number of queued items.
func (q *Queue) Len() int { return q.buf.Len() }

// Cap returns the queue capacity.
func (q *Queue) Cap() int { return q.buf.Cap() }

// Stats returns the queue statistics.
func (q *Queue) Stats() buffer.StatsSummary { return q.buf.Stats().Summary() }

// Close tears the queue down. Pending items are still returned by Get.
func (q *Queue) Close() error { return q.buf.Close() }
