package buffer

import (
	"context"
	"sync"

	"github.com/c360/ruuvigw/errors"
)

type ring[T any] struct {
	mu       sync.Mutex
	items    []T
	capacity int
	size     int
	head     int // next write position
	tail     int // next read position
	closed   bool

	// signalled on every put and on close; capacity 1 so puts never block
	ready chan struct{}

	stats   *Statistics
	metrics *bufferMetrics
	opts    *settings[T]
}

func newRing[T any](capacity int, opts *settings[T]) (*ring[T], error) {
	if capacity <= 0 {
		capacity = 1
	}

	var metrics *bufferMetrics
	if opts.registry != nil {
		var err error
		metrics, err = newBufferMetrics(opts.registry, opts.name)
		if err != nil {
			return nil, errors.WrapTransient(err, "buffer", "newRing", "metrics registration")
		}
	}

	return &ring[T]{
		items:    make([]T, capacity),
		capacity: capacity,
		ready:    make(chan struct{}, 1),
		stats:    NewStatistics(),
		metrics:  metrics,
		opts:     opts,
	}, nil
}

func (r *ring[T]) TryPut(item T) error {
	var dropped []T
	defer func() {
		if r.opts.onDrop != nil {
			for _, d := range dropped {
				r.opts.onDrop(d)
			}
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Each pass either stores the item or evicts one entry, so capacity+1 passes suffice.
	for attempt := 0; attempt <= r.capacity; attempt++ {
		if r.closed {
			return ErrClosed
		}

		if r.size < r.capacity {
			r.items[r.head] = item
			r.head = (r.head + 1) % r.capacity
			r.size++

			r.stats.Write()
			r.stats.UpdateSize(int64(r.size))
			r.metrics.recordWrite(r.size, r.capacity)
			r.signal()
			return nil
		}

		r.stats.Overflow()
		r.metrics.recordOverflow()

		if r.opts.policy == DropNewest {
			r.stats.Drop()
			r.metrics.recordDrop()
			dropped = append(dropped, item)
			return ErrFull
		}

		oldest, _ := r.pop()
		r.stats.Drop()
		r.metrics.recordDrop()
		dropped = append(dropped, oldest)
	}

	return ErrFull
}

// pop removes the tail item. Caller holds mu.
func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}

	item := r.items[r.tail]
	r.items[r.tail] = zero
	r.tail = (r.tail + 1) % r.capacity
	r.size--
	return item, true
}

func (r *ring[T]) signal() {
	select {
	case r.ready <- struct{}{}:
	default:
	}
}

func (r *ring[T]) Poll() (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	item, ok := r.pop()
	if ok {
		r.stats.Read()
		r.stats.UpdateSize(int64(r.size))
		r.metrics.recordRead(r.size, r.capacity)
	}
	return item, ok
}

func (r *ring[T]) Get(ctx context.Context) (T, error) {
	var zero T
	for {
		r.mu.Lock()
		if item, ok := r.pop(); ok {
			r.stats.Read()
			r.stats.UpdateSize(int64(r.size))
			r.metrics.recordRead(r.size, r.capacity)
			r.mu.Unlock()
			return item, nil
		}
		closed := r.closed
		r.mu.Unlock()

		if closed {
			return zero, ErrClosed
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-r.ready:
		}
	}
}

func (r *ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *ring[T]) Cap() int {
	return r.capacity
}

func (r *ring[T]) Clear() {
	r.mu.Lock()
	var dropped []T
	for {
		item, ok := r.pop()
		if !ok {
			break
		}
		dropped = append(dropped, item)
	}
	r.head, r.tail = 0, 0
	r.stats.UpdateSize(0)
	r.metrics.updateSize(0, r.capacity)
	r.mu.Unlock()

	if r.opts.onDrop != nil {
		for _, item := range dropped {
			r.opts.onDrop(item)
		}
	}
}

func (r *ring[T]) Stats() *Statistics {
	return r.stats
}

// Close wakes any waiting consumer. Items still queued remain readable.
func (r *ring[T]) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true
	close(r.ready)
	return nil
}
