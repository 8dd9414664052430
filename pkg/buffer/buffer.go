package buffer

import (
	"context"
	"errors"
)

var (
	// ErrFull is returned by TryPut when the buffer is full and the policy is DropNewest.
	ErrFull = errors.New("buffer full")
	// ErrClosed is returned by TryPut and Get once the buffer is closed.
	ErrClosed = errors.New("buffer closed")
)

// Buffer is a bounded FIFO for a single consumer and any number of producers.
type Buffer[T any] interface {
	// TryPut adds item without blocking, applying the overflow policy when full.
	TryPut(item T) error

	// Get removes the oldest item, blocking until one is available.
	Get(ctx context.Context) (T, error)

	// Poll removes the oldest item without blocking.
	Poll() (T, bool)

	Len() int
	Cap() int

	// Clear discards all queued items, invoking the drop callback for each.
	Clear()

	Stats() *Statistics

	Close() error
}

// OverflowPolicy defines what happens when a put finds the buffer full
type OverflowPolicy int

const (
	// DropOldest evicts the oldest item to make room for the new one
	DropOldest OverflowPolicy = iota
	// DropNewest rejects the new item with ErrFull
	DropNewest
)

func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called for every item evicted by the overflow policy or Clear.
type DropCallback[T any] func(item T)

// NewRing creates a ring buffer with the given capacity (minimum 1).
func NewRing[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newRing(capacity, applyOptions(options...))
}
