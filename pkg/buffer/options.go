package buffer

import (
	"github.com/c360/ruuvigw/metric"
)

// Option configures a ring in NewRing.
type Option[T any] func(*settings[T])

// settings defaults to DropOldest with no callback and no metrics.
type settings[T any] struct {
	policy   OverflowPolicy
	onDrop   DropCallback[T]
	registry *metric.MetricsRegistry
	name     string
}

// WithOverflowPolicy picks which item is discarded when the ring is full.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(s *settings[T]) { s.policy = policy }
}

// WithMetrics registers queue metrics labelled with name. A nil registry or empty name
// leaves the ring unmetered.
func WithMetrics[T any](registry *metric.MetricsRegistry, name string) Option[T] {
	return func(s *settings[T]) {
		if registry == nil || name == "" {
			return
		}
		s.registry, s.name = registry, name
	}
}

// WithDropCallback is called, outside the ring lock, with every discarded item.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(s *settings[T]) { s.onDrop = callback }
}

func applyOptions[T any](options ...Option[T]) *settings[T] {
	s := &settings[T]{policy: DropOldest}
	for _, opt := range options {
		if opt != nil {
			opt(s)
		}
	}
	return s
}
