package testutil

import (
	"context"
	"sync"

	"github.com/c360/ruuvigw/message"
)

// RecordingSink is an in-memory sink that keeps every published item. The hooks, when set,
// replace the default behaviour of each call. It is safe for concurrent use.
type RecordingSink struct {
	SinkName string

	ConnectFunc func(ctx context.Context) error
	PublishFunc func(ctx context.Context, item *message.Item) error

	mu        sync.Mutex
	items     []*message.Item
	connects  int
	connected bool
	closed    bool
}

// NewRecordingSink creates a sink that accepts everything.
func NewRecordingSink(name string) *RecordingSink {
	return &RecordingSink{SinkName: name}
}

// Name returns the sink name
func (s *RecordingSink) Name() string { return s.SinkName }

// Connect marks the sink connected unless ConnectFunc fails.
func (s *RecordingSink) Connect(ctx context.Context) error {
	if s.ConnectFunc != nil {
		if err := s.ConnectFunc(ctx); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connects++
	s.connected = true
	s.closed = false
	return nil
}

// Publish records item unless PublishFunc fails.
func (s *RecordingSink) Publish(ctx context.Context, item *message.Item) error {
	if s.PublishFunc != nil {
		if err := s.PublishFunc(ctx, item); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, item)
	return nil
}

// Ping always succeeds.
func (s *RecordingSink) Ping(context.Context) error { return nil }

// Close marks the sink closed.
func (s *RecordingSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.closed = true
	return nil
}

// Items returns a copy of the published items in order.
func (s *RecordingSink) Items() []*message.Item {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*message.Item(nil), s.items...)
}

// Connects returns how many times Connect succeeded.
func (s *RecordingSink) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Closed reports whether Close was called after the last Connect.
func (s *RecordingSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
