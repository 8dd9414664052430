package testutil

import (
	"context"

	"github.com/c360/ruuvigw/message"
)

// StaticSource hands a fixed list of frames to the handler and then waits for ctx,
// or returns at once when Finite is set.
type StaticSource struct {
	SourceName string
	Frames     []message.Frame
	Finite     bool
}

// Name returns the source name
func (s *StaticSource) Name() string { return s.SourceName }

// Start emits every frame in order and blocks until ctx is done unless the source is finite.
func (s *StaticSource) Start(ctx context.Context, handle message.FrameHandler) error {
	for _, f := range s.Frames {
		handle(ctx, f)
	}
	if s.Finite {
		return nil
	}
	<-ctx.Done()
	return nil
}
