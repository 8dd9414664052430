// Package replay feeds frames from a capture file, one JSON packet or CSV line per line.
//
// Frames keep their recorded receive time unless retime is set, so change filter decisions
// are reproducible. With speed > 0 the gaps between recorded times are replayed scaled by
// 1/speed; with speed 0 the file is read as fast as the handler accepts frames.
package replay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/input/adv"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
)

// maxLineSize bounds one capture line.
const maxLineSize = 64 * 1024

// Config holds the replay source options
type Config struct {
	Path   string  `json:"path"`
	Speed  float64 `json:"speed"`
	Loop   bool    `json:"loop"`
	Retime bool    `json:"retime"`
}

// Validate checks the options
func (c *Config) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("path is required")
	}
	if c.Speed < 0 {
		return fmt.Errorf("speed must not be negative")
	}
	return nil
}

// Input replays a capture file
type Input struct {
	name   string
	cfg    Config
	logger *slog.Logger
	core   *metric.Metrics

	frames      atomic.Int64
	parseErrors atomic.Int64

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// Create builds a replay source from its raw options.
func Create(name string, raw json.RawMessage, registry *metric.MetricsRegistry, logger *slog.Logger) (*Input, error) {
	var cfg Config
	if err := config.SafeUnmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrap(err, "replay-input", "Create", "parse options")
	}
	if logger == nil {
		logger = slog.Default()
	}
	in := &Input{
		name:   name,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}
	if registry != nil {
		in.core = registry.Metrics
	}
	return in, nil
}

// Name returns the source name
func (in *Input) Name() string { return in.name }

// Frames returns the number of frames handed to the handler.
func (in *Input) Frames() int64 { return in.frames.Load() }

// Start replays the file, repeating it when loop is set, until ctx is done.
func (in *Input) Start(ctx context.Context, handle message.FrameHandler) error {
	for pass := 1; ; pass++ {
		f, err := os.Open(in.cfg.Path)
		if err != nil {
			return errors.WrapFatal(err, "replay-input", "Start", "open capture file")
		}
		err = in.replay(ctx, f, handle)
		_ = f.Close()
		if err != nil {
			return err
		}

		in.logger.Info("Replay pass finished", "pass", pass, "frames", in.frames.Load())
		if !in.cfg.Loop || ctx.Err() != nil {
			return nil
		}
	}
}

func (in *Input) replay(ctx context.Context, r io.Reader, handle message.FrameHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxLineSize)

	var prev time.Time
	line := 0
	for scanner.Scan() {
		line++
		if ctx.Err() != nil {
			return nil
		}

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		// lines without a recorded time come back with a zero time
		frame, err := adv.ParseDatagram([]byte(text), time.Time{})
		if err != nil {
			in.parseErrors.Add(1)
			if in.core != nil {
				in.core.FramesDropped.WithLabelValues(adv.DropReason(err)).Inc()
			}
			in.logger.Debug("Skipping unparsable line", "line", line, "error", err)
			continue
		}

		recorded := !frame.Received.IsZero()
		if recorded {
			if in.cfg.Speed > 0 && !prev.IsZero() && frame.Received.After(prev) {
				gap := time.Duration(float64(frame.Received.Sub(prev)) / in.cfg.Speed)
				if err := in.sleep(ctx, gap); err != nil {
					return nil
				}
			}
			prev = frame.Received
		}
		if !recorded || in.cfg.Retime {
			frame.Received = in.now()
		}

		in.frames.Add(1)
		if in.core != nil {
			in.core.FramesReceived.WithLabelValues(in.name).Inc()
		}
		handle(ctx, frame)
	}

	if err := scanner.Err(); err != nil {
		return errors.WrapInvalid(err, "replay-input", "replay", fmt.Sprintf("read line %d", line+1))
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
