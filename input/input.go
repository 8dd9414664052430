// Package input defines the frame source contract and builds sources from configuration.
package input

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/input/mqtt"
	"github.com/c360/ruuvigw/input/nats"
	"github.com/c360/ruuvigw/input/replay"
	"github.com/c360/ruuvigw/input/udp"
	"github.com/c360/ruuvigw/input/websocket"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
)

// FrameHandler is the entry point for captured frames.
type FrameHandler = message.FrameHandler

// Source captures advertisement frames and hands them to a FrameHandler.
type Source interface {
	Name() string
	// Start runs the source until ctx is done. It returns early only on a setup failure.
	Start(ctx context.Context, handle FrameHandler) error
}

// Source types
const (
	TypeUDP       = "udp"
	TypeMQTT      = "mqtt"
	TypeReplay    = "replay"
	TypeNATS      = "nats"
	TypeWebSocket = "websocket"
)

// Types lists the supported source types.
func Types() []string {
	return []string{TypeMQTT, TypeNATS, TypeReplay, TypeUDP, TypeWebSocket}
}

// Deps holds the runtime dependencies shared by all sources.
type Deps struct {
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// New builds the source described by cfg.
func New(cfg config.SourceConfig, deps Deps) (Source, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "source", "source", cfg.Name, "type", cfg.Type)

	var (
		src Source
		err error
	)
	switch cfg.Type {
	case TypeUDP:
		src, err = udp.Create(cfg.Name, cfg.Options, deps.MetricsRegistry, logger)
	case TypeMQTT:
		src, err = mqtt.Create(cfg.Name, cfg.Options, deps.MetricsRegistry, logger)
	case TypeReplay:
		src, err = replay.Create(cfg.Name, cfg.Options, deps.MetricsRegistry, logger)
	case TypeNATS:
		src, err = nats.Create(cfg.Name, cfg.Options, deps.MetricsRegistry, logger)
	case TypeWebSocket:
		src, err = websocket.Create(cfg.Name, cfg.Options, deps.MetricsRegistry, logger)
	default:
		return nil, errors.WrapFatal(fmt.Errorf("unknown source type %q", cfg.Type), "input", "New", "select source")
	}
	if err != nil {
		return nil, errors.Wrap(err, "input", "New", fmt.Sprintf("create %s source %s", cfg.Type, cfg.Name))
	}
	return src, nil
}
