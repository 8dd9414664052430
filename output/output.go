// Package output builds dispatch sinks from configuration.
package output

import (
	"fmt"
	"log/slog"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/dispatch"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/output/file"
	"github.com/c360/ruuvigw/output/httppost"
	"github.com/c360/ruuvigw/output/influx"
	"github.com/c360/ruuvigw/output/kafka"
	"github.com/c360/ruuvigw/output/mqtt"
	"github.com/c360/ruuvigw/output/nats"
	"github.com/c360/ruuvigw/output/sqlite"
	"github.com/c360/ruuvigw/output/websocket"
)

// Sink types
const (
	TypeInflux    = "influx"
	TypeMQTT      = "mqtt"
	TypeNATS      = "nats"
	TypeKafka     = "kafka"
	TypeFile      = "file"
	TypeSQLite    = "sqlite"
	TypeWebhook   = "webhook"
	TypeWebsocket = "websocket"
)

// Types lists the supported sink types.
func Types() []string {
	return []string{TypeFile, TypeInflux, TypeKafka, TypeMQTT, TypeNATS, TypeSQLite, TypeWebhook, TypeWebsocket}
}

// Deps holds the runtime dependencies shared by all sinks.
type Deps struct {
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
	Version         string
}

// New builds the sink described by cfg. The sink is not connected.
func New(cfg config.SinkConfig, deps Deps) (dispatch.Sink, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "sink", "sink", cfg.Name, "type", cfg.Type)

	var (
		sink dispatch.Sink
		err  error
	)
	switch cfg.Type {
	case TypeInflux:
		sink, err = influx.Create(cfg.Name, cfg.Options, logger)
	case TypeMQTT:
		sink, err = mqtt.Create(cfg.Name, cfg.Options, mqtt.Deps{Logger: logger, Version: deps.Version})
	case TypeNATS:
		sink, err = nats.Create(cfg.Name, cfg.Options, logger)
	case TypeKafka:
		sink, err = kafka.Create(cfg.Name, cfg.Options, logger)
	case TypeFile:
		sink, err = file.Create(cfg.Name, cfg.Options, logger)
	case TypeSQLite:
		sink, err = sqlite.Create(cfg.Name, cfg.Options, logger)
	case TypeWebhook:
		sink, err = httppost.Create(cfg.Name, cfg.Options, logger)
	case TypeWebsocket:
		sink, err = websocket.Create(cfg.Name, cfg.Options, deps.MetricsRegistry, logger)
	default:
		return nil, errors.WrapFatal(fmt.Errorf("unknown sink type %q", cfg.Type), "output", "New", "select sink")
	}
	if err != nil {
		return nil, errors.Wrap(err, "output", "New", fmt.Sprintf("create %s sink %s", cfg.Type, cfg.Name))
	}
	return sink, nil
}
