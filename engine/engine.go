package engine

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/c360/ruuvigw/config"
	"github.com/c360/ruuvigw/dispatch"
	"github.com/c360/ruuvigw/errors"
	"github.com/c360/ruuvigw/health"
	"github.com/c360/ruuvigw/input"
	"github.com/c360/ruuvigw/message"
	"github.com/c360/ruuvigw/metric"
	"github.com/c360/ruuvigw/output"
	"github.com/c360/ruuvigw/processor/decode"
	"github.com/c360/ruuvigw/processor/filter"
	"github.com/c360/ruuvigw/processor/record"
	"github.com/c360/ruuvigw/processor/validate"
	"github.com/c360/ruuvigw/scheduler"
)

// Job ids
const (
	JobLastdata        = "lastdata"
	JobSupervisePrefix = "supervise:"
)

const drainTimeout = 30 * time.Second

const (
	sourceHealthPrefix = "source:"
	decisionForwarded  = "forward"
	decisionSuppressed = "suppress"
	itemKindLive       = "live"
	itemKindLastdata   = "lastdata"
)

type state int

const (
	stateIdle state = iota
	stateRunning
	stateStopped
)

// SourceFactory builds a frame source from its configuration.
type SourceFactory func(config.SourceConfig) (input.Source, error)

// SinkFactory builds a sink from its configuration.
type SinkFactory func(config.SinkConfig) (dispatch.Sink, error)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetricsRegistry enables pipeline and engine metrics.
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(e *Engine) { e.registry = registry }
}

// WithHealthMonitor reports source and sink status to monitor.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(e *Engine) { e.health = monitor }
}

// WithVersion sets the version announced by sinks that publish one.
func WithVersion(version string) Option {
	return func(e *Engine) { e.version = version }
}

// WithSourceFactory replaces input.New.
func WithSourceFactory(f SourceFactory) Option {
	return func(e *Engine) { e.sourceFactory = f }
}

// WithSinkFactory replaces output.New.
func WithSinkFactory(f SinkFactory) Option {
	return func(e *Engine) { e.sinkFactory = f }
}

// WithClock sets the clock used for filter decisions.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs the gateway pipeline for one configuration.
type Engine struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	registry *metric.MetricsRegistry
	core     *metric.Metrics
	metrics  *engineMetrics
	health   *health.Monitor

	decoder   *decode.Decoder
	validator *validate.Validator
	filters   []*filter.Filter
	builder   *record.Builder
	router    *dispatch.Router
	workers   []*dispatch.Worker
	sources   []input.Source
	sched     *scheduler.Scheduler

	policy  *macPolicy
	sampler *sampler
	tags    map[string]string
	now     func() time.Time

	sourceFactory SourceFactory
	sinkFactory   SinkFactory

	mu     sync.Mutex
	state  state
	cancel context.CancelFunc
	done   chan struct{}
	runErr error
}

// New builds every pipeline stage described by cfg. Sinks are created but not connected.
// cfg must be normalized and validated.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		return nil, errors.WrapFatal(errors.ErrInvalidConfig, "Engine", "New", "nil configuration")
	}

	e := &Engine{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	if e.registry != nil {
		e.core = e.registry.Metrics
	}
	if e.sourceFactory == nil {
		e.sourceFactory = func(sc config.SourceConfig) (input.Source, error) {
			return input.New(sc, input.Deps{MetricsRegistry: e.registry, Logger: e.logger})
		}
	}
	if e.sinkFactory == nil {
		e.sinkFactory = func(sc config.SinkConfig) (dispatch.Sink, error) {
			return output.New(sc, output.Deps{MetricsRegistry: e.registry, Logger: e.logger, Version: e.version})
		}
	}

	metrics, err := newEngineMetrics(e.registry)
	if err != nil {
		return nil, errors.WrapFatal(err, "Engine", "New", "register metrics")
	}
	e.metrics = metrics

	hostname := cfg.Gateway.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	e.decoder = decode.New()
	e.validator = validate.New(cfg.Validation, cfg.Calibration)
	e.builder = record.NewBuilder(hostname, cfg.Gateway.Precision)
	e.router = dispatch.NewRouter(e.registry, e.logger)
	e.sched = scheduler.New(e.logger)
	e.policy = newMACPolicy(cfg.Collector, cfg.Tags)
	if e.sampler, err = newSampler(cfg.Collector.SampleInterval.D(), cfg.Collector.MaxTrackedMACs, e.registry); err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "create sampler")
	}
	e.tags = cfg.Tags

	enabled, err := e.buildSinks()
	if err != nil {
		return nil, err
	}
	e.buildFilters(enabled)

	if err := e.buildSources(); err != nil {
		return nil, err
	}

	if e.refreshing() {
		err := e.sched.Add(scheduler.Job{
			ID:         JobLastdata,
			Interval:   cfg.Gateway.LastdataTick.D(),
			StartDelay: cfg.Gateway.LastdataDelay.D(),
			Run:        e.refresh,
		})
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "schedule lastdata job")
		}
	}

	e.metrics.setBlacklisted(len(e.policy.blacklisted()))
	return e, nil
}

func (e *Engine) buildSinks() (map[string]bool, error) {
	enabled := make(map[string]bool, len(e.cfg.Sinks))

	for _, sc := range e.cfg.Sinks {
		if !sc.IsEnabled() {
			e.logger.Info("Sink disabled", "sink", sc.Name, "type", sc.Type)
			continue
		}

		sink, err := e.sinkFactory(sc)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", fmt.Sprintf("create sink %s", sc.Name))
		}

		size := sc.QueueSize
		if size == 0 {
			size = config.DefaultQueueSize
		}
		queue, err := dispatch.NewQueue(sc.Name, size, e.registry, e.logger)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", fmt.Sprintf("create queue %s", sc.Name))
		}
		e.router.Add(queue)

		worker := dispatch.NewWorker(sink, queue,
			dispatch.WithLogger(e.logger),
			dispatch.WithMetricsRegistry(e.registry),
			dispatch.WithHealthMonitor(e.health))
		e.workers = append(e.workers, worker)

		interval := sc.SupervisionInterval.D()
		if interval <= 0 {
			interval = config.DefaultSupervisionInterval
		}
		err = e.sched.Add(scheduler.Job{
			ID:        JobSupervisePrefix + sc.Name,
			Target:    sc.Name,
			Interval:  interval,
			Immediate: true,
			Run: func(ctx context.Context, _ scheduler.JobContext) error {
				return worker.Reconnect(ctx)
			},
		})
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", fmt.Sprintf("schedule supervisor %s", sc.Name))
		}
		enabled[sc.Name] = true
	}
	return enabled, nil
}

// buildFilters creates one filter per measurement. Outputs naming a disabled sink are
// removed so the router never sees them.
func (e *Engine) buildFilters(enabled map[string]bool) {
	for _, m := range e.cfg.Measurements {
		def := m
		def.Output = make([]string, 0, len(m.Output))
		for _, name := range m.Output {
			if enabled[name] {
				def.Output = append(def.Output, name)
				continue
			}
			e.logger.Info("Measurement output skipped, sink disabled", "measurement", m.Name, "sink", name)
		}
		e.filters = append(e.filters, filter.New(def, e.logger))
	}
}

func (e *Engine) buildSources() error {
	for _, sc := range e.cfg.Sources {
		src, err := e.sourceFactory(sc)
		if err != nil {
			return errors.Wrap(err, "Engine", "New", fmt.Sprintf("create source %s", sc.Name))
		}
		e.sources = append(e.sources, src)
	}
	return nil
}

func (e *Engine) refreshing() bool {
	for _, f := range e.filters {
		if f.Measurement().LastdataInterval() > 0 {
			return true
		}
	}
	return false
}

// Start launches the scheduler, one goroutine per worker and one per source. It returns
// once they are running. ctx bounds the lifetime of the whole pipeline.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != stateIdle {
		return errors.WrapFatal(errors.ErrAlreadyStarted, "Engine", "Start", "start pipeline")
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		return e.sched.Run(gctx)
	})
	var workers, sources sync.WaitGroup
	for _, w := range e.workers {
		w := w
		workers.Add(1)
		g.Go(func() error {
			defer workers.Done()
			return w.Run(gctx)
		})
	}
	for _, src := range e.sources {
		src := src
		sources.Add(1)
		g.Go(func() error {
			defer sources.Done()
			e.runSource(gctx, src)
			return nil
		})
	}
	if len(e.sources) > 0 {
		g.Go(func() error {
			e.drainAfterSources(gctx, cancel, &sources, &workers)
			return nil
		})
	}

	e.cancel = cancel
	e.done = make(chan struct{})
	e.state = stateRunning
	go func() {
		e.runErr = g.Wait()
		close(e.done)
	}()

	e.metrics.setRunning(true)
	e.logger.Info("Engine started",
		"sources", len(e.sources),
		"sinks", len(e.workers),
		"measurements", len(e.filters),
		"jobs", e.sched.Jobs())
	return nil
}

// drainAfterSources stops the pipeline once every source has returned on its own. The sink
// queues are closed first so the workers deliver what is still queued, for at most drainTimeout.
func (e *Engine) drainAfterSources(ctx context.Context, cancel context.CancelFunc, sources, workers *sync.WaitGroup) {
	sources.Wait()
	if ctx.Err() != nil {
		return
	}
	e.logger.Info("Every source finished, draining sink queues")
	e.router.Close()

	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
	case <-time.After(drainTimeout):
		e.logger.Warn("Sink queues not drained in time", "timeout", drainTimeout)
	}
	cancel()
}

func (e *Engine) runSource(ctx context.Context, src input.Source) {
	name := sourceHealthPrefix + src.Name()
	if e.health != nil {
		e.health.UpdateHealthy(name, "running")
	}

	err := src.Start(ctx, e.HandleFrame)
	if err != nil && ctx.Err() == nil {
		e.logger.Error("Source failed", "source", src.Name(), "error", err)
		if e.health != nil {
			e.health.UpdateUnhealthy(name, health.Sanitize(err.Error()))
		}
		return
	}
	if e.health != nil {
		e.health.UpdateDegraded(name, "stopped")
	}
}

// Done is closed once every pipeline goroutine has returned, either after Stop or after every
// source has finished and the sink queues drained. It is nil before Start.
func (e *Engine) Done() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.done
}

// Running reports whether Start succeeded and Stop has not been called.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == stateRunning
}

// Stop cancels the pipeline, waits for its goroutines until ctx is done and closes every
// sink. Items still queued are lost. Stop on an engine that is not running is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if e.state != stateRunning {
		e.mu.Unlock()
		return nil
	}
	e.state = stateStopped
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()

	var errs []error
	select {
	case <-done:
		if e.runErr != nil {
			errs = append(errs, e.runErr)
		}
	case <-ctx.Done():
		errs = append(errs, errors.WrapTransient(ctx.Err(), "Engine", "Stop", "wait for pipeline"))
	}

	for _, w := range e.workers {
		if err := w.Close(ctx); err != nil {
			e.logger.Warn("Sink close failed", "sink", w.Name(), "error", err)
			errs = append(errs, err)
		}
	}
	e.router.Close()

	e.metrics.setRunning(false)
	e.logger.Info("Engine stopped")
	return stderrors.Join(errs...)
}

// HandleFrame runs one frame through the pipeline. It is the FrameHandler passed to every
// source and is safe for concurrent use.
func (e *Engine) HandleFrame(_ context.Context, f message.Frame) {
	if f.ManufacturerID != message.RuuviCompanyID {
		e.drop(DropNotRuuvi)
		return
	}
	if reason := e.policy.check(f.MAC); reason != "" {
		e.drop(reason)
		return
	}

	now := e.now()
	at := f.Received
	if at.IsZero() {
		at = now
	}
	if !e.sampler.allow(f.MAC, at) {
		e.drop(DropSampled)
		return
	}

	start := time.Now()
	r, err := e.decoder.DecodeFrame(f, decode.HintFirstByte)
	if err != nil {
		e.drop(decode.Kind(err))
		e.logger.Debug("Frame dropped", "mac", f.MAC, "error", err)
		e.learnFailure(f.MAC, "decode failure")
		return
	}
	if f.Received.IsZero() {
		r.Time = now.UTC()
	}
	r.Name = e.tags[r.MAC]

	if err := e.validator.Validate(r.MAC, r); err != nil {
		e.drop(DropOutOfRange)
		e.logger.Debug("Reading rejected", "mac", r.MAC, "error", err)
		e.learnFailure(f.MAC, "out of range reading")
		return
	}

	for _, flt := range e.filters {
		def := flt.Measurement()
		d := flt.Evaluate(r, now)
		e.countDecision(def.Name, d)
		if e.core != nil {
			e.core.TrackedDevices.WithLabelValues(def.Name).Set(float64(flt.Len()))
		}
		if d.Forward {
			e.forward(def, def.Name, itemKindLive, r, d)
		}
	}

	e.metrics.observeFrame(r.DataFormat, time.Since(start).Seconds())
}

// learnFailure blacklists mac when blacklisting on error is enabled.
func (e *Engine) learnFailure(mac, cause string) {
	if !e.policy.markFailed(mac) {
		return
	}
	blacklist := e.policy.blacklisted()
	e.metrics.setBlacklisted(len(blacklist))
	e.logger.Info("Mac blacklisted", "mac", mac, "cause", cause, "blacklisted", len(blacklist))
}

// refresh is the lastdata job: every filter re-emits the readings of its quiet devices.
func (e *Engine) refresh(_ context.Context, jc scheduler.JobContext) error {
	for _, flt := range e.filters {
		def := flt.Measurement()
		for _, rf := range flt.Refresh(jc.Run) {
			e.countDecision(def.Name, rf.Decision)
			e.forward(def, filter.LastdataJobID(def.Name), itemKindLastdata, rf.Reading, rf.Decision)
		}
		if e.core != nil {
			e.core.TrackedDevices.WithLabelValues(def.Name).Set(float64(flt.Len()))
		}
	}
	return nil
}

func (e *Engine) forward(def config.Measurement, jobID, kind string, r *message.Reading, d filter.Decision) {
	if len(def.Output) == 0 {
		return
	}
	item, ok := e.builder.Item(def, jobID, r, d)
	if !ok {
		return
	}
	e.metrics.recordItem(def.Name, kind)
	// the router logs and counts aborted fan-outs
	_ = e.router.Dispatch(def, item)
}

func (e *Engine) countDecision(measurement string, d filter.Decision) {
	if e.core == nil {
		return
	}
	decision := decisionSuppressed
	if d.Forward {
		decision = decisionForwarded
	}
	e.core.Decisions.WithLabelValues(measurement, decision, metric.ReasonLabel(d.Reason)).Inc()
}

func (e *Engine) drop(reason string) {
	if e.core != nil {
		e.core.FramesDropped.WithLabelValues(reason).Inc()
	}
}

// Devices returns the tracked state of every device, grouped by measurement.
func (e *Engine) Devices() []filter.DeviceSnapshot {
	var out []filter.DeviceSnapshot
	for _, flt := range e.filters {
		out = append(out, flt.Snapshot()...)
	}
	return out
}

// Sinks returns the counters of every sink worker in configuration order.
func (e *Engine) Sinks() []dispatch.WorkerStats {
	out := make([]dispatch.WorkerStats, 0, len(e.workers))
	for _, w := range e.workers {
		out = append(out, w.Stats())
	}
	return out
}

// Blacklist returns the configured and learned blacklist.
func (e *Engine) Blacklist() []string {
	return e.policy.blacklisted()
}

// Jobs returns the scheduled job ids.
func (e *Engine) Jobs() []string {
	return e.sched.Jobs()
}
