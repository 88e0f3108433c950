package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/convergehq/converge/pkg/config"
	"github.com/convergehq/converge/pkg/engine"
	"github.com/convergehq/converge/pkg/policy"
	"github.com/convergehq/converge/pkg/providers/memory"
	"github.com/convergehq/converge/pkg/statestore"
	"github.com/convergehq/converge/pkg/telemetry"
)

// runtime bundles everything a command needs: loaded config, the wired
// runner, and the telemetry stack. Built once per invocation from the
// global flags.
type runtime struct {
	logger   *telemetry.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	store    *statestore.SQLiteStore
	provider *memory.Provider
	runner   *engine.Runner
	cfg      *config.Config
}

// newRuntime wires the full stack. configPaths may be empty for commands
// that only need state access (destroy, state).
func newRuntime(ctx context.Context, configPaths []string) (*runtime, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.Logging.Level = logLevel
	tcfg.Logging.Format = logFormat
	if metricsListen != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.ListenAddress = metricsListen
	}
	if traceExporter != "" {
		tcfg.Tracing.Enabled = true
		tcfg.Tracing.Exporter = traceExporter
		tcfg.Tracing.Endpoint = traceEndpoint
	}
	if err := tcfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := telemetry.NewLogger(tcfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	metrics, err := telemetry.NewMetrics(tcfg.Metrics)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	metrics.StartServer()

	tracer, err := telemetry.NewTracer(tcfg.Tracing, tcfg.ServiceName, tcfg.ServiceVersion, tcfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("failed to create tracer: %w", err)
	}

	cfg := &config.Config{}
	if len(configPaths) > 0 {
		cfg, err = config.NewLoader().Load(configPaths...)
		if err != nil {
			return nil, err
		}
		logger.NewComponentLogger("config").
			WithField("files", len(cfg.Files)).
			WithField("resources", len(cfg.Specs)).
			Debug("Configuration loaded")
	}

	store, err := statestore.NewSQLiteStore(statestore.SQLiteConfig{Path: statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}

	provider := memory.New(memory.Config{Schemas: cfg.Schemas})

	var gate engine.PolicyGate
	if !noPolicy {
		pe, err := policy.NewEngine(logger.Zerolog(), policy.Mode(policyMode))
		if err != nil {
			store.Close()
			return nil, err
		}
		if len(policyPaths) > 0 {
			if err := pe.LoadPaths(ctx, policyPaths); err != nil {
				store.Close()
				return nil, err
			}
		}
		gate = pe
	}

	runner, err := engine.NewRunner(provider, store, gate)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &runtime{
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		store:    store,
		provider: provider,
		runner:   runner,
		cfg:      cfg,
	}, nil
}

// Close releases the runtime's resources.
func (rt *runtime) Close() {
	if rt.tracer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = rt.tracer.Shutdown(shutdownCtx)
		cancel()
	}
	if rt.store != nil {
		rt.store.Close()
	}
}

// run executes a reconciliation under a root span and records the
// outcome on it.
func (rt *runtime) run(ctx context.Context, name string, fn func(context.Context) (*engine.RunReport, error)) (*engine.RunReport, error) {
	ctx, span := rt.tracer.StartSpan(ctx, name)
	defer span.End()

	rt.metrics.RecordRunStarted()
	report, err := fn(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	if report != nil {
		rt.metrics.RecordRunCompleted(string(report.Status), report.CompletedAt.Sub(report.StartedAt))
	}
	return report, err
}

// applyOptions builds executor options wired to the telemetry stack.
func (rt *runtime) applyOptions(parallel int, dryRun bool) engine.ApplyOptions {
	return engine.ApplyOptions{
		MaxParallel: parallel,
		DryRun:      dryRun,
		Events: &telemetrySink{
			logger:  rt.logger.NewComponentLogger("executor"),
			metrics: rt.metrics,
		},
	}
}

// telemetrySink bridges executor step events to logs and metrics.
type telemetrySink struct {
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	started map[string]time.Time
}

func (s *telemetrySink) StepStarted(step *engine.Step) {
	s.mu.Lock()
	if s.started == nil {
		s.started = make(map[string]time.Time)
	}
	s.started[step.ID] = time.Now()
	s.mu.Unlock()
	s.logger.WithStep(step.ID).Debug("Step started")
}

func (s *telemetrySink) StepRetrying(step *engine.Step, attempt int, err error) {
	class := string(engine.AsEngineError(err).Class)
	s.metrics.RecordStepRetry(class)
	s.logger.WithStep(step.ID).WithError(err).
		WithField("attempt", attempt).
		Warn("Step retrying")
}

func (s *telemetrySink) StepFinished(step *engine.Step, outcome engine.Outcome, err error) {
	s.mu.Lock()
	duration := time.Since(s.started[step.ID])
	s.mu.Unlock()
	s.metrics.RecordStep(string(step.Op), string(outcome), step.Address.Type(), duration)
	log := s.logger.WithStep(step.ID).WithField("outcome", string(outcome))
	if err != nil {
		s.metrics.RecordError(string(engine.AsEngineError(err).Class))
		log.WithError(err).Error("Step failed")
		return
	}
	log.Debug("Step finished")
}
