// Package engine runs step graphs durably: it owns the run and step state
// machines, the scheduler, attempt execution, approval gates and resume.
package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/rendis/runengine/internal/artifact"
	"github.com/rendis/runengine/internal/assets"
	"github.com/rendis/runengine/internal/expressions"
	"github.com/rendis/runengine/internal/handlers"
	"github.com/rendis/runengine/internal/streaming"
	"github.com/rendis/runengine/internal/store"
	"github.com/rendis/runengine/internal/validation"
	"github.com/rendis/runengine/pkg/schema"
)

// Config holds engine settings.
type Config struct {
	Defaults    Defaults
	Workers     int
	CancelGrace time.Duration
	ResumeMode  schema.ResumeMode
}

// DefaultConfig mirrors the shipped settings.yaml.
func DefaultConfig() Config {
	return Config{
		Defaults:    DefaultDefaults(),
		Workers:     8,
		CancelGrace: 30 * time.Second,
		ResumeMode:  schema.ResumeSameRun,
	}
}

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Store     store.Store
	Artifacts *artifact.Store
	Handlers  handlers.Lookup
	Checker   *validation.OutputChecker
	Gates     *expressions.CELEngine
	Graph     *Graph
	Hub       streaming.Hub
	Logger    *slog.Logger
}

// Engine is the run manager. It owns one driver goroutine per active run.
type Engine struct {
	cfg       Config
	store     store.Store
	events    *store.EventLog
	graph     *Graph
	sched     *Scheduler
	runs      *RunFSM
	steps     *StepFSM
	exec      *Executor
	artifacts *artifact.Store
	gates     *expressions.CELEngine
	assets    *assets.Machine
	progress  *progress
	pool      *WorkerPool
	logger    *slog.Logger

	runsStarted metric.Int64Counter
	runsEnded   metric.Int64Counter

	baseCtx context.Context
	stop    context.CancelFunc

	mu      sync.Mutex
	drivers map[string]*driver
	closed  bool
}

type driver struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Artifacts == nil || deps.Handlers == nil || deps.Checker == nil || deps.Graph == nil {
		return nil, errors.New("engine: store, artifacts, handlers, checker and graph are required")
	}
	if deps.Gates == nil {
		cel, err := expressions.NewCELEngine()
		if err != nil {
			return nil, err
		}
		deps.Gates = cel
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.ResumeMode == "" {
		cfg.ResumeMode = schema.ResumeSameRun
	}
	if cfg.CancelGrace <= 0 {
		cfg.CancelGrace = DefaultConfig().CancelGrace
	}

	events := store.NewEventLog(deps.Store)
	sched := NewScheduler(deps.Graph)
	steps := NewStepFSM(deps.Store, events)
	prog := &progress{hub: deps.Hub, store: deps.Store, sched: sched, logger: deps.Logger}

	meter := otel.Meter(instrumentationName)
	started, _ := meter.Int64Counter("runengine.run.started",
		metric.WithDescription("Runs whose driver was launched"),
		metric.WithUnit("{run}"))
	ended, _ := meter.Int64Counter("runengine.run.finished",
		metric.WithDescription("Runs that reached a terminal status"),
		metric.WithUnit("{run}"))

	ctx, stop := context.WithCancel(context.Background())
	e := &Engine{
		cfg:         cfg,
		store:       deps.Store,
		events:      events,
		graph:       deps.Graph,
		sched:       sched,
		runs:        NewRunFSM(deps.Store, events),
		steps:       steps,
		artifacts:   deps.Artifacts,
		gates:       deps.Gates,
		progress:    prog,
		pool:        NewWorkerPool(cfg.Workers),
		logger:      deps.Logger,
		runsStarted: started,
		runsEnded:   ended,
		baseCtx:     ctx,
		stop:        stop,
		drivers:     make(map[string]*driver),
	}
	e.exec = newExecutor(deps.Store, events, steps, deps.Artifacts, deps.Handlers, deps.Checker, cfg.Defaults, prog, deps.Logger)
	e.assets = assets.NewMachine(deps.Store, events, e, deps.Logger)
	e.registerHooks()
	return e, nil
}

// registerHooks wires progress notifications and metrics to run transitions.
func (e *Engine) registerHooks() {
	e.runs.OnEnter(schema.RunStatusCompleted, func(ctx context.Context, run *store.Run, _ schema.RunStatus) {
		e.progress.publish(ctx, run, schema.ProgressRunCompleted, "", "")
		e.runsEnded.Add(ctx, 1)
		e.assets.Forget(run.ID)
	})
	e.runs.OnEnter(schema.RunStatusFailed, func(ctx context.Context, run *store.Run, _ schema.RunStatus) {
		e.progress.publish(ctx, run, schema.ProgressRunFailed, run.CurrentStep, run.ErrorMessage)
		e.runsEnded.Add(ctx, 1)
	})
	e.runs.OnEnter(schema.RunStatusCancelled, func(ctx context.Context, run *store.Run, _ schema.RunStatus) {
		e.runsEnded.Add(ctx, 1)
		e.assets.Forget(run.ID)
	})
	for _, st := range []schema.RunStatus{schema.RunStatusWaitingApproval, schema.RunStatusWaitingStep1Approval} {
		e.runs.OnEnter(st, func(ctx context.Context, run *store.Run, _ schema.RunStatus) {
			e.progress.publish(ctx, run, schema.ProgressApprovalRequested, run.CurrentStep, string(run.Status))
		})
	}
}

// PoolMetrics returns the worker pool counters.
func (e *Engine) PoolMetrics() PoolMetrics { return e.pool.Metrics() }

// launch starts the driver of a run unless one is already active.
// It reports whether a new driver was started.
func (e *Engine) launch(tenantID, runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	if _, ok := e.drivers[runID]; ok {
		return false
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	d := &driver{cancel: cancel, done: make(chan struct{})}
	e.drivers[runID] = d
	e.runsStarted.Add(ctx, 1)

	go func() {
		defer close(d.done)
		defer cancel()
		e.drive(ctx, tenantID, runID)

		e.mu.Lock()
		if e.drivers[runID] == d {
			delete(e.drivers, runID)
		}
		e.mu.Unlock()
	}()
	return true
}

// relaunch starts a driver once the current one, if any, has exited. Used
// by operations that hand a stopped run back to the engine while its previous
// driver may still be unwinding.
func (e *Engine) relaunch(tenantID, runID string) {
	if e.launch(tenantID, runID) {
		return
	}
	e.mu.Lock()
	d := e.drivers[runID]
	e.mu.Unlock()
	if d == nil {
		e.launch(tenantID, runID)
		return
	}
	go func() {
		<-d.done
		e.launch(tenantID, runID)
	}()
}

// Driving reports whether a driver is active for the run.
func (e *Engine) Driving(runID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.drivers[runID]
	return ok
}

// Wait blocks until the run's driver exits or ctx ends.
func (e *Engine) Wait(ctx context.Context, runID string) error {
	e.mu.Lock()
	d := e.drivers[runID]
	e.mu.Unlock()
	if d == nil {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stopDriver cancels the run's driver and waits up to grace for it to exit.
func (e *Engine) stopDriver(runID string, grace time.Duration) bool {
	e.mu.Lock()
	d := e.drivers[runID]
	e.mu.Unlock()
	if d == nil {
		return true
	}
	d.cancel()
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-d.done:
		return true
	case <-timer.C:
		return false
	}
}

// Close stops every driver, waiting up to the cancel grace, and shuts the
// worker pool down. Runs stay in their persisted status and are re-driven by
// the next process.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	drivers := make([]*driver, 0, len(e.drivers))
	for _, d := range e.drivers {
		drivers = append(drivers, d)
	}
	e.mu.Unlock()

	e.stop()
	timer := time.NewTimer(e.cfg.CancelGrace)
	defer timer.Stop()
	for _, d := range drivers {
		select {
		case <-d.done:
		case <-timer.C:
			e.logger.Warn("drivers still running after grace period")
			e.pool.Shutdown()
			return
		}
	}
	e.pool.Shutdown()
}
