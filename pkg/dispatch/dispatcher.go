// Package dispatch runs job operations in the background.
//
// Every job goes through the same sequence: a cancellation pre-check, the
// global compute gate (for gated backends) and a second cancellation check,
// lazy resource materialization, and the operation itself. Whatever the operation does,
// the outcome lands in the registry as Complete or Error and never escapes to
// the caller of Submit.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
	"github.com/3leaps/imgjobd/pkg/operation"
)

// CancelledMessage is the error recorded on jobs stopped by a cancellation.
const CancelledMessage = "Job cancelled by user"

const (
	// DefaultWorkers bounds concurrently running job goroutines.
	DefaultWorkers = 4
	// DefaultShutdownGrace bounds how long Shutdown waits for running jobs.
	DefaultShutdownGrace = 5 * time.Second
)

var (
	// ErrShuttingDown is returned by Submit after Shutdown started.
	ErrShuttingDown = errors.New("dispatcher is shutting down")
	// ErrUnsupportedKind is returned for configs naming no known backend.
	ErrUnsupportedKind = errors.New("unsupported job kind")
)

// Backend pairs an operation with the factory of the resource it needs.
// Resource may be nil. Gated backends run one at a time behind the compute
// gate; ungated ones (remote APIs) only share the worker pool.
type Backend struct {
	Op       operation.Operation
	Resource operation.ResourceFactory
	Gated    bool
}

// Backends lists one backend per kind. A kind with a nil Op is rejected.
type Backends struct {
	Local Backend
	Cloud Backend
	Sim   Backend
}

// SimBackends runs every kind on the simulated pipeline.
func SimBackends() Backends {
	return Backends{
		Local: Backend{Op: operation.Sim{}, Resource: operation.NewSimModel, Gated: true},
		Cloud: Backend{Op: operation.Sim{}},
		Sim:   Backend{Op: operation.Sim{}, Resource: operation.NewSimModel, Gated: true},
	}
}

// Options configures a Dispatcher.
type Options struct {
	// Workers bounds how many jobs run (or wait for the gate) at once.
	// Default: DefaultWorkers
	Workers int

	// ShutdownGrace bounds the wait for in-flight jobs on Shutdown.
	// Default: DefaultShutdownGrace
	ShutdownGrace time.Duration

	// InitAttempts and InitRetryDelay control resource initialization.
	InitAttempts   int
	InitRetryDelay time.Duration

	Logger *zap.Logger
}

// Dispatcher schedules jobs from a Registry onto operation backends.
type Dispatcher struct {
	reg       *jobregistry.Registry
	backends  Backends
	opts      Options
	log       *zap.Logger
	gate      *Gate
	resources *ResourceCache

	workers chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	// mu orders wg.Add in Submit against wg.Wait in Shutdown.
	mu       sync.Mutex
	shutdown bool
	wg       sync.WaitGroup
	active   atomic.Int64
}

// New creates a dispatcher over reg.
func New(reg *jobregistry.Registry, backends Backends, opts Options) *Dispatcher {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ShutdownGrace <= 0 {
		opts.ShutdownGrace = DefaultShutdownGrace
	}
	if opts.InitAttempts <= 0 {
		opts.InitAttempts = DefaultInitAttempts
	}
	if opts.InitRetryDelay <= 0 {
		opts.InitRetryDelay = DefaultInitRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		reg:        reg,
		backends:   backends,
		opts:       opts,
		log:        opts.Logger,
		gate:       NewGate(),
		resources:  NewResourceCache(opts.InitAttempts, opts.InitRetryDelay, opts.Logger),
		workers:    make(chan struct{}, opts.Workers),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

// Gate exposes the compute gate.
func (d *Dispatcher) Gate() *Gate { return d.gate }

// Resources exposes the resource cache.
func (d *Dispatcher) Resources() *ResourceCache { return d.resources }

// Active returns the number of submitted jobs that have not finished.
func (d *Dispatcher) Active() int { return int(d.active.Load()) }

// Wait blocks until every submitted job has finished.
func (d *Dispatcher) Wait() { d.wg.Wait() }

func (d *Dispatcher) route(kind operation.Kind) (Backend, error) {
	var b Backend
	switch kind {
	case operation.KindLocal:
		b = d.backends.Local
	case operation.KindCloud:
		b = d.backends.Cloud
	case operation.KindSim:
		b = d.backends.Sim
	default:
		return Backend{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}
	if b.Op == nil {
		return Backend{}, fmt.Errorf("%w: %q has no backend", ErrUnsupportedKind, kind)
	}
	return b, nil
}

// Supports reports whether kind routes to a configured backend.
func (d *Dispatcher) Supports(kind operation.Kind) bool {
	_, err := d.route(kind)
	return err == nil
}

// Submit schedules jobID and returns immediately. A job whose config cannot
// be routed is failed right away and the routing error is returned.
func (d *Dispatcher) Submit(jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown {
		return ErrShuttingDown
	}
	job, ok := d.reg.Get(jobID)
	if !ok {
		return fmt.Errorf("submit %s: %w", jobID, jobregistry.ErrNotFound)
	}

	kind, err := operation.ParseKind(job.Config)
	var backend Backend
	if err == nil {
		backend, err = d.route(kind)
	}
	var inputs []string
	if err == nil {
		inputs, err = operation.ParseInputs(job.Config)
	}
	if err != nil {
		d.finish(context.Background(), jobID, jobregistry.StatusError, err.Error())
		return err
	}

	ctx, cancel := context.WithCancel(d.baseCtx)
	d.reg.TrackTask(jobID, cancel)
	d.wg.Add(1)
	d.active.Add(1)

	in := operation.Input{JobID: jobID, Inputs: inputs, Config: job.Config}
	go d.run(ctx, cancel, kind, backend, in)

	d.log.Debug("Job submitted", zap.String("job_id", jobID), zap.String("kind", string(kind)))
	return nil
}

func (d *Dispatcher) run(ctx context.Context, cancel context.CancelFunc, kind operation.Kind, b Backend, in operation.Input) {
	defer d.wg.Done()
	defer d.active.Add(-1)
	defer cancel()
	defer d.reg.ForgetTask(in.JobID)

	// A cancellation request also aborts gate waits and resource builds.
	if tok, ok := d.reg.Token(in.JobID); ok {
		go func() {
			select {
			case <-tok.Done():
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	// Writes issued on behalf of the job outlive its cancellation.
	pctx := context.WithoutCancel(ctx)

	select {
	case d.workers <- struct{}{}:
	case <-ctx.Done():
		d.finish(pctx, in.JobID, jobregistry.StatusError, CancelledMessage)
		return
	}
	defer func() { <-d.workers }()

	d.execute(ctx, pctx, kind, b, in)
}

// execute drives one job to a terminal state.
func (d *Dispatcher) execute(ctx, pctx context.Context, kind operation.Kind, b Backend, in operation.Input) {
	jobID := in.JobID
	log := d.log.With(zap.String("job_id", jobID), zap.String("kind", string(kind)))

	defer func() {
		if r := recover(); r != nil {
			log.Error("Operation panicked", zap.Any("panic", r))
			d.finish(pctx, jobID, jobregistry.StatusError, fmt.Sprintf("operation panicked: %v", r))
		}
	}()

	if d.reg.IsCancelled(jobID) {
		log.Info("Job cancelled before start")
		d.finish(pctx, jobID, jobregistry.StatusError, CancelledMessage)
		return
	}

	if b.Gated {
		if err := d.gate.Acquire(ctx); err != nil {
			log.Info("Job abandoned while waiting for the gate", zap.Error(err))
			d.finish(pctx, jobID, jobregistry.StatusError, CancelledMessage)
			return
		}
		defer d.gate.Release()

		if d.reg.IsCancelled(jobID) {
			log.Info("Job cancelled while waiting for the gate")
			d.finish(pctx, jobID, jobregistry.StatusError, CancelledMessage)
			return
		}
	}
	if job, ok := d.reg.Get(jobID); ok && job.Status == jobregistry.StatusQueued {
		if err := d.reg.SetStatus(pctx, jobID, jobregistry.StatusProcessing, ""); err != nil {
			log.Debug("Could not promote queued job", zap.Error(err))
			return
		}
	}

	res, err := d.resources.Get(ctx, kind, b.Resource)
	if err != nil {
		if d.reg.IsCancelled(jobID) {
			d.finish(pctx, jobID, jobregistry.StatusError, CancelledMessage)
			return
		}
		log.Error("Resource unavailable", zap.Error(err))
		d.finish(pctx, jobID, jobregistry.StatusError, err.Error())
		return
	}

	sink := func(stage, message string, percent int) {
		_ = d.reg.UpdateProgress(pctx, jobID, stage, message, percent)
	}
	probe := func() bool { return d.reg.IsCancelled(jobID) }

	started := time.Now()
	result, err := b.Op.Run(ctx, res, in, sink, probe)
	elapsed := time.Since(started)

	switch {
	case err == nil:
		if fields := result.Fields(); len(fields) > 0 {
			_ = d.reg.UpdateData(pctx, jobID, fields)
		}
		d.finish(pctx, jobID, jobregistry.StatusComplete, "")
		log.Info("Job completed", zap.Duration("elapsed", elapsed))
	case errors.Is(err, operation.ErrCancelled),
		errors.Is(err, context.Canceled) && d.reg.IsCancelled(jobID):
		d.finish(pctx, jobID, jobregistry.StatusError, CancelledMessage)
		log.Info("Job cancelled", zap.Duration("elapsed", elapsed))
	default:
		d.finish(pctx, jobID, jobregistry.StatusError, err.Error())
		log.Warn("Job failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	}
}

func (d *Dispatcher) finish(ctx context.Context, jobID string, status jobregistry.Status, msg string) {
	if err := d.reg.SetStatus(ctx, jobID, status, msg); err != nil {
		d.log.Debug("Job not finalized",
			zap.String("job_id", jobID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

// Shutdown requests cancellation of every unfinished job, cancels their
// contexts and waits up to the shutdown grace (or ctx) for them to return.
// Operations that ignore cancellation are abandoned.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if d.shutdown {
		d.mu.Unlock()
		return nil
	}
	d.shutdown = true
	d.mu.Unlock()

	ids := d.reg.ActiveIDs()
	for _, id := range ids {
		d.reg.RequestCancellation(id)
	}
	d.baseCancel()
	d.log.Info("Dispatcher shutting down",
		zap.Int("active_jobs", len(ids)),
		zap.Duration("grace", d.opts.ShutdownGrace))

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(d.opts.ShutdownGrace)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("%d jobs still running after %s", d.Active(), d.opts.ShutdownGrace)
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		d.log.Warn("Abandoning in-flight jobs", zap.Error(err))
		return err
	}
	if cerr := d.resources.Close(); cerr != nil {
		d.log.Warn("Failed to release resources", zap.Error(cerr))
	}
	return nil
}
