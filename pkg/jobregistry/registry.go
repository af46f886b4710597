package jobregistry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultThrottleInterval is the minimum spacing between lazily persisted
// progress snapshots of a single job.
const DefaultThrottleInterval = 2 * time.Second

// Notifier receives every observable state change. Implementations must not
// block for long; the fan-out hub only enqueues.
type Notifier interface {
	Notify(Snapshot)
}

// Forgetter is implemented by notifiers that keep per-job state; Delete
// tells them the job is gone.
type Forgetter interface {
	Forget(jobID string)
}

// SubscriberCounter reports the number of live subscribers.
type SubscriberCounter interface {
	Count() int
}

// Options configures a Registry.
type Options struct {
	// StartPolicy selects the initial status of created jobs.
	// Default: StartProcessing
	StartPolicy StartPolicy

	// ThrottleInterval spaces out progress persistence. Progress at 0% and
	// 100% and every status change are always written immediately.
	// Default: DefaultThrottleInterval
	ThrottleInterval time.Duration

	Logger *zap.Logger

	// Now overrides the clock (tests).
	Now func() time.Time
}

type entry struct {
	// mu serializes mutations of this job so notifications leave in the
	// order the mutations happened.
	mu  sync.Mutex
	job atomic.Pointer[Job]

	token   *Token
	limiter *rate.Limiter

	// writeMu serializes persistence; removed stops late writes from
	// resurrecting a deleted unit.
	writeMu sync.Mutex
	removed bool

	taskMu     sync.Mutex
	cancelTask context.CancelFunc
}

// Registry is the authoritative in-memory state of all known jobs.
//
// All methods are safe for concurrent use. Readers always receive copies;
// records are swapped whole so a reader never observes a half-applied
// update.
type Registry struct {
	store *Store
	opts  Options
	log   *zap.Logger

	mu       sync.RWMutex
	jobs     map[string]*entry
	notifier Notifier
	counter  SubscriberCounter
}

// New creates an empty registry over store.
func New(store *Store, opts Options) *Registry {
	if opts.StartPolicy == "" {
		opts.StartPolicy = StartProcessing
	}
	if opts.ThrottleInterval <= 0 {
		opts.ThrottleInterval = DefaultThrottleInterval
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Registry{
		store: store,
		opts:  opts,
		log:   opts.Logger,
		jobs:  make(map[string]*entry),
	}
}

// Open creates a registry and loads every surviving record from store.
func Open(ctx context.Context, store *Store, opts Options) (*Registry, error) {
	r := New(store, opts)
	res, err := store.Reconcile(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile job store: %w", err)
	}
	r.mu.Lock()
	for _, j := range res.Loaded {
		r.jobs[j.ID] = r.newEntry(j)
	}
	r.mu.Unlock()
	return r, nil
}

// SetNotifier attaches the fan-out target.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// SetSubscriberCounter attaches the source of Stats().ActiveSubscribers.
func (r *Registry) SetSubscriberCounter(c SubscriberCounter) {
	r.mu.Lock()
	r.counter = c
	r.mu.Unlock()
}

func (r *Registry) newEntry(j *Job) *entry {
	e := &entry{
		token:   newToken(),
		limiter: rate.NewLimiter(rate.Every(r.opts.ThrottleInterval), 1),
	}
	e.job.Store(j)
	return e
}

func (r *Registry) lookup(jobID string) (*entry, bool) {
	r.mu.RLock()
	e, ok := r.jobs[jobID]
	r.mu.RUnlock()
	return e, ok
}

func (r *Registry) notify(s Snapshot) {
	r.mu.RLock()
	n := r.notifier
	r.mu.RUnlock()
	if n != nil {
		n.Notify(s)
	}
}

// persist writes the latest state of e. Failures are logged; memory stays
// authoritative until the next successful write.
func (r *Registry) persist(ctx context.Context, e *entry) {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.removed {
		return
	}
	job := e.job.Load()
	if err := r.store.Write(ctx, job); err != nil {
		r.log.Error("Failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

// Create registers a new job and persists it immediately. The in-memory
// record exists even when the initial write fails.
func (r *Registry) Create(ctx context.Context, config json.RawMessage) (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		r.log.Error("Failed to generate job id", zap.Error(err))
		return "", fmt.Errorf("generate job id: %w", err)
	}

	now := r.opts.Now()
	status := StatusProcessing
	if r.opts.StartPolicy == StartQueued {
		status = StatusQueued
	}
	job := &Job{
		ID:        id.String(),
		Status:    status,
		Config:    append(json.RawMessage(nil), config...),
		CreatedAt: now,
		UpdatedAt: now,
	}

	e := r.newEntry(job)
	r.mu.Lock()
	r.jobs[job.ID] = e
	r.mu.Unlock()

	e.mu.Lock()
	r.notify(job.snapshot())
	e.mu.Unlock()

	r.persist(ctx, e)
	r.log.Debug("Job created", zap.String("job_id", job.ID), zap.String("status", string(status)))
	return job.ID, nil
}

// Get returns a copy of the job.
func (r *Registry) Get(jobID string) (*Job, bool) {
	e, ok := r.lookup(jobID)
	if !ok {
		return nil, false
	}
	return e.job.Load().clone(), true
}

// Snapshot returns the composite view pushed to subscribers.
func (r *Registry) Snapshot(jobID string) (Snapshot, bool) {
	e, ok := r.lookup(jobID)
	if !ok {
		return Snapshot{}, false
	}
	return e.job.Load().snapshot(), true
}

// List returns copies of every job, newest first.
func (r *Registry) List() []Job {
	r.mu.RLock()
	out := make([]Job, 0, len(r.jobs))
	for _, e := range r.jobs {
		out = append(out, *e.job.Load().clone())
	}
	r.mu.RUnlock()
	sortNewestFirst(out)
	return out
}

// ActiveIDs returns the ids of jobs that have not reached a terminal state.
func (r *Registry) ActiveIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0)
	for id, e := range r.jobs {
		if !e.job.Load().Status.Terminal() {
			ids = append(ids, id)
		}
	}
	return ids
}

// mutate applies fn to a copy of the job and swaps it in. fn returns false
// to abandon the change.
func (r *Registry) mutate(e *entry, fn func(j *Job) bool) (*Job, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.job.Load().clone()
	if !fn(next) {
		return nil, false
	}
	next.UpdatedAt = r.opts.Now()
	e.job.Store(next)
	return next, true
}

// UpdateData merges result fields into the job and persists immediately.
func (r *Registry) UpdateData(ctx context.Context, jobID string, fields map[string]any) error {
	e, ok := r.lookup(jobID)
	if !ok {
		r.log.Warn("UpdateData on unknown job", zap.String("job_id", jobID))
		return ErrNotFound
	}
	r.mutate(e, func(j *Job) bool {
		if j.Result == nil {
			j.Result = make(map[string]any, len(fields))
		}
		for k, v := range fields {
			j.Result[k] = v
		}
		return true
	})
	r.persist(ctx, e)
	return nil
}

// SetStatus transitions the job, persists immediately and notifies
// subscribers. errMsg is kept only for StatusError.
func (r *Registry) SetStatus(ctx context.Context, jobID string, status Status, errMsg string) error {
	e, ok := r.lookup(jobID)
	if !ok {
		r.log.Warn("SetStatus on unknown job", zap.String("job_id", jobID), zap.String("status", string(status)))
		return ErrNotFound
	}

	var from Status
	var snap Snapshot
	e.mu.Lock()
	cur := e.job.Load()
	from = cur.Status
	if !canTransition(from, status) {
		e.mu.Unlock()
		r.log.Warn("Rejected job status transition",
			zap.String("job_id", jobID),
			zap.String("from", string(from)),
			zap.String("to", string(status)))
		return fmt.Errorf("%w: %s -> %s", ErrTerminal, from, status)
	}
	next := cur.clone()
	now := r.opts.Now()
	next.Status = status
	next.UpdatedAt = now
	next.Error = ""
	if status == StatusError {
		next.Error = errMsg
	}
	if status.Terminal() {
		next.EndedAt = &now
	}
	e.job.Store(next)
	snap = next.snapshot()
	r.notify(snap)
	e.mu.Unlock()

	r.persist(ctx, e)
	r.log.Info("Job status changed",
		zap.String("job_id", jobID),
		zap.String("from", string(from)),
		zap.String("to", string(status)))
	return nil
}

// UpdateProgress records a progress report. Subscribers are always
// notified; persistence is forced at 0% and 100% and otherwise throttled.
func (r *Registry) UpdateProgress(ctx context.Context, jobID, stage, message string, percent int) error {
	e, ok := r.lookup(jobID)
	if !ok {
		r.log.Warn("UpdateProgress on unknown job", zap.String("job_id", jobID))
		return ErrNotFound
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	e.mu.Lock()
	cur := e.job.Load()
	if cur.Status.Terminal() {
		e.mu.Unlock()
		r.log.Debug("Ignoring progress for finished job", zap.String("job_id", jobID))
		return ErrTerminal
	}
	now := r.opts.Now()
	next := cur.clone()
	next.Progress = &Progress{Stage: stage, Message: message, Percent: percent, UpdatedAt: now}
	next.UpdatedAt = now
	e.job.Store(next)
	r.notify(next.snapshot())
	write := percent == 0 || percent == 100 || e.limiter.AllowN(now, 1)
	e.mu.Unlock()

	if write {
		r.persist(ctx, e)
	}
	return nil
}

// RequestCancellation sets the job's cancellation token. It reports whether
// the job was known.
func (r *Registry) RequestCancellation(jobID string) bool {
	e, ok := r.lookup(jobID)
	if !ok {
		return false
	}
	if e.token.Cancel() {
		r.log.Info("Job cancellation requested", zap.String("job_id", jobID))
	}
	return true
}

// IsCancelled reads the token; unknown jobs are never cancelled.
func (r *Registry) IsCancelled(jobID string) bool {
	e, ok := r.lookup(jobID)
	if !ok {
		return false
	}
	return e.token.Cancelled()
}

// Token returns the job's cancellation token.
func (r *Registry) Token(jobID string) (*Token, bool) {
	e, ok := r.lookup(jobID)
	if !ok {
		return nil, false
	}
	return e.token, true
}

// TrackTask registers the cancel func of the job's background task so Delete
// can stop it.
func (r *Registry) TrackTask(jobID string, cancel context.CancelFunc) bool {
	e, ok := r.lookup(jobID)
	if !ok {
		return false
	}
	e.taskMu.Lock()
	e.cancelTask = cancel
	e.taskMu.Unlock()
	return true
}

// ForgetTask drops the task handle without cancelling it.
func (r *Registry) ForgetTask(jobID string) {
	e, ok := r.lookup(jobID)
	if !ok {
		return
	}
	e.taskMu.Lock()
	e.cancelTask = nil
	e.taskMu.Unlock()
}

// Delete cancels the job, forgets it and removes its persisted unit. It
// returns false only when the unit could not be removed.
func (r *Registry) Delete(ctx context.Context, jobID string) bool {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	delete(r.jobs, jobID)
	r.mu.Unlock()

	if ok {
		e.token.Cancel()
		e.taskMu.Lock()
		if e.cancelTask != nil {
			e.cancelTask()
			e.cancelTask = nil
		}
		e.taskMu.Unlock()

		e.writeMu.Lock()
		e.removed = true
		defer e.writeMu.Unlock()

		r.mu.RLock()
		f, isForgetter := r.notifier.(Forgetter)
		r.mu.RUnlock()
		if isForgetter {
			f.Forget(jobID)
		}
	}

	if err := r.store.Delete(ctx, jobID); err != nil {
		r.log.Error("Failed to delete job unit", zap.String("job_id", jobID), zap.Error(err))
		return false
	}
	r.log.Info("Job deleted", zap.String("job_id", jobID), zap.Bool("known", ok))
	return true
}

// Stats returns aggregate counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	st := Stats{Total: len(r.jobs), ByStatus: make(map[Status]int)}
	for _, e := range r.jobs {
		st.ByStatus[e.job.Load().Status]++
	}
	c := r.counter
	r.mu.RUnlock()
	if c != nil {
		st.ActiveSubscribers = c.Count()
	}
	return st
}
