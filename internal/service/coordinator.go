package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/xiaot623/simlink/internal/domain"
	"github.com/xiaot623/simlink/internal/engine"
	"github.com/xiaot623/simlink/internal/metrics"
)

// RunLog records runs. Implemented by the SQLite store.
type RunLog interface {
	CreateRun(ctx context.Context, run *domain.Run) error
	UpdateRunState(ctx context.Context, runID string, state domain.RunState) error
	UpdateRunCompleted(ctx context.Context, runID string, state domain.RunState, errs []string) error
}

// OverrideFunc applies one "path=value" override before a run starts.
type OverrideFunc func(ctx context.Context, override string) error

// Options configures a Coordinator. Every field is optional.
type Options struct {
	RunLog   RunLog
	Metrics  *metrics.Metrics
	Override OverrideFunc
}

// Coordinator owns the prepared jobs and the single worker that runs them.
type Coordinator struct {
	runLog   RunLog
	metrics  *metrics.Metrics
	override OverrideFunc

	base     context.Context
	shutdown context.CancelFunc

	// engineMu serializes outside engine access with starting or resuming the worker.
	// Lock order is engineMu before mu.
	engineMu sync.Mutex

	mu       sync.Mutex
	state    domain.RunState
	owner    domain.PauseOwner
	changed  chan struct{}
	resume   chan struct{}
	jobs     []engine.Job
	prepared map[engine.Job]bool
	errs     []error
	runID    string
	cancel   context.CancelFunc
	done     chan struct{}
}

func NewCoordinator(opts Options) *Coordinator {
	base, shutdown := context.WithCancel(context.Background())
	c := &Coordinator{
		runLog:   opts.RunLog,
		metrics:  opts.Metrics,
		override: opts.Override,
		base:     base,
		shutdown: shutdown,
		state:    domain.RunStateIdling,
		changed:  make(chan struct{}),
		prepared: make(map[engine.Job]bool),
	}
	c.metrics.SetState(c.state)
	return c
}

// setState must be called with mu held.
func (c *Coordinator) setState(state domain.RunState) {
	if c.state == state {
		return
	}
	log.WithFields(log.Fields{"run_id": c.runID, "from": c.state, "to": state}).Debug("run state changed")
	c.state = state
	c.metrics.SetState(state)
	close(c.changed)
	c.changed = make(chan struct{})
}

// Register prepares each job once and adds it to the prepared set.
func (c *Coordinator) Register(ctx context.Context, jobs ...engine.Job) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == domain.RunStateRunning || c.state == domain.RunStateWaiting {
		return domain.ErrRunInProgress
	}
	for _, job := range jobs {
		if c.prepared[job] {
			continue
		}
		start := time.Now()
		if err := job.Prepare(ctx); err != nil {
			return domain.WrapError(domain.ErrorKindDomain, err, "prepare "+job.Name())
		}
		c.prepared[job] = true
		c.jobs = append(c.jobs, job)
		log.WithFields(log.Fields{"job": job.Name(), "took": time.Since(start)}).Info("job prepared")
	}
	return nil
}

// Run clears earlier errors, applies overrides and starts the worker. It returns as soon as
// the worker is running; use WaitForStateChange to observe its progress. Starting from the
// error state acknowledges the previous errors.
func (c *Coordinator) Run(ctx context.Context, overrides []string) error {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.CanStart() {
		return domain.ErrAlreadyRunning
	}
	if len(c.jobs) == 0 {
		return domain.ErrNoJobs
	}
	if c.state == domain.RunStateError {
		c.setState(domain.RunStateIdling)
	}
	c.errs = nil
	for _, o := range overrides {
		if c.override == nil {
			return domain.NewError(domain.ErrorKindDomain, "overrides are not supported")
		}
		if err := c.override(ctx, o); err != nil {
			return domain.WrapError(domain.ErrorKindDomain, err, "override "+o)
		}
	}

	c.runID = "run_" + uuid.New().String()[:8]
	run := &domain.Run{
		RunID:     c.runID,
		State:     domain.RunStateRunning,
		Overrides: overrides,
		StartedAt: time.Now(),
	}
	if c.runLog != nil {
		if err := c.runLog.CreateRun(ctx, run); err != nil {
			log.WithError(err).WithField("run_id", c.runID).Warn("failed to record run start")
		}
	}

	workerCtx, cancel := context.WithCancel(c.base)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.setState(domain.RunStateRunning)
	jobs := append([]engine.Job(nil), c.jobs...)
	go c.work(workerCtx, c.runID, jobs, c.done)

	log.WithFields(log.Fields{"run_id": c.runID, "jobs": len(jobs), "overrides": len(overrides)}).Info("run started")
	return nil
}

func (c *Coordinator) work(ctx context.Context, runID string, jobs []engine.Job, done chan struct{}) {
	defer close(done)

	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, domain.WrapError(domain.ErrorKindDomain, err, "run cancelled before "+job.Name()))
			break
		}
		if err := guard(job.Name(), func() error { return job.Run(ctx) }); err != nil {
			errs = append(errs, err)
		}
	}
	// Cleanup waits for every job so shared state stays valid across the run.
	cleanupCtx := context.WithoutCancel(ctx)
	for _, job := range jobs {
		if err := guard(job.Name()+" cleanup", func() error { return job.Cleanup(cleanupCtx) }); err != nil {
			errs = append(errs, err)
		}
	}

	final := domain.RunStateFinished
	if len(errs) > 0 {
		final = domain.RunStateError
	}
	messages := make([]string, len(errs))
	for i, err := range errs {
		messages[i] = err.Error()
	}

	if c.runLog != nil {
		logCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := c.runLog.UpdateRunCompleted(logCtx, runID, final, messages); err != nil {
			log.WithError(err).WithField("run_id", runID).Warn("failed to record run completion")
		}
		cancel()
	}
	c.metrics.RunCompleted(final)

	c.mu.Lock()
	c.errs = errs
	c.owner = domain.PauseOwnerNone
	c.resume = nil
	c.cancel()
	c.cancel = nil
	c.setState(final)
	c.mu.Unlock()
	entry := log.WithFields(log.Fields{"run_id": runID, "state": final})
	if len(errs) > 0 {
		entry.WithField("errors", strings.Join(messages, "; ")).Warn("run failed")
	} else {
		entry.Info("run finished")
	}
}

// guard runs fn, turning a panic into an error tagged with name.
func guard(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = domain.NewError(domain.ErrorKindDomain, "%s panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		return domain.WrapError(domain.ErrorKindDomain, err, name)
	}
	return nil
}

// WaitForStateChange blocks until the worker terminates or pauses at an outer gate, and
// returns the state at that point. Pauses owned by the synchronization agent are waited through.
func (c *Coordinator) WaitForStateChange(ctx context.Context) (domain.RunState, error) {
	for {
		c.mu.Lock()
		state, owner, changed := c.state, c.owner, c.changed
		c.mu.Unlock()

		if state != domain.RunStateRunning && !(state == domain.RunStateWaiting && owner == domain.PauseOwnerAgent) {
			return state, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return state, ctx.Err()
		}
	}
}

// Pause marks the run as waiting. Called on the worker. A gate pause blocks until Resume or
// cancellation; an agent pause returns at once and the agent reports Resumed itself.
func (c *Coordinator) Pause(ctx context.Context, owner domain.PauseOwner) error {
	c.mu.Lock()
	if c.state != domain.RunStateRunning {
		c.mu.Unlock()
		return domain.StateError("cannot pause in state %s", c.state)
	}
	resume := make(chan struct{})
	c.owner = owner
	c.resume = resume
	c.setState(domain.RunStateWaiting)
	if owner == domain.PauseOwnerGate {
		c.recordState(c.runID, domain.RunStateWaiting)
	}
	c.mu.Unlock()
	c.metrics.Paused(owner)

	if owner != domain.PauseOwnerGate {
		return nil
	}
	select {
	case <-resume:
		return nil
	case <-ctx.Done():
		c.Resumed()
		return ctx.Err()
	}
}

// Resumed marks the run as running again after a pause.
func (c *Coordinator) Resumed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.RunStateWaiting {
		return
	}
	c.owner = domain.PauseOwnerNone
	c.resume = nil
	c.setState(domain.RunStateRunning)
}

// Resume releases a gate pause.
func (c *Coordinator) Resume() error {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	c.mu.Lock()
	if c.state != domain.RunStateWaiting {
		c.mu.Unlock()
		return domain.ErrNotPaused
	}
	if c.owner == domain.PauseOwnerAgent {
		c.mu.Unlock()
		return domain.ErrPausedByAgent
	}
	close(c.resume)
	c.resume = nil
	c.owner = domain.PauseOwnerNone
	c.setState(domain.RunStateRunning)
	c.recordState(c.runID, domain.RunStateRunning)
	c.mu.Unlock()
	return nil
}

// recordState notes a gate pause or resume in the run log. Failures are only logged.
// Called with mu held so the log sees states in order.
func (c *Coordinator) recordState(runID string, state domain.RunState) {
	if c.runLog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.runLog.UpdateRunState(ctx, runID, state); err != nil {
		log.WithError(err).WithFields(log.Fields{"run_id": runID, "state": state}).Warn("failed to record run state")
	}
}

// Cancel stops the active run at the next day or job boundary.
func (c *Coordinator) Cancel() bool {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	log.WithField("run_id", c.runID).Info("run cancellation requested")
	c.cancel()
	return true
}

// Acknowledge clears the error state back to idling.
func (c *Coordinator) Acknowledge() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != domain.RunStateError {
		return false
	}
	c.errs = nil
	c.setState(domain.RunStateIdling)
	return true
}

func (c *Coordinator) State() domain.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Owner returns who holds the current pause.
func (c *Coordinator) Owner() domain.PauseOwner {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner
}

// Errors returns the errors of the most recent run in order.
func (c *Coordinator) Errors() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.errs...)
}

func (c *Coordinator) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Idle reports whether no worker is active, so engine state may be touched from outside.
// A gate pause counts as idle because the worker is parked outside the engine.
func (c *Coordinator) Idle() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case domain.RunStateRunning:
		return false
	case domain.RunStateWaiting:
		return c.owner == domain.PauseOwnerGate
	}
	return true
}

// WithEngine runs fn while the coordinator is idle and holds off any Run, Resume or Cancel
// until fn returns. It fails with ErrRunInProgress when a worker is inside the engine.
func (c *Coordinator) WithEngine(fn func() error) error {
	c.engineMu.Lock()
	defer c.engineMu.Unlock()
	if !c.Idle() {
		return domain.ErrRunInProgress
	}
	return fn()
}

// Gate returns an end-of-day handler that pauses the run until the outer controller resumes it.
func (c *Coordinator) Gate() engine.HandlerFunc {
	return func(ctx context.Context) error {
		return c.Pause(ctx, domain.PauseOwnerGate)
	}
}

// Shutdown cancels any active run and waits for the worker to exit.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	c.shutdown()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Join(ctx.Err(), fmt.Errorf("worker still running"))
	}
}
