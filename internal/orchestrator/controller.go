package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/platform/metrics"
	"github.com/pipevane-labs/pipevane/internal/store"
)

// Config tunes the controller's sweep loop.
type Config struct {
	// PollInterval is the period between sweeps over active runs.
	PollInterval time.Duration
	// MaxInFlight caps the number of starting/running attempts per run.
	// Zero means no cap.
	MaxInFlight int
	// FailFast cancels the remaining work of a run as soon as any task
	// fails permanently. The default drains independent branches to
	// completion and only then settles the run.
	FailFast bool
}

func (c *Config) withDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
}

// Controller sweeps active runs on a fixed interval: observes in-flight
// attempts, propagates skips, dispatches ready tasks and settles runs whose
// tasks have all reached a terminal state. The loop holds no state between
// sweeps, so a restarted process reconciles purely from the store.
type Controller struct {
	store      store.Store
	dispatcher *Dispatcher
	metrics    *metrics.Collector
	logger     *slog.Logger
	cfg        Config
	wake       chan struct{}
}

func NewController(st store.Store, dispatcher *Dispatcher, collector *metrics.Collector, logger *slog.Logger, cfg Config) *Controller {
	if st == nil || dispatcher == nil {
		return nil
	}
	cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		store:      st,
		dispatcher: dispatcher,
		metrics:    collector,
		logger:     logger,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}
}

// Wake requests an immediate sweep without waiting for the next tick.
// Safe to call from any goroutine; redundant wakes coalesce.
func (c *Controller) Wake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Run drives the sweep loop until ctx is cancelled.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	c.logger.Info("run controller started", "poll_interval", c.cfg.PollInterval, "max_in_flight", c.cfg.MaxInFlight, "fail_fast", c.cfg.FailFast)
	for {
		c.sweep(ctx)
		select {
		case <-ctx.Done():
			c.logger.Info("run controller stopped")
			return ctx.Err()
		case <-ticker.C:
		case <-c.wake:
		}
	}
}

func (c *Controller) sweep(ctx context.Context) {
	runs, err := c.store.ListActiveRuns(ctx)
	if err != nil {
		c.logger.Error("list active runs", "error", err)
		return
	}

	inFlight := 0
	for _, run := range runs {
		if ctx.Err() != nil {
			return
		}
		n, err := c.StepRun(ctx, run)
		if err != nil {
			c.logger.Error("step run", "run_id", run.ID, "error", err)
		}
		inFlight += n
	}
	c.metrics.SetInFlight(inFlight)
}

// StepRun advances a single run by one reconciliation step and reports how
// many of its attempts remain in flight. Every state change is a CAS
// transition, so concurrent controllers converge instead of conflicting.
func (c *Controller) StepRun(ctx context.Context, run domain.Run) (int, error) {
	if run.Status == domain.RunPending {
		started, err := c.store.UpdateRunStatus(ctx, run.ID, domain.RunPending, domain.RunRunning, nil)
		if err != nil {
			return 0, fmt.Errorf("start run: %w", err)
		}
		if started {
			c.logger.Info("run started", "run_id", run.ID)
		}
		run.Status = domain.RunRunning
	}

	snap, err := c.snapshot(ctx, run)
	if err != nil {
		return 0, err
	}

	// Observe before dispatching so finished attempts free their slots and
	// unblock downstream tasks within the same sweep.
	c.observeInFlight(ctx, snap)

	snap, err = c.snapshot(ctx, run)
	if err != nil {
		return 0, err
	}

	if run.CancelRequested {
		return snap.InFlight(), c.cancelRun(ctx, snap)
	}

	if c.cfg.FailFast && snap.HasPermanentFailure() {
		return snap.InFlight(), c.abortRun(ctx, snap)
	}

	ready, skip := ResolveReady(snap, time.Now().UTC())
	c.applySkips(ctx, snap, skip)

	c.dispatchReady(ctx, snap, ready)

	snap, err = c.snapshot(ctx, run)
	if err != nil {
		return 0, err
	}
	if snap.AllSettled() {
		return 0, c.settleRun(ctx, snap)
	}
	return snap.InFlight(), nil
}

func (c *Controller) snapshot(ctx context.Context, run domain.Run) (Snapshot, error) {
	executions, err := c.store.ListExecutions(ctx, run.ID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("list executions: %w", err)
	}
	return NewSnapshot(run, executions), nil
}

func (c *Controller) observeInFlight(ctx context.Context, snap Snapshot) {
	for _, task := range snap.Run.Graph.Tasks {
		execution, ok := snap.Latest[task.ID]
		if !ok {
			continue
		}
		if execution.Status != domain.TaskStarting && execution.Status != domain.TaskRunning {
			continue
		}
		if err := c.dispatcher.Observe(ctx, snap.Run, task, execution); err != nil {
			c.logger.Error("observe task", "run_id", snap.Run.ID, "task_id", task.ID, "error", err)
		}
	}
}

func (c *Controller) applySkips(ctx context.Context, snap Snapshot, skip []string) {
	now := time.Now().UTC()
	for _, taskID := range skip {
		execution, ok := snap.Latest[taskID]
		if !ok {
			continue
		}
		ok, err := c.store.TransitionTask(ctx, snap.Run.ID, taskID, execution.Attempt, domain.TaskPending, domain.TaskSkipped, store.TaskUpdate{FinishedAt: &now})
		if err != nil {
			c.logger.Error("skip task", "run_id", snap.Run.ID, "task_id", taskID, "error", err)
			continue
		}
		if ok {
			c.metrics.TaskOutcome(string(domain.TaskSkipped))
			c.logger.Info("task skipped", "run_id", snap.Run.ID, "task_id", taskID)
		}
	}
}

func (c *Controller) dispatchReady(ctx context.Context, snap Snapshot, ready []string) {
	budget := len(ready)
	if c.cfg.MaxInFlight > 0 {
		budget = c.cfg.MaxInFlight - snap.InFlight()
	}
	if budget <= 0 {
		return
	}

	var wg sync.WaitGroup
	for _, taskID := range ready {
		if budget == 0 {
			break
		}
		task, ok := snap.Run.Graph.TaskByID(taskID)
		if !ok {
			continue
		}
		execution, ok := snap.Latest[taskID]
		if !ok {
			continue
		}
		budget--

		inputs, err := ResolveInputs(task, snap)
		if err != nil {
			if errors.Is(err, ErrUnresolvedReference) {
				if failErr := c.dispatcher.FailPermanently(ctx, snap.Run, execution, err.Error()); failErr != nil {
					c.logger.Error("fail unresolvable task", "run_id", snap.Run.ID, "task_id", taskID, "error", failErr)
				}
				continue
			}
			c.logger.Error("resolve task inputs", "run_id", snap.Run.ID, "task_id", taskID, "error", err)
			continue
		}

		wg.Add(1)
		go func(task domain.TaskSpec, execution domain.TaskExecution, inputs map[string]domain.ResolvedArgument) {
			defer wg.Done()
			if err := c.dispatcher.Dispatch(ctx, snap.Run, task, execution, inputs); err != nil {
				c.logger.Error("dispatch task", "run_id", snap.Run.ID, "task_id", task.ID, "error", err)
			}
		}(task, execution, inputs)
	}
	wg.Wait()
}

// cancelRun winds a run down after cancellation was requested: pending
// attempts are cancelled directly, in-flight attempts are preempted through
// the launcher, and once everything settles the run itself is marked
// cancelled.
func (c *Controller) cancelRun(ctx context.Context, snap Snapshot) error {
	now := time.Now().UTC()
	for _, task := range snap.Run.Graph.Tasks {
		execution, ok := snap.Latest[task.ID]
		if !ok || execution.Status.Terminal() {
			continue
		}
		switch execution.Status {
		case domain.TaskPending:
			if _, err := c.store.TransitionTask(ctx, snap.Run.ID, task.ID, execution.Attempt, domain.TaskPending, domain.TaskCancelled, store.TaskUpdate{FinishedAt: &now}); err != nil {
				c.logger.Error("cancel pending task", "run_id", snap.Run.ID, "task_id", task.ID, "error", err)
			}
		case domain.TaskStarting, domain.TaskRunning:
			if err := c.dispatcher.CancelAttempt(ctx, snap.Run, execution); err != nil {
				c.logger.Error("cancel running task", "run_id", snap.Run.ID, "task_id", task.ID, "error", err)
			}
		}
	}

	refreshed, err := c.snapshot(ctx, snap.Run)
	if err != nil {
		return err
	}
	if !refreshed.AllSettled() {
		return nil
	}
	return c.finishRun(ctx, snap.Run, domain.RunCancelled)
}

// abortRun implements fail-fast: cancel whatever is still live and fail the
// run without waiting for independent branches.
func (c *Controller) abortRun(ctx context.Context, snap Snapshot) error {
	now := time.Now().UTC()
	for _, task := range snap.Run.Graph.Tasks {
		execution, ok := snap.Latest[task.ID]
		if !ok || execution.Status.Terminal() {
			continue
		}
		switch execution.Status {
		case domain.TaskPending:
			if _, err := c.store.TransitionTask(ctx, snap.Run.ID, task.ID, execution.Attempt, domain.TaskPending, domain.TaskCancelled, store.TaskUpdate{FinishedAt: &now}); err != nil {
				c.logger.Error("abort pending task", "run_id", snap.Run.ID, "task_id", task.ID, "error", err)
			}
		case domain.TaskStarting, domain.TaskRunning:
			if err := c.dispatcher.CancelAttempt(ctx, snap.Run, execution); err != nil {
				c.logger.Error("abort running task", "run_id", snap.Run.ID, "task_id", task.ID, "error", err)
			}
		}
	}

	refreshed, err := c.snapshot(ctx, snap.Run)
	if err != nil {
		return err
	}
	if !refreshed.AllSettled() {
		return nil
	}
	return c.finishRun(ctx, snap.Run, domain.RunFailed)
}

func (c *Controller) settleRun(ctx context.Context, snap Snapshot) error {
	status := domain.RunSucceeded
	switch {
	case snap.Run.CancelRequested:
		status = domain.RunCancelled
	case snap.HasPermanentFailure():
		status = domain.RunFailed
	}
	return c.finishRun(ctx, snap.Run, status)
}

func (c *Controller) finishRun(ctx context.Context, run domain.Run, status domain.RunStatus) error {
	now := time.Now().UTC()
	ok, err := c.store.UpdateRunStatus(ctx, run.ID, domain.RunRunning, status, &now)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if ok {
		c.metrics.RunCompleted(string(status))
		c.logger.Info("run finished", "run_id", run.ID, "status", status)
	}
	return nil
}
