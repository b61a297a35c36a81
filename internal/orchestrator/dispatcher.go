package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pipevane-labs/pipevane/internal/artifacts"
	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/launcher"
	"github.com/pipevane-labs/pipevane/internal/platform/metrics"
	"github.com/pipevane-labs/pipevane/internal/store"
)

// DispatchConfig bounds the retry behavior of the dispatcher. Task-logic
// failures consume MaxRetries; launcher-unreachable failures are retried on
// the separate LaunchAttempts budget so transient infrastructure blips do
// not burn a task's retry budget.
type DispatchConfig struct {
	MaxRetries      int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	LaunchAttempts  int
	LaunchBackoff   time.Duration
	ClaimTimeout    time.Duration
}

func (c *DispatchConfig) withDefaults() {
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 10 * time.Second
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = 5 * time.Minute
	}
	if c.LaunchAttempts < 1 {
		c.LaunchAttempts = 3
	}
	if c.LaunchBackoff <= 0 {
		c.LaunchBackoff = time.Second
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = 5 * time.Minute
	}
}

// Dispatcher claims ready tasks and drives their attempts through the
// launcher. All state changes go through store CAS transitions, so any
// number of dispatchers may race on the same run: exactly one claim wins,
// the rest no-op.
type Dispatcher struct {
	store    store.Store
	launcher launcher.Launcher
	namer    *artifacts.Namer
	prober   *artifacts.Prober
	metrics  *metrics.Collector
	logger   *slog.Logger
	cfg      DispatchConfig
}

func NewDispatcher(st store.Store, l launcher.Launcher, namer *artifacts.Namer, prober *artifacts.Prober, collector *metrics.Collector, logger *slog.Logger, cfg DispatchConfig) *Dispatcher {
	if st == nil || l == nil || namer == nil {
		return nil
	}
	cfg.withDefaults()
	return &Dispatcher{
		store:    st,
		launcher: l,
		namer:    namer,
		prober:   prober,
		metrics:  collector,
		logger:   logger,
		cfg:      cfg,
	}
}

// Dispatch claims the pending attempt and launches its container. A lost
// claim (another dispatcher already moved the attempt) returns nil without
// side effects.
func (d *Dispatcher) Dispatch(ctx context.Context, run domain.Run, task domain.TaskSpec, execution domain.TaskExecution, inputs map[string]domain.ResolvedArgument) error {
	began := time.Now()
	now := began.UTC()
	claimed, err := d.store.TransitionTask(ctx, run.ID, task.ID, execution.Attempt, domain.TaskPending, domain.TaskStarting, store.TaskUpdate{
		ResolvedInputs: inputs,
		StartedAt:      &now,
	})
	if err != nil {
		return fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	if !claimed {
		// Lost the race; the winning dispatcher owns the attempt.
		d.metrics.TaskDispatched("lost_claim", time.Since(began))
		return nil
	}

	outputURIs := d.namer.OutputURIs(execution.ID, outputNames(task.Component))
	logURI := d.namer.LogURI(execution.ID)

	spec, err := d.buildLaunchSpec(run, task, execution, inputs, outputURIs, logURI)
	if err != nil {
		// Structural error: retrying cannot fix the graph.
		d.metrics.TaskDispatched("invalid", time.Since(began))
		return d.failWithoutRetry(ctx, run.ID, task.ID, execution, domain.TaskStarting, err.Error())
	}

	handle, err := d.launchWithRetry(ctx, spec)
	if err != nil {
		d.metrics.TaskDispatched("launch_failed", time.Since(began))
		return d.failAttempt(ctx, run, task, execution, domain.TaskStarting, fmt.Sprintf("launch: %v", err))
	}

	raw, err := launcher.EncodeHandle(handle)
	if err != nil {
		return d.failWithoutRetry(ctx, run.ID, task.ID, execution, domain.TaskStarting, err.Error())
	}
	ok, err := d.store.TransitionTask(ctx, run.ID, task.ID, execution.Attempt, domain.TaskStarting, domain.TaskRunning, store.TaskUpdate{
		Handle: raw,
		LogURI: logURI,
	})
	if err != nil {
		return fmt.Errorf("record launch of task %s: %w", task.ID, err)
	}
	if !ok {
		d.logf("task transition lost after launch", "run_id", run.ID, "task_id", task.ID, "attempt", execution.Attempt)
	}
	d.metrics.TaskDispatched("launched", time.Since(began))
	d.logf("task launched", "run_id", run.ID, "task_id", task.ID, "attempt", execution.Attempt, "backend", handle.Backend)
	return nil
}

// Observe reconciles one claimed or running attempt against the launcher.
// Called every controller sweep; also how crash recovery reattaches to
// handles left over by a previous process.
func (d *Dispatcher) Observe(ctx context.Context, run domain.Run, task domain.TaskSpec, execution domain.TaskExecution) error {
	if len(execution.Handle) == 0 {
		// Claimed but never launched: either a dispatcher is mid-launch or
		// a previous process died between claim and launch. Only after the
		// claim timeout do we treat the outcome as unknown and retry.
		if execution.StartedAt == nil || time.Since(*execution.StartedAt) < d.cfg.ClaimTimeout {
			return nil
		}
		return d.failAttempt(ctx, run, task, execution, execution.Status, "claim expired with no launch recorded")
	}

	handle, err := launcher.DecodeHandle(execution.Handle)
	if err != nil {
		return d.failWithoutRetry(ctx, run.ID, task.ID, execution, execution.Status, err.Error())
	}

	obs, err := d.launcher.Poll(ctx, handle)
	if err != nil {
		if errors.Is(err, launcher.ErrUnreachable) {
			// Infrastructure blip: next sweep retries, task budget untouched.
			d.logf("launcher unreachable during poll", "run_id", run.ID, "task_id", task.ID, "error", err)
			return nil
		}
		return fmt.Errorf("poll task %s: %w", task.ID, err)
	}

	switch obs.Status {
	case launcher.StatusPending:
		return nil
	case launcher.StatusRunning:
		if execution.Status == domain.TaskStarting {
			_, err := d.store.TransitionTask(ctx, run.ID, task.ID, execution.Attempt, domain.TaskStarting, domain.TaskRunning, store.TaskUpdate{})
			return err
		}
		return nil
	case launcher.StatusSucceeded:
		return d.completeAttempt(ctx, run, task, execution)
	case launcher.StatusFailed:
		message := obs.Message
		if message == "" && obs.ExitCode != nil {
			message = "exit code " + strconv.Itoa(*obs.ExitCode)
		}
		return d.failAttempt(ctx, run, task, execution, execution.Status, message)
	case launcher.StatusUnknown:
		// The backend lost the container; treat as failure and retry.
		return d.failAttempt(ctx, run, task, execution, execution.Status, "execution outcome unknown: "+obs.Message)
	default:
		return fmt.Errorf("unexpected launcher status %q for task %s", obs.Status, task.ID)
	}
}

func (d *Dispatcher) completeAttempt(ctx context.Context, run domain.Run, task domain.TaskSpec, execution domain.TaskExecution) error {
	outputURIs := d.namer.OutputURIs(execution.ID, outputNames(task.Component))
	var refs map[string]domain.ArtifactRef
	if d.prober != nil {
		refs = d.prober.Probe(ctx, outputURIs)
	} else {
		refs = make(map[string]domain.ArtifactRef, len(outputURIs))
		for name, uri := range outputURIs {
			refs[name] = domain.ArtifactRef{URI: uri}
		}
	}
	if err := d.store.RecordTaskOutputs(ctx, run.ID, task.ID, execution.Attempt, refs); err != nil {
		return fmt.Errorf("record outputs of task %s: %w", task.ID, err)
	}
	now := time.Now().UTC()
	ok, err := d.store.TransitionTask(ctx, run.ID, task.ID, execution.Attempt, execution.Status, domain.TaskSucceeded, store.TaskUpdate{FinishedAt: &now})
	if err != nil {
		return fmt.Errorf("complete task %s: %w", task.ID, err)
	}
	if ok {
		d.metrics.TaskOutcome(string(domain.TaskSucceeded))
		d.logf("task succeeded", "run_id", run.ID, "task_id", task.ID, "attempt", execution.Attempt)
	}
	return nil
}

// failAttempt finishes the current attempt and, when the retry budget
// allows, appends the next pending attempt with a backoff delay.
func (d *Dispatcher) failAttempt(ctx context.Context, run domain.Run, task domain.TaskSpec, execution domain.TaskExecution, expected domain.TaskStatus, message string) error {
	now := time.Now().UTC()

	if execution.Attempt > d.cfg.MaxRetries {
		ok, err := d.store.TransitionTask(ctx, run.ID, task.ID, execution.Attempt, expected, domain.TaskFailed, store.TaskUpdate{
			ErrorMessage: message,
			FinishedAt:   &now,
		})
		if err != nil {
			return fmt.Errorf("fail task %s: %w", task.ID, err)
		}
		if ok {
			d.metrics.TaskOutcome(string(domain.TaskFailed))
			d.logf("task failed permanently", "run_id", run.ID, "task_id", task.ID, "attempt", execution.Attempt, "error", message)
		}
		return nil
	}

	// The successor attempt is inserted before the current attempt is
	// failed: the task's latest attempt must never read as terminal while
	// retry budget remains, or a concurrent controller sweeping between the
	// two writes would settle the run. InsertAttempt is idempotent, so two
	// controllers failing the same attempt share one retry record.
	retry := domain.TaskExecution{
		ID:            newExecutionID(),
		RunID:         run.ID,
		TaskID:        task.ID,
		Attempt:       execution.Attempt + 1,
		Status:        domain.TaskPending,
		EarliestStart: now.Add(d.retryDelay(execution.Attempt)),
		CreatedAt:     now,
	}
	if _, err := d.store.InsertAttempt(ctx, retry); err != nil {
		return fmt.Errorf("schedule retry of task %s: %w", task.ID, err)
	}

	ok, err := d.store.TransitionTask(ctx, run.ID, task.ID, execution.Attempt, expected, domain.TaskFailed, store.TaskUpdate{
		ErrorMessage: message,
		FinishedAt:   &now,
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", task.ID, err)
	}
	if !ok {
		return nil
	}
	d.metrics.TaskOutcome(string(domain.TaskFailed))
	d.logf("task attempt failed, retry scheduled", "run_id", run.ID, "task_id", task.ID, "attempt", execution.Attempt, "next_attempt", retry.Attempt, "error", message)
	return nil
}

// FailPermanently marks the attempt failed with no successor attempt. Used
// for structural errors such as dangling references, where retrying cannot
// change the outcome.
func (d *Dispatcher) FailPermanently(ctx context.Context, run domain.Run, execution domain.TaskExecution, message string) error {
	return d.failWithoutRetry(ctx, run.ID, execution.TaskID, execution, execution.Status, message)
}

// failWithoutRetry marks the attempt failed with no successor attempt.
func (d *Dispatcher) failWithoutRetry(ctx context.Context, runID, taskID string, execution domain.TaskExecution, expected domain.TaskStatus, message string) error {
	now := time.Now().UTC()
	ok, err := d.store.TransitionTask(ctx, runID, taskID, execution.Attempt, expected, domain.TaskFailed, store.TaskUpdate{
		ErrorMessage: message,
		FinishedAt:   &now,
	})
	if err != nil {
		return fmt.Errorf("fail task %s: %w", taskID, err)
	}
	if ok {
		d.metrics.TaskOutcome(string(domain.TaskFailed))
		d.logf("task failed without retry", "run_id", runID, "task_id", taskID, "attempt", execution.Attempt, "error", message)
	}
	return nil
}

// CancelAttempt forwards cancellation to the launcher (best effort) and
// marks the attempt cancelled in bookkeeping. Backends without preemption
// may leave the container running externally; the record still settles.
func (d *Dispatcher) CancelAttempt(ctx context.Context, run domain.Run, execution domain.TaskExecution) error {
	if len(execution.Handle) > 0 {
		handle, err := launcher.DecodeHandle(execution.Handle)
		if err == nil {
			if stopped, err := d.launcher.Cancel(ctx, handle); err != nil {
				d.logf("launcher cancel failed", "run_id", run.ID, "task_id", execution.TaskID, "error", err)
			} else if !stopped {
				d.logf("launcher does not support preemption", "run_id", run.ID, "task_id", execution.TaskID)
			}
		}
	}
	now := time.Now().UTC()
	ok, err := d.store.TransitionTask(ctx, run.ID, execution.TaskID, execution.Attempt, execution.Status, domain.TaskCancelled, store.TaskUpdate{FinishedAt: &now})
	if err != nil {
		return fmt.Errorf("cancel task %s: %w", execution.TaskID, err)
	}
	if ok {
		d.metrics.TaskOutcome(string(domain.TaskCancelled))
	}
	return nil
}

func (d *Dispatcher) launchWithRetry(ctx context.Context, spec launcher.LaunchSpec) (launcher.Handle, error) {
	var lastErr error
	for attempt := 1; attempt <= d.cfg.LaunchAttempts; attempt++ {
		handle, err := d.launcher.Launch(ctx, spec)
		if err == nil {
			return handle, nil
		}
		lastErr = err
		if !errors.Is(err, launcher.ErrUnreachable) {
			return launcher.Handle{}, err
		}
		if attempt == d.cfg.LaunchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return launcher.Handle{}, ctx.Err()
		case <-time.After(d.cfg.LaunchBackoff * time.Duration(attempt)):
		}
	}
	return launcher.Handle{}, lastErr
}

func (d *Dispatcher) retryDelay(failedAttempt int) time.Duration {
	delay := d.cfg.RetryBackoff
	for i := 1; i < failedAttempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxRetryBackoff {
			return d.cfg.MaxRetryBackoff
		}
	}
	if delay > d.cfg.MaxRetryBackoff {
		return d.cfg.MaxRetryBackoff
	}
	return delay
}

func (d *Dispatcher) buildLaunchSpec(run domain.Run, task domain.TaskSpec, execution domain.TaskExecution, inputs map[string]domain.ResolvedArgument, outputURIs map[string]string, logURI string) (launcher.LaunchSpec, error) {
	args, err := renderArgs(task.Component, inputs, outputURIs)
	if err != nil {
		return launcher.LaunchSpec{}, err
	}

	env := map[string]string{
		"PIPEVANE_RUN_ID":  run.ID,
		"PIPEVANE_TASK_ID": task.ID,
		"PIPEVANE_ATTEMPT": strconv.Itoa(execution.Attempt),
	}
	for _, v := range task.Component.Container.Env {
		if _, reserved := env[v.Name]; reserved {
			continue
		}
		env[v.Name] = v.Value
	}

	annotations := map[string]string{}
	for k, v := range run.Annotations {
		annotations[k] = v
	}
	for k, v := range task.Annotations {
		annotations[k] = v
	}

	return launcher.LaunchSpec{
		Name:        "pv-" + execution.ID,
		Image:       task.Component.Container.Image,
		Command:     task.Component.Container.Command,
		Args:        args,
		Env:         env,
		OutputURIs:  outputURIs,
		LogURI:      logURI,
		Annotations: annotations,
	}, nil
}

// renderArgs substitutes the component's argument template with resolved
// input values, input artifact URIs and generated output URIs.
func renderArgs(component domain.ComponentSpec, inputs map[string]domain.ResolvedArgument, outputURIs map[string]string) ([]string, error) {
	args := make([]string, 0, len(component.Container.Args))
	for i, template := range component.Container.Args {
		switch {
		case template.Constant != "":
			args = append(args, template.Constant)
		case template.InputValue != "":
			argument, ok := inputs[template.InputValue]
			if !ok {
				// Optional input left unbound: the flagless template form
				// drops the argument entirely.
				continue
			}
			value, err := argumentValue(argument)
			if err != nil {
				return nil, fmt.Errorf("arg[%d] input %q: %w", i, template.InputValue, err)
			}
			args = append(args, value)
		case template.InputURI != "":
			argument, ok := inputs[template.InputURI]
			if !ok {
				continue
			}
			value, err := argumentURI(argument)
			if err != nil {
				return nil, fmt.Errorf("arg[%d] input %q: %w", i, template.InputURI, err)
			}
			args = append(args, value)
		case template.OutputURI != "":
			uri, ok := outputURIs[template.OutputURI]
			if !ok {
				return nil, fmt.Errorf("arg[%d] references undeclared output %q", i, template.OutputURI)
			}
			args = append(args, uri)
		default:
			return nil, fmt.Errorf("arg[%d] has no binding", i)
		}
	}
	return args, nil
}

func argumentValue(argument domain.ResolvedArgument) (string, error) {
	switch {
	case argument.Value != nil:
		return *argument.Value, nil
	case argument.Artifact != nil:
		if argument.Artifact.Value != nil {
			return *argument.Artifact.Value, nil
		}
		return argument.Artifact.URI, nil
	case argument.Collection != nil:
		parts := make([]string, 0, len(argument.Collection))
		for _, element := range argument.Collection {
			part, err := argumentValue(element)
			if err != nil {
				return "", err
			}
			parts = append(parts, part)
		}
		encoded, err := json.Marshal(parts)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	default:
		return "", errors.New("argument resolved to nothing")
	}
}

func argumentURI(argument domain.ResolvedArgument) (string, error) {
	switch {
	case argument.Artifact != nil:
		return argument.Artifact.URI, nil
	case argument.Collection != nil:
		uris := make([]string, 0, len(argument.Collection))
		for _, element := range argument.Collection {
			uri, err := argumentURI(element)
			if err != nil {
				return "", err
			}
			uris = append(uris, uri)
		}
		encoded, err := json.Marshal(uris)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	default:
		return "", errors.New("argument has no artifact reference")
	}
}

func outputNames(component domain.ComponentSpec) []string {
	names := make([]string, 0, len(component.Outputs))
	for _, port := range component.Outputs {
		names = append(names, port.Name)
	}
	return names
}

func (d *Dispatcher) logf(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Info(msg, args...)
	}
}
