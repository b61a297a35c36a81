package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pipevane-labs/pipevane/internal/artifacts"
	"github.com/pipevane-labs/pipevane/internal/domain"
	"github.com/pipevane-labs/pipevane/internal/launcher"
	"github.com/pipevane-labs/pipevane/internal/store"
	"github.com/pipevane-labs/pipevane/internal/store/memory"
)

type controllerFixture struct {
	store      *memory.Store
	launcher   *fakeLauncher
	controller *Controller
	run        domain.Run
}

func newControllerFixture(t *testing.T, g domain.PipelineGraph, dispatchCfg DispatchConfig, cfg Config) *controllerFixture {
	t.Helper()
	st := memory.New()
	fl := newFakeLauncher()
	namer := artifacts.NewNamer("s3://artifacts", "s3://logs")
	d := NewDispatcher(st, fl, namer, nil, nil, nil, dispatchCfg)
	c := NewController(st, d, nil, nil, cfg)
	if c == nil {
		t.Fatal("NewController returned nil")
	}

	run := domain.Run{ID: "run-1", Graph: g, Status: domain.RunPending, CreatedAt: time.Now().UTC()}
	executions := make([]domain.TaskExecution, 0, len(g.Tasks))
	for _, task := range g.Tasks {
		executions = append(executions, domain.TaskExecution{
			ID:      "exec-" + task.ID,
			RunID:   run.ID,
			TaskID:  task.ID,
			Attempt: 1,
			Status:  domain.TaskPending,
		})
	}
	if err := st.CreateRun(context.Background(), run, executions); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}
	return &controllerFixture{store: st, launcher: fl, controller: c, run: run}
}

// step re-reads the run and advances it once, the way a sweep does.
func (fx *controllerFixture) step(t *testing.T) domain.Run {
	t.Helper()
	ctx := context.Background()
	run, err := fx.store.GetRun(ctx, fx.run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if run.Status.Terminal() {
		return run
	}
	if _, err := fx.controller.StepRun(ctx, run); err != nil {
		t.Fatalf("StepRun: %v", err)
	}
	run, err = fx.store.GetRun(ctx, fx.run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	return run
}

func (fx *controllerFixture) stepUntilTerminal(t *testing.T, maxSteps int) domain.Run {
	t.Helper()
	var run domain.Run
	for i := 0; i < maxSteps; i++ {
		run = fx.step(t)
		if run.Status.Terminal() {
			return run
		}
	}
	t.Fatalf("run did not settle within %d steps, status %s", maxSteps, run.Status)
	return run
}

func (fx *controllerFixture) taskStatuses(t *testing.T) map[string]domain.TaskStatus {
	t.Helper()
	executions, err := fx.store.ListExecutions(context.Background(), fx.run.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	statuses := make(map[string]domain.TaskStatus)
	for taskID, execution := range store.LatestAttempts(executions) {
		statuses[taskID] = execution.Status
	}
	return statuses
}

func TestControllerDrivesChainToSuccess(t *testing.T) {
	fx := newControllerFixture(t, chainGraph(), DispatchConfig{}, Config{})
	fx.launcher.auto = launcher.StatusSucceeded

	run := fx.stepUntilTerminal(t, 10)
	if run.Status != domain.RunSucceeded {
		t.Fatalf("run status = %s, want succeeded", run.Status)
	}
	if run.EndedAt == nil {
		t.Fatal("ended timestamp was not set")
	}
	for taskID, status := range fx.taskStatuses(t) {
		if status != domain.TaskSucceeded {
			t.Fatalf("task %s = %s, want succeeded", taskID, status)
		}
	}
	if got := fx.launcher.launchCount(); got != 4 {
		t.Fatalf("launch count = %d, want 4", got)
	}
}

func TestControllerFailsRunAndSkipsDownstream(t *testing.T) {
	fx := newControllerFixture(t, chainGraph(), DispatchConfig{MaxRetries: 0}, Config{})
	fx.launcher.auto = launcher.StatusFailed

	run := fx.stepUntilTerminal(t, 10)
	if run.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}

	statuses := fx.taskStatuses(t)
	if statuses["a"] != domain.TaskFailed {
		t.Fatalf("task a = %s, want failed", statuses["a"])
	}
	for _, taskID := range []string{"b", "c", "d"} {
		if statuses[taskID] != domain.TaskSkipped {
			t.Fatalf("task %s = %s, want skipped", taskID, statuses[taskID])
		}
	}
	if got := fx.launcher.launchCount(); got != 1 {
		t.Fatalf("launch count = %d, want 1", got)
	}
}

func TestControllerDrainsIndependentBranchOnFailure(t *testing.T) {
	g := domain.PipelineGraph{
		Name: "two-branches",
		Tasks: []domain.TaskSpec{
			{ID: "doomed", Component: producerComponent()},
			{ID: "doomed-child", Component: consumerComponent(), Arguments: map[string]domain.ArgumentSource{"in": outRef("doomed", "out")}},
			{ID: "fine", Component: producerComponent()},
		},
	}
	fx := newControllerFixture(t, g, DispatchConfig{MaxRetries: 0}, Config{})
	fx.launcher.auto = launcher.StatusSucceeded
	fx.launcher.observations["pv-exec-doomed"] = launcher.Observation{Status: launcher.StatusFailed}

	run := fx.stepUntilTerminal(t, 10)
	if run.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	statuses := fx.taskStatuses(t)
	if statuses["fine"] != domain.TaskSucceeded {
		t.Fatalf("independent branch = %s, want succeeded under drain policy", statuses["fine"])
	}
	if statuses["doomed-child"] != domain.TaskSkipped {
		t.Fatalf("downstream of failure = %s, want skipped", statuses["doomed-child"])
	}
}

func TestControllerCancelRequestWindsRunDown(t *testing.T) {
	fx := newControllerFixture(t, chainGraph(), DispatchConfig{}, Config{})
	fx.launcher.auto = launcher.StatusRunning

	fx.step(t) // dispatches a, which then reports running forever
	if err := fx.store.RequestCancel(context.Background(), fx.run.ID); err != nil {
		t.Fatalf("RequestCancel: %v", err)
	}

	run := fx.stepUntilTerminal(t, 5)
	if run.Status != domain.RunCancelled {
		t.Fatalf("run status = %s, want cancelled", run.Status)
	}
	statuses := fx.taskStatuses(t)
	for taskID, status := range statuses {
		if status != domain.TaskCancelled {
			t.Fatalf("task %s = %s, want cancelled", taskID, status)
		}
	}
	if len(fx.launcher.cancelled) != 1 {
		t.Fatalf("cancelled containers = %v, want the one in flight", fx.launcher.cancelled)
	}
}

func TestControllerFailFastAbortsLiveWork(t *testing.T) {
	g := domain.PipelineGraph{
		Name: "parallel",
		Tasks: []domain.TaskSpec{
			{ID: "bad", Component: producerComponent()},
			{ID: "slow", Component: producerComponent()},
		},
	}
	fx := newControllerFixture(t, g, DispatchConfig{MaxRetries: 0}, Config{FailFast: true})
	fx.launcher.auto = launcher.StatusRunning
	fx.launcher.observations["pv-exec-bad"] = launcher.Observation{Status: launcher.StatusFailed}

	run := fx.stepUntilTerminal(t, 5)
	if run.Status != domain.RunFailed {
		t.Fatalf("run status = %s, want failed", run.Status)
	}
	statuses := fx.taskStatuses(t)
	if statuses["bad"] != domain.TaskFailed {
		t.Fatalf("task bad = %s, want failed", statuses["bad"])
	}
	if statuses["slow"] != domain.TaskCancelled {
		t.Fatalf("task slow = %s, want cancelled by fail-fast", statuses["slow"])
	}
}

func TestControllerHonorsMaxInFlight(t *testing.T) {
	g := domain.PipelineGraph{
		Name: "wide",
		Tasks: []domain.TaskSpec{
			{ID: "p1", Component: producerComponent()},
			{ID: "p2", Component: producerComponent()},
			{ID: "p3", Component: producerComponent()},
		},
	}
	fx := newControllerFixture(t, g, DispatchConfig{}, Config{MaxInFlight: 1})
	fx.launcher.auto = launcher.StatusRunning

	fx.step(t)
	if got := fx.launcher.launchCount(); got != 1 {
		t.Fatalf("launch count = %d, want 1 with MaxInFlight=1", got)
	}
	fx.step(t)
	if got := fx.launcher.launchCount(); got != 1 {
		t.Fatalf("launch count = %d, want concurrency still capped", got)
	}
}

// interceptStore runs a hook exactly once, right after an attempt is
// recorded as failed and before the dispatcher regains control. This is the
// window where a second controller process may sweep the run.
type interceptStore struct {
	store.Store
	onFailed func()
	fired    bool
}

func (s *interceptStore) TransitionTask(ctx context.Context, runID, taskID string, attempt int, expected, next domain.TaskStatus, update store.TaskUpdate) (bool, error) {
	ok, err := s.Store.TransitionTask(ctx, runID, taskID, attempt, expected, next, update)
	if ok && next == domain.TaskFailed && !s.fired && s.onFailed != nil {
		s.fired = true
		s.onFailed()
	}
	return ok, err
}

func TestConcurrentSweepDoesNotSettleRetryableFailure(t *testing.T) {
	ctx := context.Background()
	g := domain.PipelineGraph{
		Name:  "solo",
		Tasks: []domain.TaskSpec{{ID: "solo", Component: producerComponent()}},
	}

	st := &interceptStore{Store: memory.New()}
	fl := newFakeLauncher()
	fl.auto = launcher.StatusFailed
	namer := artifacts.NewNamer("s3://artifacts", "s3://logs")
	d := NewDispatcher(st, fl, namer, nil, nil, nil, DispatchConfig{MaxRetries: 2})
	c := NewController(st, d, nil, nil, Config{})
	rival := NewController(st, d, nil, nil, Config{})

	run := domain.Run{ID: "run-1", Graph: g, Status: domain.RunPending, CreatedAt: time.Now().UTC()}
	executions := []domain.TaskExecution{{ID: "exec-solo", RunID: run.ID, TaskID: "solo", Attempt: 1, Status: domain.TaskPending}}
	if err := st.CreateRun(ctx, run, executions); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	st.onFailed = func() {
		current, err := st.GetRun(ctx, run.ID)
		if err != nil {
			t.Errorf("GetRun in rival sweep: %v", err)
			return
		}
		if _, err := rival.StepRun(ctx, current); err != nil {
			t.Errorf("rival StepRun: %v", err)
		}
	}

	for i := 0; i < 2; i++ {
		current, err := st.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if _, err := c.StepRun(ctx, current); err != nil {
			t.Fatalf("StepRun: %v", err)
		}
	}

	if !st.fired {
		t.Fatal("failure path was never reached")
	}
	after, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if after.Status.Terminal() {
		t.Fatalf("run settled as %s with retry budget remaining", after.Status)
	}
	all, err := st.ListExecutions(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListExecutions: %v", err)
	}
	latest := store.LatestAttempts(all)["solo"]
	if latest.Attempt != 2 || latest.Status != domain.TaskPending {
		t.Fatalf("latest attempt = %d/%s, want 2/pending", latest.Attempt, latest.Status)
	}
}
