package planner

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/incident"
	"Chimera-Swarm/internal/judge"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/pkg/logger"
)

type fixedAdmission struct {
	status governor.Status
	err    error
	calls  int
}

func (f *fixedAdmission) CheckRequest(context.Context, string, float64) (governor.Status, error) {
	f.calls++
	return f.status, f.err
}

type recordingDispatcher struct {
	mu        sync.Mutex
	incidents []incident.Incident
	err       error
}

func (r *recordingDispatcher) Raise(_ context.Context, inc incident.Incident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
	return r.err
}

func newTestPlanner(store queue.Store, admission Admission, opts ...Option) (*Planner, *recordingDispatcher) {
	incidents := &recordingDispatcher{}
	opts = append([]Option{WithIncidents(incidents), WithLogger(logger.Discard())}, opts...)
	return New(store, admission, opts...), incidents
}

func TestDecomposeGoalProducesOrderedHighPriorityTasks(t *testing.T) {
	p, _ := newTestPlanner(queue.NewMemoryStore(), &fixedAdmission{status: governor.Allow})
	tasks, err := p.DecomposeGoal(context.Background(), "Launch viral campaign")
	if err != nil {
		t.Fatalf("decompose: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("期望 2 个任务，实际 %d", len(tasks))
	}
	for i, tk := range tasks {
		want := "Execute part " + string(rune('1'+i)) + " of Launch viral campaign"
		if tk.Context.Instruction != want {
			t.Fatalf("task %d instruction %q", i, tk.Context.Instruction)
		}
		if tk.Priority != task.PriorityHigh || tk.Status != task.StatusPending || tk.Type != DefaultTaskType {
			t.Fatalf("unexpected task stamp: %+v", tk)
		}
		if tk.Context.RetryCount != 0 || tk.Context.MaxRetries != DefaultMaxRetries {
			t.Fatalf("unexpected retry state: %+v", tk.Context)
		}
	}
}

func TestDecomposeGoalBlockedHasNoSideEffects(t *testing.T) {
	store := queue.NewMemoryStore()
	p, _ := newTestPlanner(store, &fixedAdmission{status: governor.Block})
	tasks, err := p.SubmitGoal(context.Background(), "expensive")
	if err != nil || len(tasks) != 0 {
		t.Fatalf("blocked goal should yield nothing, got %d tasks err %v", len(tasks), err)
	}
	if n, _ := store.Len(context.Background(), queue.TaskQueue); n != 0 {
		t.Fatalf("blocked goal must not enqueue, queue len %d", n)
	}
}

func TestDecomposeGoalWarnStillProceeds(t *testing.T) {
	p, _ := newTestPlanner(queue.NewMemoryStore(), &fixedAdmission{status: governor.Warn})
	tasks, err := p.DecomposeGoal(context.Background(), "goal")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("warn should proceed, got %d err %v", len(tasks), err)
	}
}

func TestDecomposeGoalGovernorUnavailableIsBlock(t *testing.T) {
	failing := queue.NewMemoryStore()
	failing.FailWith(errors.New("redis down"))
	gov := governor.New(failing, governor.WithLogger(logger.Discard()))
	p, _ := newTestPlanner(queue.NewMemoryStore(), gov)
	tasks, err := p.DecomposeGoal(context.Background(), "goal")
	if len(tasks) != 0 || !governor.IsUnavailable(err) {
		t.Fatalf("expected empty result with unavailable error, got %d %v", len(tasks), err)
	}
}

func TestDecomposeGoalRejectsBlankGoal(t *testing.T) {
	admission := &fixedAdmission{status: governor.Allow}
	p, _ := newTestPlanner(queue.NewMemoryStore(), admission)
	if _, err := p.DecomposeGoal(context.Background(), "   "); !task.IsValidationError(err) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if admission.calls != 0 {
		t.Fatal("blank goal must not consult the governor")
	}
}

func TestSubmitGoalPushesToTailAndRegistersSnapshots(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	_ = store.Push(ctx, queue.TaskQueue, "existing")
	p, _ := newTestPlanner(store, &fixedAdmission{status: governor.Allow})

	tasks, err := p.SubmitGoal(ctx, "goal")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	items := store.Items(queue.TaskQueue)
	if len(items) != 3 || items[0] != "existing" {
		t.Fatalf("tasks must be appended at the tail: %v", items)
	}
	decoded, err := task.DecodeTask(items[1])
	if err != nil || decoded.ID != tasks[0].ID {
		t.Fatalf("first pushed task mismatch: %v %v", decoded, err)
	}
	if _, found, _ := p.registry.Load(ctx, tasks[1].ID); !found {
		t.Fatal("snapshot should be registered")
	}
}

func TestHandleFailureRequeuesAndIncrements(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	p, incidents := newTestPlanner(store, &fixedAdmission{status: governor.Allow})

	tk := task.New("generate_content", task.PriorityHigh, task.Context{Instruction: "x", MaxRetries: 2})
	tk.AssignedWorkerID = "worker-1"
	tk.Status = task.StatusReview

	outcome, err := p.HandleFailure(ctx, tk, "low confidence")
	if err != nil || outcome != OutcomeRequeued {
		t.Fatalf("expected requeue, got %s %v", outcome, err)
	}
	items := store.Items(queue.TaskQueue)
	if len(items) != 1 {
		t.Fatalf("期望 1 个重新入队的任务，实际 %d", len(items))
	}
	requeued, _ := task.DecodeTask(items[0])
	if requeued.Context.RetryCount != 1 || requeued.Status != task.StatusPending || requeued.AssignedWorkerID != "" {
		t.Fatalf("unexpected requeued task: %+v", requeued)
	}
	if requeued.Priority != task.PriorityHigh {
		t.Fatalf("priority must not change on retry")
	}
	if len(incidents.incidents) != 0 {
		t.Fatal("requeue must not raise an incident")
	}
}

func TestHandleFailureEscalatesAtBoundary(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	p, incidents := newTestPlanner(store, &fixedAdmission{status: governor.Allow})

	tk := task.New("generate_content", task.PriorityHigh, task.Context{Instruction: "x", RetryCount: 2, MaxRetries: 2})
	outcome, err := p.HandleFailure(ctx, tk, "still failing")
	if err != nil || outcome != OutcomeEscalated {
		t.Fatalf("expected escalation, got %s %v", outcome, err)
	}
	if n, _ := store.Len(ctx, queue.TaskQueue); n != 0 {
		t.Fatalf("escalated task must not be pushed, queue len %d", n)
	}
	if len(incidents.incidents) != 1 {
		t.Fatalf("期望恰好 1 个事件，实际 %d", len(incidents.incidents))
	}
	if inc := incidents.incidents[0]; inc.TaskID != tk.ID || inc.Error != "still failing" || inc.RetryCount != 2 {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if tk.Status != task.StatusFailed {
		t.Fatalf("task should be marked failed, got %s", tk.Status)
	}
}

func TestRetryCountIsMonotonicAcrossAttempts(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	p, incidents := newTestPlanner(store, &fixedAdmission{status: governor.Allow}, WithMaxRetries(2))

	tk := task.New("generate_content", task.PriorityHigh, task.Context{Instruction: "x"})
	var outcomes []Outcome
	last := -1
	for i := 0; i < 3; i++ {
		outcome, err := p.HandleFailure(ctx, tk, "fail")
		if err != nil {
			t.Fatalf("attempt %d: %v", i, err)
		}
		if tk.Context.RetryCount < last {
			t.Fatalf("retry count decreased: %d -> %d", last, tk.Context.RetryCount)
		}
		last = tk.Context.RetryCount
		outcomes = append(outcomes, outcome)
	}
	want := []Outcome{OutcomeRequeued, OutcomeRequeued, OutcomeEscalated}
	for i := range want {
		if outcomes[i] != want[i] {
			t.Fatalf("outcomes %v, want %v", outcomes, want)
		}
	}
	if len(incidents.incidents) != 1 || tk.Context.RetryCount != 2 {
		t.Fatalf("unexpected final state: %d incidents, retry %d", len(incidents.incidents), tk.Context.RetryCount)
	}
}

func TestHandleFailureReportsDispatchError(t *testing.T) {
	p, incidents := newTestPlanner(queue.NewMemoryStore(), &fixedAdmission{status: governor.Allow})
	incidents.err = errors.New("amqp closed")
	tk := task.New("x", task.PriorityHigh, task.Context{RetryCount: 2, MaxRetries: 2})
	outcome, err := p.HandleFailure(context.Background(), tk, "boom")
	if outcome != OutcomeEscalated || err == nil {
		t.Fatalf("dispatch failure must be surfaced, got %s %v", outcome, err)
	}
	if tk.Status == task.StatusFailed {
		t.Fatal("task must not be marked failed before the incident is raised")
	}
}

func TestHandleFailurePublishErrorIsReturned(t *testing.T) {
	store := queue.NewMemoryStore()
	p, _ := newTestPlanner(store, &fixedAdmission{status: governor.Allow})
	store.FailWith(errors.New("down"))
	tk := task.New("x", task.PriorityHigh, task.Context{MaxRetries: 2})
	if _, err := p.HandleFailure(context.Background(), tk, "boom"); !queue.IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
}

func TestHandleRejectionUsesRegistry(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	p, incidents := newTestPlanner(store, &fixedAdmission{status: governor.Allow})

	tasks, err := p.SubmitGoal(ctx, "goal")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// 清空队列，模拟 Worker 已取走任务。
	for range tasks {
		_, _ = store.BlockingPop(ctx, queue.TaskQueue, 0)
	}

	if err := p.HandleRejection(ctx, tasks[0].ID, xerrors.New(judge.CodeRejected, "confidence 0.5 below threshold")); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}
	items := store.Items(queue.TaskQueue)
	if len(items) != 1 {
		t.Fatalf("rejected task should be requeued once, got %d", len(items))
	}
	requeued, _ := task.DecodeTask(items[0])
	if requeued.ID != tasks[0].ID || requeued.Context.RetryCount != 1 {
		t.Fatalf("unexpected requeued task: %+v", requeued)
	}

	if err := p.HandleRejection(ctx, "missing", errors.New("x")); err != nil {
		t.Fatalf("unknown task should be dropped quietly: %v", err)
	}
	if len(incidents.incidents) != 0 {
		t.Fatal("no incident expected")
	}
}

func TestHandleRejectionEscalatesNonRetryableCause(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	p, incidents := newTestPlanner(store, &fixedAdmission{status: governor.Allow}, WithStrategy(SplitStrategy{Parts: 1}))

	tasks, err := p.SubmitGoal(ctx, "pay vendor")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, _ = store.BlockingPop(ctx, queue.TaskQueue, 0)

	cause := xerrors.Wrap(judge.CodeTxUnverified, errors.New("receipt reverted"), "")
	if err := p.HandleRejection(ctx, tasks[0].ID, cause); err != nil {
		t.Fatalf("handle rejection: %v", err)
	}
	if n, _ := store.Len(ctx, queue.TaskQueue); n != 0 {
		t.Fatalf("non-retryable rejection must not requeue, queue len %d", n)
	}
	if len(incidents.incidents) != 1 {
		t.Fatalf("期望恰好 1 个事件，实际 %d", len(incidents.incidents))
	}
	inc := incidents.incidents[0]
	if inc.Code != judge.CodeTxUnverified || inc.Severity != xerrors.SeverityCritical || inc.RetryCount != 0 {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	snapshot, _, _ := p.registry.Load(ctx, tasks[0].ID)
	if snapshot.Status != task.StatusFailed {
		t.Fatalf("snapshot should be failed, got %s", snapshot.Status)
	}

	if err := p.HandleRejection(ctx, tasks[0].ID, cause); err != nil || len(incidents.incidents) != 1 {
		t.Fatalf("repeated rejection must be ignored: %v, %d incidents", err, len(incidents.incidents))
	}
}

func TestEscalationIsRetriedAfterDispatchFailure(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	p, incidents := newTestPlanner(store, &fixedAdmission{status: governor.Allow},
		WithStrategy(SplitStrategy{Parts: 1}), WithMaxRetries(1))

	tasks, err := p.SubmitGoal(ctx, "goal")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	_, _ = store.BlockingPop(ctx, queue.TaskQueue, 0)
	if err := p.HandleRejection(ctx, tasks[0].ID, errors.New("weak")); err != nil {
		t.Fatalf("first rejection: %v", err)
	}
	_, _ = store.BlockingPop(ctx, queue.TaskQueue, 0)

	incidents.err = errors.New("amqp closed")
	if err := p.HandleRejection(ctx, tasks[0].ID, errors.New("weak")); err == nil {
		t.Fatal("dispatch failure must be surfaced")
	}
	snapshot, _, _ := p.registry.Load(ctx, tasks[0].ID)
	if snapshot.Status == task.StatusFailed {
		t.Fatal("snapshot must stay open until the incident is raised")
	}

	incidents.err = nil
	if err := p.HandleRejection(ctx, tasks[0].ID, errors.New("weak")); err != nil {
		t.Fatalf("redelivered rejection: %v", err)
	}
	if len(incidents.incidents) != 2 {
		t.Fatalf("incident should be raised again, got %d attempts", len(incidents.incidents))
	}
	snapshot, _, _ = p.registry.Load(ctx, tasks[0].ID)
	if snapshot.Status != task.StatusFailed {
		t.Fatalf("snapshot should be failed after escalation, got %s", snapshot.Status)
	}
	if n, _ := store.Len(ctx, queue.TaskQueue); n != 0 {
		t.Fatalf("escalated task must not be requeued, queue len %d", n)
	}
}

func TestRunContinuesAfterInvalidGoals(t *testing.T) {
	store := queue.NewMemoryStore()
	p, _ := newTestPlanner(store, &fixedAdmission{status: governor.Allow})
	if err := p.Run(context.Background(), []string{"a", " ", "b"}); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n, _ := store.Len(context.Background(), queue.TaskQueue); n != 4 {
		t.Fatalf("期望 4 个任务，实际 %d", n)
	}
}

func TestRunStopsOnQueueFailure(t *testing.T) {
	store := queue.NewMemoryStore()
	p, _ := newTestPlanner(store, &fixedAdmission{status: governor.Allow})
	store.FailWith(errors.New("down"))
	if err := p.Run(context.Background(), []string{"a"}); !queue.IsUnavailable(err) {
		t.Fatalf("expected queue failure, got %v", err)
	}
}

func TestLoadGoals(t *testing.T) {
	dir := t.TempDir()

	goals, err := LoadGoals(filepath.Join(dir, "missing.json"))
	if err != nil || len(goals) != 1 || goals[0] != DefaultGoal {
		t.Fatalf("missing file should yield default goal, got %v %v", goals, err)
	}

	jsonPath := filepath.Join(dir, "goals.json")
	_ = os.WriteFile(jsonPath, []byte(`{"goals":["Launch viral campaign"," ","Monitor operational health"]}`), 0o644)
	goals, err = LoadGoals(jsonPath)
	if err != nil || len(goals) != 2 || goals[1] != "Monitor operational health" {
		t.Fatalf("unexpected json goals %v %v", goals, err)
	}

	yamlPath := filepath.Join(dir, "goals.yaml")
	_ = os.WriteFile(yamlPath, []byte("goals:\n  - Grow audience\n"), 0o644)
	goals, err = LoadGoals(yamlPath)
	if err != nil || len(goals) != 1 || goals[0] != "Grow audience" {
		t.Fatalf("unexpected yaml goals %v %v", goals, err)
	}

	badPath := filepath.Join(dir, "bad.json")
	_ = os.WriteFile(badPath, []byte(`{"goals":`), 0o644)
	if _, err := LoadGoals(badPath); err == nil {
		t.Fatal("malformed goals file should fail")
	}
}

func TestStrategyFuncOverridesTaskType(t *testing.T) {
	strategy := StrategyFunc(func(_ context.Context, goal string) ([]Step, error) {
		return []Step{{TaskType: "transfer", Instruction: "pay for " + goal, Extra: map[string]any{"amount": 3.0}}}, nil
	})
	p, _ := newTestPlanner(queue.NewMemoryStore(), &fixedAdmission{status: governor.Allow}, WithStrategy(strategy))
	tasks, err := p.DecomposeGoal(context.Background(), "ads")
	if err != nil || len(tasks) != 1 || tasks[0].Type != "transfer" || tasks[0].Context.Extra["amount"] != 3.0 {
		t.Fatalf("unexpected tasks %+v %v", tasks, err)
	}
}
