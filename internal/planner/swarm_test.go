package planner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/incident"
	"Chimera-Swarm/internal/judge"
	"Chimera-Swarm/internal/planner"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/storage/redis"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/internal/worker"
	"Chimera-Swarm/pkg/logger"
)

func runSwarm(t *testing.T, store queue.Store, p *planner.Planner, skill worker.Skill, wait time.Duration, opts ...judge.Option) (<-chan judge.Verdict, func()) {
	t.Helper()
	verdicts := make(chan judge.Verdict, 16)
	w := worker.New("w-1", store, skill, worker.WithPollWait(wait), worker.WithLogger(logger.Discard()))
	j := judge.New(append([]judge.Option{
		judge.WithQueue(store, "", wait),
		judge.WithRejectionHandler(p),
		judge.WithObserver(func(v judge.Verdict) { verdicts <- v }),
		judge.WithLogger(logger.Discard()),
	}, opts...)...)

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return w.Run(gctx) })
	group.Go(func() error { return j.Run(gctx) })
	stop := func() {
		cancel()
		if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			t.Errorf("swarm loop failed: %v", err)
		}
	}
	return verdicts, stop
}

func TestSwarmApprovesBothTasksOnRedis(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)
	store, err := redis.New(ctx, redis.Config{Address: server.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	gov := governor.New(store, governor.WithLogger(logger.Discard()))
	p := planner.New(store, gov, planner.WithLogger(logger.Discard()))

	tasks, err := p.SubmitGoal(ctx, "Launch viral campaign")
	if err != nil || len(tasks) != 2 {
		t.Fatalf("submit goal: %d tasks, err %v", len(tasks), err)
	}

	verdicts, stop := runSwarm(t, store, p, worker.EchoSkill{}, time.Second)
	defer stop()

	approved := map[string]bool{}
	for len(approved) < 2 {
		select {
		case v := <-verdicts:
			if v.Decision != judge.Approved {
				t.Fatalf("unexpected verdict: %+v", v)
			}
			approved[v.Result.TaskID] = true
		case <-time.After(5 * time.Second):
			t.Fatalf("只收到 %d 个结论", len(approved))
		}
	}
	for _, tk := range tasks {
		if !approved[tk.ID] {
			t.Fatalf("task %s was not approved", tk.ID)
		}
	}
	if n, _ := store.Len(ctx, queue.IncidentQueue); n != 0 {
		t.Fatalf("no incidents expected, got %d", n)
	}
}

func TestSwarmEscalatesAfterRetries(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	gov := governor.New(store, governor.WithLogger(logger.Discard()))
	p := planner.New(store, gov,
		planner.WithStrategy(planner.SplitStrategy{Parts: 1}),
		planner.WithLogger(logger.Discard()),
		planner.WithIncidents(incident.NewFanout(&incident.QueueNotifier{Producer: store})),
	)
	tasks, err := p.SubmitGoal(ctx, "Hard goal")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("submit goal: %v", err)
	}

	weak := worker.SkillFunc(func(context.Context, *task.Task) (worker.Outcome, error) {
		return worker.Outcome{Output: "draft", Confidence: 0.4}, nil
	})
	verdicts, stop := runSwarm(t, store, p, weak, 10*time.Millisecond)

	deadline := time.After(5 * time.Second)
	for {
		if n, _ := store.Len(ctx, queue.IncidentQueue); n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("task was never escalated")
		case <-time.After(5 * time.Millisecond):
		}
	}
	time.Sleep(50 * time.Millisecond)
	stop()

	if got := len(verdicts); got != planner.DefaultMaxRetries+1 {
		t.Fatalf("期望 %d 次评审，实际 %d", planner.DefaultMaxRetries+1, got)
	}
	items := store.Items(queue.IncidentQueue)
	if len(items) != 1 {
		t.Fatalf("exactly one incident expected, got %d", len(items))
	}
	inc, err := incident.Decode(items[0])
	if err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	if inc.TaskID != tasks[0].ID || inc.RetryCount != planner.DefaultMaxRetries {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if n, _ := store.Len(ctx, queue.TaskQueue); n != 0 {
		t.Fatalf("escalated task must not be requeued, queue has %d", n)
	}
}

func waitForIncident(t *testing.T, store queue.Store) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if n, _ := store.Len(context.Background(), queue.IncidentQueue); n >= 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("task was never escalated")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestSwarmDoesNotRepeatTransferWhenVerificationFails(t *testing.T) {
	ctx := context.Background()
	store := queue.NewMemoryStore()
	gov := governor.New(store, governor.WithLogger(logger.Discard()))
	payout := planner.StrategyFunc(func(context.Context, string) ([]planner.Step, error) {
		return []planner.Step{{
			TaskType:    "transfer",
			Instruction: "pay collaborator",
			Extra:       map[string]any{"to_address": "0x00000000000000000000000000000000000000AA", "amount": 10.0},
		}}, nil
	})
	p := planner.New(store, gov,
		planner.WithStrategy(payout),
		planner.WithLogger(logger.Discard()),
		planner.WithIncidents(incident.NewFanout(&incident.QueueNotifier{Producer: store})),
	)
	tasks, err := p.SubmitGoal(ctx, "Pay the collaborator")
	if err != nil || len(tasks) != 1 {
		t.Fatalf("submit goal: %v", err)
	}

	wallet := worker.NewMockWallet(common.HexToAddress("0x01"), 0)
	router := worker.NewRouter(worker.EchoSkill{}).
		Handle("transfer", worker.TransferSkill{Wallet: wallet, Budget: gov, AgentID: "agent-a", Log: logger.Discard()})
	unconfirmed := judge.VerifierFunc(func(context.Context, *task.Result) error {
		return errors.New("receipt not found")
	})
	verdicts, stop := runSwarm(t, store, p, router, 10*time.Millisecond, judge.WithVerifier(unconfirmed))

	waitForIncident(t, store)
	time.Sleep(50 * time.Millisecond)
	stop()

	if got := len(verdicts); got != 1 {
		t.Fatalf("transfer should be reviewed once, got %d verdicts", got)
	}
	if wallet.Balance() != 90 {
		t.Fatalf("transfer must run exactly once, balance %v", wallet.Balance())
	}
	if spent, _ := gov.CurrentSpend(ctx, "agent-a"); spent != 10 {
		t.Fatalf("spend must be recorded once, got %v", spent)
	}
	items := store.Items(queue.IncidentQueue)
	if len(items) != 1 {
		t.Fatalf("exactly one incident expected, got %d", len(items))
	}
	inc, err := incident.Decode(items[0])
	if err != nil {
		t.Fatalf("decode incident: %v", err)
	}
	if inc.TaskID != tasks[0].ID || inc.Code != judge.CodeTxUnverified || inc.RetryCount != 0 || inc.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if n, _ := store.Len(ctx, queue.TaskQueue); n != 0 {
		t.Fatalf("unverified transfer must not be requeued, queue has %d", n)
	}
}
