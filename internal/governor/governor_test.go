package governor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/storage/redis"
)

var fixedNow = time.Date(2026, 5, 20, 23, 59, 0, 0, time.UTC)

func newTestGovernor(store queue.Counter, opts ...Option) *Governor {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	g := New(store, opts...)
	g.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func TestCheckRequestThresholds(t *testing.T) {
	cases := []struct {
		name    string
		current float64
		cost    float64
		want    Status
	}{
		{"fresh day", 0, 5, Allow},
		{"exactly eighty percent", 39, 1, Allow},
		{"above warn ratio", 41, 1, Warn},
		{"exactly at limit", 49, 1, Warn},
		{"over limit", 51, 1, Block},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := queue.NewMemoryStore()
			g := newTestGovernor(store)
			if tc.current > 0 {
				if err := g.RecordSpend(context.Background(), "agent-1", tc.current); err != nil {
					t.Fatalf("seed spend: %v", err)
				}
			}
			status, err := g.CheckRequest(context.Background(), "agent-1", tc.cost)
			if err != nil {
				t.Fatalf("check: %v", err)
			}
			if status != tc.want {
				t.Fatalf("期望 %s，实际 %s", tc.want, status)
			}
		})
	}
}

func TestCheckRequestIsReadOnly(t *testing.T) {
	store := queue.NewMemoryStore()
	g := newTestGovernor(store)
	for i := 0; i < 3; i++ {
		if _, err := g.CheckRequest(context.Background(), "agent-1", 10); err != nil {
			t.Fatalf("check: %v", err)
		}
	}
	if _, found, _ := store.Get(context.Background(), g.DailyKey("agent-1", fixedNow)); found {
		t.Fatal("check must not write to the ledger")
	}
}

func TestCheckRequestBlocksWhenStoreUnavailable(t *testing.T) {
	store := queue.NewMemoryStore()
	store.FailWith(errors.New("connection refused"))
	g := newTestGovernor(store)
	status, err := g.CheckRequest(context.Background(), "agent-1", 1)
	if status != Block || !IsUnavailable(err) {
		t.Fatalf("expected BLOCK with unavailable error, got %s %v", status, err)
	}
}

func TestRecordSpendRetriesThenFails(t *testing.T) {
	store := &flakyCounter{Counter: queue.NewMemoryStore(), failures: 5}
	g := newTestGovernor(store, WithRecordRetry(3, time.Millisecond))
	err := g.RecordSpend(context.Background(), "agent-1", 2)
	if !IsUnavailable(err) {
		t.Fatalf("expected unavailable error, got %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("期望重试 3 次，实际 %d", store.calls)
	}
}

func TestRecordSpendRecoversWithinRetries(t *testing.T) {
	store := &flakyCounter{Counter: queue.NewMemoryStore(), failures: 2}
	g := newTestGovernor(store)
	if err := g.RecordSpend(context.Background(), "agent-1", 2.5); err != nil {
		t.Fatalf("record should succeed on third attempt: %v", err)
	}
	current, err := g.CurrentSpend(context.Background(), "agent-1")
	if err != nil || current != 2.5 {
		t.Fatalf("unexpected spend %v err %v", current, err)
	}
}

func TestRecordSpendRejectsInvalidAmounts(t *testing.T) {
	g := newTestGovernor(queue.NewMemoryStore())
	for _, amount := range []float64{-1, math.NaN(), math.Inf(1)} {
		err := g.RecordSpend(context.Background(), "agent-1", amount)
		if xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
			t.Fatalf("amount %v: expected invalid argument, got %v", amount, err)
		}
	}
	if err := g.RecordSpend(context.Background(), " ", 1); xerrors.CodeOf(err) != xerrors.CodeInvalidArgument {
		t.Fatalf("empty agent should be rejected, got %v", err)
	}
}

func TestRecordSpendSetsRetention(t *testing.T) {
	store := queue.NewMemoryStore()
	store.SetClock(func() time.Time { return fixedNow })
	g := newTestGovernor(store)
	if err := g.RecordSpend(context.Background(), "agent-1", 1); err != nil {
		t.Fatalf("record: %v", err)
	}
	if ttl := store.TTL(g.DailyKey("agent-1", fixedNow)); ttl != DefaultRetention {
		t.Fatalf("expected 48h retention, got %v", ttl)
	}
}

func TestDailyKeyUsesUTCDate(t *testing.T) {
	g := New(queue.NewMemoryStore())
	local := time.Date(2026, 5, 21, 6, 0, 0, 0, time.FixedZone("CST", 8*3600))
	if got := g.DailyKey("agent-7", local); got != "governance:budget:agent-7:2026-05-20" {
		t.Fatalf("unexpected key %s", got)
	}
}

func TestConcurrentRecordSpendSumsOnRedis(t *testing.T) {
	server := miniredis.RunT(t)
	store, err := redis.New(context.Background(), redis.Config{Address: server.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}
	defer store.Close()
	g := newTestGovernor(store)

	const workers = 25
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := g.RecordSpend(context.Background(), "agent-1", 0.25); err != nil {
				t.Errorf("record %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	current, err := g.CurrentSpend(context.Background(), "agent-1")
	if err != nil {
		t.Fatalf("current: %v", err)
	}
	if want := 0.25 * workers; fmt.Sprintf("%.2f", current) != fmt.Sprintf("%.2f", want) {
		t.Fatalf("期望累计 %.2f，实际 %.2f", want, current)
	}
}

type flakyCounter struct {
	queue.Counter
	failures int
	calls    int
}

func (f *flakyCounter) IncrByFloatWithExpiry(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	f.calls++
	if f.calls <= f.failures {
		return 0, queue.Unavailable(errors.New("timeout"), "flaky")
	}
	return f.Counter.IncrByFloatWithExpiry(ctx, key, amount, ttl)
}
