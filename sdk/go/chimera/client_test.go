package chimera

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"Chimera-Swarm/internal/api"
	"Chimera-Swarm/internal/auth"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/incident"
	"Chimera-Swarm/internal/planner"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/pkg/logger"
)

func newTestClient(t *testing.T, tokens ...auth.TokenConfig) (*Client, *queue.MemoryStore) {
	t.Helper()
	store := queue.NewMemoryStore()
	gov := governor.New(store, governor.WithLogger(logger.Discard()))
	archive := incident.NewMemoryRepository(10)
	p := planner.New(store, gov,
		planner.WithIncidents(incident.NewFanout(&incident.ArchiveNotifier{Repository: archive})),
		planner.WithLogger(logger.Discard()))
	svc, err := auth.NewService(tokens)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	srv := api.NewServer(":0", api.Dependencies{
		Planner:    p,
		Budget:     gov,
		Queues:     store,
		Incidents:  archive,
		Health:     store,
		Auth:       svc,
		QueueNames: []string{queue.TaskQueue, queue.ReviewQueue, queue.IncidentQueue},
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	client, err := NewClient(ts.URL, ts.Client())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, store
}

func TestSubmitGoalAndQueues(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	receipt, err := client.SubmitGoal(ctx, "Launch viral campaign")
	if err != nil {
		t.Fatalf("submit goal: %v", err)
	}
	if receipt.Blocked || len(receipt.Tasks) != 2 || receipt.Tasks[0].TaskType != "generate_content" {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	depths, err := client.Queues(ctx)
	if err != nil {
		t.Fatalf("queues: %v", err)
	}
	if depths[queue.TaskQueue] != 2 || depths[queue.ReviewQueue] != 0 {
		t.Fatalf("unexpected depths: %v", depths)
	}
	if err := client.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestBudgetLifecycle(t *testing.T) {
	client, _ := newTestClient(t)
	ctx := context.Background()

	status, err := client.RecordSpend(ctx, "agent-x", 45)
	if err != nil {
		t.Fatalf("record spend: %v", err)
	}
	if status.Spent != 45 || status.Status != "WARN" {
		t.Fatalf("unexpected status after spend: %+v", status)
	}
	status, err = client.Budget(ctx, "agent-x", 10)
	if err != nil {
		t.Fatalf("budget: %v", err)
	}
	if status.Status != "BLOCK" || status.Limit != 50 {
		t.Fatalf("expected BLOCK, got %+v", status)
	}

	_, err = client.RecordSpend(ctx, "agent-x", -1)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "INVALID_ARGUMENT" {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestBlockedGoalIsNotAnError(t *testing.T) {
	client, store := newTestClient(t)
	ctx := context.Background()
	if _, err := client.RecordSpend(ctx, planner.DefaultAgentID, 60); err != nil {
		t.Fatalf("record spend: %v", err)
	}
	receipt, err := client.SubmitGoal(ctx, "Expensive goal")
	if err != nil {
		t.Fatalf("blocked goal should not error: %v", err)
	}
	if !receipt.Blocked || len(receipt.Tasks) != 0 {
		t.Fatalf("unexpected receipt: %+v", receipt)
	}
	if n, _ := store.Len(ctx, queue.TaskQueue); n != 0 {
		t.Fatalf("blocked goal enqueued %d tasks", n)
	}
}

func TestIncidentsEmpty(t *testing.T) {
	client, _ := newTestClient(t)
	items, err := client.Incidents(context.Background(), 5)
	if err != nil {
		t.Fatalf("incidents: %v", err)
	}
	if len(items) != 0 {
		t.Fatalf("expected no incidents, got %+v", items)
	}
}

func TestAccessToken(t *testing.T) {
	client, _ := newTestClient(t, auth.TokenConfig{Name: "ops", Token: "tok", Permissions: []string{"*"}})
	ctx := context.Background()

	_, err := client.Queues(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %v", err)
	}
	client.SetAccessToken("tok")
	if _, err := client.Queues(ctx); err != nil {
		t.Fatalf("queues with token: %v", err)
	}
}

func TestNewClientRejectsBadURL(t *testing.T) {
	if _, err := NewClient("not a url", nil); err == nil {
		t.Fatal("expected error for relative url")
	}
}
