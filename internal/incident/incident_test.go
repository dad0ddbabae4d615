package incident

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/task"
)

func exhaustedTask() *task.Task {
	t := task.New("generate_content", task.PriorityHigh, task.Context{Instruction: "Execute part 1 of launch", RetryCount: 2, MaxRetries: 2})
	t.Status = task.StatusFailed
	return t
}

func TestFromTaskCarriesRetryState(t *testing.T) {
	inc := FromTask(exhaustedTask(), "low confidence")
	if inc.ID == "" || inc.RetryCount != 2 || inc.MaxRetries != 2 {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if inc.Code != xerrors.CodeRetriesExhausted || inc.Severity != xerrors.SeverityCritical {
		t.Fatalf("unexpected classification: %s %s", inc.Code, inc.Severity)
	}
	if inc.Metadata["instruction"] != "Execute part 1 of launch" {
		t.Fatalf("instruction missing from metadata: %+v", inc.Metadata)
	}
}

func TestFromFailureClassifiesByCause(t *testing.T) {
	xerrors.Register("TEST_SIDE_EFFECT", xerrors.Policy{Severity: xerrors.SeverityCritical, Alert: true})
	cause := xerrors.Wrap("TEST_SIDE_EFFECT", errors.New("receipt reverted"), "transfer unconfirmed")
	inc := FromFailure(exhaustedTask(), cause)
	if inc.Code != "TEST_SIDE_EFFECT" || inc.Severity != xerrors.SeverityCritical || !strings.Contains(inc.Error, "receipt reverted") {
		t.Fatalf("unexpected incident: %+v", inc)
	}
	if plain := FromFailure(exhaustedTask(), errors.New("boom")); plain.Code != xerrors.CodeRetriesExhausted {
		t.Fatalf("untagged cause should fall back to retries exhausted, got %s", plain.Code)
	}
}

func TestFanoutReachesEverySink(t *testing.T) {
	store := queue.NewMemoryStore()
	repo := NewMemoryRepository(10)
	dispatcher := NewFanout(
		&QueueNotifier{Producer: store},
		&ArchiveNotifier{Repository: repo},
		LogNotifier{},
		&QueueNotifier{Producer: store, Queue: "duplicate"},
	)

	inc := FromTask(exhaustedTask(), "boom")
	if err := dispatcher.Raise(context.Background(), inc); err != nil {
		t.Fatalf("raise: %v", err)
	}

	items := store.Items(queue.IncidentQueue)
	if len(items) != 1 {
		t.Fatalf("期望 incident_queue 中 1 条事件，实际 %d", len(items))
	}
	decoded, err := Decode(items[0])
	if err != nil || decoded.TaskID != inc.TaskID {
		t.Fatalf("unexpected queued incident %+v err %v", decoded, err)
	}
	if n := len(store.Items("duplicate")); n != 0 {
		t.Fatalf("duplicate sink should be ignored, got %d", n)
	}
	archived, _ := repo.ListLatest(context.Background(), 0)
	if len(archived) != 1 || archived[0].ID != inc.ID {
		t.Fatalf("unexpected archive: %+v", archived)
	}
}

func TestFanoutJoinsErrors(t *testing.T) {
	store := queue.NewMemoryStore()
	store.FailWith(errors.New("down"))
	dispatcher := NewFanout(&QueueNotifier{Producer: store}, &ArchiveNotifier{})
	err := dispatcher.Raise(context.Background(), FromTask(exhaustedTask(), "x"))
	if err == nil || !strings.Contains(err.Error(), "sink queue") || !strings.Contains(err.Error(), "sink archive") {
		t.Fatalf("expected joined sink errors, got %v", err)
	}
}

func TestMemoryRepositoryCapacity(t *testing.T) {
	repo := NewMemoryRepository(2)
	for _, id := range []string{"a", "b", "c"} {
		_ = repo.Save(context.Background(), Incident{ID: id})
	}
	list, _ := repo.ListLatest(context.Background(), 10)
	if len(list) != 2 || list[0].ID != "c" || list[1].ID != "b" {
		t.Fatalf("unexpected list: %+v", list)
	}
}

type fakePublisher struct {
	exchange, key string
	msg           amqp.Publishing
}

func (f *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	f.exchange, f.key, f.msg = exchange, key, msg
	return nil
}

func TestAMQPNotifierPublishesPersistentJSON(t *testing.T) {
	pub := &fakePublisher{}
	notifier := &AMQPNotifier{ch: pub, queue: "chimera.incidents"}
	inc := FromTask(exhaustedTask(), "boom")
	inc.RaisedAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	if err := notifier.Notify(context.Background(), inc); err != nil {
		t.Fatalf("notify: %v", err)
	}
	if pub.key != "chimera.incidents" || pub.exchange != "" {
		t.Fatalf("unexpected routing %q/%q", pub.exchange, pub.key)
	}
	if pub.msg.DeliveryMode != amqp.Persistent || pub.msg.MessageId != inc.ID {
		t.Fatalf("unexpected publishing: %+v", pub.msg)
	}
	var decoded Incident
	if err := json.Unmarshal(pub.msg.Body, &decoded); err != nil || decoded.TaskID != inc.TaskID {
		t.Fatalf("unexpected body %s err %v", pub.msg.Body, err)
	}
}

func TestNewAMQPNotifierRequiresURL(t *testing.T) {
	if _, err := NewAMQPNotifier(AMQPConfig{}); err == nil {
		t.Fatal("expected error for empty url")
	}
}
