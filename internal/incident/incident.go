// Package incident 负责上报终态失败的任务。
//
// 事件是系统中唯一持久化的失败信号：Planner 在任务用尽重试后恰好上报一次，
// 由 Dispatcher 扇出到 incident_queue、RabbitMQ、归档库与审计日志。
package incident

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/pkg/logger"
)

// Sink 表示事件的投递目的地。
type Sink string

const (
	SinkQueue   Sink = "queue"
	SinkAMQP    Sink = "amqp"
	SinkArchive Sink = "archive"
	SinkLog     Sink = "log"
)

// Incident 描述一次任务的终态失败。
type Incident struct {
	ID         string            `json:"id"`
	TaskID     string            `json:"task_id"`
	TaskType   string            `json:"task_type"`
	Error      string            `json:"error"`
	RetryCount int               `json:"retry_count"`
	MaxRetries int               `json:"max_retries"`
	Code       xerrors.Code      `json:"code"`
	Severity   xerrors.Severity  `json:"severity"`
	RaisedAt   time.Time         `json:"raised_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// FromTask 根据重试耗尽的任务构造事件。
func FromTask(t *task.Task, message string) Incident {
	return build(t, xerrors.CodeRetriesExhausted, message)
}

// FromFailure 根据不可重试的失败构造事件，错误码与严重程度取自 cause。
// 没有错误码的 cause 按重试耗尽处理。
func FromFailure(t *task.Task, cause error) Incident {
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeRetriesExhausted
	}
	message := ""
	if cause != nil {
		message = cause.Error()
	}
	return build(t, code, message)
}

func build(t *task.Task, code xerrors.Code, message string) Incident {
	inc := Incident{
		ID:       uuid.NewString(),
		Error:    message,
		Code:     code,
		Severity: xerrors.PolicyOf(code).Severity,
		RaisedAt: time.Now().UTC(),
	}
	if t != nil {
		inc.TaskID = t.ID
		inc.TaskType = t.Type
		inc.RetryCount = t.Context.RetryCount
		inc.MaxRetries = t.Context.MaxRetries
		if instruction := t.Context.Instruction; instruction != "" {
			inc.Metadata = map[string]string{"instruction": instruction}
		}
	}
	return inc
}

// Encode 序列化事件。
func Encode(inc Incident) (string, error) {
	data, err := json.Marshal(inc)
	if err != nil {
		return "", fmt.Errorf("序列化事件失败: %w", err)
	}
	return string(data), nil
}

// Decode 解析事件。
func Decode(payload string) (Incident, error) {
	var inc Incident
	if err := json.Unmarshal([]byte(payload), &inc); err != nil {
		return Incident{}, fmt.Errorf("解析事件失败: %w", err)
	}
	return inc, nil
}

// Notifier 负责将事件投递到一个目的地。
type Notifier interface {
	Sink() Sink
	Notify(ctx context.Context, inc Incident) error
}

// Dispatcher 上报事件。
type Dispatcher interface {
	Raise(ctx context.Context, inc Incident) error
}

// FanoutDispatcher 将事件依次投递给所有注册的通知器。
type FanoutDispatcher struct {
	notifiers []Notifier
}

// NewFanout 创建一个新的 FanoutDispatcher，同一目的地只保留第一个通知器。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	seen := make(map[Sink]struct{}, len(notifiers))
	kept := make([]Notifier, 0, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		if _, dup := seen[n.Sink()]; dup {
			continue
		}
		seen[n.Sink()] = struct{}{}
		kept = append(kept, n)
	}
	return &FanoutDispatcher{notifiers: kept}
}

// Raise 将事件广播至所有目的地，任一失败都会被汇总返回。
func (d *FanoutDispatcher) Raise(ctx context.Context, inc Incident) error {
	if d == nil {
		return nil
	}
	var errs []error
	for _, notifier := range d.notifiers {
		if err := notifier.Notify(ctx, inc); err != nil {
			errs = append(errs, fmt.Errorf("sink %s: %w", notifier.Sink(), err))
		}
	}
	return errors.Join(errs...)
}

// QueueNotifier 将事件推送到共享存储中的 incident_queue。
type QueueNotifier struct {
	Producer queue.Producer
	Queue    string
}

// Sink 返回队列目的地。
func (n *QueueNotifier) Sink() Sink { return SinkQueue }

// Notify 推送事件。
func (n *QueueNotifier) Notify(ctx context.Context, inc Incident) error {
	if n == nil || n.Producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "incident queue 未配置")
	}
	name := n.Queue
	if name == "" {
		name = queue.IncidentQueue
	}
	payload, err := Encode(inc)
	if err != nil {
		return err
	}
	return n.Producer.Push(ctx, name, payload)
}

// LogNotifier 将事件写入审计日志，需要告警的错误码记为 ERROR，其余记为 WARN。
type LogNotifier struct{}

// Sink 返回日志目的地。
func (LogNotifier) Sink() Sink { return SinkLog }

// Notify 写入审计日志。
func (LogNotifier) Notify(ctx context.Context, inc Incident) error {
	level := slog.LevelWarn
	if xerrors.PolicyOf(inc.Code).Alert {
		level = slog.LevelError
	}
	logger.Audit().Log(ctx, level, "incident raised",
		slog.String("incident_id", inc.ID),
		slog.String("task_id", inc.TaskID),
		slog.String("task_type", inc.TaskType),
		slog.Int("retry_count", inc.RetryCount),
		slog.Int("max_retries", inc.MaxRetries),
		slog.String("code", string(inc.Code)),
		slog.String("severity", string(inc.Severity)),
		slog.String("error", inc.Error))
	return nil
}

// Repository 持久化并查询事件。
type Repository interface {
	Save(ctx context.Context, inc Incident) error
	ListLatest(ctx context.Context, limit int) ([]Incident, error)
}

// ArchiveNotifier 将事件写入归档仓库。
type ArchiveNotifier struct {
	Repository Repository
}

// Sink 返回归档目的地。
func (n *ArchiveNotifier) Sink() Sink { return SinkArchive }

// Notify 写入归档。
func (n *ArchiveNotifier) Notify(ctx context.Context, inc Incident) error {
	if n == nil || n.Repository == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "incident 归档未配置")
	}
	return n.Repository.Save(ctx, inc)
}

// MemoryRepository 在内存中保存最近的事件。
type MemoryRepository struct {
	mu       sync.RWMutex
	capacity int
	items    []Incident
}

// NewMemoryRepository 创建一个容量有限的内存仓库。
func NewMemoryRepository(capacity int) *MemoryRepository {
	if capacity <= 0 {
		capacity = 512
	}
	return &MemoryRepository{capacity: capacity}
}

// Save 保存事件，超出容量时丢弃最旧的记录。
func (m *MemoryRepository) Save(_ context.Context, inc Incident) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append([]Incident{inc}, m.items...)
	if len(m.items) > m.capacity {
		m.items = m.items[:m.capacity]
	}
	return nil
}

// ListLatest 按时间倒序返回最近的事件。
func (m *MemoryRepository) ListLatest(_ context.Context, limit int) ([]Incident, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.items) {
		limit = len(m.items)
	}
	out := make([]Incident, limit)
	copy(out, m.items[:limit])
	return out, nil
}
