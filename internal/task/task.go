package task

import (
	"time"

	"github.com/google/uuid"

	xerrors "Chimera-Swarm/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReview     Status = "review"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
)

// Priority 表示任务优先级。重试不会改变优先级。
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// ResultStatus 表示一次执行的结果状态。
type ResultStatus string

const (
	ResultSuccess ResultStatus = "success"
	ResultFailure ResultStatus = "failure"
)

// Context 携带任务的指令与重试状态。
//
// 重试状态以强类型字段保存，序列化时与 Extra 一起平铺到 JSON 的 context 对象中。
type Context struct {
	Instruction string
	RetryCount  int
	MaxRetries  int
	Extra       map[string]any
}

// Task 描述由 Planner 创建、经 task_queue 分发给 Worker 的工作单元。
type Task struct {
	ID               string
	Type             string
	Priority         Priority
	Context          Context
	AssignedWorkerID string
	CreatedAt        time.Time
	Status           Status
}

// Transaction 标记结果为交易类结果，TxRef 为交易凭证（例如交易哈希）。
type Transaction struct {
	TxRef string `json:"tx_ref"`
}

// Result 是 Worker 处理一次任务后产生的结果，只读地流经 review_queue。
type Result struct {
	TaskID          string
	WorkerID        string
	Output          any
	ConfidenceScore float64
	Status          ResultStatus
	ExecutedAt      time.Time
	Error           string
	// Transaction 为 nil 表示普通结果。
	Transaction *Transaction
}

// New 创建一个处于 pending 状态的新任务。
func New(taskType string, priority Priority, ctx Context) *Task {
	return &Task{
		ID:        uuid.NewString(),
		Type:      taskType,
		Priority:  priority,
		Context:   ctx.clone(),
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Context = t.Context.clone()
	return &clone
}

// RetriesExhausted 判断任务是否已用尽重试次数。
func (t *Task) RetriesExhausted() bool {
	return t.Context.RetryCount >= t.Context.MaxRetries
}

// IsTransactional 判断结果是否为交易类结果。
func (r *Result) IsTransactional() bool {
	return r != nil && r.Transaction != nil && r.Transaction.TxRef != ""
}

// Clone 返回结果的浅拷贝，Transaction 会被复制。
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	clone := *r
	if r.Transaction != nil {
		tx := *r.Transaction
		clone.Transaction = &tx
	}
	return &clone
}

func (c Context) clone() Context {
	c.Extra = cloneExtra(c.Extra)
	return c
}

func cloneExtra(extra map[string]any) map[string]any {
	if extra == nil {
		return nil
	}
	cloned := make(map[string]any, len(extra))
	for key, value := range extra {
		cloned[key] = value
	}
	return cloned
}

const (
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeTaskValidation, xerrors.Policy{
		Text:      "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Policy{
		Text:      "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Policy{
		Text:      "failed to publish to queue",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusInProgress, StatusReview, StatusComplete, StatusFailed:
		return true
	default:
		return false
	}
}

// IsValidPriority 检查优先级枚举。
func IsValidPriority(priority Priority) bool {
	switch priority {
	case PriorityHigh, PriorityMedium, PriorityLow:
		return true
	default:
		return false
	}
}

// IsValidResultStatus 检查结果状态枚举。
func IsValidResultStatus(status ResultStatus) bool {
	return status == ResultSuccess || status == ResultFailure
}

// IsValidationError 判断错误是否为反序列化/校验失败。
func IsValidationError(err error) bool {
	return xerrors.HasCode(err, CodeTaskValidation)
}

// IsProcessingError 判断错误是否为任务执行逻辑抛出的错误。
func IsProcessingError(err error) bool {
	return xerrors.HasCode(err, CodeTaskProcessing)
}
