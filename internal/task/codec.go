package task

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	xerrors "Chimera-Swarm/internal/errors"
)

const (
	contextInstruction = "instruction"
	contextRetryCount  = "retry_count"
	contextMaxRetries  = "max_retries"
)

// naiveTimeLayout 兼容不带时区后缀的 ISO-8601 时间戳，按 UTC 解析。
const naiveTimeLayout = "2006-01-02T15:04:05.999999999"

type taskWire struct {
	ID               string                     `json:"id"`
	TaskType         string                     `json:"task_type"`
	Priority         Priority                   `json:"priority"`
	Context          map[string]json.RawMessage `json:"context"`
	AssignedWorkerID *string                    `json:"assigned_worker_id"`
	CreatedAt        string                     `json:"created_at"`
	Status           Status                     `json:"status"`
}

type resultWire struct {
	TaskID          string       `json:"task_id"`
	WorkerID        string       `json:"worker_id"`
	Output          any          `json:"output"`
	ConfidenceScore float64      `json:"confidence_score"`
	Status          ResultStatus `json:"status"`
	ExecutedAt      string       `json:"executed_at"`
	Error           *string      `json:"error"`
	Transaction     *Transaction `json:"transaction,omitempty"`
}

// MarshalJSON 按线上格式输出任务，context 中平铺 instruction 与重试状态。
func (t Task) MarshalJSON() ([]byte, error) {
	ctx := make(map[string]json.RawMessage, len(t.Context.Extra)+3)
	for key, value := range t.Context.Extra {
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode context %q: %w", key, err)
		}
		ctx[key] = encoded
	}
	instruction, _ := json.Marshal(t.Context.Instruction)
	ctx[contextInstruction] = instruction
	ctx[contextRetryCount] = json.RawMessage(fmt.Sprintf("%d", t.Context.RetryCount))
	ctx[contextMaxRetries] = json.RawMessage(fmt.Sprintf("%d", t.Context.MaxRetries))

	wire := taskWire{
		ID:        t.ID,
		TaskType:  t.Type,
		Priority:  t.Priority,
		Context:   ctx,
		CreatedAt: formatTime(t.CreatedAt),
		Status:    t.Status,
	}
	if t.AssignedWorkerID != "" {
		worker := t.AssignedWorkerID
		wire.AssignedWorkerID = &worker
	}
	return json.Marshal(wire)
}

// UnmarshalJSON 解析并校验线上格式的任务。
func (t *Task) UnmarshalJSON(data []byte) error {
	var wire taskWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return validationError("任务 JSON 格式错误", err)
	}
	if strings.TrimSpace(wire.ID) == "" {
		return validationError("任务缺少 id", nil)
	}
	if strings.TrimSpace(wire.TaskType) == "" {
		return validationError("任务缺少 task_type", nil)
	}
	if wire.Priority == "" {
		wire.Priority = PriorityMedium
	}
	if !IsValidPriority(wire.Priority) {
		return validationError(fmt.Sprintf("未知的任务优先级 %q", wire.Priority), nil)
	}
	if wire.Status == "" {
		wire.Status = StatusPending
	}
	if !IsValidStatus(wire.Status) {
		return validationError(fmt.Sprintf("未知的任务状态 %q", wire.Status), nil)
	}
	createdAt, err := parseTime(wire.CreatedAt)
	if err != nil {
		return validationError("created_at 不是合法的 ISO-8601 时间", err)
	}
	ctx, err := decodeContext(wire.Context)
	if err != nil {
		return err
	}

	*t = Task{
		ID:        wire.ID,
		Type:      wire.TaskType,
		Priority:  wire.Priority,
		Context:   ctx,
		CreatedAt: createdAt,
		Status:    wire.Status,
	}
	if wire.AssignedWorkerID != nil {
		t.AssignedWorkerID = *wire.AssignedWorkerID
	}
	return nil
}

// MarshalJSON 按线上格式输出结果。
func (r Result) MarshalJSON() ([]byte, error) {
	wire := resultWire{
		TaskID:          r.TaskID,
		WorkerID:        r.WorkerID,
		Output:          r.Output,
		ConfidenceScore: r.ConfidenceScore,
		Status:          r.Status,
		ExecutedAt:      formatTime(r.ExecutedAt),
		Transaction:     r.Transaction,
	}
	if r.Error != "" {
		msg := r.Error
		wire.Error = &msg
	}
	return json.Marshal(wire)
}

// UnmarshalJSON 解析并校验线上格式的结果。
func (r *Result) UnmarshalJSON(data []byte) error {
	var wire resultWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return validationError("结果 JSON 格式错误", err)
	}
	if strings.TrimSpace(wire.TaskID) == "" {
		return validationError("结果缺少 task_id", nil)
	}
	if strings.TrimSpace(wire.WorkerID) == "" {
		return validationError("结果缺少 worker_id", nil)
	}
	if !IsValidResultStatus(wire.Status) {
		return validationError(fmt.Sprintf("未知的结果状态 %q", wire.Status), nil)
	}
	if math.IsNaN(wire.ConfidenceScore) || wire.ConfidenceScore < 0 || wire.ConfidenceScore > 1 {
		return validationError(fmt.Sprintf("confidence_score %v 超出 [0,1]", wire.ConfidenceScore), nil)
	}
	executedAt, err := parseTime(wire.ExecutedAt)
	if err != nil {
		return validationError("executed_at 不是合法的 ISO-8601 时间", err)
	}
	if wire.Transaction != nil && strings.TrimSpace(wire.Transaction.TxRef) == "" {
		wire.Transaction = nil
	}

	*r = Result{
		TaskID:          wire.TaskID,
		WorkerID:        wire.WorkerID,
		Output:          wire.Output,
		ConfidenceScore: wire.ConfidenceScore,
		Status:          wire.Status,
		ExecutedAt:      executedAt,
		Transaction:     wire.Transaction,
	}
	if wire.Error != nil {
		r.Error = *wire.Error
	}
	return nil
}

// EncodeTask 序列化任务以便推送到队列。
func EncodeTask(t *Task) (string, error) {
	if t == nil {
		return "", validationError("task 不能为空", nil)
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", validationError("序列化任务失败", err)
	}
	return string(data), nil
}

// DecodeTask 从队列载荷解析任务，失败时返回 ValidationError。
func DecodeTask(payload string) (*Task, error) {
	var t Task
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		if IsValidationError(err) {
			return nil, err
		}
		return nil, validationError("解析任务失败", err)
	}
	return &t, nil
}

// EncodeResult 序列化结果以便推送到 review_queue。
func EncodeResult(r *Result) (string, error) {
	if r == nil {
		return "", validationError("result 不能为空", nil)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return "", validationError("序列化结果失败", err)
	}
	return string(data), nil
}

// DecodeResult 从队列载荷解析结果，失败时返回 ValidationError。
func DecodeResult(payload string) (*Result, error) {
	var r Result
	if err := json.Unmarshal([]byte(payload), &r); err != nil {
		if IsValidationError(err) {
			return nil, err
		}
		return nil, validationError("解析结果失败", err)
	}
	return &r, nil
}

func decodeContext(raw map[string]json.RawMessage) (Context, error) {
	var ctx Context
	retryRaw, ok := raw[contextRetryCount]
	if !ok {
		return ctx, validationError("context 缺少 retry_count", nil)
	}
	retries, err := decodeCount(contextRetryCount, retryRaw)
	if err != nil {
		return ctx, err
	}
	ctx.RetryCount = retries

	if maxRaw, ok := raw[contextMaxRetries]; ok && !isNull(maxRaw) {
		maxRetries, err := decodeCount(contextMaxRetries, maxRaw)
		if err != nil {
			return ctx, err
		}
		ctx.MaxRetries = maxRetries
	}
	if instructionRaw, ok := raw[contextInstruction]; ok && !isNull(instructionRaw) {
		if err := json.Unmarshal(instructionRaw, &ctx.Instruction); err != nil {
			return ctx, validationError("context.instruction 必须是字符串", err)
		}
	}

	for key, value := range raw {
		switch key {
		case contextInstruction, contextRetryCount, contextMaxRetries:
			continue
		}
		var decoded any
		if err := json.Unmarshal(value, &decoded); err != nil {
			return ctx, validationError(fmt.Sprintf("context.%s 无法解析", key), err)
		}
		if ctx.Extra == nil {
			ctx.Extra = make(map[string]any)
		}
		ctx.Extra[key] = decoded
	}
	return ctx, nil
}

func decodeCount(field string, raw json.RawMessage) (int, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || !(trimmed[0] == '-' || (trimmed[0] >= '0' && trimmed[0] <= '9')) {
		return 0, validationError(fmt.Sprintf("context.%s 必须是数字", field), nil)
	}
	var value float64
	if err := json.Unmarshal(trimmed, &value); err != nil {
		return 0, validationError(fmt.Sprintf("context.%s 必须是数字", field), err)
	}
	if value < 0 || value != math.Trunc(value) || value > math.MaxInt32 {
		return 0, validationError(fmt.Sprintf("context.%s 必须是非负整数", field), nil)
	}
	return int(value), nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func formatTime(ts time.Time) string {
	if ts.IsZero() {
		ts = time.Now()
	}
	return ts.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Now().UTC(), nil
	}
	if ts, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.ParseInLocation(naiveTimeLayout, value, time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return ts, nil
}

func validationError(message string, cause error) error {
	if cause == nil {
		return xerrors.New(CodeTaskValidation, message)
	}
	return xerrors.Wrap(CodeTaskValidation, cause, message)
}
