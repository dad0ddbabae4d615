// Package errors 定义 swarm 内部统一的错误码。
//
// 每个错误码对应一条 Policy，循环边界据此决定失败的去向：
// 可重试的任务失败交回 Planner 重新入队，不可重试的直接升级为事件，
// 需要告警的错误以更高级别写入日志和事件。
package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示统一错误码。
type Code string

// Severity 描述错误的严重程度。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

// Policy 描述一个错误码的默认处置方式。
type Policy struct {
	Text     string
	Severity Severity
	// Retryable 表示同一任务再执行一次有机会成功。
	Retryable bool
	// Alert 表示需要运维介入。
	Alert bool
}

var (
	policyMu sync.RWMutex
	policies = map[Code]Policy{
		CodeUnknown:               {Text: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Text: "invalid argument", Severity: SeverityInfo},
		CodeNotFound:              {Text: "not found", Severity: SeverityInfo},
		CodeRetriesExhausted:      {Text: "retries exhausted", Severity: SeverityCritical, Alert: true},
		CodeInitializationFailure: {Text: "component not initialized", Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:        {Text: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:          {Text: "queue store failure", Severity: SeverityCritical, Retryable: true, Alert: true},
	}
)

// Register 在包初始化阶段登记错误码的处置方式，重复登记以最后一次为准。
func Register(code Code, p Policy) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policies[code] = p
}

// PolicyOf 返回错误码的处置方式，未登记的错误码按 UNKNOWN 处理。
func PolicyOf(code Code) Policy {
	policyMu.RLock()
	defer policyMu.RUnlock()
	if p, ok := policies[code]; ok {
		return p
	}
	return policies[CodeUnknown]
}

// Error 是携带错误码的错误。
type Error struct {
	code    Code
	message string
	cause   error
}

// New 创建错误，message 为空时使用错误码登记的默认文本。
func New(code Code, message string) *Error {
	if message == "" {
		message = PolicyOf(code).Text
	}
	return &Error{code: code, message: message}
}

// Wrap 给 cause 附加错误码。
func Wrap(code Code, cause error, message string) *Error {
	e := New(code, message)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is 只比较错误码，两个同码错误在 errors.Is 下视为相同。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t != nil && e.code == t.code
}

// Code 返回错误码。
func (e *Error) Code() Code { return e.code }

// Message 返回不含错误码与 cause 的描述。
func (e *Error) Message() string { return e.message }

func outermost(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误链最外层的错误码，没有时为 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := outermost(err); ok {
		return e.code
	}
	return CodeUnknown
}

// MessageOf 返回最外层统一错误的描述，普通错误返回 err.Error()。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := outermost(err); ok {
		return e.message
	}
	return err.Error()
}

// HasCode 判断错误链中是否出现过指定错误码。
func HasCode(err error, code Code) bool {
	return stdErrors.Is(err, &Error{code: code})
}

// Retryable 按最外层错误码判断任务能否重试。没有错误码的错误视为可重试，
// 只有明确登记为不可重试的失败才会跳过重试直接升级。
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if e, ok := outermost(err); ok {
		return PolicyOf(e.code).Retryable
	}
	return true
}

// ShouldAlert 判断错误是否需要告警。
func ShouldAlert(err error) bool {
	if e, ok := outermost(err); ok {
		return PolicyOf(e.code).Alert
	}
	return false
}

// SeverityOf 返回错误的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := outermost(err); ok {
		return PolicyOf(e.code).Severity
	}
	return PolicyOf(CodeUnknown).Severity
}
