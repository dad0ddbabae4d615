// Package judge 评审 Worker 产出的结果：先执行身份披露检查，再校验交易类结果，
// 最后按状态与置信度给出 APPROVED 或 REJECTED。被拒绝的结果回馈给 Planner。
package judge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/internal/web3"
	"Chimera-Swarm/pkg/logger"
)

// Decision 是评审结论。
type Decision string

const (
	Approved Decision = "APPROVED"
	Rejected Decision = "REJECTED"
)

// DefaultThreshold 是通过评审所需的最低置信度（严格大于）。
const DefaultThreshold = 0.9

// DefaultDisclosure 是被问及身份时必须给出的披露回复。
const DefaultDisclosure = "I am a virtual persona powered by AI, created as part of Project Chimera. " +
	"My goal is to provide engaging and relevant content. How can I help you today?"

// DefaultTriggers 是触发披露的短语，匹配时忽略大小写。
var DefaultTriggers = []string{"are you a robot", "are you an ai", "are you human"}

// 拒绝原因的错误码。交易校验失败不可重试：重新执行转账任务会再转一次账。
const (
	CodeRejected     xerrors.Code = "JUDGE_REJECTED"
	CodeTxUnverified xerrors.Code = "TX_VERIFICATION_FAILED"
)

func init() {
	xerrors.Register(CodeRejected, xerrors.Policy{
		Text:      "result rejected by review",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
	})
	xerrors.Register(CodeTxUnverified, xerrors.Policy{
		Text:     "transaction verification failed",
		Severity: xerrors.SeverityCritical,
		Alert:    true,
	})
}

// Verdict 是一次评审的结果。Result 是评审后的副本，可能已被披露检查改写。
// 被拒绝时 Cause 携带错误码，决定 Planner 重试还是直接升级。
type Verdict struct {
	Decision Decision
	Reason   string
	Cause    error
	Result   *task.Result
}

func reject(code xerrors.Code, cause error, reason string, r *task.Result) Verdict {
	err := xerrors.New(code, reason)
	if cause != nil {
		err = xerrors.Wrap(code, cause, "")
	}
	return Verdict{Decision: Rejected, Reason: reason, Cause: err, Result: r}
}

// Verifier 校验交易类结果。
type Verifier interface {
	Verify(ctx context.Context, r *task.Result) error
}

// VerifierFunc 允许使用函数实现 Verifier。
type VerifierFunc func(ctx context.Context, r *task.Result) error

// Verify 实现 Verifier。
func (f VerifierFunc) Verify(ctx context.Context, r *task.Result) error { return f(ctx, r) }

// TxVerifier 把 web3.TxVerifier 适配为按交易凭证校验的 Verifier。
func TxVerifier(v web3.TxVerifier) Verifier {
	return VerifierFunc(func(ctx context.Context, r *task.Result) error {
		return v.VerifyTransaction(ctx, r.Transaction.TxRef)
	})
}

// RejectionHandler 接收被拒绝的任务，由 planner.Planner 实现。
type RejectionHandler interface {
	HandleRejection(ctx context.Context, taskID string, cause error) error
}

// Judge 评审结果。
type Judge struct {
	threshold   float64
	disclosure  string
	triggers    []string
	verifier    Verifier
	rejections  RejectionHandler
	observers   []func(Verdict)
	consumer    queue.Consumer
	reviewQueue string
	wait        time.Duration
	log         *slog.Logger
}

// Option 定义 Judge 的可选配置。
type Option func(*Judge)

// WithThreshold 设置置信度阈值。
func WithThreshold(v float64) Option {
	return func(j *Judge) {
		if v >= 0 && v <= 1 {
			j.threshold = v
		}
	}
}

// WithDisclosure 设置披露文本与触发短语，triggers 为空时沿用默认短语。
func WithDisclosure(text string, triggers ...string) Option {
	return func(j *Judge) {
		if strings.TrimSpace(text) != "" {
			j.disclosure = text
		}
		if len(triggers) > 0 {
			j.triggers = normalizeTriggers(triggers)
		}
	}
}

// WithVerifier 设置交易校验器。
func WithVerifier(v Verifier) Option {
	return func(j *Judge) { j.verifier = v }
}

// WithRejectionHandler 设置拒绝回馈的接收方。
func WithRejectionHandler(h RejectionHandler) Option {
	return func(j *Judge) { j.rejections = h }
}

// WithObserver 注册在 Run 中每次给出结论后调用的回调。
func WithObserver(fn func(Verdict)) Option {
	return func(j *Judge) {
		if fn != nil {
			j.observers = append(j.observers, fn)
		}
	}
}

// WithQueue 设置 Run 消费的评审队列。
func WithQueue(consumer queue.Consumer, reviewQueue string, wait time.Duration) Option {
	return func(j *Judge) {
		j.consumer = consumer
		if reviewQueue != "" {
			j.reviewQueue = reviewQueue
		}
		if wait > 0 {
			j.wait = wait
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(j *Judge) {
		if log != nil {
			j.log = log
		}
	}
}

// New 创建 Judge。
func New(opts ...Option) *Judge {
	j := &Judge{
		threshold:   DefaultThreshold,
		disclosure:  DefaultDisclosure,
		triggers:    normalizeTriggers(DefaultTriggers),
		reviewQueue: queue.ReviewQueue,
		wait:        queue.DefaultPollWait,
		log:         logger.Named("judge"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(j)
		}
	}
	return j
}

func normalizeTriggers(triggers []string) []string {
	out := make([]string, 0, len(triggers))
	for _, t := range triggers {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// EvaluateResult 评审一个结果，输入不会被修改，相同输入总是得到相同结论。
func (j *Judge) EvaluateResult(ctx context.Context, r *task.Result) Verdict {
	if r == nil {
		return reject(CodeRejected, nil, "empty result", nil)
	}
	reviewed := r.Clone()

	if j.triggered(reviewed.Output) {
		j.log.Info("触发身份披露，改写输出", slog.String("task_id", reviewed.TaskID))
		reviewed.Output = j.disclosure
	}

	if reviewed.IsTransactional() {
		if j.verifier == nil {
			j.log.Warn("未配置交易校验器，跳过校验",
				slog.String("task_id", reviewed.TaskID),
				slog.String("tx_ref", reviewed.Transaction.TxRef))
		} else if err := j.verifier.Verify(ctx, reviewed); err != nil {
			return reject(CodeTxUnverified, err, fmt.Sprintf("transaction verification failed: %v", err), reviewed)
		}
	}

	switch {
	case reviewed.Status != task.ResultSuccess:
		reason := "worker reported failure"
		if reviewed.Error != "" {
			reason += ": " + reviewed.Error
		}
		return reject(CodeRejected, nil, reason, reviewed)
	case reviewed.ConfidenceScore > j.threshold:
		return Verdict{Decision: Approved, Result: reviewed}
	default:
		reason := fmt.Sprintf("confidence %.2f not above threshold %.2f", reviewed.ConfidenceScore, j.threshold)
		return reject(CodeRejected, nil, reason, reviewed)
	}
}

func (j *Judge) triggered(output any) bool {
	if output == nil || len(j.triggers) == 0 {
		return false
	}
	text := strings.ToLower(outputText(output))
	for _, trigger := range j.triggers {
		if strings.Contains(text, trigger) {
			return true
		}
	}
	return false
}

func outputText(output any) string {
	switch v := output.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprint(output)
	}
	return string(raw)
}

// Run 持续消费评审队列，直到上下文取消或存储故障。
func (j *Judge) Run(ctx context.Context) error {
	if j.consumer == nil {
		return fmt.Errorf("judge: review queue consumer is not configured")
	}
	j.log.Info("judge 启动", slog.String("queue", j.reviewQueue))
	err := queue.Consume(ctx, j.consumer, j.reviewQueue, j.wait, j.log, j.handle)
	j.log.Info("judge 退出", slog.Any("reason", err))
	return err
}

func (j *Judge) handle(ctx context.Context, payload string) error {
	result, err := task.DecodeResult(payload)
	if err != nil {
		metrics.ItemDropped("judge", "decode")
		return err
	}
	verdict := j.EvaluateResult(ctx, result)
	metrics.ObserveVerdict(string(verdict.Decision))
	logger.Audit().Info("result reviewed",
		slog.String("task_id", result.TaskID),
		slog.String("worker_id", result.WorkerID),
		slog.String("decision", string(verdict.Decision)),
		slog.String("reason", verdict.Reason))
	for _, observe := range j.observers {
		observe(verdict)
	}

	if verdict.Decision == Approved {
		j.log.Info("结果通过评审", slog.String("task_id", result.TaskID))
		return nil
	}
	level := slog.LevelWarn
	if xerrors.ShouldAlert(verdict.Cause) {
		level = slog.LevelError
	}
	j.log.Log(ctx, level, "结果被拒绝",
		slog.String("task_id", result.TaskID),
		slog.String("code", string(xerrors.CodeOf(verdict.Cause))),
		slog.String("reason", verdict.Reason))
	if j.rejections == nil {
		return nil
	}
	return j.rejections.HandleRejection(ctx, result.TaskID, verdict.Cause)
}
