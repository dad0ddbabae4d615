// Package worker 从 task_queue 领取任务，交给 Skill 执行，并把结果推到 review_queue。
//
// 单条任务的失败（解码失败、Skill 报错或 panic）只影响该条任务，
// 存储故障会终止循环并返回给调用方。
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/pkg/logger"
)

// Worker 是一个任务执行者。
type Worker struct {
	id          string
	store       queue.Store
	skill       Skill
	taskQueue   string
	reviewQueue string
	wait        time.Duration
	now         func() time.Time
	log         *slog.Logger
}

// Option 定义 Worker 的可选配置。
type Option func(*Worker)

// WithQueues 设置任务队列与评审队列名称。
func WithQueues(taskQueue, reviewQueue string) Option {
	return func(w *Worker) {
		if taskQueue != "" {
			w.taskQueue = taskQueue
		}
		if reviewQueue != "" {
			w.reviewQueue = reviewQueue
		}
	}
}

// WithPollWait 设置每次阻塞弹出的等待时长。
func WithPollWait(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.wait = d
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(w *Worker) {
		if log != nil {
			w.log = log
		}
	}
}

// New 创建 Worker，id 为空时生成 uuid。
func New(id string, store queue.Store, skill Skill, opts ...Option) *Worker {
	if id == "" {
		id = uuid.NewString()
	}
	w := &Worker{
		id:          id,
		store:       store,
		skill:       skill,
		taskQueue:   queue.TaskQueue,
		reviewQueue: queue.ReviewQueue,
		wait:        queue.DefaultPollWait,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	if w.log == nil {
		w.log = logger.Named("worker").With(slog.String("worker_id", w.id))
	}
	if w.skill == nil {
		w.skill = EchoSkill{}
	}
	return w
}

// ID 返回 Worker 标识。
func (w *Worker) ID() string { return w.id }

// ProcessTask 执行一个任务并总是返回结果。
//
// Skill 返回错误时生成 failure 结果；Skill panic 时返回 ProcessingError。
// 输入任务不会被修改。
func (w *Worker) ProcessTask(ctx context.Context, t *task.Task) (*task.Result, error) {
	if t == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	working := t.Clone()
	working.Status = task.StatusInProgress
	working.AssignedWorkerID = w.id

	start := w.now()
	var panicValue any
	out, err := func() (Outcome, error) {
		defer func() {
			if r := recover(); r != nil {
				panicValue = r
			}
		}()
		return w.skill.Execute(ctx, working)
	}()
	if panicValue != nil {
		metrics.ObserveWorkerResult(t.Type, "panic", w.now().Sub(start))
		w.log.Error("skill panic", slog.String("task_id", t.ID), slog.Any("panic", panicValue))
		return nil, xerrors.New(task.CodeTaskProcessing, fmt.Sprintf("任务 %s 执行时 panic: %v", t.ID, panicValue))
	}

	result := &task.Result{
		TaskID:     t.ID,
		WorkerID:   w.id,
		ExecutedAt: w.now().UTC(),
	}
	if err != nil {
		result.Status = task.ResultFailure
		result.ConfidenceScore = 0
		result.Error = err.Error()
		w.log.Warn("任务执行失败", slog.String("task_id", t.ID), slog.Any("error", err))
	} else {
		result.Status = task.ResultSuccess
		result.Output = out.Output
		result.ConfidenceScore = clampConfidence(out.Confidence)
		if out.Transaction != nil && out.Transaction.TxRef != "" {
			tx := *out.Transaction
			result.Transaction = &tx
		}
	}
	metrics.ObserveWorkerResult(t.Type, string(result.Status), w.now().Sub(start))
	logger.Audit().Info("task processed",
		slog.String("task_id", t.ID),
		slog.String("worker_id", w.id),
		slog.String("status", string(result.Status)),
		slog.Float64("confidence", result.ConfidenceScore),
		slog.Bool("transactional", result.IsTransactional()))
	return result, nil
}

func clampConfidence(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Run 持续消费 task_queue 直到上下文取消或存储故障。
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker 启动", slog.String("queue", w.taskQueue))
	err := queue.Consume(ctx, w.store, w.taskQueue, w.wait, w.log, w.handle)
	w.log.Info("worker 退出", slog.Any("reason", err))
	return err
}

func (w *Worker) handle(ctx context.Context, payload string) error {
	t, err := task.DecodeTask(payload)
	if err != nil {
		metrics.ItemDropped("worker", "decode")
		return err
	}
	result, err := w.ProcessTask(ctx, t)
	if err != nil {
		metrics.ItemDropped("worker", "processing")
		return err
	}
	encoded, err := task.EncodeResult(result)
	if err != nil {
		return err
	}
	if err := w.store.Push(ctx, w.reviewQueue, encoded); err != nil {
		return queue.Unavailable(err, fmt.Sprintf("结果 %s 推送到 %s 失败", result.TaskID, w.reviewQueue))
	}
	return nil
}
