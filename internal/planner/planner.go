// Package planner 将目标拆解为任务并投递到 task_queue，同时负责失败任务的
// 重试与升级：未用尽重试的任务回到队尾，用尽的任务恰好上报一次事件。
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/governor"
	"Chimera-Swarm/internal/incident"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/internal/task"
	"Chimera-Swarm/pkg/logger"
)

// 默认参数。
const (
	DefaultMaxRetries        = 2
	DefaultAgentID           = "agent-global"
	DefaultDecompositionCost = 1.0
)

// Outcome 描述 HandleFailure 对失败任务的处置。
type Outcome string

const (
	OutcomeRequeued  Outcome = "requeued"
	OutcomeEscalated Outcome = "escalated"
)

// Admission 是 Planner 依赖的预算准入能力。
type Admission interface {
	CheckRequest(ctx context.Context, agentID string, cost float64) (governor.Status, error)
}

// Planner 负责目标拆解、任务入队与失败处置。
type Planner struct {
	producer   queue.Producer
	admission  Admission
	strategy   Strategy
	registry   *Registry
	incidents  incident.Dispatcher
	taskQueue  string
	maxRetries int
	agentID    string
	cost       float64
	log        *slog.Logger
}

// Option 定义 Planner 的可选配置。
type Option func(*Planner)

// WithStrategy 替换拆解策略。
func WithStrategy(s Strategy) Option {
	return func(p *Planner) {
		if s != nil {
			p.strategy = s
		}
	}
}

// WithMaxRetries 设置默认的最大重试次数。
func WithMaxRetries(n int) Option {
	return func(p *Planner) {
		if n >= 0 {
			p.maxRetries = n
		}
	}
}

// WithAgentID 设置预算检查使用的 Agent 标识。
func WithAgentID(id string) Option {
	return func(p *Planner) {
		if strings.TrimSpace(id) != "" {
			p.agentID = id
		}
	}
}

// WithDecompositionCost 设置每次拆解的预计花费。
func WithDecompositionCost(cost float64) Option {
	return func(p *Planner) {
		if cost >= 0 {
			p.cost = cost
		}
	}
}

// WithIncidents 设置事件分发器。
func WithIncidents(d incident.Dispatcher) Option {
	return func(p *Planner) {
		if d != nil {
			p.incidents = d
		}
	}
}

// WithRegistry 设置任务快照仓库。
func WithRegistry(r *Registry) Option {
	return func(p *Planner) {
		if r != nil {
			p.registry = r
		}
	}
}

// WithTaskQueue 设置任务队列名称。
func WithTaskQueue(name string) Option {
	return func(p *Planner) {
		if name != "" {
			p.taskQueue = name
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(p *Planner) {
		if log != nil {
			p.log = log
		}
	}
}

// New 创建 Planner。未显式配置时，事件写入 incident_queue 与审计日志。
func New(store queue.Store, admission Admission, opts ...Option) *Planner {
	p := &Planner{
		producer:   store,
		admission:  admission,
		strategy:   SplitStrategy{Parts: 2, TaskType: DefaultTaskType},
		taskQueue:  queue.TaskQueue,
		maxRetries: DefaultMaxRetries,
		agentID:    DefaultAgentID,
		cost:       DefaultDecompositionCost,
		log:        logger.Named("planner"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.registry == nil && store != nil {
		p.registry = NewRegistry(store)
	}
	if p.incidents == nil {
		p.incidents = incident.NewFanout(&incident.QueueNotifier{Producer: store}, incident.LogNotifier{})
	}
	return p
}

// DecomposeGoal 在预算允许时把目标拆解为任务。
//
// BLOCK 时返回空列表且没有任何副作用；Governor 不可达按 BLOCK 处理，
// 同时返回错误供调用方记录。WARN 时照常拆解。
func (p *Planner) DecomposeGoal(ctx context.Context, goal string) ([]*task.Task, error) {
	goal = strings.TrimSpace(goal)
	if goal == "" {
		return nil, xerrors.New(task.CodeTaskValidation, "goal 不能为空")
	}
	if p.admission == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "planner 未配置预算准入")
	}

	status, err := p.admission.CheckRequest(ctx, p.agentID, p.cost)
	if err != nil {
		p.log.Error("预算检查失败，按拦截处理", slog.String("goal", goal), slog.Any("error", err))
		return nil, err
	}
	switch status {
	case governor.Block:
		p.log.Warn("预算已拦截，跳过目标拆解", slog.String("goal", goal), slog.String("agent_id", p.agentID))
		return nil, nil
	case governor.Warn:
		p.log.Warn("预算接近上限，继续拆解", slog.String("goal", goal), slog.String("agent_id", p.agentID))
	}

	steps, err := p.strategy.Decompose(ctx, goal)
	if err != nil {
		return nil, fmt.Errorf("拆解目标失败: %w", err)
	}
	tasks := make([]*task.Task, 0, len(steps))
	for _, step := range steps {
		taskType := step.TaskType
		if taskType == "" {
			taskType = DefaultTaskType
		}
		tasks = append(tasks, task.New(taskType, task.PriorityHigh, task.Context{
			Instruction: step.Instruction,
			RetryCount:  0,
			MaxRetries:  p.maxRetries,
			Extra:       step.Extra,
		}))
	}
	p.log.Info("目标拆解完成", slog.String("goal", goal), slog.Int("tasks", len(tasks)))
	return tasks, nil
}

// Enqueue 依次把任务推到 task_queue 队尾并保存快照。
func (p *Planner) Enqueue(ctx context.Context, tasks []*task.Task) error {
	for _, t := range tasks {
		if err := p.push(ctx, t); err != nil {
			return err
		}
		metrics.TaskEnqueued(t.Type)
		logger.Audit().Info("task enqueued",
			slog.String("task_id", t.ID),
			slog.String("task_type", t.Type),
			slog.String("queue", p.taskQueue),
			slog.Int("retry_count", t.Context.RetryCount))
	}
	return nil
}

// SubmitGoal 拆解目标并把生成的任务入队。
func (p *Planner) SubmitGoal(ctx context.Context, goal string) ([]*task.Task, error) {
	tasks, err := p.DecomposeGoal(ctx, goal)
	if err != nil {
		return nil, err
	}
	if err := p.Enqueue(ctx, tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Run 依次处理目标列表。单个目标失败只记录日志，队列存储故障会终止运行。
func (p *Planner) Run(ctx context.Context, goals []string) error {
	p.log.Info("planner 启动", slog.Int("goals", len(goals)))
	for _, goal := range goals {
		if err := ctx.Err(); err != nil {
			return err
		}
		tasks, err := p.SubmitGoal(ctx, goal)
		if err != nil {
			if queue.IsUnavailable(err) || xerrors.HasCode(err, task.CodeTaskPublish) {
				return err
			}
			p.log.Error("处理目标失败", slog.String("goal", goal), slog.Any("error", err))
			continue
		}
		p.log.Info("目标已入队", slog.String("goal", goal), slog.Int("tasks", len(tasks)))
	}
	p.log.Info("planner 规划完成")
	return nil
}

// HandleFailure 处置一次失败的任务，并就地更新 t。
//
// retry_count 小于上限时递增后重新推到队尾（优先级不变）；否则标记为 failed
// 并恰好上报一次事件，不再入队。任务自身的 max_retries 为 0 时使用 Planner 的配置。
func (p *Planner) HandleFailure(ctx context.Context, t *task.Task, errMsg string) (Outcome, error) {
	if t == nil {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	limit := t.Context.MaxRetries
	if limit <= 0 {
		limit = p.maxRetries
	}

	if t.Context.RetryCount < limit {
		t.Context.RetryCount++
		t.Context.MaxRetries = limit
		t.Status = task.StatusPending
		t.AssignedWorkerID = ""
		if err := p.push(ctx, t); err != nil {
			return "", err
		}
		metrics.TaskRetried(t.Type)
		p.log.Warn("任务失败，重新入队",
			slog.String("task_id", t.ID),
			slog.Int("retry_count", t.Context.RetryCount),
			slog.Int("max_retries", limit),
			slog.String("error", errMsg))
		return OutcomeRequeued, nil
	}

	t.Context.MaxRetries = limit
	return OutcomeEscalated, p.escalate(ctx, t, incident.FromTask(t, errMsg))
}

// escalate 上报事件后才把任务标记为 failed 并保存快照。上报失败时快照保持原状，
// 同一任务的下一次拒绝仍会走到这里重新上报。
func (p *Planner) escalate(ctx context.Context, t *task.Task, inc incident.Incident) error {
	metrics.TaskEscalated(t.Type)
	p.log.Error("任务升级为事件",
		slog.String("task_id", t.ID),
		slog.String("incident_id", inc.ID),
		slog.String("code", string(inc.Code)),
		slog.Int("retry_count", t.Context.RetryCount),
		slog.String("error", inc.Error))
	if err := p.incidents.Raise(ctx, inc); err != nil {
		return xerrors.Wrap(inc.Code, err, fmt.Sprintf("任务 %s 的事件上报失败", t.ID))
	}
	t.Status = task.StatusFailed
	t.AssignedWorkerID = ""
	if p.registry != nil {
		if err := p.registry.Save(ctx, t); err != nil {
			p.log.Warn("保存任务快照失败", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
	return nil
}

// HandleRejection 是 Judge 拒绝结果后的反馈入口：按 task_id 找回快照。
// 可重试的拒绝走 HandleFailure；不可重试的拒绝（例如交易校验失败）不再入队，直接升级，
// 避免有副作用的任务被重复执行。
func (p *Planner) HandleRejection(ctx context.Context, taskID string, cause error) error {
	if p.registry == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "planner 未配置任务快照仓库")
	}
	t, found, err := p.registry.Load(ctx, taskID)
	if err != nil {
		return err
	}
	if !found {
		p.log.Warn("找不到被拒绝任务的快照，丢弃", slog.String("task_id", taskID))
		metrics.ItemDropped("planner", "unknown_task")
		return nil
	}
	if t.Status == task.StatusFailed {
		p.log.Warn("任务已升级，忽略重复拒绝", slog.String("task_id", taskID))
		return nil
	}
	if !xerrors.Retryable(cause) {
		return p.escalate(ctx, t, incident.FromFailure(t, cause))
	}
	_, err = p.HandleFailure(ctx, t, xerrors.MessageOf(cause))
	return err
}

func (p *Planner) push(ctx context.Context, t *task.Task) error {
	payload, err := task.EncodeTask(t)
	if err != nil {
		return err
	}
	if p.registry != nil {
		if err := p.registry.Save(ctx, t); err != nil {
			p.log.Warn("保存任务快照失败", slog.String("task_id", t.ID), slog.Any("error", err))
		}
	}
	if err := p.producer.Push(ctx, p.taskQueue, payload); err != nil {
		return xerrors.Wrap(task.CodeTaskPublish, err, fmt.Sprintf("任务 %s 入队失败", t.ID))
	}
	return nil
}
