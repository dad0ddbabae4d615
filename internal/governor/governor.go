// Package governor 实现按 Agent、按 UTC 自然日的预算准入控制。
//
// CheckRequest 只读地判断一次预计花费是否会突破日限额；RecordSpend
// 在花费实际发生后原子地写入账本。两者之间不持有锁，判定是建议性的。
package governor

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	xerrors "Chimera-Swarm/internal/errors"
	"Chimera-Swarm/internal/observability/metrics"
	"Chimera-Swarm/internal/queue"
	"Chimera-Swarm/pkg/logger"
)

// Status 是预算判定结果。
type Status string

const (
	Allow Status = "ALLOW"
	Warn  Status = "WARN"
	Block Status = "BLOCK"
)

// 默认参数。
const (
	DefaultDailyLimit    = 50.0
	DefaultWarnRatio     = 0.8
	DefaultBlockRatio    = 1.0
	DefaultRetention     = 48 * time.Hour
	DefaultKeyPrefix     = "governance:budget:"
	DefaultRecordAttempt = 3
	DefaultRecordBackoff = 200 * time.Millisecond
)

// CodeUnavailable 表示预算存储不可达。
const CodeUnavailable xerrors.Code = "GOVERNOR_UNAVAILABLE"

func init() {
	xerrors.Register(CodeUnavailable, xerrors.Policy{
		Text:      "budget store unavailable",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

// IsUnavailable 判断错误是否为预算存储不可达。
func IsUnavailable(err error) bool {
	return xerrors.HasCode(err, CodeUnavailable)
}

// Governor 基于共享存储维护每日花费账本。
type Governor struct {
	store      queue.Counter
	limit      float64
	warnRatio  float64
	blockRatio float64
	retention  time.Duration
	prefix     string
	attempts   int
	backoff    time.Duration
	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	log        *slog.Logger
}

// Option 定义 Governor 的可选配置。
type Option func(*Governor)

// WithDailyLimit 设置每日花费上限。
func WithDailyLimit(limit float64) Option {
	return func(g *Governor) {
		if limit > 0 {
			g.limit = limit
		}
	}
}

// WithThresholds 设置告警与拦截比例。
func WithThresholds(warn, block float64) Option {
	return func(g *Governor) {
		if warn > 0 && block >= warn {
			g.warnRatio = warn
			g.blockRatio = block
		}
	}
}

// WithRetention 设置账本键的存活时间。
func WithRetention(ttl time.Duration) Option {
	return func(g *Governor) {
		if ttl > 0 {
			g.retention = ttl
		}
	}
}

// WithKeyPrefix 设置账本键前缀。
func WithKeyPrefix(prefix string) Option {
	return func(g *Governor) {
		if prefix != "" {
			g.prefix = prefix
		}
	}
}

// WithClock 替换时钟，便于测试跨日行为。
func WithClock(now func() time.Time) Option {
	return func(g *Governor) {
		if now != nil {
			g.now = now
		}
	}
}

// WithRecordRetry 设置 RecordSpend 的重试次数与初始退避。
func WithRecordRetry(attempts int, backoff time.Duration) Option {
	return func(g *Governor) {
		if attempts > 0 {
			g.attempts = attempts
		}
		if backoff >= 0 {
			g.backoff = backoff
		}
	}
}

// WithLogger 注入日志实例。
func WithLogger(log *slog.Logger) Option {
	return func(g *Governor) {
		if log != nil {
			g.log = log
		}
	}
}

// New 创建 Governor。
func New(store queue.Counter, opts ...Option) *Governor {
	g := &Governor{
		store:      store,
		limit:      DefaultDailyLimit,
		warnRatio:  DefaultWarnRatio,
		blockRatio: DefaultBlockRatio,
		retention:  DefaultRetention,
		prefix:     DefaultKeyPrefix,
		attempts:   DefaultRecordAttempt,
		backoff:    DefaultRecordBackoff,
		now:        time.Now,
		sleep:      sleepContext,
		log:        logger.Named("governor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// DailyLimit 返回当前配置的日限额。
func (g *Governor) DailyLimit() float64 { return g.limit }

// DailyKey 构造某个 Agent 在 t 所在 UTC 日期的账本键。
func (g *Governor) DailyKey(agentID string, t time.Time) string {
	return g.prefix + agentID + ":" + t.UTC().Format("2006-01-02")
}

// Classify 根据已花费与预计花费给出判定，不访问存储。
func (g *Governor) Classify(current, cost float64) Status {
	ratio := (current + cost) / g.limit
	switch {
	case ratio > g.blockRatio:
		return Block
	case ratio > g.warnRatio:
		return Warn
	default:
		return Allow
	}
}

// CheckRequest 判断 agentID 今日再花费 cost 是否被允许。
//
// 该操作只读。存储不可达时返回 (Block, GOVERNOR_UNAVAILABLE)。
func (g *Governor) CheckRequest(ctx context.Context, agentID string, cost float64) (Status, error) {
	if err := validate(agentID, cost); err != nil {
		return Block, err
	}
	current, err := g.CurrentSpend(ctx, agentID)
	if err != nil {
		return Block, err
	}
	status := g.Classify(current, cost)
	metrics.ObserveGovernorDecision(agentID, string(status))
	switch status {
	case Block:
		g.log.Warn("预算拦截",
			slog.String("agent_id", agentID),
			slog.Float64("current", current),
			slog.Float64("cost", cost),
			slog.Float64("limit", g.limit))
	case Warn:
		g.log.Warn("预算接近上限",
			slog.String("agent_id", agentID),
			slog.Float64("projected", current+cost),
			slog.Float64("limit", g.limit))
	}
	return status, nil
}

// CurrentSpend 读取 agentID 今日已记录的花费。
func (g *Governor) CurrentSpend(ctx context.Context, agentID string) (float64, error) {
	if strings.TrimSpace(agentID) == "" {
		return 0, xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	raw, found, err := g.store.Get(ctx, g.DailyKey(agentID, g.now()))
	if err != nil {
		metrics.ObserveGovernorFailure("read")
		return 0, g.unavailable(err, "读取预算账本失败")
	}
	if !found {
		return 0, nil
	}
	current, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("账本值 %q 不是合法数字", raw))
	}
	return current, nil
}

// RecordSpend 原子地累加花费并重置 48 小时过期时间。
//
// 存储失败时按指数退避重试，全部失败后返回 GOVERNOR_UNAVAILABLE。
func (g *Governor) RecordSpend(ctx context.Context, agentID string, amount float64) error {
	if err := validate(agentID, amount); err != nil {
		return err
	}
	key := g.DailyKey(agentID, g.now())
	delay := g.backoff
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		total, err := g.store.IncrByFloatWithExpiry(ctx, key, amount, g.retention)
		if err == nil {
			metrics.ObserveSpend(agentID, amount)
			logger.Audit().Info("budget spend recorded",
				slog.String("agent_id", agentID),
				slog.Float64("amount", amount),
				slog.Float64("daily_total", total),
				slog.String("key", key))
			return nil
		}
		lastErr = err
		metrics.ObserveGovernorFailure("record")
		if ctx.Err() != nil {
			break
		}
		g.log.Warn("记录花费失败，准备重试",
			slog.String("agent_id", agentID),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		if attempt < g.attempts {
			if err := g.sleep(ctx, delay); err != nil {
				lastErr = err
				break
			}
			delay *= 2
		}
	}
	g.log.Error("记录花费最终失败", slog.String("agent_id", agentID), slog.Float64("amount", amount), slog.Any("error", lastErr))
	return g.unavailable(lastErr, "写入预算账本失败")
}

func (g *Governor) unavailable(err error, message string) error {
	return xerrors.Wrap(CodeUnavailable, err, message)
}

func validate(agentID string, amount float64) error {
	if strings.TrimSpace(agentID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id 不能为空")
	}
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("金额 %v 非法", amount))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
