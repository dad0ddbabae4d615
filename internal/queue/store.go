package queue

import (
	"context"
	stdErrors "errors"
	"time"

	xerrors "Chimera-Swarm/internal/errors"
)

// 默认的队列名称。
const (
	TaskQueue     = "task_queue"
	ReviewQueue   = "review_queue"
	IncidentQueue = "incident_queue"
)

// ErrTimeout 表示阻塞弹出在等待窗口内没有取到元素。
var ErrTimeout = stdErrors.New("queue: pop timed out")

// Producer 负责向命名队列尾部追加元素。
type Producer interface {
	Push(ctx context.Context, queue string, payload string) error
}

// Consumer 负责从命名队列头部阻塞弹出元素。
//
// BlockingPop 在 wait 内无元素时返回 ErrTimeout；弹出是原子且消费性的，
// 同一个元素只会交付给一个等待者。
type Consumer interface {
	BlockingPop(ctx context.Context, queue string, wait time.Duration) (string, error)
}

// Counter 提供预算账本所需的原子浮点计数能力。
type Counter interface {
	IncrByFloat(ctx context.Context, key string, amount float64) (float64, error)
	// IncrByFloatWithExpiry 原子地累加并重置过期时间。
	IncrByFloatWithExpiry(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
}

// Store 是 Planner、Worker、Judge 与 Governor 共享的外部存储能力。
type Store interface {
	Producer
	Consumer
	Counter
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Len(ctx context.Context, queue string) (int64, error)
	Close() error
}

// Unavailable 将底层存储错误包装为统一的队列故障。
func Unavailable(err error, message string) error {
	if err == nil {
		return nil
	}
	if stdErrors.Is(err, context.Canceled) || stdErrors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return xerrors.Wrap(xerrors.CodeQueueFailure, err, message)
}

// IsUnavailable 判断错误是否来自存储连接故障。
func IsUnavailable(err error) bool {
	return xerrors.HasCode(err, xerrors.CodeQueueFailure)
}
