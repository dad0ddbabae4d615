package queue

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "Chimera-Swarm/internal/errors"
)

// DefaultPollWait 是消费循环每次阻塞等待的默认时长。
const DefaultPollWait = 5 * time.Second

// Handler 处理一条队列载荷。返回的错误只会被记录，循环继续。
type Handler func(ctx context.Context, payload string) error

// Consume 持续从队列弹出元素并交给 handler 处理，直到上下文取消或存储故障。
//
// 等待超时视为空闲继续轮询；handler 的错误与 panic 会被记录后吞掉，
// 单条坏消息不会终止循环。handler 返回的存储故障与弹出失败一样会结束循环。
// 错误码登记为需要告警（或没有错误码）的失败记为 ERROR，其余记为 WARN。
func Consume(ctx context.Context, consumer Consumer, queue string, wait time.Duration, log *slog.Logger, handler Handler) error {
	if consumer == nil || handler == nil {
		return fmt.Errorf("queue: consumer and handler are required")
	}
	if wait <= 0 {
		wait = DefaultPollWait
	}
	if log == nil {
		log = slog.Default()
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, err := consumer.BlockingPop(ctx, queue, wait)
		if err != nil {
			if stdErrors.Is(err, ErrTimeout) {
				continue
			}
			return err
		}
		if err := safeHandle(ctx, handler, payload); err != nil {
			if IsUnavailable(err) {
				return err
			}
			code := xerrors.CodeOf(err)
			level := slog.LevelWarn
			if xerrors.PolicyOf(code).Alert {
				level = slog.LevelError
			}
			log.Log(ctx, level, "处理队列消息失败",
				slog.String("queue", queue),
				slog.String("code", string(code)),
				slog.Any("error", err))
		}
	}
}

func safeHandle(ctx context.Context, handler Handler, payload string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, payload)
}
