package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"Chimera-Swarm/internal/queue"
)

// Config 描述 Redis 的连接参数。URL 优先于 Address。
type Config struct {
	URL         string
	Address     string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Store 使用 Redis list 与字符串键实现 queue.Store。
type Store struct {
	client *redis.Client
}

// New 创建 Redis 存储并检查连通性。
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts, err := options(cfg)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, queue.Unavailable(err, fmt.Sprintf("连接 Redis %s 失败", opts.Addr))
	}
	return &Store{client: client}, nil
}

// NewWithClient 包装已有客户端，主要用于测试。
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func options(cfg Config) (*redis.Options, error) {
	var opts *redis.Options
	switch {
	case cfg.URL != "":
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("解析 Redis URL 失败: %w", err)
		}
		opts = parsed
	case cfg.Address != "":
		opts = &redis.Options{Addr: cfg.Address, Password: cfg.Password, DB: cfg.DB}
	default:
		return nil, errors.New("Redis address 不能为空")
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}
	return opts, nil
}

// Push 通过 RPUSH 将元素追加到队列尾部。
func (s *Store) Push(ctx context.Context, name string, payload string) error {
	if err := s.client.RPush(ctx, name, payload).Err(); err != nil {
		return queue.Unavailable(err, "Redis 推送失败")
	}
	return nil
}

// BlockingPop 通过 BLPOP 从队列头部弹出元素。
func (s *Store) BlockingPop(ctx context.Context, name string, wait time.Duration) (string, error) {
	values, err := s.client.BLPop(ctx, wait, name).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", queue.ErrTimeout
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", queue.Unavailable(err, "Redis 取元素失败")
	}
	if len(values) != 2 {
		return "", queue.ErrTimeout
	}
	return values[1], nil
}

// Len 返回队列长度。
func (s *Store) Len(ctx context.Context, name string) (int64, error) {
	n, err := s.client.LLen(ctx, name).Result()
	if err != nil {
		return 0, queue.Unavailable(err, "Redis 读取队列长度失败")
	}
	return n, nil
}

// IncrByFloat 执行 INCRBYFLOAT。
func (s *Store) IncrByFloat(ctx context.Context, key string, amount float64) (float64, error) {
	total, err := s.client.IncrByFloat(ctx, key, amount).Result()
	if err != nil {
		return 0, queue.Unavailable(err, "Redis 累加失败")
	}
	return total, nil
}

// IncrByFloatWithExpiry 在 MULTI/EXEC 中执行 INCRBYFLOAT 与 EXPIRE。
func (s *Store) IncrByFloatWithExpiry(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	var incr *redis.FloatCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.IncrByFloat(ctx, key, amount)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return 0, queue.Unavailable(err, "Redis 事务累加失败")
	}
	return incr.Val(), nil
}

// Get 读取字符串键，键不存在时 found 为 false。
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, queue.Unavailable(err, "Redis 读取失败")
	}
	return value, true, nil
}

// Set 写入字符串键，ttl <= 0 表示不过期。
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return queue.Unavailable(err, "Redis 写入失败")
	}
	return nil
}

// Expire 设置键的过期时间。
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, key, ttl).Err(); err != nil {
		return queue.Unavailable(err, "Redis 设置过期失败")
	}
	return nil
}

// Ping 检查连接是否可用。
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return queue.Unavailable(err, "Redis 不可达")
	}
	return nil
}

// Close 关闭 Redis 连接。
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

var _ queue.Store = (*Store)(nil)
