package queue

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"
)

// ErrClosed 表示内存存储已关闭。
var ErrClosed = errors.New("queue: store closed")

type memoryValue struct {
	value     string
	expiresAt time.Time
}

// MemoryStore 在进程内模拟 Redis 的列表与计数语义，主要用于测试和单机演示。
type MemoryStore struct {
	mu      sync.Mutex
	lists   map[string][]string
	waiters map[string]chan struct{}
	values  map[string]memoryValue
	closed  bool
	failure error
	now     func() time.Time
}

// NewMemoryStore 创建一个内存存储。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		lists:   make(map[string][]string),
		waiters: make(map[string]chan struct{}),
		values:  make(map[string]memoryValue),
		now:     time.Now,
	}
}

// SetClock 替换过期判断使用的时钟。
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if now == nil {
		now = time.Now
	}
	m.now = now
}

// FailWith 使后续所有操作返回给定错误，用于模拟存储不可达；传 nil 恢复。
func (m *MemoryStore) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// Push 将元素追加到队列尾部。
func (m *MemoryStore) Push(_ context.Context, queue string, payload string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	m.lists[queue] = append(m.lists[queue], payload)
	if ch, ok := m.waiters[queue]; ok {
		close(ch)
		delete(m.waiters, queue)
	}
	return nil
}

// BlockingPop 从队列头部弹出元素，wait <= 0 时一直等待直到上下文取消。
func (m *MemoryStore) BlockingPop(ctx context.Context, queue string, wait time.Duration) (string, error) {
	var timeout <-chan time.Time
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}
	for {
		m.mu.Lock()
		if err := m.usable(); err != nil {
			m.mu.Unlock()
			return "", err
		}
		if items := m.lists[queue]; len(items) > 0 {
			head := items[0]
			m.lists[queue] = items[1:]
			m.mu.Unlock()
			return head, nil
		}
		ch, ok := m.waiters[queue]
		if !ok {
			ch = make(chan struct{})
			m.waiters[queue] = ch
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-timeout:
			return "", ErrTimeout
		case <-ch:
		}
	}
}

// Len 返回队列长度。
func (m *MemoryStore) Len(_ context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	return int64(len(m.lists[queue])), nil
}

// Items 返回队列内容的快照。
func (m *MemoryStore) Items(queue string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lists[queue]...)
}

// IncrByFloat 原子地累加浮点计数。
func (m *MemoryStore) IncrByFloat(_ context.Context, key string, amount float64) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	return m.incr(key, amount)
}

// IncrByFloatWithExpiry 在同一临界区内累加并重置过期时间。
func (m *MemoryStore) IncrByFloatWithExpiry(_ context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return 0, err
	}
	total, err := m.incr(key, amount)
	if err != nil {
		return 0, err
	}
	m.expire(key, ttl)
	return total, nil
}

// Get 读取键值，键不存在或已过期时 found 为 false。
func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return "", false, err
	}
	value, ok := m.lookup(key)
	if !ok {
		return "", false, nil
	}
	return value.value, true, nil
}

// Set 写入键值，ttl <= 0 表示不过期。
func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	entry := memoryValue{value: value}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.values[key] = entry
	return nil
}

// Expire 设置键的过期时间。
func (m *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.usable(); err != nil {
		return err
	}
	m.expire(key, ttl)
	return nil
}

// TTL 返回键剩余的存活时间，不存在或不过期时返回 0。
func (m *MemoryStore) TTL(key string) time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.lookup(key)
	if !ok || value.expiresAt.IsZero() {
		return 0
	}
	return value.expiresAt.Sub(m.now())
}

// Ping 返回 FailWith 注入的故障或关闭状态。
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usable()
}

// Close 关闭存储并唤醒所有等待者。
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for queue, ch := range m.waiters {
		close(ch)
		delete(m.waiters, queue)
	}
	return nil
}

func (m *MemoryStore) usable() error {
	if m.closed {
		return Unavailable(ErrClosed, "内存存储已关闭")
	}
	if m.failure != nil {
		return Unavailable(m.failure, "内存存储不可用")
	}
	return nil
}

func (m *MemoryStore) lookup(key string) (memoryValue, bool) {
	value, ok := m.values[key]
	if !ok {
		return memoryValue{}, false
	}
	if !value.expiresAt.IsZero() && !m.now().Before(value.expiresAt) {
		delete(m.values, key)
		return memoryValue{}, false
	}
	return value, true
}

func (m *MemoryStore) incr(key string, amount float64) (float64, error) {
	current := 0.0
	entry, ok := m.lookup(key)
	if ok {
		parsed, err := strconv.ParseFloat(entry.value, 64)
		if err != nil {
			return 0, errors.New("value is not a valid float")
		}
		current = parsed
	}
	total := current + amount
	entry.value = strconv.FormatFloat(total, 'f', -1, 64)
	m.values[key] = entry
	return total, nil
}

func (m *MemoryStore) expire(key string, ttl time.Duration) {
	entry, ok := m.lookup(key)
	if !ok {
		return
	}
	if ttl <= 0 {
		delete(m.values, key)
		return
	}
	entry.expiresAt = m.now().Add(ttl)
	m.values[key] = entry
}

var _ Store = (*MemoryStore)(nil)
