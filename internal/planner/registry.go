package planner

import (
	"context"
	"time"

	"Chimera-Swarm/internal/task"
)

// DefaultSnapshotTTL 是任务快照在存储中的保留时间。
const DefaultSnapshotTTL = 48 * time.Hour

type snapshotStore interface {
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, bool, error)
}

// Registry 在共享存储中保存已入队任务的快照，
// Judge 拒绝某个结果时据此找回任务并走重试流程。
type Registry struct {
	store  snapshotStore
	prefix string
	ttl    time.Duration
}

// NewRegistry 创建任务快照仓库。
func NewRegistry(store snapshotStore) *Registry {
	return &Registry{store: store, prefix: "swarm:task:", ttl: DefaultSnapshotTTL}
}

// Key 返回任务快照的存储键。
func (r *Registry) Key(taskID string) string { return r.prefix + taskID }

// Save 写入或覆盖任务快照。
func (r *Registry) Save(ctx context.Context, t *task.Task) error {
	payload, err := task.EncodeTask(t)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, r.Key(t.ID), payload, r.ttl)
}

// Load 读取任务快照，不存在时 found 为 false。
func (r *Registry) Load(ctx context.Context, taskID string) (*task.Task, bool, error) {
	payload, found, err := r.store.Get(ctx, r.Key(taskID))
	if err != nil || !found {
		return nil, false, err
	}
	t, err := task.DecodeTask(payload)
	if err != nil {
		return nil, false, err
	}
	return t, true, nil
}
