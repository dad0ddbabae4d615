package planner

import (
	"context"
	"fmt"
)

// Step 是策略拆解出的一个待执行单元。
type Step struct {
	TaskType    string
	Instruction string
	Extra       map[string]any
}

// Strategy 将一个目标拆解为有限且有序的步骤列表。
type Strategy interface {
	Decompose(ctx context.Context, goal string) ([]Step, error)
}

// StrategyFunc 让普通函数实现 Strategy。
type StrategyFunc func(ctx context.Context, goal string) ([]Step, error)

// Decompose 实现 Strategy。
func (f StrategyFunc) Decompose(ctx context.Context, goal string) ([]Step, error) {
	return f(ctx, goal)
}

// DefaultTaskType 是默认拆解出的任务类型。
const DefaultTaskType = "generate_content"

// SplitStrategy 把目标平均拆成 Parts 份同类型任务。
type SplitStrategy struct {
	Parts    int
	TaskType string
}

// Decompose 生成 "Execute part i of <goal>" 形式的指令。
func (s SplitStrategy) Decompose(_ context.Context, goal string) ([]Step, error) {
	parts := s.Parts
	if parts <= 0 {
		parts = 2
	}
	taskType := s.TaskType
	if taskType == "" {
		taskType = DefaultTaskType
	}
	steps := make([]Step, 0, parts)
	for i := 1; i <= parts; i++ {
		steps = append(steps, Step{
			TaskType:    taskType,
			Instruction: fmt.Sprintf("Execute part %d of %s", i, goal),
		})
	}
	return steps, nil
}
