package llm

import "context"

// Request 描述一次内容生成任务。
type Request struct {
	TaskType    string
	Instruction string
	// Attempt 从 0 开始，重试时递增，供提示词提醒模型修正上一轮的问题。
	Attempt int
	Hints   map[string]string
	// References 是从知识库检索到的背景资料，按相关度排列。
	References []string
}

// Response 是大模型推理得到的结构化输出。
type Response struct {
	Thought string
	Reply   string
	// Confidence 为模型自评的置信度，取值 [0,1]；未给出时为负数。
	Confidence float64
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}
