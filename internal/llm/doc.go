// Package llm 定义 Worker 调用大模型生成内容时使用的统一接口。
package llm
