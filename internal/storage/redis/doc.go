// Package redis 基于 go-redis 实现共享的队列与预算计数存储，
// 为 Planner、Worker、Judge 与 Governor 提供 task_queue、review_queue
// 以及按日过期的花费账本。
package redis
