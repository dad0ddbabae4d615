// Package mysql 提供事件归档仓库：基于 MySQL 的实现带有内嵌迁移，
// 另有一个以 JSON 行文件追加写的本地实现，便于单机开发。
package mysql
