package migrations

import "embed"

// Files 暴露事件归档库的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
