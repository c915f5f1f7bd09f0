// Package migrations 内嵌会话记忆的 SQL 迁移。internal/storage/mysql
// 在建立连接后按版本号顺序执行其中尚未应用的文件。
package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
