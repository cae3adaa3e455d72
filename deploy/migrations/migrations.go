// Package migrations embeds the MySQL schema of the vault and intent task
// stores. Files are applied in version order by internal/storage/mysql.
package migrations

import "embed"

// Files 包含按版本号命名的 SQL 迁移文件，例如 0001_create_vaults.sql。
//
//go:embed *.sql
var Files embed.FS
