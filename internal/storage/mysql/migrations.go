package mysql

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"AgentVault/deploy/migrations"
)

var embeddedMigrations fs.ReadFileFS = migrations.Files

// migrationLockName 是迁移期间持有的 MySQL 命名锁，多个守护进程同时启动时只有一个会执行迁移。
const migrationLockName = "agentvault_schema_migrations"

const migrationLockWaitSeconds = 30

const (
	createMigrationsTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        name VARCHAR(255) NOT NULL,
        checksum CHAR(64) NOT NULL,
        applied_at BIGINT NOT NULL
)`
	acquireMigrationLockSQL = `SELECT GET_LOCK(?, ?)`
	releaseMigrationLockSQL = `SELECT RELEASE_LOCK(?)`
	selectAppliedSQL        = `SELECT version, checksum FROM schema_migrations`
	recordMigrationSQL      = `INSERT INTO schema_migrations (version, name, checksum, applied_at) VALUES (?, ?, ?, ?)`
)

type migrationFile struct {
	version    string
	name       string
	checksum   string
	statements []string
}

// runMigrations 在命名锁保护下按版本顺序执行尚未应用的迁移。已应用迁移的文件内容若被修改，
// 启动会失败而不是静默跳过。
func runMigrations(ctx context.Context, db *sql.DB) error {
	files, err := loadMigrationFiles(embeddedMigrations)
	if err != nil {
		return err
	}

	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("获取迁移连接失败: %w", err)
	}
	defer conn.Close()

	var locked sql.NullInt64
	if err := conn.QueryRowContext(ctx, acquireMigrationLockSQL, migrationLockName, migrationLockWaitSeconds).Scan(&locked); err != nil {
		return fmt.Errorf("获取迁移锁失败: %w", err)
	}
	if !locked.Valid || locked.Int64 != 1 {
		return fmt.Errorf("等待迁移锁超时 (%ds)", migrationLockWaitSeconds)
	}
	defer func() {
		_, _ = conn.ExecContext(context.WithoutCancel(ctx), releaseMigrationLockSQL, migrationLockName)
	}()

	if _, err := conn.ExecContext(ctx, createMigrationsTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}

	applied, err := loadAppliedChecksums(ctx, conn)
	if err != nil {
		return err
	}

	for _, file := range files {
		if checksum, ok := applied[file.version]; ok {
			if checksum != file.checksum {
				return fmt.Errorf("迁移 %s 在应用后被修改 (记录 %s, 当前 %s)", file.name, shortChecksum(checksum), shortChecksum(file.checksum))
			}
			continue
		}
		if err := applyMigration(ctx, conn, file); err != nil {
			return err
		}
	}
	return nil
}

func loadAppliedChecksums(ctx context.Context, conn *sql.Conn) (map[string]string, error) {
	rows, err := conn.QueryContext(ctx, selectAppliedSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]string)
	for rows.Next() {
		var version, checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("遍历 schema_migrations 失败: %w", err)
	}
	return applied, nil
}

// applyMigration 在单个事务中执行迁移并记录版本。MySQL 的 DDL 会隐式提交，
// 因此迁移文件中的语句必须可以重复执行。
func applyMigration(ctx context.Context, conn *sql.Conn, file migrationFile) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	for _, stmt := range file.statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("执行迁移 %s 失败: %w", file.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx, recordMigrationSQL, file.version, file.name, file.checksum, time.Now().UnixMilli()); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("记录迁移版本失败: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("提交迁移事务失败: %w", err)
	}
	return nil
}

func loadMigrationFiles(fsys fs.ReadFileFS) ([]migrationFile, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}

	files := make([]migrationFile, 0, len(names))
	seen := make(map[string]string, len(names))
	for _, name := range names {
		content, err := fsys.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		statements := splitSQLStatements(string(content))
		if len(statements) == 0 {
			continue
		}
		version := migrationVersion(name)
		if other, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移版本 %s 重复: %s 与 %s", version, other, name)
		}
		seen[version] = name
		sum := sha256.Sum256(content)
		files = append(files, migrationFile{
			version:    version,
			name:       name,
			checksum:   hex.EncodeToString(sum[:]),
			statements: statements,
		})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}

// splitSQLStatements 按分号拆分语句并去掉整行 "--" 注释。
func splitSQLStatements(content string) []string {
	var cleaned strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		cleaned.WriteString(line)
		cleaned.WriteByte('\n')
	}

	var statements []string
	for _, stmt := range strings.Split(cleaned.String(), ";") {
		if trimmed := strings.TrimSpace(stmt); trimmed != "" {
			statements = append(statements, trimmed)
		}
	}
	return statements
}

// migrationVersion 取文件名中第一个下划线之前的部分，例如 0002_create_intent_tasks.sql -> 0002。
func migrationVersion(name string) string {
	base := strings.TrimSuffix(name, ".sql")
	if idx := strings.IndexByte(base, '_'); idx > 0 {
		return base[:idx]
	}
	return base
}

func shortChecksum(sum string) string {
	if len(sum) > 12 {
		return sum[:12]
	}
	return sum
}
