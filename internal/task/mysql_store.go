package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"AgentVault/internal/agent"
	xerrors "AgentVault/internal/errors"
)

const (
	taskColumns = `id, user_id, intent, status, attempts, max_retries, last_error, error_code, outcome, result, created_at, updated_at`

	insertTaskSQL = `INSERT INTO intent_tasks
        (id, user_id, intent, status, attempts, max_retries, last_error, error_code, outcome, result, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', NULL, ?, ?)`
	selectTaskSQL = `SELECT ` + taskColumns + ` FROM intent_tasks WHERE id = ?`
	claimTaskSQL  = `UPDATE intent_tasks SET status = ?, attempts = attempts + 1, updated_at = ?, last_error = '', error_code = ''
        WHERE id = ? AND status IN (?, ?) AND attempts < max_retries`
	completeTaskSQL = `UPDATE intent_tasks SET status = ?, outcome = ?, result = ?, last_error = ?, error_code = ?, updated_at = ?
        WHERE id = ?`
	failTaskSQL = `UPDATE intent_tasks SET status = ?, last_error = ?, error_code = ?, updated_at = ?,
        max_retries = CASE WHEN ? THEN LEAST(max_retries, attempts) ELSE max_retries END
        WHERE id = ?`
	statsTaskSQL = `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS completed,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM intent_tasks`
	outcomeStatsSQL = `SELECT outcome, COUNT(*) FROM intent_tasks`
)

type rowScanner interface {
	Scan(dest ...any) error
}

// MySQLStore 使用 MySQL 的 intent_tasks 表记录任务状态。表结构由
// storage/mysql 的迁移创建，连接池由调用方持有。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已迁移的连接池创建任务存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	intent, err := json.Marshal(task.Intent)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务意图失败")
	}

	now := s.now().Unix()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}

	_, err = s.db.ExecContext(ctx, insertTaskSQL,
		task.ID,
		task.UserID,
		string(intent),
		string(task.Status),
		task.Attempts,
		task.MaxRetries,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRowContext(ctx, selectTaskSQL, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Claim 通过条件更新把任务标记为运行中，保证同一任务只会被一个工作协程领取。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Task, error) {
	res, err := s.db.ExecContext(ctx, claimTaskSQL,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
		string(StatusFailed),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	task, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return task, nil
	}
	switch {
	case task.Status == StatusCompleted:
		return task, ErrTaskCompleted
	case task.Status == StatusRunning:
		return task, ErrTaskConflict
	case task.Attempts >= task.MaxRetries:
		return task, ErrTaskExhausted
	default:
		return task, ErrTaskConflict
	}
}

// MarkCompleted 写入流水线结果。
func (s *MySQLStore) MarkCompleted(ctx context.Context, id string, result *agent.PipelineResult) error {
	if result == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "流水线结果不能为空")
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码流水线结果失败")
	}
	res, err := s.db.ExecContext(ctx, completeTaskSQL,
		string(StatusCompleted),
		string(result.Outcome),
		string(payload),
		result.Error,
		string(result.ErrorCode),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "记录任务结果失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// MarkFailed 将任务标记为失败，terminal 为 true 时把 max_retries 收紧到当前尝试次数。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error {
	res, err := s.db.ExecContext(ctx, failTaskSQL,
		string(StatusFailed),
		lastError,
		string(code),
		s.now().Unix(),
		terminal,
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败状态出错")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM intent_tasks`
	clause, args := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	if opts.Order == SortByUpdatedAsc {
		query += " ORDER BY updated_at ASC, created_at ASC, id ASC"
	} else {
		query += " ORDER BY updated_at DESC, created_at DESC, id ASC"
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0, opts.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	clause, filterArgs := buildFilterClause(opts)
	query := statsTaskSQL
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{string(StatusPending), string(StatusRunning), string(StatusCompleted), string(StatusFailed)}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Pending,
		&stats.Running,
		&stats.Completed,
		&stats.Failed,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		return stats, nil
	}

	outcomeQuery := outcomeStatsSQL
	if clause != "" {
		outcomeQuery += " WHERE " + clause
	}
	outcomeQuery += " GROUP BY outcome"
	rows, err := s.db.QueryContext(ctx, outcomeQuery, filterArgs...)
	if err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询结论统计失败")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			outcome string
			count   int
		)
		if err := rows.Scan(&outcome, &count); err != nil {
			return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析结论统计失败")
		}
		stats.countOutcome(outcome, count)
	}
	if err := rows.Err(); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历结论统计失败")
	}
	return stats, nil
}

// Close 不关闭共享的连接池。
func (s *MySQLStore) Close() error {
	return nil
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task      Task
		status    string
		intent    string
		lastError sql.NullString
		errorCode sql.NullString
		outcome   sql.NullString
		result    sql.NullString
	)
	if err := row.Scan(
		&task.ID,
		&task.UserID,
		&intent,
		&status,
		&task.Attempts,
		&task.MaxRetries,
		&lastError,
		&errorCode,
		&outcome,
		&result,
		&task.CreatedAt,
		&task.UpdatedAt,
	); err != nil {
		return nil, err
	}
	task.Status = Status(status)
	task.LastError = lastError.String
	task.ErrorCode = errorCode.String
	task.Outcome = agent.Outcome(outcome.String)
	if err := json.Unmarshal([]byte(intent), &task.Intent); err != nil {
		return nil, fmt.Errorf("解析任务意图失败: %w", err)
	}
	if result.Valid && strings.TrimSpace(result.String) != "" {
		var decoded agent.PipelineResult
		if err := json.Unmarshal([]byte(result.String), &decoded); err != nil {
			return nil, fmt.Errorf("解析流水线结果失败: %w", err)
		}
		task.Result = &decoded
	}
	return &task, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.Outcome != "" {
		conditions = append(conditions, "outcome = ?")
		args = append(args, opts.Outcome)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "result IS NOT NULL")
		} else {
			conditions = append(conditions, "result IS NULL")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR user_id LIKE ? OR outcome LIKE ? OR last_error LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
