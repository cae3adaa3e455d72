package mysql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	gomysql "github.com/go-sql-driver/mysql"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/model"
	"AgentVault/internal/vault"
)

const (
	selectVaultSQL = `SELECT user_id, id, vault_address, total_value, asset_allocation, risk_level, created_at, updated_at
        FROM vaults WHERE user_id = ?`
	selectVaultForUpdateSQL = selectVaultSQL + ` FOR UPDATE`
	selectPerformanceSQL    = `SELECT id, recorded_at, value, daily_return, strategy_id
        FROM vault_performance WHERE user_id = ? ORDER BY id ASC`
	insertVaultSQL = `INSERT INTO vaults
        (user_id, id, vault_address, total_value, asset_allocation, risk_level, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	updateVaultSQL = `UPDATE vaults SET vault_address = ?, total_value = ?, asset_allocation = ?, risk_level = ?, updated_at = ?
        WHERE user_id = ?`
	insertPerformanceSQL = `INSERT INTO vault_performance (user_id, recorded_at, value, daily_return, strategy_id)
        VALUES (?, ?, ?, ?, ?)`
	trimPerformanceSQL = `DELETE FROM vault_performance WHERE user_id = ? AND id <= ?`
)

// querier 同时被 *sql.DB 与 *sql.Tx 满足。
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// VaultStore 使用 MySQL 保存用户金库及其业绩历史。Update 在事务中通过
// SELECT ... FOR UPDATE 锁定金库行，保证同一用户的写入串行化。
type VaultStore struct {
	db *sql.DB
}

// NewVaultStore 基于已迁移的连接池创建金库存储。
func NewVaultStore(db *sql.DB) *VaultStore {
	return &VaultStore{db: db}
}

// Get 实现 vault.Store。
func (s *VaultStore) Get(ctx context.Context, userID string) (*model.Vault, error) {
	v, _, err := loadVault(ctx, s.db, selectVaultSQL, userID)
	return v, err
}

// GetOrCreate 实现 vault.Store。并发创建时以先写入者为准。
func (s *VaultStore) GetOrCreate(ctx context.Context, userID string, create vault.Factory) (*model.Vault, error) {
	existing, err := s.Get(ctx, userID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, vault.ErrVaultNotFound) {
		return nil, err
	}

	created, err := create(ctx, userID)
	if err != nil {
		return nil, err
	}
	created.UserID = userID

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启金库事务失败")
	}
	if err := insertVault(ctx, tx, created); err != nil {
		tx.Rollback()
		var mysqlErr *gomysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return s.Get(ctx, userID)
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入金库失败")
	}
	if err := insertPerformance(ctx, tx, userID, created.PerformanceHistory); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交金库事务失败")
	}
	return created.Clone(), nil
}

// Update 实现 vault.Store。
func (s *VaultStore) Update(ctx context.Context, userID string, fn vault.MutateFunc) (*model.Vault, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启金库事务失败")
	}

	current, ids, err := loadVault(ctx, tx, selectVaultForUpdateSQL, userID)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	before := current.PerformanceHistory
	next := current.Clone()
	if err := fn(next); err != nil {
		tx.Rollback()
		return nil, err
	}

	allocation, err := json.Marshal(next.AssetAllocation)
	if err != nil {
		tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码资产配置失败")
	}
	if _, err := tx.ExecContext(ctx, updateVaultSQL,
		next.VaultAddress,
		next.TotalValue,
		string(allocation),
		next.RiskLevel,
		next.UpdatedAt.UnixMilli(),
		userID,
	); err != nil {
		tx.Rollback()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新金库失败")
	}

	evicted, appended := diffHistory(before, next.PerformanceHistory)
	if evicted > 0 {
		if _, err := tx.ExecContext(ctx, trimPerformanceSQL, userID, ids[evicted-1]); err != nil {
			tx.Rollback()
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "裁剪业绩历史失败")
		}
	}
	if err := insertPerformance(ctx, tx, userID, appended); err != nil {
		tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交金库事务失败")
	}
	return next, nil
}

// Close 关闭底层数据库连接。
func (s *VaultStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func loadVault(ctx context.Context, q querier, query, userID string) (*model.Vault, []int64, error) {
	var (
		v          model.Vault
		allocation string
		createdAt  int64
		updatedAt  int64
	)
	row := q.QueryRowContext(ctx, query, userID)
	if err := row.Scan(
		&v.UserID,
		&v.ID,
		&v.VaultAddress,
		&v.TotalValue,
		&allocation,
		&v.RiskLevel,
		&createdAt,
		&updatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, vault.NotFound(userID)
		}
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询金库失败")
	}
	if allocation != "" {
		if err := json.Unmarshal([]byte(allocation), &v.AssetAllocation); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析资产配置失败")
		}
	}
	v.CreatedAt = time.UnixMilli(createdAt).UTC()
	v.UpdatedAt = time.UnixMilli(updatedAt).UTC()

	rows, err := q.QueryContext(ctx, selectPerformanceSQL, userID)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询业绩历史失败")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var (
			id         int64
			recordedAt int64
			record     model.PerformanceRecord
		)
		if err := rows.Scan(&id, &recordedAt, &record.Value, &record.DailyReturn, &record.StrategyID); err != nil {
			return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析业绩历史失败")
		}
		record.Timestamp = time.UnixMilli(recordedAt).UTC()
		ids = append(ids, id)
		v.PerformanceHistory = append(v.PerformanceHistory, record)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历业绩历史失败")
	}
	return &v, ids, nil
}

func insertVault(ctx context.Context, q querier, v *model.Vault) error {
	allocation, err := json.Marshal(v.AssetAllocation)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, insertVaultSQL,
		v.UserID,
		v.ID,
		v.VaultAddress,
		v.TotalValue,
		string(allocation),
		v.RiskLevel,
		v.CreatedAt.UnixMilli(),
		v.UpdatedAt.UnixMilli(),
	)
	return err
}

func insertPerformance(ctx context.Context, q querier, userID string, records []model.PerformanceRecord) error {
	for _, record := range records {
		if _, err := q.ExecContext(ctx, insertPerformanceSQL,
			userID,
			record.Timestamp.UnixMilli(),
			record.Value,
			record.DailyReturn,
			record.StrategyID,
		); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入业绩历史失败")
		}
	}
	return nil
}

// diffHistory 计算从 before 到 after 被淘汰的旧记录数量以及新追加的记录。
// 历史只允许尾部追加、头部淘汰，最坏情况下视为全部替换。
func diffHistory(before, after []model.PerformanceRecord) (int, []model.PerformanceRecord) {
	for evicted := 0; evicted <= len(before); evicted++ {
		kept := len(before) - evicted
		if kept > len(after) {
			continue
		}
		if sameRecords(before[evicted:], after[:kept]) {
			return evicted, after[kept:]
		}
	}
	return len(before), after
}

func sameRecords(a, b []model.PerformanceRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Timestamp.Equal(b[i].Timestamp) ||
			!a[i].Value.Equal(b[i].Value) ||
			a[i].DailyReturn != b[i].DailyReturn ||
			a[i].StrategyID != b[i].StrategyID {
			return false
		}
	}
	return true
}

var _ vault.Store = (*VaultStore)(nil)
