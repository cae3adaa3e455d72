// Package vault stores the long-lived per-user portfolio records and
// serialises writers per user.
package vault

import (
	"context"
	"errors"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/model"
)

// ErrVaultNotFound 表示用户尚未创建金库。使用 errors.Is 比较时，
// 任何携带 CodeVaultNotFound 的错误都会匹配。
var ErrVaultNotFound = xerrors.New(xerrors.CodeVaultNotFound, "vault not found")

// NotFound 构建包含用户信息的未找到错误。
func NotFound(userID string) error {
	return xerrors.New(xerrors.CodeVaultNotFound, "vault not found", xerrors.WithMetadata("user_id", userID))
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrVaultNotFound)
}

// Factory 在首次使用时构建用户的初始金库。
type Factory func(ctx context.Context, userID string) (*model.Vault, error)

// MutateFunc 原地修改金库，返回错误时放弃本次修改。
type MutateFunc func(v *model.Vault) error

// Store 抽象了金库的持久化接口。实现必须按用户原子地执行 Update，
// 使并发写入串行化而不是交错执行；返回的金库是调用方持有的副本。
type Store interface {
	Get(ctx context.Context, userID string) (*model.Vault, error)
	GetOrCreate(ctx context.Context, userID string, create Factory) (*model.Vault, error)
	Update(ctx context.Context, userID string, fn MutateFunc) (*model.Vault, error)
	Close() error
}
