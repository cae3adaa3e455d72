package task

import (
	"context"

	"AgentVault/internal/agent"
	xerrors "AgentVault/internal/errors"
)

// Store 抽象了任务状态的持久化接口。
type Store interface {
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Claim 将待处理或可重试的任务标记为运行中，已运行过且未要求重试的任务不会被再次领取。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkCompleted(ctx context.Context, id string, result *agent.PipelineResult) error
	// MarkFailed 记录失败原因；terminal 为 true 时任务不再被领取。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string, terminal bool) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
