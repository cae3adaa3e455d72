package task

import (
	"context"
	"log/slog"
	"time"

	"AgentVault/pkg/logger"
)

const defaultRecoverInterval = time.Minute

// Recoverer 周期性地重新投递滞留的任务：入队消息丢失的待处理任务，以及重投失败的可重试任务。
// 运行中的任务不会被重新投递。
type Recoverer struct {
	store    Store
	producer Producer
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewRecoverer 构造 Recoverer，interval 同时作为判定任务滞留的时长。
func NewRecoverer(store Store, producer Producer, interval time.Duration) *Recoverer {
	if interval <= 0 {
		interval = defaultRecoverInterval
	}
	return &Recoverer{
		store:    store,
		producer: producer,
		interval: interval,
		logger:   logger.Named("task-recovery"),
		now:      time.Now,
	}
}

// Run 按固定间隔执行 Sweep，直到 ctx 结束。
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Warn("任务恢复扫描失败", slog.Any("error", err))
			}
		}
	}
}

// Sweep 扫描一次并返回重新投递的任务数量。
func (r *Recoverer) Sweep(ctx context.Context) (int, error) {
	cutoff := r.now().Add(-r.interval).Unix()
	opts := ListOptions{
		Statuses:   []Status{StatusPending, StatusFailed},
		UpdatedLTE: cutoff,
		Order:      SortByUpdatedAsc,
		Limit:      maxListLimit,
	}
	stale, err := r.store.List(ctx, opts)
	if err != nil {
		return 0, err
	}
	requeued := 0
	for _, task := range stale {
		if task.Finished() {
			continue
		}
		if err := r.producer.Publish(ctx, task.ID); err != nil {
			return requeued, err
		}
		requeued++
		r.logger.Info("重新投递滞留任务",
			slog.String("task_id", task.ID),
			slog.String("status", string(task.Status)),
			slog.Int("attempts", task.Attempts),
		)
	}
	return requeued, nil
}
