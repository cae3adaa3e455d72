// Package events carries pipeline notifications to external subscribers.
// Publishing never blocks the pipeline: events are queued on a bounded
// bus and dropped when the queue is full.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	xerrors "AgentVault/internal/errors"
)

// Type 表示事件类型，同时作为消息中间件的路由键。
type Type string

const (
	TypeDecided    Type = "pipeline.decided"
	TypeExecuted   Type = "pipeline.executed"
	TypeFailed     Type = "pipeline.failed"
	TypeTaskFailed Type = "task.failed"
)

// Event 描述流水线中的一个里程碑。
type Event struct {
	Type       Type              `json:"type"`
	IntentID   string            `json:"intentId,omitempty"`
	StrategyID string            `json:"strategyId,omitempty"`
	UserID     string            `json:"userId,omitempty"`
	TaskID     string            `json:"taskId,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Code       xerrors.Code      `json:"code,omitempty"`
	Severity   xerrors.Severity  `json:"severity,omitempty"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

// Key 返回消息中间件使用的分区键，保证同一用户的事件有序。
func (e Event) Key() string {
	if e.UserID != "" {
		return e.UserID
	}
	return e.TaskID
}

// Publisher 负责将事件投递到一个目的地。
type Publisher interface {
	Name() string
	Publish(ctx context.Context, event Event) error
	Close() error
}

// FanoutPublisher 将每个事件投递给所有已注册的发布器。
type FanoutPublisher struct {
	publishers []Publisher
}

// NewFanout 创建 FanoutPublisher，nil 发布器会被忽略。
func NewFanout(publishers ...Publisher) *FanoutPublisher {
	set := make([]Publisher, 0, len(publishers))
	for _, p := range publishers {
		if p != nil {
			set = append(set, p)
		}
	}
	return &FanoutPublisher{publishers: set}
}

// Name 实现 Publisher 接口。
func (f *FanoutPublisher) Name() string { return "fanout" }

// Len 返回投递目的地的数量。
func (f *FanoutPublisher) Len() int { return len(f.publishers) }

// Publish 实现 Publisher 接口，会尝试所有目的地并合并各自的错误。
func (f *FanoutPublisher) Publish(ctx context.Context, event Event) error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close 实现 Publisher 接口。
func (f *FanoutPublisher) Close() error {
	var errs []error
	for _, p := range f.publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("publisher %s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// MemoryPublisher 将事件保存在内存中。
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

// NewMemoryPublisher 创建空的 MemoryPublisher。
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// Name 实现 Publisher 接口。
func (m *MemoryPublisher) Name() string { return "memory" }

// Publish 实现 Publisher 接口。
func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	m.events = append(m.events, event)
	m.mu.Unlock()
	return nil
}

// Close 实现 Publisher 接口。
func (m *MemoryPublisher) Close() error { return nil }

// Events 返回已接收事件的副本。
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
