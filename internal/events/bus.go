package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"AgentVault/pkg/logger"
)

const (
	defaultBuffer         = 256
	defaultPublishTimeout = 5 * time.Second
)

// Bus 缓存事件并在单个协程中交给 Publisher 投递，保持事件的发出顺序。
type Bus struct {
	publisher Publisher
	timeout   time.Duration
	log       *slog.Logger

	mu      sync.RWMutex
	ch      chan Event
	closed  bool
	done    chan struct{}
	dropped atomic.Uint64
	failed  atomic.Uint64
}

// BusOption 定义可选的 Bus 配置。
type BusOption func(*Bus)

// WithPublishTimeout 设置单次投递的超时时间。
func WithPublishTimeout(timeout time.Duration) BusOption {
	return func(b *Bus) {
		if timeout > 0 {
			b.timeout = timeout
		}
	}
}

// NewBus 启动一个投递到 publisher 的事件总线。
func NewBus(publisher Publisher, buffer int, opts ...BusOption) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	b := &Bus{
		publisher: publisher,
		timeout:   defaultPublishTimeout,
		log:       logger.Named("events"),
		ch:        make(chan Event, buffer),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	go b.loop()
	return b
}

// Emit 以非阻塞方式投入事件。总线已满或已关闭导致事件被丢弃时返回 false，
// nil 总线会直接丢弃事件。
func (b *Bus) Emit(event Event) bool {
	if b == nil {
		return false
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return false
	}
	select {
	case b.ch <- event:
		return true
	default:
		b.dropped.Add(1)
		b.log.Warn("事件队列已满，丢弃事件", slog.String("type", string(event.Type)), slog.String("user_id", event.UserID))
		return false
	}
}

// Dropped 返回被丢弃的事件数量。
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Failed 返回投递失败的次数。
func (b *Bus) Failed() uint64 {
	return b.failed.Load()
}

// Close 停止接收事件，排空队列后关闭发布器；ctx 结束时提前停止排空。
func (b *Bus) Close(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()

	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if b.publisher != nil {
		return b.publisher.Close()
	}
	return nil
}

func (b *Bus) loop() {
	defer close(b.done)
	for event := range b.ch {
		if b.publisher == nil {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
		err := b.publisher.Publish(ctx, event)
		cancel()
		if err != nil {
			b.failed.Add(1)
			b.log.Error("事件投递失败",
				slog.String("type", string(event.Type)),
				slog.String("user_id", event.UserID),
				slog.Any("error", err),
			)
		}
	}
}
