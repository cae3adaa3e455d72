package task

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"AgentVault/internal/agent"
	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/model"
	"AgentVault/pkg/logger"
)

// Executor 定义了处理器所需的编排能力。
type Executor interface {
	SubmitIntent(ctx context.Context, intent model.UserIntent) *agent.PipelineResult
}

// Processor 负责从队列消费任务并交给编排器执行。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	bus         *events.Bus
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(l *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithEventBus 配置任务最终失败时的事件通知。
func WithEventBus(bus *events.Bus) ProcessorOption {
	return func(p *Processor) {
		p.bus = bus
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
		logger:      logger.Named("task"),
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动任务处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrTaskNotFound) || stdErrors.Is(err, ErrTaskCompleted) ||
			stdErrors.Is(err, ErrTaskExhausted) || stdErrors.Is(err, ErrTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}

	result := p.executor.SubmitIntent(ctx, task.Intent)
	if result == nil {
		err := xerrors.New(CodeTaskProcessing, "编排器未返回结果")
		return p.fail(ctx, task, CodeTaskProcessing, err.Error())
	}

	if result.Outcome == agent.OutcomeExternalError && task.Attempts < task.MaxRetries {
		return p.retry(ctx, task, result)
	}

	if err := p.store.MarkCompleted(ctx, task.ID, result); err != nil {
		p.logger.Error("记录流水线结果失败", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	if result.Outcome == agent.OutcomeExternalError {
		p.notifyExhausted(task, result)
	}
	logger.Audit().Info("任务处理完成",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("attempts", task.Attempts),
	)
	return nil
}

// retry 只会在尚未执行任何步骤的外部错误上触发。
func (p *Processor) retry(ctx context.Context, task *Task, result *agent.PipelineResult) error {
	code := result.ErrorCode
	if code == "" {
		code = xerrors.CodeExternalService
	}
	if err := p.store.MarkFailed(ctx, task.ID, code, result.Error, false); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	logger.Audit().Warn("任务遇到外部错误，准备重试",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("error_code", string(code)),
		slog.String("error", result.Error),
		slog.Int("attempts", task.Attempts),
		slog.Int("max_retries", task.MaxRetries),
	)
	if p.producer == nil {
		return nil
	}
	if err := p.producer.Publish(ctx, task.ID); err != nil {
		return xerrors.Wrap(CodeTaskPublish, err, fmt.Sprintf("任务 %s 重投失败", task.ID))
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, task *Task, code xerrors.Code, message string) error {
	if err := p.store.MarkFailed(ctx, task.ID, code, message, true); err != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", task.ID))
		return err
	}
	p.bus.Emit(events.Event{
		Type:       events.TypeTaskFailed,
		TaskID:     task.ID,
		UserID:     task.UserID,
		IntentID:   task.Intent.ID,
		Code:       code,
		Severity:   xerrors.AttributesOf(code).Severity,
		Message:    message,
		OccurredAt: p.now(),
	})
	return nil
}

func (p *Processor) notifyExhausted(task *Task, result *agent.PipelineResult) {
	logger.Audit().Warn("任务重试次数耗尽",
		slog.String("task_id", task.ID),
		slog.String("user_id", task.UserID),
		slog.String("error", result.Error),
	)
	p.bus.Emit(events.Event{
		Type:     events.TypeTaskFailed,
		TaskID:   task.ID,
		UserID:   task.UserID,
		IntentID: result.IntentID,
		Outcome:  string(result.Outcome),
		Code:     CodeTaskExhausted,
		Severity: xerrors.AttributesOf(CodeTaskExhausted).Severity,
		Message:  result.Error,
		Metadata: map[string]string{
			"attempts":   strconv.Itoa(task.Attempts),
			"cause_code": string(result.ErrorCode),
		},
		OccurredAt: p.now(),
	})
}
