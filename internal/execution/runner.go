package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/model"
	"AgentVault/pkg/logger"
)

const (
	defaultStepTimeout       = 30 * time.Second
	defaultRetainedFinished  = 10000
	defaultFinishedRetention = 24 * time.Hour
)

// Status 表示计划在执行器中的生命周期状态。
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Progress 描述计划的执行进度。
type Progress struct {
	StrategyID     string `json:"strategyId"`
	CompletedSteps int    `json:"completedSteps"`
	TotalSteps     int    `json:"totalSteps"`
	FlashLoan      bool   `json:"flashLoan"`
	Status         Status `json:"status"`
	FailedStep     int    `json:"failedStep"`
}

// StepObserver 在每次步骤尝试后被调用。
type StepObserver func(step model.ExecutionStep, ok bool, elapsed time.Duration)

// Runner 负责执行计划，同一策略至多执行一次。运行中的计划始终保留；
// 已结束的计划按数量上限与保留时长淘汰，淘汰后不再可查询进度。
type Runner struct {
	backend     Backend
	stepTimeout time.Duration
	minProfit   decimal.Decimal
	observer    StepObserver
	log         *slog.Logger

	maxFinished int
	retention   time.Duration
	now         func() time.Time

	mu       sync.Mutex
	progress map[string]*Progress
	finished []finishedEntry
}

type finishedEntry struct {
	strategyID string
	at         time.Time
}

// RunnerOption 定义可选的 Runner 配置。
type RunnerOption func(*Runner)

// WithStepTimeout 设置每次后端调用的超时时间。
func WithStepTimeout(timeout time.Duration) RunnerOption {
	return func(r *Runner) {
		if timeout > 0 {
			r.stepTimeout = timeout
		}
	}
}

// WithMinProfit 设置闪电贷成功所需的最低利润。
func WithMinProfit(min decimal.Decimal) RunnerOption {
	return func(r *Runner) {
		r.minProfit = min
	}
}

// WithStepObserver 注册步骤完成后的回调。
func WithStepObserver(observer StepObserver) RunnerOption {
	return func(r *Runner) {
		r.observer = observer
	}
}

// WithRetention 设置已结束计划的保留数量与保留时长，非正值表示沿用默认值。
func WithRetention(maxFinished int, ttl time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxFinished > 0 {
			r.maxFinished = maxFinished
		}
		if ttl > 0 {
			r.retention = ttl
		}
	}
}

// WithRunnerClock 替换时间来源，便于测试。
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *Runner) {
		if now != nil {
			r.now = now
		}
	}
}

// WithRunnerLogger 替换日志记录器。
func WithRunnerLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.log = l
		}
	}
}

// NewRunner 基于指定后端创建 Runner。
func NewRunner(backend Backend, opts ...RunnerOption) *Runner {
	r := &Runner{
		backend:     backend,
		stepTimeout: defaultStepTimeout,
		minProfit:   decimal.Zero,
		maxFinished: defaultRetainedFinished,
		retention:   defaultFinishedRetention,
		now:         time.Now,
		log:         logger.Named("execution"),
		progress:    make(map[string]*Progress),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Progress 返回计划进度的快照。
func (r *Runner) Progress(strategyID string) (Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[strategyID]
	if !ok {
		return Progress{}, false
	}
	return *p, true
}

// Execute 执行计划。已经提交过的策略会以 CodeAlreadyExecuted 拒绝，且返回 nil 结果；
// 其余情况总会返回结果，失败时附带执行错误。已完成的步骤不会回滚。
func (r *Runner) Execute(ctx context.Context, plan *model.ExecutionPlan) (*model.ExecutionResult, error) {
	if plan == nil || plan.StrategyID == "" {
		return nil, xerrors.Validation("execution plan requires a strategy id")
	}
	if r.backend == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置执行后端")
	}
	if err := r.claim(plan); err != nil {
		return nil, err
	}

	var (
		result *model.ExecutionResult
		err    error
	)
	if plan.FlashLoanRequired {
		result, err = r.runFlashLoan(ctx, plan)
	} else {
		result, err = r.runSteps(ctx, plan)
	}
	r.finish(plan.StrategyID, result)
	return result, err
}

func (r *Runner) claim(plan *model.ExecutionPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if _, ok := r.progress[plan.StrategyID]; ok {
		return xerrors.New(xerrors.CodeAlreadyExecuted, "strategy already executed",
			xerrors.WithMetadata("strategy_id", plan.StrategyID))
	}
	r.progress[plan.StrategyID] = &Progress{
		StrategyID: plan.StrategyID,
		TotalSteps: len(plan.Steps),
		FlashLoan:  plan.FlashLoanRequired,
		Status:     StatusRunning,
		FailedStep: model.NoFailedStep,
	}
	return nil
}

func (r *Runner) advance(strategyID string, completed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.progress[strategyID]; ok {
		p.CompletedSteps = completed
	}
}

func (r *Runner) finish(strategyID string, result *model.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.progress[strategyID]
	if !ok {
		return
	}
	p.Status = StatusFailed
	if result != nil {
		p.CompletedSteps = result.CompletedSteps
		p.FailedStep = result.FailedStep
		if result.Success {
			p.Status = StatusSucceeded
		}
	}
	r.finished = append(r.finished, finishedEntry{strategyID: strategyID, at: r.now()})
	r.pruneLocked()
}

// pruneLocked 淘汰超出数量上限或保留时长的已结束计划，调用方需持有 r.mu。
func (r *Runner) pruneLocked() {
	cutoff := r.now().Add(-r.retention)
	drop := 0
	for drop < len(r.finished) {
		entry := r.finished[drop]
		if len(r.finished)-drop <= r.maxFinished && entry.at.After(cutoff) {
			break
		}
		delete(r.progress, entry.strategyID)
		drop++
	}
	if drop > 0 {
		r.finished = append(r.finished[:0:0], r.finished[drop:]...)
	}
}

func (r *Runner) runSteps(ctx context.Context, plan *model.ExecutionPlan) (*model.ExecutionResult, error) {
	result := &model.ExecutionResult{FailedStep: model.NoFailedStep, Profit: decimal.Zero}
	for i, step := range plan.Steps {
		started := time.Now()
		res, err := r.runStep(ctx, plan, step)
		if err == nil && !res.Success {
			err = errors.New(res.Error)
			if res.Error == "" {
				err = errors.New("backend reported failure")
			}
		}
		r.observe(step, err == nil, time.Since(started))
		if err != nil {
			result.FailedStep = i
			result.Error = err.Error()
			r.log.Warn("执行步骤失败",
				slog.String("strategy_id", plan.StrategyID),
				slog.Int("step", i),
				slog.String("type", string(step.Type)),
				slog.Any("error", err),
			)
			return result, xerrors.Execution(i, err)
		}
		result.CompletedSteps = i + 1
		result.TransactionHash = res.TransactionHash
		r.advance(plan.StrategyID, result.CompletedSteps)
	}
	result.Success = true
	return result, nil
}

func (r *Runner) runStep(ctx context.Context, plan *model.ExecutionPlan, step model.ExecutionStep) (StepResult, error) {
	stepCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()
	res, err := r.backend.RunStep(stepCtx, plan, step)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StepResult{}, fmt.Errorf("step timed out after %s: %w", r.stepTimeout, err)
		}
		return StepResult{}, err
	}
	return res, nil
}

func (r *Runner) runFlashLoan(ctx context.Context, plan *model.ExecutionPlan) (*model.ExecutionResult, error) {
	result := &model.ExecutionResult{FailedStep: model.NoFailedStep, Profit: decimal.Zero}
	req := FlashLoanRequest{
		StrategyID: plan.StrategyID,
		UserID:     plan.UserID,
		Token:      plan.FlashLoanToken,
		Amount:     plan.FlashLoanAmount,
		MinProfit:  r.minProfit,
		Steps:      plan.Steps,
	}

	loanCtx, cancel := context.WithTimeout(ctx, r.stepTimeout)
	defer cancel()
	res, err := r.backend.RunFlashLoan(loanCtx, req)
	if err == nil && !res.Success {
		err = errors.New(res.Error)
		if res.Error == "" {
			err = errors.New("flash loan reverted")
		}
	}
	if err == nil && res.Profit.LessThan(r.minProfit) {
		err = fmt.Errorf("flash loan profit %s below minimum %s", res.Profit.String(), r.minProfit.String())
	}
	if err != nil {
		result.Error = err.Error()
		r.log.Warn("闪电贷执行失败",
			slog.String("strategy_id", plan.StrategyID),
			slog.String("amount", plan.FlashLoanAmount.String()),
			slog.Any("error", err),
		)
		return result, xerrors.Execution(-1, err)
	}
	result.Success = true
	result.TransactionHash = res.TransactionHash
	result.Profit = res.Profit
	result.CompletedSteps = len(plan.Steps)
	return result, nil
}

func (r *Runner) observe(step model.ExecutionStep, ok bool, elapsed time.Duration) {
	if r.observer != nil {
		r.observer(step, ok, elapsed)
	}
}
