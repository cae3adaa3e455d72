package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/events"
	"AgentVault/internal/model"
	"AgentVault/internal/vault"
	"AgentVault/internal/web3"
	"AgentVault/pkg/logger"
)

// StrategyProposer 根据投资意图生成候选资产配置。
type StrategyProposer interface {
	Propose(ctx context.Context, intent model.UserIntent) (*model.StrategyProposal, error)
}

// RiskEvaluator 对策略进行压力测试，并可能否决该策略。
type RiskEvaluator interface {
	Evaluate(ctx context.Context, proposal *model.StrategyProposal) (*model.RiskAssessment, error)
}

// ComplianceAuditor 按协议规则与监管规则审计策略。
type ComplianceAuditor interface {
	Audit(ctx context.Context, proposal *model.StrategyProposal) (*model.AuditReport, error)
}

// PlanBuilder 将已批准的策略编译为执行计划。
type PlanBuilder interface {
	Build(ctx context.Context, proposal *model.StrategyProposal, audit *model.AuditReport, risk *model.RiskAssessment, capital decimal.Decimal) (*model.ExecutionPlan, error)
}

// PlanRunner 负责执行计划，同一策略至多执行一次。
type PlanRunner interface {
	Execute(ctx context.Context, plan *model.ExecutionPlan) (*model.ExecutionResult, error)
}

// Observer 接收流水线各阶段与最终结论的耗时。
type Observer interface {
	ObserveStage(stage string, elapsed time.Duration)
	ObserveOutcome(outcome string, elapsed time.Duration)
}

// Dependencies 汇总了 Orchestrator 运行所需的全部协作者。
type Dependencies struct {
	Proposer StrategyProposer
	Risk     RiskEvaluator
	Auditor  ComplianceAuditor
	Planner  PlanBuilder
	Runner   PlanRunner
	Vaults   vault.Store
	Balances BalanceProvider
}

// Orchestrator 负责驱动意图依次经过策略生成、风险评估与合规审计、
// 计划执行以及金库更新，是系统的业务核心。
type Orchestrator struct {
	deps     Dependencies
	anchor   bool
	locks    *vault.Locker
	bus      *events.Bus
	observer Observer
	log      *slog.Logger
	audit    *slog.Logger
	now      func() time.Time
	newID    func() string
}

// Option 定义可选的 Orchestrator 配置。
type Option func(*Orchestrator)

// WithEventBus 设置流水线事件的发布总线。
func WithEventBus(bus *events.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithObserver 设置阶段耗时的观测者，通常是指标收集器。
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		o.observer = observer
	}
}

// WithBalanceAnchoring 开启后，每次执行成功都以本次读取的托管余额作为金库价值的基准，
// 而不是在上一次的模型估值上继续复利。余额来自链上时应开启。
func WithBalanceAnchoring(enabled bool) Option {
	return func(o *Orchestrator) {
		o.anchor = enabled
	}
}

// WithLocker 与其他写入方共享按用户划分的锁表。
func WithLocker(locks *vault.Locker) Option {
	return func(o *Orchestrator) {
		if locks != nil {
			o.locks = locks
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithIDGenerator 替换意图 ID 的生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(o *Orchestrator) {
		if gen != nil {
			o.newID = gen
		}
	}
}

// WithLogger 替换运行日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.log = l
		}
	}
}

// New 创建 Orchestrator，所有依赖均为必填。
func New(deps Dependencies, opts ...Option) (*Orchestrator, error) {
	var missing []string
	if deps.Proposer == nil {
		missing = append(missing, "proposer")
	}
	if deps.Risk == nil {
		missing = append(missing, "risk evaluator")
	}
	if deps.Auditor == nil {
		missing = append(missing, "auditor")
	}
	if deps.Planner == nil {
		missing = append(missing, "planner")
	}
	if deps.Runner == nil {
		missing = append(missing, "runner")
	}
	if deps.Vaults == nil {
		missing = append(missing, "vault store")
	}
	if deps.Balances == nil {
		missing = append(missing, "balance provider")
	}
	if len(missing) > 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure,
			fmt.Sprintf("缺少流水线依赖: %s", strings.Join(missing, ", ")))
	}

	o := &Orchestrator{
		deps:  deps,
		locks: vault.NewLocker(),
		log:   logger.Named("agent"),
		audit: logger.Audit(),
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o, nil
}

// run 记录单次流水线调用的状态。
type run struct {
	o         *Orchestrator
	result    *PipelineResult
	lastStage time.Time
}

func (r *run) mark(stage Stage, detail string) {
	now := r.o.now().UTC()
	r.result.Stages = append(r.result.Stages, StageRecord{Stage: stage, At: now, Detail: detail})
	if r.o.observer != nil {
		r.o.observer.ObserveStage(string(stage), now.Sub(r.lastStage))
	}
	r.lastStage = now
}

// SubmitIntent 对意图执行完整流水线。否决、步骤失败等业务结论通过返回结果
// 表达而不是 Go 错误，返回值永远不为 nil。
func (o *Orchestrator) SubmitIntent(ctx context.Context, intent model.UserIntent) *PipelineResult {
	if strings.TrimSpace(intent.ID) == "" {
		intent.ID = o.newID()
	}
	started := o.now().UTC()
	r := &run{
		o:         o,
		result:    &PipelineResult{IntentID: intent.ID, UserID: intent.UserID},
		lastStage: started,
	}
	r.mark(StageReceived, "")

	o.process(ctx, r, intent)

	if o.observer != nil {
		o.observer.ObserveOutcome(string(r.result.Outcome), o.now().UTC().Sub(started))
	}
	attrs := []any{
		slog.String("intent_id", r.result.IntentID),
		slog.String("user_id", r.result.UserID),
		slog.String("outcome", string(r.result.Outcome)),
	}
	if r.result.Proposal != nil {
		attrs = append(attrs, slog.String("strategy_id", r.result.Proposal.ID))
	}
	if r.result.ErrorCode != "" {
		attrs = append(attrs, slog.String("code", string(r.result.ErrorCode)))
	}
	o.audit.Info("意图处理完成", attrs...)
	return r.result
}

func (o *Orchestrator) process(ctx context.Context, r *run, intent model.UserIntent) {
	res := r.result

	if err := intent.Validate(); err != nil {
		o.abort(r, OutcomeValidationFailed, err)
		return
	}

	proposal, err := o.deps.Proposer.Propose(ctx, intent)
	if err != nil {
		o.abort(r, preExecutionOutcome(err), asPipelineError(err, "生成策略失败"))
		return
	}
	res.Proposal = proposal
	r.mark(StageProposed, proposal.ID)

	assessment, report, err := o.review(ctx, r, proposal)
	if err != nil {
		o.abort(r, preExecutionOutcome(err), err)
		return
	}
	res.Risk = assessment
	res.Audit = report

	if outcome, err := decide(assessment, report); err != nil {
		res.fail(outcome, err)
		r.mark(StageDecided, string(outcome))
		o.emit(events.TypeDecided, r, proposal)
		return
	}
	r.mark(StageDecided, string(OutcomeApproved))
	o.emit(events.TypeDecided, r, proposal)

	o.execute(ctx, r, intent, proposal, assessment, report)
}

// review 并发执行风险评估与合规审计，并等待两者完成。
func (o *Orchestrator) review(ctx context.Context, r *run, proposal *model.StrategyProposal) (*model.RiskAssessment, *model.AuditReport, error) {
	var (
		assessment *model.RiskAssessment
		report     *model.AuditReport
		mu         sync.Mutex
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a, err := o.deps.Risk.Evaluate(gctx, proposal)
		if err != nil {
			return asPipelineError(err, "风险评估失败")
		}
		mu.Lock()
		assessment = a
		r.mark(StageRiskAssessed, fmt.Sprintf("score=%.2f veto=%t", a.OverallRiskScore, a.Veto))
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		rep, err := o.deps.Auditor.Audit(gctx, proposal)
		if err != nil {
			return asPipelineError(err, "合规审计失败")
		}
		mu.Lock()
		report = rep
		r.mark(StageAudited, fmt.Sprintf("approved=%t", rep.Approved))
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return assessment, report, nil
}

// decide 应用审批规则，风险否决优先于审计拒绝。
func decide(assessment *model.RiskAssessment, report *model.AuditReport) (Outcome, error) {
	if assessment.Veto {
		return OutcomeVetoed, xerrors.Veto(assessment.VetoRule, assessment.VetoReason)
	}
	if !report.Approved {
		reasons := append([]string(nil), report.ProtocolRuleViolations...)
		reasons = append(reasons, report.RegulatoryIssues...)
		return OutcomeAuditRejected, xerrors.Compliance(reasons)
	}
	return OutcomeApproved, nil
}

// execute 在持有用户锁的情况下构建并执行计划，随后更新金库。
func (o *Orchestrator) execute(ctx context.Context, r *run, intent model.UserIntent, proposal *model.StrategyProposal, assessment *model.RiskAssessment, report *model.AuditReport) {
	res := r.result
	unlock := o.locks.Lock(intent.UserID)
	defer unlock()

	address := web3.VaultAddress(intent.UserID).Hex()
	capital, err := o.deps.Balances.Balance(ctx, intent.UserID, address)
	if err != nil {
		o.abort(r, OutcomeExternalError, xerrors.External("balance_provider", err))
		return
	}

	if _, err := o.deps.Vaults.GetOrCreate(ctx, intent.UserID, o.newVault(address, capital)); err != nil {
		o.abort(r, OutcomeExternalError, xerrors.Wrap(xerrors.CodeStorageFailure, err, "加载金库失败"))
		return
	}

	plan, err := o.deps.Planner.Build(ctx, proposal, report, assessment, capital)
	if err != nil {
		o.abort(r, preExecutionOutcome(err), asPipelineError(err, "构建执行计划失败"))
		return
	}
	res.Plan = plan
	r.mark(StageExecuting, fmt.Sprintf("steps=%d flash_loan=%t", len(plan.Steps), plan.FlashLoanRequired))

	execution, err := o.deps.Runner.Execute(ctx, plan)
	res.Execution = execution
	if err == nil && (execution == nil || !execution.Success) {
		err = xerrors.Execution(model.NoFailedStep, errors.New("execution reported failure"))
	}
	if err != nil {
		o.abort(r, OutcomeExecutionFailed, err)
		return
	}

	updated, err := o.deps.Vaults.Update(ctx, intent.UserID, o.applyExecution(proposal, capital))
	if err != nil {
		// 计划已经执行，结论仍为 approved，仅向运维暴露存储错误。
		res.Outcome = OutcomeApproved
		res.Err = xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新金库失败")
		res.Error = res.Err.Error()
		res.ErrorCode = xerrors.CodeStorageFailure
		o.log.Error("执行成功但更新金库失败",
			slog.String("user_id", intent.UserID),
			slog.String("strategy_id", proposal.ID),
			slog.Any("error", err),
		)
		r.mark(StageExecuted, "vault update failed")
		o.emit(events.TypeExecuted, r, proposal)
		return
	}
	res.Outcome = OutcomeApproved
	res.Vault = updated
	r.mark(StageExecuted, execution.TransactionHash)
	o.emit(events.TypeExecuted, r, proposal)
}

func (o *Orchestrator) newVault(address string, capital decimal.Decimal) vault.Factory {
	return func(_ context.Context, userID string) (*model.Vault, error) {
		now := o.now().UTC()
		return &model.Vault{
			ID:              uuid.NewString(),
			UserID:          userID,
			VaultAddress:    address,
			TotalValue:      capital,
			AssetAllocation: model.Allocation{},
			CreatedAt:       now,
			UpdatedAt:       now,
		}, nil
	}
}

// applyExecution 记录一次成功的策略：替换资产配置与风险等级，并追加一条日收益记录。
// 未开启余额锚定时，TotalValue 是仅由预期收益推算的模型估值。
func (o *Orchestrator) applyExecution(proposal *model.StrategyProposal, balance decimal.Decimal) vault.MutateFunc {
	return func(v *model.Vault) error {
		now := o.now().UTC()
		dailyReturn := proposal.ExpectedReturn / 365
		base := v.TotalValue
		if o.anchor && balance.IsPositive() {
			base = balance
		}
		value := base.Mul(decimal.NewFromFloat(1 + dailyReturn/100)).Round(18)

		v.AssetAllocation = proposal.ProposedAllocation.Clone()
		v.RiskLevel = proposal.RiskScore
		v.TotalValue = value
		v.AppendPerformance(model.PerformanceRecord{
			Timestamp:   now,
			Value:       value,
			DailyReturn: dailyReturn,
			StrategyID:  proposal.ID,
		})
		v.Touch(now)
		return nil
	}
}

func (o *Orchestrator) abort(r *run, outcome Outcome, err error) {
	r.result.fail(outcome, err)
	r.mark(StageFailed, string(outcome))
	if outcome != OutcomeValidationFailed {
		o.log.Warn("意图处理失败",
			slog.String("intent_id", r.result.IntentID),
			slog.String("user_id", r.result.UserID),
			slog.String("outcome", string(outcome)),
			slog.Any("error", err),
		)
	}
	o.emit(events.TypeFailed, r, r.result.Proposal)
}

func (o *Orchestrator) emit(typ events.Type, r *run, proposal *model.StrategyProposal) {
	if o.bus == nil {
		return
	}
	res := r.result
	event := events.Event{
		Type:       typ,
		IntentID:   res.IntentID,
		UserID:     res.UserID,
		Outcome:    string(res.Outcome),
		Code:       res.ErrorCode,
		Message:    res.Error,
		OccurredAt: o.now().UTC(),
	}
	if typ == events.TypeDecided && res.Outcome == "" {
		event.Outcome = string(OutcomeApproved)
	}
	if proposal != nil {
		event.StrategyID = proposal.ID
	}
	if res.Err != nil {
		event.Severity = xerrors.SeverityOf(res.Err)
		if coded, ok := xerrors.From(res.Err); ok {
			event.Metadata = coded.Metadata()
		}
	}
	if res.Execution != nil && res.Execution.TransactionHash != "" {
		if event.Metadata == nil {
			event.Metadata = map[string]string{}
		}
		event.Metadata["tx_hash"] = res.Execution.TransactionHash
	}
	o.bus.Emit(event)
}

// GetVault 返回用户金库，不存在时返回匹配 vault.ErrVaultNotFound 的错误。
func (o *Orchestrator) GetVault(ctx context.Context, userID string) (*model.Vault, error) {
	return o.deps.Vaults.Get(ctx, userID)
}

// GetVaultPerformanceSummary 根据历史记录计算用户金库的绩效摘要。
func (o *Orchestrator) GetVaultPerformanceSummary(ctx context.Context, userID string) (model.PerformanceSummary, error) {
	v, err := o.deps.Vaults.Get(ctx, userID)
	if err != nil {
		return model.PerformanceSummary{}, err
	}
	return v.Summarize(), nil
}

// preExecutionOutcome 对尚未执行任何步骤时发生的失败进行分类。
func preExecutionOutcome(err error) Outcome {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeValidation, xerrors.CodeInvalidArgument:
		return OutcomeValidationFailed
	case xerrors.CodeVeto:
		return OutcomeVetoed
	case xerrors.CodeCompliance:
		return OutcomeAuditRejected
	default:
		return OutcomeExternalError
	}
}

// asPipelineError 保留已编码的错误；上下文超时映射为超时错误，其余视为外部服务失败。
func asPipelineError(err error, message string) error {
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeExternalService, err, message)
}
