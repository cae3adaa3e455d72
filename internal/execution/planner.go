package execution

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/market"
	"AgentVault/internal/model"
	"AgentVault/internal/web3"
)

// 各类步骤的 Gas 预估。
const (
	GasSwap    uint64 = 150_000
	GasDeposit uint64 = 120_000
	GasBridge  uint64 = 300_000
)

const (
	// StepDuration 是同链步骤的预计确认时间。
	StepDuration = 15 * time.Second
	// BridgeDuration 在每个跨链步骤上额外累加一次。
	BridgeDuration = 10 * time.Minute
	// FlashLoanThreshold 是单一资产占比（百分比）的上限，超过后计划改用闪电贷。
	FlashLoanThreshold = 50.0
	// DefaultSlippage 是默认的兑换滑点容忍度（百分比）。
	DefaultSlippage = 0.5
	// DefaultBaseCurrency 是所有兑换的资金来源代币。
	DefaultBaseCurrency = "USDC"
)

const defaultQuoteTimeout = 5 * time.Second

// Planner 负责为已批准的策略构建执行计划。
type Planner struct {
	chains       *web3.Chains
	feed         market.Feed
	baseCurrency string
	slippage     float64
	quoteTimeout time.Duration
}

// PlannerOption 定义可选的 Planner 配置。
type PlannerOption func(*Planner)

// WithPriceFeed 设置用于估算 AmountOut 的行情源，未设置时输出数量为零。
func WithPriceFeed(feed market.Feed) PlannerOption {
	return func(p *Planner) {
		p.feed = feed
	}
}

// WithBaseCurrency 设置兑换使用的资金代币。
func WithBaseCurrency(symbol string) PlannerOption {
	return func(p *Planner) {
		if s := model.NormalizeAsset(symbol); s != "" {
			p.baseCurrency = s
		}
	}
}

// WithSlippage 设置兑换滑点容忍度（百分比）。
func WithSlippage(percent float64) PlannerOption {
	return func(p *Planner) {
		if percent >= 0 && percent < 100 {
			p.slippage = percent
		}
	}
}

// WithQuoteTimeout 设置报价查询的超时时间。
func WithQuoteTimeout(timeout time.Duration) PlannerOption {
	return func(p *Planner) {
		if timeout > 0 {
			p.quoteTimeout = timeout
		}
	}
}

// NewPlanner 创建 Planner，链信息通过 chains 解析。
func NewPlanner(chains *web3.Chains, opts ...PlannerOption) *Planner {
	p := &Planner{
		chains:       chains,
		baseCurrency: DefaultBaseCurrency,
		slippage:     DefaultSlippage,
		quoteTimeout: defaultQuoteTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// BaseCurrency 返回资金代币。
func (p *Planner) BaseCurrency() string {
	return p.baseCurrency
}

// Build 基于资金规模将策略编译为执行计划。审计未通过或风险评估带有否决的
// 策略会被拒绝。
func (p *Planner) Build(ctx context.Context, proposal *model.StrategyProposal, audit *model.AuditReport, risk *model.RiskAssessment, capital decimal.Decimal) (*model.ExecutionPlan, error) {
	if proposal == nil {
		return nil, xerrors.Validation("proposal is required")
	}
	if risk == nil {
		return nil, xerrors.Veto("missing_assessment", "strategy has no risk assessment")
	}
	if risk.Veto {
		return nil, xerrors.Veto(risk.VetoRule, risk.VetoReason)
	}
	if audit == nil {
		return nil, xerrors.Compliance([]string{"strategy has no audit report"})
	}
	if !audit.Approved {
		violations := append(append([]string(nil), audit.ProtocolRuleViolations...), audit.RegulatoryIssues...)
		return nil, xerrors.Compliance(violations)
	}
	if !capital.IsPositive() {
		return nil, xerrors.Validation("capital must be positive")
	}
	total := proposal.ProposedAllocation.Total()
	if total <= 0 {
		return nil, xerrors.Validation("proposal has no allocation")
	}

	book, err := p.quotes(ctx, proposal.ProposedAllocation)
	if err != nil {
		return nil, err
	}

	chain := p.chains.Default()
	plan := &model.ExecutionPlan{
		StrategyID: proposal.ID,
		UserID:     proposal.UserID,
		Capital:    capital,
	}
	totalDec := decimal.NewFromFloat(total)
	for _, entry := range proposal.ProposedAllocation {
		if entry.Weight <= 0 {
			continue
		}
		amountIn := capital.Mul(decimal.NewFromFloat(entry.Weight)).Div(totalDec).Round(6)
		step := model.ExecutionStep{
			Order:    len(plan.Steps) + 1,
			ChainID:  p.chains.ChainID(chain),
			TokenIn:  p.baseCurrency,
			TokenOut: entry.Asset,
			AmountIn: amountIn,
		}
		if model.NormalizeAsset(entry.Asset) == p.baseCurrency {
			step.Type = model.StepDeposit
			step.ContractAddress = p.chains.VaultContract(chain)
			step.AmountOut = amountIn
			step.GasEstimate = GasDeposit
		} else {
			step.Type = model.StepSwap
			step.ContractAddress = p.chains.Router(chain)
			step.SlippageTolerance = p.slippage
			step.AmountOut = p.convert(book, amountIn, p.baseCurrency, entry.Asset)
			step.GasEstimate = GasSwap
		}
		plan.Steps = append(plan.Steps, step)
	}

	if proposal.MetaBool(model.MetaCrossChainNeeded) {
		target := strings.ToLower(proposal.MetaString(model.MetaTargetChain))
		if target != "" && target != chain {
			if bridge, ok := p.bridgeStep(plan, proposal.ProposedAllocation, chain, target); ok {
				plan.Steps = append(plan.Steps, bridge)
			}
		}
	}

	for _, step := range plan.Steps {
		plan.TotalGasEstimate += step.GasEstimate
		plan.EstimatedCompletionTime += StepDuration
		if step.Type == model.StepBridge {
			plan.EstimatedCompletionTime += BridgeDuration
		}
	}

	if largest, ok := proposal.ProposedAllocation.Largest(); ok {
		if share := proposal.ProposedAllocation.Share(largest.Asset); share > FlashLoanThreshold {
			plan.FlashLoanRequired = true
			plan.FlashLoanToken = p.baseCurrency
			plan.FlashLoanAmount = capital.Mul(decimal.NewFromFloat(share)).Div(decimal.NewFromInt(100)).Round(6)
		}
	}
	return plan, nil
}

// bridgeStep 将最大持仓的产出转移到目标链。
func (p *Planner) bridgeStep(plan *model.ExecutionPlan, allocation model.Allocation, from, target string) (model.ExecutionStep, bool) {
	largest, ok := allocation.Largest()
	if !ok {
		return model.ExecutionStep{}, false
	}
	var source *model.ExecutionStep
	for i := range plan.Steps {
		if plan.Steps[i].TokenOut == largest.Asset {
			source = &plan.Steps[i]
			break
		}
	}
	if source == nil {
		return model.ExecutionStep{}, false
	}
	amount := source.AmountOut
	if amount.IsZero() {
		amount = source.AmountIn
	}
	keep := decimal.NewFromFloat(1 - p.slippage/100)
	return model.ExecutionStep{
		Order:             len(plan.Steps) + 1,
		Type:              model.StepBridge,
		ChainID:           p.chains.ChainID(target),
		ContractAddress:   p.chains.Bridge(from),
		TokenIn:           largest.Asset,
		TokenOut:          largest.Asset,
		AmountIn:          amount,
		AmountOut:         amount.Mul(keep).Round(6),
		SlippageTolerance: p.slippage,
		GasEstimate:       GasBridge,
	}, true
}

func (p *Planner) quotes(ctx context.Context, allocation model.Allocation) (market.PriceBook, error) {
	if p.feed == nil {
		return market.PriceBook{}, nil
	}
	assets := make([]string, 0, len(allocation)+1)
	assets = append(assets, p.baseCurrency)
	for _, entry := range allocation {
		if model.NormalizeAsset(entry.Asset) != p.baseCurrency {
			assets = append(assets, entry.Asset)
		}
	}
	quoteCtx, cancel := context.WithTimeout(ctx, p.quoteTimeout)
	defer cancel()
	prices, err := p.feed.GetPrices(quoteCtx, assets)
	if err != nil {
		return nil, xerrors.External("market_feed", fmt.Errorf("查询报价失败: %w", err))
	}
	return market.NewPriceBook(prices), nil
}

// convert 按扣除滑点后的价格将 from 数量折算为 to，价格未知时返回零。
func (p *Planner) convert(book market.PriceBook, amount decimal.Decimal, from, to string) decimal.Decimal {
	fromPrice, ok := book.Quote(from)
	if !ok {
		if model.NormalizeAsset(from) != p.baseCurrency {
			return decimal.Zero
		}
		fromPrice = decimal.NewFromInt(1)
	}
	toPrice, ok := book.Quote(to)
	if !ok {
		return decimal.Zero
	}
	keep := decimal.NewFromFloat(1 - p.slippage/100)
	return amount.Mul(fromPrice).Div(toPrice).Mul(keep).Round(8)
}
