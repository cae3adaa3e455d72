package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"AgentVault/internal/model"
)

// 模拟后端默认的闪电贷费率与收益率，均为借款金额的百分比。
const (
	DefaultFlashLoanFee   = 0.09
	DefaultArbitrageYield = 0.30
)

// SimulatedBackend 在不接触链的情况下执行计划，交易哈希为策略、步骤与
// 序号的 keccak256 摘要。
type SimulatedBackend struct {
	mu         sync.Mutex
	nonce      uint64
	failAt     int
	latency    time.Duration
	feeRate    decimal.Decimal
	yieldRate  decimal.Decimal
	executions []string
}

// SimulatedOption 定义可选的 SimulatedBackend 配置。
type SimulatedOption func(*SimulatedBackend)

// WithFailAtStep 让指定下标（从零开始）的步骤失败，负数表示不注入失败。
func WithFailAtStep(index int) SimulatedOption {
	return func(b *SimulatedBackend) {
		b.failAt = index
	}
}

// WithLatency 为每次调用增加延迟。
func WithLatency(d time.Duration) SimulatedOption {
	return func(b *SimulatedBackend) {
		b.latency = d
	}
}

// WithFlashLoanRates 设置闪电贷费率与毛收益率，均为借款金额的百分比。
func WithFlashLoanRates(feePercent, yieldPercent float64) SimulatedOption {
	return func(b *SimulatedBackend) {
		b.feeRate = decimal.NewFromFloat(feePercent)
		b.yieldRate = decimal.NewFromFloat(yieldPercent)
	}
}

// NewSimulatedBackend 创建模拟执行后端。
func NewSimulatedBackend(opts ...SimulatedOption) *SimulatedBackend {
	b := &SimulatedBackend{
		failAt:    -1,
		feeRate:   decimal.NewFromFloat(DefaultFlashLoanFee),
		yieldRate: decimal.NewFromFloat(DefaultArbitrageYield),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

// RunStep 实现 Backend 接口。
func (b *SimulatedBackend) RunStep(ctx context.Context, plan *model.ExecutionPlan, step model.ExecutionStep) (StepResult, error) {
	if err := b.wait(ctx); err != nil {
		return StepResult{}, err
	}
	if b.failAt >= 0 && step.Order-1 == b.failAt {
		return StepResult{Success: false, Error: fmt.Sprintf("simulated failure at step %d (%s %s)", b.failAt, step.Type, step.TokenOut)}, nil
	}
	hash := b.hash(plan.StrategyID, fmt.Sprintf("step:%d:%s:%s", step.Order, step.Type, step.TokenOut))
	return StepResult{Success: true, TransactionHash: hash}, nil
}

// RunFlashLoan 实现 Backend 接口，模拟利润低于最低要求时闪电贷回滚。
func (b *SimulatedBackend) RunFlashLoan(ctx context.Context, req FlashLoanRequest) (FlashLoanResult, error) {
	if err := b.wait(ctx); err != nil {
		return FlashLoanResult{}, err
	}
	profit := req.Amount.Mul(b.yieldRate.Sub(b.feeRate)).Div(decimal.NewFromInt(100)).Round(6)
	if profit.LessThan(req.MinProfit) {
		return FlashLoanResult{
			Success: false,
			Profit:  profit,
			Error:   fmt.Sprintf("insufficient profit: %s < %s", profit.String(), req.MinProfit.String()),
		}, nil
	}
	hash := b.hash(req.StrategyID, fmt.Sprintf("flash:%s:%s:%d", req.Token, req.Amount.String(), len(req.Steps)))
	return FlashLoanResult{Success: true, TransactionHash: hash, Profit: profit}, nil
}

// Executions 返回目前已生成的交易哈希。
func (b *SimulatedBackend) Executions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.executions...)
}

func (b *SimulatedBackend) wait(ctx context.Context) error {
	if b.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(b.latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (b *SimulatedBackend) hash(strategyID, payload string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nonce++
	digest := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s|%s|%d", strategyID, payload, b.nonce))).Hex()
	b.executions = append(b.executions, digest)
	return digest
}

var _ Backend = (*SimulatedBackend)(nil)
