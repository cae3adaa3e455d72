// Package execution compiles approved proposals into ordered on-chain
// steps and runs them against an execution backend, either one step at a
// time or bundled into a single flash loan.
package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"AgentVault/internal/model"
)

// StepResult 是后端对单个步骤的执行结果。
type StepResult struct {
	Success         bool   `json:"success"`
	TransactionHash string `json:"transactionHash,omitempty"`
	Error           string `json:"error,omitempty"`
}

// FlashLoanRequest 将计划的全部步骤打包为一笔原子闪电贷，
// 实际利润低于 MinProfit 时后端必须回滚。
type FlashLoanRequest struct {
	StrategyID string                `json:"strategyId"`
	UserID     string                `json:"userId"`
	Token      string                `json:"token"`
	Amount     decimal.Decimal       `json:"amount"`
	MinProfit  decimal.Decimal       `json:"minProfit"`
	Steps      []model.ExecutionStep `json:"steps"`
}

// FlashLoanResult 是后端对闪电贷的执行结果。
type FlashLoanResult struct {
	Success         bool            `json:"success"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	Profit          decimal.Decimal `json:"profit"`
	Error           string          `json:"error,omitempty"`
}

// Backend 负责链上执行。返回错误表示后端不可达或超时，
// Success 为 false 的结果表示操作本身失败。
type Backend interface {
	RunStep(ctx context.Context, plan *model.ExecutionPlan, step model.ExecutionStep) (StepResult, error)
	RunFlashLoan(ctx context.Context, req FlashLoanRequest) (FlashLoanResult, error)
}
