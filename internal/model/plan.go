package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// StepType 枚举执行计划中可能包含的链上操作。
type StepType string

const (
	StepSwap     StepType = "swap"
	StepBridge   StepType = "bridge"
	StepDeposit  StepType = "deposit"
	StepWithdraw StepType = "withdraw"
	StepStake    StepType = "stake"
	StepHarvest  StepType = "harvest"
)

// ExecutionStep 是执行计划中的一个操作。
type ExecutionStep struct {
	Order             int             `json:"order"`
	Type              StepType        `json:"type"`
	ChainID           uint64          `json:"chainId"`
	ContractAddress   common.Address  `json:"contractAddress"`
	TokenIn           string          `json:"tokenIn"`
	TokenOut          string          `json:"tokenOut"`
	AmountIn          decimal.Decimal `json:"amountIn"`
	AmountOut         decimal.Decimal `json:"amountOut"`
	SlippageTolerance float64         `json:"slippageTolerance"`
	GasEstimate       uint64          `json:"gasEstimate"`
}

// ExecutionPlan 是为已批准策略构建的有序步骤列表。
type ExecutionPlan struct {
	StrategyID              string          `json:"strategyId"`
	UserID                  string          `json:"userId"`
	Steps                   []ExecutionStep `json:"steps"`
	TotalGasEstimate        uint64          `json:"totalGasEstimate"`
	EstimatedCompletionTime time.Duration   `json:"estimatedCompletionTime"`
	FlashLoanRequired       bool            `json:"flashLoanRequired"`
	FlashLoanAmount         decimal.Decimal `json:"flashLoanAmount"`
	FlashLoanToken          string          `json:"flashLoanToken,omitempty"`
	Capital                 decimal.Decimal `json:"capital"`
}

// NoFailedStep 表示执行结果中没有失败的步骤。
const NoFailedStep = -1

// ExecutionResult 是执行器执行计划后返回的结果。
type ExecutionResult struct {
	Success         bool            `json:"success"`
	TransactionHash string          `json:"transactionHash,omitempty"`
	Error           string          `json:"error,omitempty"`
	FailedStep      int             `json:"failedStep"`
	CompletedSteps  int             `json:"completedSteps"`
	Profit          decimal.Decimal `json:"profit"`
}
