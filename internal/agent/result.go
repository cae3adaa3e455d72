package agent

import (
	"time"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/model"
)

// Outcome 表示一次流水线运行的最终结论。
type Outcome string

const (
	OutcomeApproved         Outcome = "approved"
	OutcomeVetoed           Outcome = "vetoed"
	OutcomeAuditRejected    Outcome = "audit_rejected"
	OutcomeExecutionFailed  Outcome = "execution_failed"
	OutcomeValidationFailed Outcome = "validation_failed"
	OutcomeExternalError    Outcome = "external_error"
)

// Recoverable 判断重新提交意图是否可能得到不同结论，这些结论下没有执行任何步骤。
func (o Outcome) Recoverable() bool {
	switch o {
	case OutcomeVetoed, OutcomeAuditRejected, OutcomeExternalError:
		return true
	default:
		return false
	}
}

// Stage 表示流水线中的一个阶段。
type Stage string

const (
	StageReceived     Stage = "RECEIVED"
	StageProposed     Stage = "PROPOSED"
	StageRiskAssessed Stage = "RISK_ASSESSED"
	StageAudited      Stage = "AUDITED"
	StageDecided      Stage = "DECIDED"
	StageExecuting    Stage = "EXECUTING"
	StageExecuted     Stage = "EXECUTED"
	StageFailed       Stage = "FAILED"
)

// StageRecord 是阶段轨迹中的一条记录。
type StageRecord struct {
	Stage  Stage     `json:"stage"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// PipelineResult 汇总处理意图过程中产生的全部产物，未到达的阶段对应字段为 nil。
type PipelineResult struct {
	IntentID  string                  `json:"intentId"`
	UserID    string                  `json:"userId"`
	Outcome   Outcome                 `json:"outcome"`
	Proposal  *model.StrategyProposal `json:"proposal,omitempty"`
	Risk      *model.RiskAssessment   `json:"risk,omitempty"`
	Audit     *model.AuditReport      `json:"audit,omitempty"`
	Plan      *model.ExecutionPlan    `json:"plan,omitempty"`
	Execution *model.ExecutionResult  `json:"execution,omitempty"`
	Vault     *model.Vault            `json:"vault,omitempty"`
	Error     string                  `json:"error,omitempty"`
	ErrorCode xerrors.Code            `json:"errorCode,omitempty"`
	Stages    []StageRecord           `json:"stages"`

	// Err 为进程内调用方保留带错误码的原始错误。
	Err error `json:"-"`
}

// Recoverable 判断该结论是否允许再次尝试。
func (r *PipelineResult) Recoverable() bool {
	return r != nil && r.Outcome.Recoverable()
}

// Succeeded 判断计划是否已执行且金库已更新。
func (r *PipelineResult) Succeeded() bool {
	return r != nil && r.Outcome == OutcomeApproved && r.Execution != nil && r.Execution.Success
}

// LastStage 返回最近的阶段，没有记录时返回空字符串。
func (r *PipelineResult) LastStage() Stage {
	if r == nil || len(r.Stages) == 0 {
		return ""
	}
	return r.Stages[len(r.Stages)-1].Stage
}

func (r *PipelineResult) fail(outcome Outcome, err error) {
	r.Outcome = outcome
	r.Err = err
	if err != nil {
		r.Error = err.Error()
		r.ErrorCode = xerrors.CodeOf(err)
	}
}
