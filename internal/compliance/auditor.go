// Package compliance audits strategy proposals against a runtime-mutable
// protocol rule registry and an independent regulatory gate.
package compliance

import (
	"context"
	"fmt"
	"log/slog"

	"AgentVault/internal/model"
	"AgentVault/pkg/logger"
)

// Auditor 负责生成合规审计报告。
type Auditor struct {
	registry   *Registry
	regulatory RegulatoryChecker
	defaults   map[string]Rule
	log        *slog.Logger
}

// Option 定义可选的 Auditor 配置。
type Option func(*Auditor)

// WithRegulatoryChecker 替换默认的监管检查。
func WithRegulatoryChecker(checker RegulatoryChecker) Option {
	return func(a *Auditor) {
		if checker != nil {
			a.regulatory = checker
		}
	}
}

// WithLogger 替换记录规则异常时使用的日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(a *Auditor) {
		if l != nil {
			a.log = l
		}
	}
}

// New 基于规则注册表创建 Auditor，并记住由 settings 生成的内置规则，
// 以便在被移除后恢复。
func New(registry *Registry, settings RuleSettings, opts ...Option) *Auditor {
	a := &Auditor{
		registry:   registry,
		regulatory: NewDefaultRegulatoryChecker(RegulatorySettings{}),
		defaults:   make(map[string]Rule),
		log:        logger.Named("compliance"),
	}
	for _, rule := range DefaultRules(settings) {
		a.defaults[rule.ID] = rule
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// NewDefault 创建一个注册表中包含全部内置规则的 Auditor。
func NewDefault(settings RuleSettings, opts ...Option) *Auditor {
	registry, err := NewRegistry(DefaultRules(settings)...)
	if err != nil {
		// 内置规则 ID 唯一。
		panic(err)
	}
	return New(registry, settings, opts...)
}

// Registry 返回规则注册表，用于运行时调整规则。
func (a *Auditor) Registry() *Registry {
	return a.registry
}

// RestoreDefault 重新注册已被移除的内置规则，规则仍存在时不做任何操作。
func (a *Auditor) RestoreDefault(id string) error {
	rule, ok := a.defaults[id]
	if !ok {
		return fmt.Errorf("unknown built-in rule %s", id)
	}
	if _, exists := a.registry.Get(id); exists {
		return nil
	}
	return a.registry.Add(rule)
}

// Audit 逐条独立评估规则，然后执行监管检查。规则返回错误或发生 panic 时
// 记录日志并视为通过；监管检查自身失败时视为不合规。
func (a *Auditor) Audit(ctx context.Context, proposal *model.StrategyProposal) (*model.AuditReport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, fmt.Errorf("proposal is nil")
	}

	report := &model.AuditReport{
		StrategyID:             proposal.ID,
		ProtocolRuleViolations: []string{},
		ViolatedRules:          []string{},
		RegulatoryIssues:       []string{},
		AuditNotes:             []string{},
	}

	for _, rule := range a.registry.Rules() {
		ok, err := runRule(rule, proposal)
		if err != nil {
			a.log.Warn("合规规则执行失败，按通过处理", "rule", rule.ID, "strategy_id", proposal.ID, "error", err)
			report.AuditNotes = append(report.AuditNotes, fmt.Sprintf("rule %s skipped: %v", rule.ID, err))
			continue
		}
		if !ok {
			report.ProtocolRuleViolations = append(report.ProtocolRuleViolations, rule.Message)
			report.ViolatedRules = append(report.ViolatedRules, rule.ID)
		}
	}
	report.ComplianceCheck = len(report.ProtocolRuleViolations) == 0

	result, err := a.regulatory.Check(ctx, proposal)
	if err != nil {
		a.log.Warn("监管检查失败", "strategy_id", proposal.ID, "error", err)
		report.RegulatoryCompliance = false
		report.RegulatoryIssues = append(report.RegulatoryIssues, fmt.Sprintf("regulatory check unavailable: %v", err))
	} else {
		report.RegulatoryCompliance = result.Compliant
		report.RegulatoryIssues = append(report.RegulatoryIssues, result.Issues...)
	}

	report.Approved = report.ComplianceCheck && report.RegulatoryCompliance
	if report.Approved {
		report.AuditNotes = append(report.AuditNotes, fmt.Sprintf("%d protocol rules passed", len(a.registry.Rules())))
	}
	return report, nil
}

func runRule(rule Rule, proposal *model.StrategyProposal) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = true
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return rule.Check(proposal)
}
