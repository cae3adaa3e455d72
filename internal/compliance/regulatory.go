package compliance

import (
	"context"
	"fmt"
	"strings"

	"AgentVault/internal/model"
)

// RegulatoryResult 表示监管检查的结果。
type RegulatoryResult struct {
	Compliant bool
	Issues    []string
}

// RegulatoryChecker 定义监管检查，它独立于协议规则注册表执行。
type RegulatoryChecker interface {
	Check(ctx context.Context, proposal *model.StrategyProposal) (RegulatoryResult, error)
}

// RegulatorySettings 配置 DefaultRegulatoryChecker，零值会放行所有策略。
type RegulatorySettings struct {
	RestrictedJurisdictions []string `yaml:"restricted_jurisdictions"`
	RestrictedAssets        []string `yaml:"restricted_assets"`
	RequireAccreditation    bool     `yaml:"require_accreditation"`
}

// DefaultRegulatoryChecker 负责司法辖区、合格投资者以及受限资产检查。
type DefaultRegulatoryChecker struct {
	jurisdictions map[string]struct{}
	assets        map[string]struct{}
	accreditation bool
}

// NewDefaultRegulatoryChecker 根据配置构建监管检查器。
func NewDefaultRegulatoryChecker(settings RegulatorySettings) *DefaultRegulatoryChecker {
	c := &DefaultRegulatoryChecker{
		jurisdictions: make(map[string]struct{}, len(settings.RestrictedJurisdictions)),
		assets:        make(map[string]struct{}, len(settings.RestrictedAssets)),
		accreditation: settings.RequireAccreditation,
	}
	for _, j := range settings.RestrictedJurisdictions {
		c.jurisdictions[strings.ToUpper(strings.TrimSpace(j))] = struct{}{}
	}
	for _, a := range settings.RestrictedAssets {
		c.assets[model.NormalizeAsset(a)] = struct{}{}
	}
	return c
}

// Check 实现 RegulatoryChecker 接口。
func (c *DefaultRegulatoryChecker) Check(ctx context.Context, p *model.StrategyProposal) (RegulatoryResult, error) {
	if err := ctx.Err(); err != nil {
		return RegulatoryResult{}, err
	}
	var issues []string
	if j := strings.ToUpper(p.MetaString(model.MetaJurisdiction)); j != "" {
		if _, restricted := c.jurisdictions[j]; restricted {
			issues = append(issues, fmt.Sprintf("Jurisdiction %s is restricted", j))
		}
	}
	if c.accreditation && !p.MetaBool(model.MetaAccredited) {
		issues = append(issues, "Accredited investor status required")
	}
	for _, w := range p.ProposedAllocation {
		if _, restricted := c.assets[model.NormalizeAsset(w.Asset)]; restricted && w.Weight > 0 {
			issues = append(issues, fmt.Sprintf("Asset %s is restricted", model.NormalizeAsset(w.Asset)))
		}
	}
	return RegulatoryResult{Compliant: len(issues) == 0, Issues: issues}, nil
}

var _ RegulatoryChecker = (*DefaultRegulatoryChecker)(nil)
