package compliance

import (
	"fmt"
	"strings"

	"AgentVault/internal/model"
)

// 内置规则标识。
const (
	RuleMaxRisk            = "max_risk"
	RuleMinDiversification = "min_diversification"
	RuleBlacklist          = "blacklist"
	RuleMaxSingleAsset     = "max_single_asset"
	RulePositiveReturn     = "positive_return"
	RuleSupportedChains    = "supported_chains"
)

// RuleSettings 定义内置规则的参数。
type RuleSettings struct {
	MaxRiskScore    float64
	MinAssets       int
	MaxSingleAsset  float64
	Blacklist       []string
	SupportedChains []string
}

// DefaultRuleSettings 返回默认阈值。
func DefaultRuleSettings() RuleSettings {
	return RuleSettings{
		MaxRiskScore:    80,
		MinAssets:       2,
		MaxSingleAsset:  50,
		SupportedChains: []string{"ethereum", "arbitrum", "optimism", "polygon", "base"},
	}
}

func (s RuleSettings) withDefaults() RuleSettings {
	def := DefaultRuleSettings()
	if s.MaxRiskScore <= 0 {
		s.MaxRiskScore = def.MaxRiskScore
	}
	if s.MinAssets <= 0 {
		s.MinAssets = def.MinAssets
	}
	if s.MaxSingleAsset <= 0 {
		s.MaxSingleAsset = def.MaxSingleAsset
	}
	if len(s.SupportedChains) == 0 {
		s.SupportedChains = def.SupportedChains
	}
	return s
}

// DefaultRules 按固定顺序构建内置规则集。
func DefaultRules(settings RuleSettings) []Rule {
	s := settings.withDefaults()

	blacklist := make(map[string]struct{}, len(s.Blacklist))
	for _, sym := range s.Blacklist {
		blacklist[model.NormalizeAsset(sym)] = struct{}{}
	}
	supported := make(map[string]struct{}, len(s.SupportedChains))
	for _, chain := range s.SupportedChains {
		supported[strings.ToLower(strings.TrimSpace(chain))] = struct{}{}
	}

	return []Rule{
		{
			ID:          RuleMaxRisk,
			Description: "risk score must not exceed the protocol maximum",
			Message:     fmt.Sprintf("Risk score exceeds maximum allowed (%.0f)", s.MaxRiskScore),
			Check: func(p *model.StrategyProposal) (bool, error) {
				return p.RiskScore <= s.MaxRiskScore, nil
			},
		},
		{
			ID:          RuleMinDiversification,
			Description: "allocation must hold enough distinct assets",
			Message:     fmt.Sprintf("Insufficient diversification: at least %d distinct assets required", s.MinAssets),
			Check: func(p *model.StrategyProposal) (bool, error) {
				distinct := make(map[string]struct{}, len(p.ProposedAllocation))
				for _, w := range p.ProposedAllocation {
					if w.Weight > 0 {
						distinct[model.NormalizeAsset(w.Asset)] = struct{}{}
					}
				}
				return len(distinct) >= s.MinAssets, nil
			},
		},
		{
			ID:          RuleBlacklist,
			Description: "allocation must not contain blacklisted assets",
			Message:     "Allocation contains blacklisted asset",
			Check: func(p *model.StrategyProposal) (bool, error) {
				for _, w := range p.ProposedAllocation {
					if _, banned := blacklist[model.NormalizeAsset(w.Asset)]; banned && w.Weight > 0 {
						return false, nil
					}
				}
				return true, nil
			},
		},
		{
			ID:          RuleMaxSingleAsset,
			Description: "no single asset may dominate the allocation",
			Message:     fmt.Sprintf("Single asset exceeds %.0f%% of allocation", s.MaxSingleAsset),
			Check: func(p *model.StrategyProposal) (bool, error) {
				total := p.ProposedAllocation.Total()
				if total <= 0 {
					return false, fmt.Errorf("allocation has no weight")
				}
				for _, w := range p.ProposedAllocation {
					if w.Weight/total*100 > s.MaxSingleAsset {
						return false, nil
					}
				}
				return true, nil
			},
		},
		{
			ID:          RulePositiveReturn,
			Description: "expected return must be positive",
			Message:     "Expected return must be positive",
			Check: func(p *model.StrategyProposal) (bool, error) {
				return p.ExpectedReturn > 0, nil
			},
		},
		{
			ID:          RuleSupportedChains,
			Description: "only supported chains may be used",
			Message:     "Strategy uses unsupported chain",
			Check: func(p *model.StrategyProposal) (bool, error) {
				chains := append([]string(nil), p.MetaStrings(model.MetaChains)...)
				if target := p.MetaString(model.MetaTargetChain); target != "" {
					chains = append(chains, target)
				}
				for _, chain := range chains {
					if _, ok := supported[strings.ToLower(strings.TrimSpace(chain))]; !ok {
						return false, nil
					}
				}
				return true, nil
			},
		},
	}
}
