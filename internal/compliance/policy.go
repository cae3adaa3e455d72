package compliance

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Policy 是合规配置的 YAML 表示。
type Policy struct {
	MaxRiskScore    float64            `yaml:"max_risk_score"`
	MinAssets       int                `yaml:"min_assets"`
	MaxSingleAsset  float64            `yaml:"max_single_asset"`
	Blacklist       []string           `yaml:"blacklist"`
	SupportedChains []string           `yaml:"supported_chains"`
	DisabledRules   []string           `yaml:"disabled_rules"`
	Regulatory      RegulatorySettings `yaml:"regulatory"`
}

// LoadPolicy 解析策略文件，路径为空时返回零值策略。
func LoadPolicy(path string) (Policy, error) {
	if strings.TrimSpace(path) == "" {
		return Policy{}, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("读取合规策略失败: %w", err)
	}
	var policy Policy
	if err := yaml.Unmarshal(content, &policy); err != nil {
		return Policy{}, fmt.Errorf("解析合规策略失败: %w", err)
	}
	return policy, nil
}

// Settings 返回策略对应的规则参数。
func (p Policy) Settings() RuleSettings {
	return RuleSettings{
		MaxRiskScore:    p.MaxRiskScore,
		MinAssets:       p.MinAssets,
		MaxSingleAsset:  p.MaxSingleAsset,
		Blacklist:       p.Blacklist,
		SupportedChains: p.SupportedChains,
	}
}

// Merge 用 other 中的非空字段覆盖 p，列表字段则进行拼接。
func (p Policy) Merge(other Policy) Policy {
	if other.MaxRiskScore > 0 {
		p.MaxRiskScore = other.MaxRiskScore
	}
	if other.MinAssets > 0 {
		p.MinAssets = other.MinAssets
	}
	if other.MaxSingleAsset > 0 {
		p.MaxSingleAsset = other.MaxSingleAsset
	}
	p.Blacklist = append(append([]string(nil), p.Blacklist...), other.Blacklist...)
	if len(other.SupportedChains) > 0 {
		p.SupportedChains = other.SupportedChains
	}
	p.DisabledRules = append(append([]string(nil), p.DisabledRules...), other.DisabledRules...)
	p.Regulatory.RestrictedJurisdictions = append(append([]string(nil), p.Regulatory.RestrictedJurisdictions...), other.Regulatory.RestrictedJurisdictions...)
	p.Regulatory.RestrictedAssets = append(append([]string(nil), p.Regulatory.RestrictedAssets...), other.Regulatory.RestrictedAssets...)
	p.Regulatory.RequireAccreditation = p.Regulatory.RequireAccreditation || other.Regulatory.RequireAccreditation
	return p
}

// NewFromPolicy 根据策略构建 Auditor，注册除已禁用规则外的全部内置规则。
func NewFromPolicy(policy Policy, opts ...Option) (*Auditor, error) {
	settings := policy.Settings()
	disabled := make(map[string]struct{}, len(policy.DisabledRules))
	for _, id := range policy.DisabledRules {
		disabled[strings.TrimSpace(id)] = struct{}{}
	}
	var rules []Rule
	for _, rule := range DefaultRules(settings) {
		if _, off := disabled[rule.ID]; !off {
			rules = append(rules, rule)
		}
	}
	registry, err := NewRegistry(rules...)
	if err != nil {
		return nil, err
	}
	opts = append([]Option{WithRegulatoryChecker(NewDefaultRegulatoryChecker(policy.Regulatory))}, opts...)
	return New(registry, settings, opts...), nil
}
