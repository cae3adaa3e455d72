package model

import "time"

// 策略生成器写入的元数据键。
const (
	MetaCrossChainNeeded = "crossChainNeeded"
	MetaTargetChain      = "targetChain"
	MetaChains           = "chains"
	MetaRiskBand         = "riskBand"
	MetaJurisdiction     = "jurisdiction"
	MetaAccredited       = "accredited"
)

// AssetWeight 表示资产配置中的一项。
type AssetWeight struct {
	Asset  string  `json:"asset"`
	Weight float64 `json:"weight"`
}

// Allocation 是有序的资产权重列表，权重为相对值，总和不必恰好为 100。
type Allocation []AssetWeight

// Total 返回所有权重之和。
func (a Allocation) Total() float64 {
	var sum float64
	for _, w := range a {
		sum += w.Weight
	}
	return sum
}

// Weight 返回资产的权重，不存在时返回 0。
func (a Allocation) Weight(asset string) float64 {
	for _, w := range a {
		if w.Asset == asset {
			return w.Weight
		}
	}
	return 0
}

// Largest 返回权重最高的一项，权重相同时取靠前的一项。
func (a Allocation) Largest() (AssetWeight, bool) {
	if len(a) == 0 {
		return AssetWeight{}, false
	}
	best := a[0]
	for _, w := range a[1:] {
		if w.Weight > best.Weight {
			best = w
		}
	}
	return best, true
}

// Share 返回资产权重占总权重的百分比。
func (a Allocation) Share(asset string) float64 {
	total := a.Total()
	if total <= 0 {
		return 0
	}
	return a.Weight(asset) / total * 100
}

// Clone 返回可独立修改的副本。
func (a Allocation) Clone() Allocation {
	if a == nil {
		return nil
	}
	out := make(Allocation, len(a))
	copy(out, a)
	return out
}

// StrategyProposal 描述为意图生成的候选资产配置。
type StrategyProposal struct {
	ID                 string         `json:"id"`
	IntentID           string         `json:"intentId"`
	UserID             string         `json:"userId"`
	ProposedAllocation Allocation     `json:"proposedAllocation"`
	ExpectedReturn     float64        `json:"expectedReturn"`
	RiskScore          float64        `json:"riskScore"`
	Confidence         float64        `json:"confidence"`
	Timeframe          TimeHorizon    `json:"timeframe"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	CreatedAt          time.Time      `json:"createdAt"`
}

// MetaBool 读取布尔类型的元数据。
func (p *StrategyProposal) MetaBool(key string) bool {
	if p == nil || p.Metadata == nil {
		return false
	}
	v, _ := p.Metadata[key].(bool)
	return v
}

// MetaString 读取字符串类型的元数据。
func (p *StrategyProposal) MetaString(key string) string {
	if p == nil || p.Metadata == nil {
		return ""
	}
	v, _ := p.Metadata[key].(string)
	return v
}

// MetaStrings 读取字符串列表类型的元数据，JSON 解码得到的 []any 会被转换。
func (p *StrategyProposal) MetaStrings(key string) []string {
	if p == nil || p.Metadata == nil {
		return nil
	}
	switch v := p.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
