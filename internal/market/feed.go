// Package market provides the read-only price and yield data consumed by the
// strategy proposer and the execution planner.
package market

import (
	"context"

	"github.com/shopspring/decimal"

	"AgentVault/internal/model"
)

// RiskTier 表示资产在配置与风险评分中的分级。
type RiskTier string

const (
	TierStable       RiskTier = "stable"
	TierBlueChip     RiskTier = "blue-chip"
	TierYieldBearing RiskTier = "yield-bearing"
)

// Price 是单个资产以基础货币计价的报价。
type Price struct {
	Asset      string          `json:"asset" yaml:"asset"`
	Price      decimal.Decimal `json:"price" yaml:"price"`
	Liquidity  float64         `json:"liquidity" yaml:"liquidity"`
	Volatility float64         `json:"volatility" yaml:"volatility"`
}

// YieldOpportunity 描述资产可获得的年化收益。
type YieldOpportunity struct {
	Asset    string   `json:"asset" yaml:"asset"`
	Protocol string   `json:"protocol,omitempty" yaml:"protocol"`
	Chain    string   `json:"chain,omitempty" yaml:"chain"`
	APY      float64  `json:"apy" yaml:"apy"`
	RiskTier RiskTier `json:"riskTier,omitempty" yaml:"risk_tier"`
}

// Feed 定义行情与收益数据源，返回的数据可能来自缓存或已过期。
type Feed interface {
	GetPrices(ctx context.Context, assets []string) ([]Price, error)
	GetYieldOpportunities(ctx context.Context) ([]YieldOpportunity, error)
}

var stablecoins = map[string]struct{}{
	"USDC": {}, "USDT": {}, "DAI": {}, "FRAX": {}, "LUSD": {}, "PYUSD": {}, "TUSD": {}, "USDE": {}, "GHO": {}, "CRVUSD": {},
}

// blueChips 仅包含原生资产；包装或质押衍生代币（WETH、WBTC、stETH 等）不在此列。
var blueChips = map[string]struct{}{
	"ETH": {}, "BTC": {}, "SOL": {}, "LINK": {}, "BNB": {}, "AVAX": {},
}

// ClassifySymbol 返回代币的静态风险等级。稳定币为 stable，原生主流资产为
// blue-chip，包装代币、质押衍生品以及未知代币一律视为 yield-bearing。
// 行情源在收益机会中给出的 RiskTier 会覆盖该结果。
func ClassifySymbol(symbol string) RiskTier {
	symbol = model.NormalizeAsset(symbol)
	if _, ok := stablecoins[symbol]; ok {
		return TierStable
	}
	if _, ok := blueChips[symbol]; ok {
		return TierBlueChip
	}
	return TierYieldBearing
}

// TierRisk 返回风险等级对应的风险分值。
func TierRisk(tier RiskTier) float64 {
	switch tier {
	case TierStable:
		return 10
	case TierBlueChip:
		return 50
	default:
		return 80
	}
}

// ValidTier 判断风险等级是否为已知取值。
func ValidTier(tier RiskTier) bool {
	switch tier {
	case TierStable, TierBlueChip, TierYieldBearing:
		return true
	default:
		return false
	}
}

// PriceBook 按资产索引报价。
type PriceBook map[string]Price

// NewPriceBook 根据报价列表构建 PriceBook。
func NewPriceBook(prices []Price) PriceBook {
	book := make(PriceBook, len(prices))
	for _, p := range prices {
		book[model.NormalizeAsset(p.Asset)] = p
	}
	return book
}

// Quote 返回资产的价格。
func (b PriceBook) Quote(asset string) (decimal.Decimal, bool) {
	p, ok := b[model.NormalizeAsset(asset)]
	if !ok || !p.Price.IsPositive() {
		return decimal.Zero, false
	}
	return p.Price, true
}

// BestYields 为每个资产保留 APY 最高的收益机会。
func BestYields(opps []YieldOpportunity) map[string]YieldOpportunity {
	best := make(map[string]YieldOpportunity, len(opps))
	for _, opp := range opps {
		key := model.NormalizeAsset(opp.Asset)
		if current, ok := best[key]; !ok || opp.APY > current.APY {
			best[key] = opp
		}
	}
	return best
}
