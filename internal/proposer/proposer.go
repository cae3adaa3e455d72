// Package proposer turns a user intent into a candidate allocation using
// risk-band templates over stable, low-volatility and growth buckets.
package proposer

import (
	"context"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/market"
	"AgentVault/internal/model"
)

// DefaultRiskAdjustmentDivisor 是风险偏好偏差折算进风险评分时使用的除数。
const DefaultRiskAdjustmentDivisor = 10.0

const defaultFeedTimeout = 5 * time.Second

// Band 描述一个风险档位的配置模板。
type Band struct {
	Name    string
	Stable  float64
	LowVol  float64
	Growth  float64
	MaxRisk int
}

// Bands 按顺序匹配，取第一个 MaxRisk 覆盖风险偏好的档位。
var Bands = []Band{
	{Name: "conservative", Stable: 60, LowVol: 30, Growth: 10, MaxRisk: 30},
	{Name: "balanced", Stable: 40, LowVol: 40, Growth: 20, MaxRisk: 70},
	{Name: "aggressive", Stable: 20, LowVol: 50, Growth: 30, MaxRisk: 100},
}

// BandFor 返回风险偏好对应的配置模板。
func BandFor(tolerance int) Band {
	for _, b := range Bands {
		if tolerance <= b.MaxRisk {
			return b
		}
	}
	return Bands[len(Bands)-1]
}

// Proposer 负责根据投资意图生成策略方案。
type Proposer struct {
	feed         market.Feed
	feedTimeout  time.Duration
	divisor      float64
	defaultChain string
	now          func() time.Time
	newID        func() string
}

// Option 定义可选的 Proposer 配置。
type Option func(*Proposer)

// WithFeedTimeout 设置每次行情调用的超时时间。
func WithFeedTimeout(timeout time.Duration) Option {
	return func(p *Proposer) {
		if timeout > 0 {
			p.feedTimeout = timeout
		}
	}
}

// WithRiskAdjustmentDivisor 覆盖默认的风险调整除数。
func WithRiskAdjustmentDivisor(divisor float64) Option {
	return func(p *Proposer) {
		if divisor > 0 {
			p.divisor = divisor
		}
	}
}

// WithDefaultChain 设置没有收益来源信息的资产所在的默认链。
func WithDefaultChain(chain string) Option {
	return func(p *Proposer) {
		if chain = strings.ToLower(strings.TrimSpace(chain)); chain != "" {
			p.defaultChain = chain
		}
	}
}

// WithClock 替换策略时间戳的来源。
func WithClock(now func() time.Time) Option {
	return func(p *Proposer) {
		if now != nil {
			p.now = now
		}
	}
}

// WithIDGenerator 替换策略 ID 的生成方式。
func WithIDGenerator(gen func() string) Option {
	return func(p *Proposer) {
		if gen != nil {
			p.newID = gen
		}
	}
}

// New 创建基于指定行情源的 Proposer。
func New(feed market.Feed, opts ...Option) *Proposer {
	p := &Proposer{
		feed:         feed,
		feedTimeout:  defaultFeedTimeout,
		divisor:      DefaultRiskAdjustmentDivisor,
		defaultChain: "ethereum",
		now:          time.Now,
		newID:        uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

type assetInfo struct {
	symbol   string
	tier     market.RiskTier
	apy      float64
	chain    string
	hasPrice bool
	hasYield bool
}

// Propose 拉取行情数据并为意图生成策略，调用方需事先完成意图校验。
func (p *Proposer) Propose(ctx context.Context, intent model.UserIntent) (*model.StrategyProposal, error) {
	if p.feed == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置行情数据源")
	}
	assets := intent.NormalizedAssets()

	prices, yields, err := p.fetch(ctx, assets)
	if err != nil {
		return nil, err
	}
	book := market.NewPriceBook(prices)
	best := market.BestYields(yields)

	infos := make([]assetInfo, 0, len(assets))
	for _, symbol := range assets {
		info := assetInfo{symbol: symbol, tier: market.ClassifySymbol(symbol), chain: p.defaultChain}
		_, info.hasPrice = book.Quote(symbol)
		if opp, ok := best[symbol]; ok {
			info.hasYield = true
			info.apy = opp.APY
			if market.ValidTier(opp.RiskTier) {
				info.tier = opp.RiskTier
			}
			if chain := strings.ToLower(strings.TrimSpace(opp.Chain)); chain != "" {
				info.chain = chain
			}
		}
		infos = append(infos, info)
	}

	band := BandFor(intent.RiskTolerance)
	allocation := allocate(band, infos)

	proposal := &model.StrategyProposal{
		ID:                 p.newID(),
		IntentID:           intent.ID,
		UserID:             intent.UserID,
		ProposedAllocation: allocation,
		Timeframe:          intent.TimeHorizon,
		CreatedAt:          p.now().UTC(),
	}
	proposal.ExpectedReturn = expectedReturn(allocation, infos)
	proposal.RiskScore = p.riskScore(allocation, infos, intent.RiskTolerance)
	proposal.Confidence = confidence(infos)
	proposal.Metadata = p.metadata(band, infos, intent)
	return proposal, nil
}

func (p *Proposer) fetch(ctx context.Context, assets []string) ([]market.Price, []market.YieldOpportunity, error) {
	feedCtx, cancel := context.WithTimeout(ctx, p.feedTimeout)
	defer cancel()

	prices, err := p.feed.GetPrices(feedCtx, assets)
	if err != nil {
		return nil, nil, xerrors.External("market_feed", err)
	}
	yields, err := p.feed.GetYieldOpportunities(feedCtx)
	if err != nil {
		return nil, nil, xerrors.External("market_feed", err)
	}
	return prices, yields, nil
}

// allocate 将每个分组的模板权重平均分给该组资产；空分组的权重按比例
// 分摊到非空分组，保证总和为 100。
func allocate(band Band, infos []assetInfo) model.Allocation {
	template := map[market.RiskTier]float64{
		market.TierStable:       band.Stable,
		market.TierBlueChip:     band.LowVol,
		market.TierYieldBearing: band.Growth,
	}
	members := make(map[market.RiskTier]int, 3)
	for _, info := range infos {
		members[info.tier]++
	}
	var used float64
	for tier, count := range members {
		if count > 0 {
			used += template[tier]
		}
	}

	allocation := make(model.Allocation, 0, len(infos))
	for _, info := range infos {
		var weight float64
		if used > 0 {
			weight = template[info.tier] / used * 100 / float64(members[info.tier])
		}
		allocation = append(allocation, model.AssetWeight{Asset: info.symbol, Weight: round(weight, 4)})
	}
	return allocation
}

func expectedReturn(allocation model.Allocation, infos []assetInfo) float64 {
	total := allocation.Total()
	if total <= 0 {
		return 0
	}
	var sum float64
	for i, w := range allocation {
		sum += w.Weight * infos[i].apy
	}
	return round(sum/total, 4)
}

func (p *Proposer) riskScore(allocation model.Allocation, infos []assetInfo, tolerance int) float64 {
	total := allocation.Total()
	var blended float64
	if total > 0 {
		for i, w := range allocation {
			blended += w.Weight * market.TierRisk(infos[i].tier)
		}
		blended /= total
	}
	score := blended + math.Abs(blended-float64(tolerance))/p.divisor
	return round(clamp(score, 0, 100), 4)
}

func confidence(infos []assetInfo) float64 {
	if len(infos) == 0 {
		return 85
	}
	var covered int
	for _, info := range infos {
		if info.hasPrice && info.hasYield {
			covered++
		}
	}
	return round(85+10*float64(covered)/float64(len(infos)), 4)
}

func (p *Proposer) metadata(band Band, infos []assetInfo, intent model.UserIntent) map[string]any {
	chains := make([]string, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	target := ""
	for _, info := range infos {
		if _, ok := seen[info.chain]; ok {
			continue
		}
		seen[info.chain] = struct{}{}
		chains = append(chains, info.chain)
		if target == "" && info.chain != p.defaultChain {
			target = info.chain
		}
	}

	meta := map[string]any{
		model.MetaRiskBand:         band.Name,
		model.MetaChains:           chains,
		model.MetaCrossChainNeeded: target != "",
	}
	if target != "" {
		meta[model.MetaTargetChain] = target
	}
	if intent.Jurisdiction != "" {
		meta[model.MetaJurisdiction] = strings.ToUpper(intent.Jurisdiction)
	}
	meta[model.MetaAccredited] = intent.Accredited
	return meta
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}
