package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

// MaxPerformanceHistory 是每个金库保留的日收益记录上限。
const MaxPerformanceHistory = 365

// RiskFreeRate 是年化无风险利率（百分比）。
const RiskFreeRate = 2.0

// PerformanceRecord 是金库的一条日收益记录。
type PerformanceRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	Value       decimal.Decimal `json:"value"`
	DailyReturn float64         `json:"dailyReturn"`
	StrategyID  string          `json:"strategyId"`
}

// Vault 是每个用户长期存在的投资组合记录。
type Vault struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"userId"`
	VaultAddress       string              `json:"vaultAddress"`
	TotalValue         decimal.Decimal     `json:"totalValue"`
	AssetAllocation    Allocation          `json:"assetAllocation"`
	RiskLevel          float64             `json:"riskLevel"`
	PerformanceHistory []PerformanceRecord `json:"performanceHistory"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// Clone 返回金库的深拷贝。
func (v *Vault) Clone() *Vault {
	if v == nil {
		return nil
	}
	out := *v
	out.AssetAllocation = v.AssetAllocation.Clone()
	if v.PerformanceHistory != nil {
		out.PerformanceHistory = make([]PerformanceRecord, len(v.PerformanceHistory))
		copy(out.PerformanceHistory, v.PerformanceHistory)
	}
	return &out
}

// AppendPerformance 追加一条记录，并淘汰超出 MaxPerformanceHistory 的最早记录。
// 时钟回拨时，新记录的时间戳会被提升到上一条记录的时间。
func (v *Vault) AppendPerformance(rec PerformanceRecord) {
	if n := len(v.PerformanceHistory); n > 0 {
		if last := v.PerformanceHistory[n-1].Timestamp; rec.Timestamp.Before(last) {
			rec.Timestamp = last
		}
	}
	v.PerformanceHistory = append(v.PerformanceHistory, rec)
	if over := len(v.PerformanceHistory) - MaxPerformanceHistory; over > 0 {
		trimmed := make([]PerformanceRecord, MaxPerformanceHistory)
		copy(trimmed, v.PerformanceHistory[over:])
		v.PerformanceHistory = trimmed
	}
}

// Touch 更新 UpdatedAt，且不会让其倒退。
func (v *Vault) Touch(now time.Time) {
	if now.After(v.UpdatedAt) {
		v.UpdatedAt = now
	}
}

// PerformanceSummary 完全由金库的历史记录推导得出。
type PerformanceSummary struct {
	UserID           string          `json:"userId"`
	TotalValue       decimal.Decimal `json:"totalValue"`
	RiskLevel        float64         `json:"riskLevel"`
	AnnualizedReturn float64         `json:"annualizedReturn"`
	Volatility       float64         `json:"volatility"`
	SharpeRatio      float64         `json:"sharpeRatio"`
	Samples          int             `json:"samples"`
}

// Summarize 计算绩效摘要。年化收益为日均收益乘以 365，波动率为日收益的
// 总体标准差乘以 √365，波动率为 0 时夏普比率为 0。
func (v *Vault) Summarize() PerformanceSummary {
	summary := PerformanceSummary{
		UserID:     v.UserID,
		TotalValue: v.TotalValue,
		RiskLevel:  v.RiskLevel,
		Samples:    len(v.PerformanceHistory),
	}
	n := float64(len(v.PerformanceHistory))
	if n == 0 {
		return summary
	}
	var sum float64
	for _, rec := range v.PerformanceHistory {
		sum += rec.DailyReturn
	}
	mean := sum / n
	var sq float64
	for _, rec := range v.PerformanceHistory {
		d := rec.DailyReturn - mean
		sq += d * d
	}
	summary.AnnualizedReturn = mean * 365
	summary.Volatility = math.Sqrt(sq/n) * math.Sqrt(365)
	if summary.Volatility > 0 {
		summary.SharpeRatio = (summary.AnnualizedReturn - RiskFreeRate) / summary.Volatility
	}
	return summary
}
