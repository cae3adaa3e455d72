// Package risk stress-tests strategy proposals against a catalogue of
// adverse scenarios and vetoes those that breach fixed thresholds.
package risk

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"AgentVault/internal/model"
)

// Scenario 描述一个压力情景，包含基础冲击（0-100）与发生概率（0-1）。
type Scenario struct {
	ID          string
	Impact      float64
	Probability float64
}

// DefaultScenarios 是内置的情景目录，按评估顺序排列。
var DefaultScenarios = []Scenario{
	{ID: "market_crash", Impact: 80, Probability: 0.05},
	{ID: "liquidity_crisis", Impact: 70, Probability: 0.10},
	{ID: "oracle_attack", Impact: 90, Probability: 0.02},
	{ID: "bridge_failure", Impact: 85, Probability: 0.03},
	{ID: "yield_farm_exploit", Impact: 75, Probability: 0.08},
	{ID: "regulatory_shutdown", Impact: 100, Probability: 0.01},
}

// 否决规则使用的阈值。
const (
	FailureThreshold    = 60.0
	MaxRiskScore        = 80.0
	MaxValueAtRisk      = 15.0
	MaxDrawdown         = 40.0
	MinSharpeRatio      = 0.5
	SharpeReturnTrigger = 5.0
	JitterRange         = 0.2
)

// 否决规则标识，按评估顺序排列。
const (
	RuleMaxRiskScore = "max_risk_score"
	RuleValueAtRisk  = "value_at_risk"
	RuleMaxDrawdown  = "max_drawdown"
	RuleSharpeRatio  = "sharpe_ratio"
)

// RandSource 产生 [0, 1) 区间的均匀随机数。
type RandSource interface {
	Float64() float64
}

// NewSeededSource 返回确定性的 PCG 随机源。
func NewSeededSource(seed uint64) RandSource {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Evaluator 负责生成风险评估结果。
type Evaluator struct {
	scenarios []Scenario

	mu  sync.Mutex
	rnd RandSource
}

// Option 定义可选的 Evaluator 配置。
type Option func(*Evaluator)

// WithRandSource 注入扰动使用的随机源。
func WithRandSource(src RandSource) Option {
	return func(e *Evaluator) {
		if src != nil {
			e.rnd = src
		}
	}
}

// WithScenarios 在默认目录之后追加情景。
func WithScenarios(extra ...Scenario) Option {
	return func(e *Evaluator) {
		e.scenarios = append(e.scenarios, extra...)
	}
}

// New 创建 Evaluator，未指定随机源时使用以当前时间为种子的随机源。
func New(opts ...Option) *Evaluator {
	e := &Evaluator{
		scenarios: append([]Scenario(nil), DefaultScenarios...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	if e.rnd == nil {
		e.rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return e
}

// Scenarios 返回情景目录的副本。
func (e *Evaluator) Scenarios() []Scenario {
	return append([]Scenario(nil), e.scenarios...)
}

// Evaluate 对策略进行压力测试，除消耗随机源外没有其他副作用。
func (e *Evaluator) Evaluate(ctx context.Context, proposal *model.StrategyProposal) (*model.RiskAssessment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if proposal == nil {
		return nil, fmt.Errorf("proposal is nil")
	}

	jitters := e.draw(len(e.scenarios))
	results := make([]model.StressTestResult, 0, len(e.scenarios))
	var weightedLoss, probability float64
	failed := 0
	for i, sc := range e.scenarios {
		adjusted := sc.Impact * (proposal.RiskScore / 100) * (1 + jitters[i])
		res := model.StressTestResult{
			ScenarioID:     sc.ID,
			Impact:         sc.Impact,
			Probability:    sc.Probability,
			AdjustedImpact: adjusted,
			Failed:         adjusted > FailureThreshold,
		}
		if res.Failed {
			failed++
			res.ExpectedLoss = adjusted / 100 * proposal.ExpectedReturn
		}
		weightedLoss += sc.Probability * res.ExpectedLoss
		probability += sc.Probability
		results = append(results, res)
	}

	var metrics model.RiskMetrics
	if probability > 0 {
		metrics.ValueAtRisk = weightedLoss / probability
	}
	metrics.MaxDrawdown = math.Min(100, metrics.ValueAtRisk*2)
	denominator := proposal.RiskScore
	if denominator <= 0 {
		denominator = 1
	}
	metrics.SharpeRatio = (proposal.ExpectedReturn - model.RiskFreeRate) / denominator
	metrics.Volatility = proposal.RiskScore

	assessment := &model.RiskAssessment{
		StrategyID:        proposal.ID,
		StressTestResults: results,
		RiskMetrics:       metrics,
		ScenariosTested:   len(results),
		FailedScenarios:   failed,
		OverallRiskScore:  clamp(0.3*metrics.ValueAtRisk+0.3*metrics.MaxDrawdown+0.4*metrics.Volatility, 0, 100),
	}
	if rule, reason, veto := decide(proposal, metrics); veto {
		assessment.Veto = true
		assessment.VetoRule = rule
		assessment.VetoReason = reason
	}
	return assessment, nil
}

// decide 按顺序应用否决规则，首个命中的规则生效。
func decide(p *model.StrategyProposal, m model.RiskMetrics) (string, string, bool) {
	switch {
	case p.RiskScore > MaxRiskScore:
		return RuleMaxRiskScore, fmt.Sprintf("risk score %.2f exceeds maximum %.0f", p.RiskScore, MaxRiskScore), true
	case m.ValueAtRisk > MaxValueAtRisk:
		return RuleValueAtRisk, fmt.Sprintf("value at risk %.2f exceeds maximum %.0f", m.ValueAtRisk, MaxValueAtRisk), true
	case m.MaxDrawdown > MaxDrawdown:
		return RuleMaxDrawdown, fmt.Sprintf("max drawdown %.2f exceeds maximum %.0f", m.MaxDrawdown, MaxDrawdown), true
	case m.SharpeRatio < MinSharpeRatio && p.ExpectedReturn > SharpeReturnTrigger:
		return RuleSharpeRatio, fmt.Sprintf("sharpe ratio %.2f below %.1f for expected return %.2f%%", m.SharpeRatio, MinSharpeRatio, p.ExpectedReturn), true
	default:
		return "", "", false
	}
}

func (e *Evaluator) draw(n int) []float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]float64, n)
	for i := range out {
		out[i] = (e.rnd.Float64()*2 - 1) * JitterRange
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
