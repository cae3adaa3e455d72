package risk

import (
	"context"
	"math"
	"testing"

	"AgentVault/internal/model"
)

// midpoint yields zero jitter.
type fixedSource struct{ v float64 }

func (f fixedSource) Float64() float64 { return f.v }

func proposal(riskScore, expectedReturn float64) *model.StrategyProposal {
	return &model.StrategyProposal{ID: "s-1", RiskScore: riskScore, ExpectedReturn: expectedReturn}
}

func evaluate(t *testing.T, e *Evaluator, p *model.StrategyProposal) *model.RiskAssessment {
	t.Helper()
	a, err := e.Evaluate(context.Background(), p)
	if err != nil {
		t.Fatalf("Evaluate returned error: %v", err)
	}
	return a
}

func TestVetoRuleOrder(t *testing.T) {
	e := New(WithRandSource(fixedSource{v: 0.5}))
	cases := []struct {
		name     string
		risk, er float64
		wantRule string
	}{
		{name: "risk score wins over every later rule", risk: 85, er: 80, wantRule: RuleMaxRiskScore},
		{name: "value at risk", risk: 80, er: 60, wantRule: RuleValueAtRisk},
		{name: "sharpe ratio", risk: 80, er: 30, wantRule: RuleSharpeRatio},
		{name: "approved low risk", risk: 29.9, er: 4.3, wantRule: ""},
		{name: "low sharpe but small return", risk: 60, er: 5, wantRule: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := evaluate(t, e, proposal(tc.risk, tc.er))
			if a.VetoRule != tc.wantRule {
				t.Fatalf("expected rule %q, got %q (%s)", tc.wantRule, a.VetoRule, a.VetoReason)
			}
			if a.Veto != (tc.wantRule != "") {
				t.Fatalf("veto flag mismatch: %+v", a)
			}
			if a.Veto && a.VetoReason == "" {
				t.Fatalf("veto without reason")
			}
		})
	}
}

func TestRiskScoreVetoForAllScoresAbove80(t *testing.T) {
	e := New(WithRandSource(NewSeededSource(7)))
	for score := 80.5; score <= 100; score += 0.5 {
		a := evaluate(t, e, proposal(score, 25))
		if !a.Veto || a.VetoRule != RuleMaxRiskScore {
			t.Fatalf("score %.1f: expected %s veto, got %q", score, RuleMaxRiskScore, a.VetoRule)
		}
	}
}

func TestMaxDrawdownRule(t *testing.T) {
	rule, _, veto := decide(proposal(50, 4), model.RiskMetrics{ValueAtRisk: 10, MaxDrawdown: 45, SharpeRatio: 1})
	if !veto || rule != RuleMaxDrawdown {
		t.Fatalf("expected drawdown veto, got %q", rule)
	}
}

func TestMetricsWithoutJitter(t *testing.T) {
	e := New(WithRandSource(fixedSource{v: 0.5}))
	a := evaluate(t, e, proposal(80, 30))

	if a.ScenariosTested != 6 {
		t.Fatalf("expected 6 scenarios, got %d", a.ScenariosTested)
	}
	// market_crash 64, oracle_attack 72, bridge_failure 68, regulatory_shutdown 80
	if a.FailedScenarios != 4 {
		t.Fatalf("expected 4 failed scenarios, got %d", a.FailedScenarios)
	}
	wantVaR := (0.05*0.64*30 + 0.02*0.72*30 + 0.03*0.68*30 + 0.01*0.80*30) / 0.29
	if math.Abs(a.RiskMetrics.ValueAtRisk-wantVaR) > 1e-9 {
		t.Fatalf("unexpected VaR %v want %v", a.RiskMetrics.ValueAtRisk, wantVaR)
	}
	if math.Abs(a.RiskMetrics.MaxDrawdown-2*wantVaR) > 1e-9 {
		t.Fatalf("unexpected drawdown %v", a.RiskMetrics.MaxDrawdown)
	}
	if math.Abs(a.RiskMetrics.SharpeRatio-28.0/80) > 1e-9 {
		t.Fatalf("unexpected sharpe %v", a.RiskMetrics.SharpeRatio)
	}
	if a.RiskMetrics.Volatility != 80 {
		t.Fatalf("volatility should equal the risk score")
	}
	wantOverall := 0.3*wantVaR + 0.3*2*wantVaR + 0.4*80
	if math.Abs(a.OverallRiskScore-wantOverall) > 1e-9 {
		t.Fatalf("unexpected overall score %v want %v", a.OverallRiskScore, wantOverall)
	}
	for _, r := range a.StressTestResults {
		if !r.Failed && r.ExpectedLoss != 0 {
			t.Fatalf("passing scenario %s should carry no loss", r.ScenarioID)
		}
	}
}

func TestJitterStaysWithinBounds(t *testing.T) {
	e := New(WithRandSource(NewSeededSource(42)))
	for i := 0; i < 50; i++ {
		a := evaluate(t, e, proposal(50, 10))
		for j, r := range a.StressTestResults {
			base := DefaultScenarios[j].Impact * 0.5
			if r.AdjustedImpact < base*0.8-1e-9 || r.AdjustedImpact > base*1.2+1e-9 {
				t.Fatalf("%s adjusted impact %v outside ±20%% of %v", r.ScenarioID, r.AdjustedImpact, base)
			}
		}
	}
}

func TestSeededSourcesAreReproducible(t *testing.T) {
	a := evaluate(t, New(WithRandSource(NewSeededSource(99))), proposal(70, 12))
	b := evaluate(t, New(WithRandSource(NewSeededSource(99))), proposal(70, 12))
	for i := range a.StressTestResults {
		if a.StressTestResults[i] != b.StressTestResults[i] {
			t.Fatalf("seeded runs diverged at %d: %+v vs %+v", i, a.StressTestResults[i], b.StressTestResults[i])
		}
	}
	if a.OverallRiskScore != b.OverallRiskScore || a.VetoRule != b.VetoRule {
		t.Fatalf("seeded runs diverged")
	}
}

func TestZeroRiskScoreUsesUnitDenominator(t *testing.T) {
	a := evaluate(t, New(WithRandSource(fixedSource{v: 0.5})), proposal(0, 4))
	if a.RiskMetrics.SharpeRatio != 2 {
		t.Fatalf("expected sharpe 2, got %v", a.RiskMetrics.SharpeRatio)
	}
}

func TestWithScenariosExtendsCatalogue(t *testing.T) {
	e := New(WithRandSource(fixedSource{v: 0.5}), WithScenarios(Scenario{ID: "stablecoin_depeg", Impact: 95, Probability: 0.04}))
	a := evaluate(t, e, proposal(70, 4))
	if a.ScenariosTested != 7 {
		t.Fatalf("expected 7 scenarios, got %d", a.ScenariosTested)
	}
	if last := a.StressTestResults[6]; last.ScenarioID != "stablecoin_depeg" || !last.Failed {
		t.Fatalf("unexpected extra scenario result %+v", last)
	}
	if len(DefaultScenarios) != 6 {
		t.Fatalf("default catalogue must not be mutated")
	}
}

func TestEvaluateHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := New().Evaluate(ctx, proposal(10, 1)); err == nil {
		t.Fatalf("expected context error")
	}
}
