package execution

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	xerrors "AgentVault/internal/errors"
	"AgentVault/internal/market"
	"AgentVault/internal/model"
	"AgentVault/internal/web3"
)

func testChains(t *testing.T) *web3.Chains {
	t.Helper()
	chains, err := web3.NewChains(web3.DefaultChainDefinitions(), "ethereum")
	if err != nil {
		t.Fatalf("NewChains returned error: %v", err)
	}
	return chains
}

func testFeed() market.Feed {
	return market.NewStaticFeed(market.Snapshot{Prices: []market.Price{
		{Asset: "USDC", Price: decimal.NewFromInt(1)},
		{Asset: "WETH", Price: decimal.NewFromInt(2000)},
		{Asset: "YIELD", Price: decimal.NewFromInt(2)},
	}})
}

func approved() (*model.AuditReport, *model.RiskAssessment) {
	return &model.AuditReport{ComplianceCheck: true, RegulatoryCompliance: true, Approved: true},
		&model.RiskAssessment{}
}

func proposal(weights ...model.AssetWeight) *model.StrategyProposal {
	return &model.StrategyProposal{
		ID:                 "strategy-1",
		UserID:             "alice",
		ProposedAllocation: weights,
		ExpectedReturn:     4.5,
		RiskScore:          30,
		Metadata:           map[string]any{},
	}
}

func TestPlannerRejectsUnapprovedProposals(t *testing.T) {
	planner := NewPlanner(testChains(t))
	p := proposal(model.AssetWeight{Asset: "USDC", Weight: 50}, model.AssetWeight{Asset: "WETH", Weight: 50})
	audit, assessment := approved()

	_, err := planner.Build(context.Background(), p, audit, &model.RiskAssessment{Veto: true, VetoRule: "max_risk_score", VetoReason: "too risky"}, decimal.NewFromInt(100))
	if xerrors.CodeOf(err) != xerrors.CodeVeto {
		t.Fatalf("expected veto error, got %v", err)
	}

	_, err = planner.Build(context.Background(), p, &model.AuditReport{ProtocolRuleViolations: []string{"bad"}}, assessment, decimal.NewFromInt(100))
	if xerrors.CodeOf(err) != xerrors.CodeCompliance {
		t.Fatalf("expected compliance error, got %v", err)
	}

	_, err = planner.Build(context.Background(), p, audit, assessment, decimal.Zero)
	if xerrors.CodeOf(err) != xerrors.CodeValidation {
		t.Fatalf("expected validation error for zero capital, got %v", err)
	}
}

func TestPlannerBuildsFlashLoanPlan(t *testing.T) {
	planner := NewPlanner(testChains(t), WithPriceFeed(testFeed()))
	p := proposal(
		model.AssetWeight{Asset: "USDC", Weight: 60},
		model.AssetWeight{Asset: "WETH", Weight: 30},
		model.AssetWeight{Asset: "YIELD", Weight: 10},
	)
	audit, assessment := approved()

	plan, err := planner.Build(context.Background(), p, audit, assessment, decimal.NewFromInt(10000))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(plan.Steps) != 3 {
		t.Fatalf("expected 3 steps, got %d", len(plan.Steps))
	}
	if plan.Steps[0].Type != model.StepDeposit || !plan.Steps[0].AmountIn.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("unexpected first step %+v", plan.Steps[0])
	}
	weth := plan.Steps[1]
	if weth.Type != model.StepSwap || weth.TokenIn != "USDC" || weth.TokenOut != "WETH" {
		t.Fatalf("unexpected swap step %+v", weth)
	}
	if !weth.AmountOut.Equal(decimal.RequireFromString("1.4925")) {
		t.Fatalf("unexpected WETH amount out %s", weth.AmountOut)
	}
	if plan.TotalGasEstimate != GasDeposit+2*GasSwap {
		t.Fatalf("unexpected gas %d", plan.TotalGasEstimate)
	}
	if plan.EstimatedCompletionTime != 3*StepDuration {
		t.Fatalf("unexpected completion time %s", plan.EstimatedCompletionTime)
	}
	if !plan.FlashLoanRequired || plan.FlashLoanToken != "USDC" || !plan.FlashLoanAmount.Equal(decimal.NewFromInt(6000)) {
		t.Fatalf("unexpected flash loan fields %+v", plan)
	}
	for i, step := range plan.Steps {
		if step.Order != i+1 || step.ChainID != 1 {
			t.Fatalf("unexpected order or chain on step %d: %+v", i, step)
		}
	}
}

func TestPlannerAppendsBridgeStep(t *testing.T) {
	planner := NewPlanner(testChains(t))
	p := proposal(
		model.AssetWeight{Asset: "WETH", Weight: 40},
		model.AssetWeight{Asset: "USDC", Weight: 40},
		model.AssetWeight{Asset: "YIELD", Weight: 20},
	)
	p.Metadata[model.MetaCrossChainNeeded] = true
	p.Metadata[model.MetaTargetChain] = "arbitrum"
	audit, assessment := approved()

	plan, err := planner.Build(context.Background(), p, audit, assessment, decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(plan.Steps) != 4 {
		t.Fatalf("expected 4 steps, got %d", len(plan.Steps))
	}
	bridge := plan.Steps[3]
	if bridge.Type != model.StepBridge || bridge.ChainID != 42161 || bridge.TokenIn != "WETH" {
		t.Fatalf("unexpected bridge step %+v", bridge)
	}
	if !bridge.AmountIn.Equal(decimal.NewFromInt(400)) {
		t.Fatalf("bridge should move the largest position, got %s", bridge.AmountIn)
	}
	if plan.FlashLoanRequired {
		t.Fatalf("no asset exceeds the flash loan threshold")
	}
	if plan.EstimatedCompletionTime != 4*StepDuration+BridgeDuration {
		t.Fatalf("unexpected completion time %s", plan.EstimatedCompletionTime)
	}
	if plan.TotalGasEstimate != GasDeposit+2*GasSwap+GasBridge {
		t.Fatalf("unexpected gas %d", plan.TotalGasEstimate)
	}
}

func fiveStepPlan() *model.ExecutionPlan {
	plan := &model.ExecutionPlan{StrategyID: "strategy-5", UserID: "alice"}
	for i, asset := range []string{"USDC", "DAI", "WETH", "WBTC", "YIELD"} {
		plan.Steps = append(plan.Steps, model.ExecutionStep{Order: i + 1, Type: model.StepSwap, TokenIn: "USDC", TokenOut: asset})
	}
	return plan
}

func TestRunnerStopsAtFailedStep(t *testing.T) {
	var observed []bool
	runner := NewRunner(NewSimulatedBackend(WithFailAtStep(2)), WithStepObserver(func(_ model.ExecutionStep, ok bool, _ time.Duration) {
		observed = append(observed, ok)
	}))
	plan := fiveStepPlan()

	result, err := runner.Execute(context.Background(), plan)
	if xerrors.CodeOf(err) != xerrors.CodeExecution {
		t.Fatalf("expected execution error, got %v", err)
	}
	if result == nil || result.Success {
		t.Fatalf("expected failed result, got %+v", result)
	}
	if result.FailedStep != 2 || result.CompletedSteps != 2 {
		t.Fatalf("expected failure at step 2 after 2 steps, got %+v", result)
	}
	if len(observed) != 3 || observed[2] {
		t.Fatalf("steps after the failure must not run, observed %v", observed)
	}
	if e, ok := xerrors.From(err); !ok || e.MetadataValue("step") != "2" {
		t.Fatalf("execution error should carry the failing step, got %v", err)
	}

	progress, ok := runner.Progress(plan.StrategyID)
	if !ok || progress.Status != StatusFailed || progress.CompletedSteps != 2 || progress.TotalSteps != 5 {
		t.Fatalf("unexpected progress %+v", progress)
	}
}

func TestRunnerExecutesAtMostOnce(t *testing.T) {
	runner := NewRunner(NewSimulatedBackend())
	plan := fiveStepPlan()

	result, err := runner.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.Success || result.CompletedSteps != 5 || result.FailedStep != model.NoFailedStep {
		t.Fatalf("unexpected result %+v", result)
	}
	if !strings.HasPrefix(result.TransactionHash, "0x") || len(result.TransactionHash) != 66 {
		t.Fatalf("unexpected transaction hash %q", result.TransactionHash)
	}

	again, err := runner.Execute(context.Background(), plan)
	if xerrors.CodeOf(err) != xerrors.CodeAlreadyExecuted || again != nil {
		t.Fatalf("expected already executed error, got %v / %+v", err, again)
	}
}

func TestRunnerEvictsFinishedPlans(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	runner := NewRunner(NewSimulatedBackend(),
		WithRetention(2, time.Hour),
		WithRunnerClock(func() time.Time { return now }),
	)
	run := func(id string) error {
		plan := fiveStepPlan()
		plan.StrategyID = id
		_, err := runner.Execute(context.Background(), plan)
		return err
	}
	for _, id := range []string{"s-1", "s-2", "s-3"} {
		if err := run(id); err != nil {
			t.Fatalf("%s: Execute returned error: %v", id, err)
		}
	}
	if _, ok := runner.Progress("s-1"); ok {
		t.Fatalf("oldest finished plan should be evicted beyond the size limit")
	}
	if _, ok := runner.Progress("s-3"); !ok {
		t.Fatalf("newest plan must be retained")
	}
	if err := run("s-2"); xerrors.CodeOf(err) != xerrors.CodeAlreadyExecuted {
		t.Fatalf("retained plan must still be refused, got %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, ok := runner.Progress("s-3"); !ok {
		t.Fatalf("expiry is applied lazily on the next claim or finish")
	}
	if err := run("s-4"); err != nil {
		t.Fatalf("s-4: Execute returned error: %v", err)
	}
	for _, id := range []string{"s-2", "s-3"} {
		if _, ok := runner.Progress(id); ok {
			t.Fatalf("%s should have expired", id)
		}
	}
	if p, ok := runner.Progress("s-4"); !ok || p.Status != StatusSucceeded {
		t.Fatalf("unexpected progress for s-4: %+v", p)
	}
}

func TestRunnerFlashLoanMinimumProfit(t *testing.T) {
	plan := &model.ExecutionPlan{
		StrategyID:        "strategy-flash",
		FlashLoanRequired: true,
		FlashLoanToken:    "USDC",
		FlashLoanAmount:   decimal.NewFromInt(6000),
		Steps:             fiveStepPlan().Steps[:3],
	}

	backend := NewSimulatedBackend()
	runner := NewRunner(backend, WithMinProfit(decimal.NewFromInt(100)))
	result, err := runner.Execute(context.Background(), plan)
	if xerrors.CodeOf(err) != xerrors.CodeExecution {
		t.Fatalf("expected execution error, got %v", err)
	}
	if result.Success || result.CompletedSteps != 0 {
		t.Fatalf("flash loan below minimum profit must fail, got %+v", result)
	}
	if len(backend.Executions()) != 0 {
		t.Fatalf("reverted flash loan must not issue transactions")
	}

	plan.StrategyID = "strategy-flash-2"
	runner = NewRunner(backend, WithMinProfit(decimal.NewFromInt(10)))
	result, err = runner.Execute(context.Background(), plan)
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.Success || !result.Profit.Equal(decimal.RequireFromString("12.6")) {
		t.Fatalf("unexpected flash loan result %+v", result)
	}
}

type lyingBackend struct{ SimulatedBackend }

func (b *lyingBackend) RunFlashLoan(context.Context, FlashLoanRequest) (FlashLoanResult, error) {
	return FlashLoanResult{Success: true, Profit: decimal.NewFromInt(1)}, nil
}

func TestRunnerRechecksFlashLoanProfit(t *testing.T) {
	runner := NewRunner(&lyingBackend{}, WithMinProfit(decimal.NewFromInt(5)))
	plan := &model.ExecutionPlan{StrategyID: "s", FlashLoanRequired: true, FlashLoanAmount: decimal.NewFromInt(1)}
	result, err := runner.Execute(context.Background(), plan)
	if err == nil || result.Success {
		t.Fatalf("runner must reject a profit below the minimum, got %+v", result)
	}
}

func TestRunnerStepTimeout(t *testing.T) {
	runner := NewRunner(NewSimulatedBackend(WithLatency(200*time.Millisecond)), WithStepTimeout(10*time.Millisecond))
	result, err := runner.Execute(context.Background(), fiveStepPlan())
	if err == nil || result.FailedStep != 0 {
		t.Fatalf("expected timeout on the first step, got %+v / %v", result, err)
	}
	if !strings.Contains(result.Error, "timed out") {
		t.Fatalf("unexpected error message %q", result.Error)
	}
}

func TestHTTPBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		switch r.URL.Path {
		case "/steps":
			var req stepRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode step: %v", err)
			}
			if req.Step.TokenOut == "WBTC" {
				http.Error(w, "reverted", http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(StepResult{Success: true, TransactionHash: "0x01"})
		case "/flash-loans":
			_ = json.NewEncoder(w).Encode(FlashLoanResult{Success: true, TransactionHash: "0x02", Profit: decimal.NewFromInt(3)})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	backend, err := NewHTTPBackend(HTTPConfig{Endpoint: srv.URL + "/"})
	if err != nil {
		t.Fatalf("NewHTTPBackend returned error: %v", err)
	}
	plan := fiveStepPlan()
	res, err := backend.RunStep(context.Background(), plan, plan.Steps[0])
	if err != nil || !res.Success || res.TransactionHash != "0x01" {
		t.Fatalf("unexpected step result %+v / %v", res, err)
	}
	if _, err := backend.RunStep(context.Background(), plan, plan.Steps[3]); err == nil || !strings.Contains(err.Error(), "502") {
		t.Fatalf("expected status error, got %v", err)
	}
	loan, err := backend.RunFlashLoan(context.Background(), FlashLoanRequest{StrategyID: "s"})
	if err != nil || !loan.Profit.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected flash loan result %+v / %v", loan, err)
	}

	if _, err := NewHTTPBackend(HTTPConfig{}); err == nil {
		t.Fatalf("expected error for empty endpoint")
	}
}
