package model

// StressTestResult 表示单个压力情景的结果。
type StressTestResult struct {
	ScenarioID     string  `json:"scenarioId"`
	Impact         float64 `json:"impact"`
	Probability    float64 `json:"probability"`
	AdjustedImpact float64 `json:"adjustedImpact"`
	Failed         bool    `json:"failed"`
	ExpectedLoss   float64 `json:"expectedLoss"`
}

// RiskMetrics 汇总各情景的风险指标。
type RiskMetrics struct {
	ValueAtRisk float64 `json:"valueAtRisk"`
	MaxDrawdown float64 `json:"maxDrawdown"`
	SharpeRatio float64 `json:"sharpeRatio"`
	Volatility  float64 `json:"volatility"`
}

// RiskAssessment 由风险评估器针对每个策略生成一次。
type RiskAssessment struct {
	StrategyID        string             `json:"strategyId"`
	StressTestResults []StressTestResult `json:"stressTestResults"`
	RiskMetrics       RiskMetrics        `json:"riskMetrics"`
	ScenariosTested   int                `json:"scenariosTested"`
	FailedScenarios   int                `json:"failedScenarios"`
	OverallRiskScore  float64            `json:"overallRiskScore"`
	Veto              bool               `json:"veto"`
	VetoRule          string             `json:"vetoRule,omitempty"`
	VetoReason        string             `json:"vetoReason,omitempty"`
}

// AuditReport 由合规审计器针对每个策略生成一次。
type AuditReport struct {
	StrategyID             string   `json:"strategyId"`
	ComplianceCheck        bool     `json:"complianceCheck"`
	ProtocolRuleViolations []string `json:"protocolRuleViolations"`
	ViolatedRules          []string `json:"violatedRules"`
	RegulatoryCompliance   bool     `json:"regulatoryCompliance"`
	RegulatoryIssues       []string `json:"regulatoryIssues"`
	Approved               bool     `json:"approved"`
	AuditNotes             []string `json:"auditNotes"`
}
