// Package agentvault is a Go client for the AgentVault REST API.
package agentvault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultHTTPTimeout is used by clients created without a custom
// http.Client. Synchronous intent submission runs the whole pipeline, so it
// is longer than a plain lookup would need.
const DefaultHTTPTimeout = 60 * time.Second

// Client wraps the HTTP interactions with the AgentVault REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Intent is an investment intent submitted on behalf of a user.
type Intent struct {
	ID            string   `json:"id,omitempty"`
	UserID        string   `json:"userId"`
	Goal          string   `json:"goal,omitempty"`
	RiskTolerance int      `json:"riskTolerance"`
	TimeHorizon   string   `json:"timeHorizon"`
	Assets        []string `json:"assets"`
	Jurisdiction  string   `json:"jurisdiction,omitempty"`
	Accredited    bool     `json:"accredited,omitempty"`
}

// Stage is one milestone reached by a pipeline run.
type Stage struct {
	Stage  string    `json:"stage"`
	At     time.Time `json:"at"`
	Detail string    `json:"detail,omitempty"`
}

// PipelineResult is the outcome of one intent. The intermediate artefacts
// are returned raw so callers can decode only what they need.
type PipelineResult struct {
	IntentID  string          `json:"intentId"`
	UserID    string          `json:"userId"`
	Outcome   string          `json:"outcome"`
	Proposal  json.RawMessage `json:"proposal,omitempty"`
	Risk      json.RawMessage `json:"risk,omitempty"`
	Audit     json.RawMessage `json:"audit,omitempty"`
	Plan      json.RawMessage `json:"plan,omitempty"`
	Execution json.RawMessage `json:"execution,omitempty"`
	Vault     *Vault          `json:"vault,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorCode string          `json:"errorCode,omitempty"`
	Stages    []Stage         `json:"stages"`
}

// Approved reports whether the strategy was executed.
func (r PipelineResult) Approved() bool { return r.Outcome == "approved" }

// Task is a queued intent.
type Task struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Intent     Intent          `json:"intent"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
	LastError  string          `json:"lastError,omitempty"`
	ErrorCode  string          `json:"errorCode,omitempty"`
	Outcome    string          `json:"outcome,omitempty"`
	Result     *PipelineResult `json:"result,omitempty"`
	CreatedAt  int64           `json:"createdAt"`
	UpdatedAt  int64           `json:"updatedAt"`
}

// Done reports whether the task reached a terminal state.
func (t Task) Done() bool {
	return t.Status == "completed" || (t.Status == "failed" && t.Attempts >= t.MaxRetries)
}

// AssetWeight is one position of a vault allocation, in percent.
type AssetWeight struct {
	Asset  string  `json:"asset"`
	Weight float64 `json:"weight"`
}

// PerformanceRecord is one realised daily entry of a vault.
type PerformanceRecord struct {
	Timestamp   time.Time       `json:"timestamp"`
	Value       decimal.Decimal `json:"value"`
	DailyReturn float64         `json:"dailyReturn"`
	StrategyID  string          `json:"strategyId"`
}

// Vault is a user's portfolio record.
type Vault struct {
	ID                 string              `json:"id"`
	UserID             string              `json:"userId"`
	VaultAddress       string              `json:"vaultAddress"`
	TotalValue         decimal.Decimal     `json:"totalValue"`
	AssetAllocation    []AssetWeight       `json:"assetAllocation"`
	RiskLevel          float64             `json:"riskLevel"`
	PerformanceHistory []PerformanceRecord `json:"performanceHistory"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// PerformanceSummary aggregates a vault's history.
type PerformanceSummary struct {
	UserID           string          `json:"userId"`
	TotalValue       decimal.Decimal `json:"totalValue"`
	RiskLevel        float64         `json:"riskLevel"`
	AnnualizedReturn float64         `json:"annualizedReturn"`
	Volatility       float64         `json:"volatility"`
	SharpeRatio      float64         `json:"sharpeRatio"`
	Samples          int             `json:"samples"`
}

// PlanProgress reports how far an execution plan got.
type PlanProgress struct {
	StrategyID     string `json:"strategyId"`
	CompletedSteps int    `json:"completedSteps"`
	TotalSteps     int    `json:"totalSteps"`
	FlashLoan      bool   `json:"flashLoan"`
	Status         string `json:"status"`
	FailedStep     int    `json:"failedStep"`
}

// Rule is an active compliance rule.
type Rule struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

// TaskFilter narrows ListTasks. Zero values are ignored.
type TaskFilter struct {
	UserID   string
	Statuses []string
	Outcome  string
	Query    string
	Limit    int
	Offset   int
}

func (f TaskFilter) values() url.Values {
	v := url.Values{}
	if f.UserID != "" {
		v.Set("user_id", f.UserID)
	}
	if len(f.Statuses) > 0 {
		v.Set("status", strings.Join(f.Statuses, ","))
	}
	if f.Outcome != "" {
		v.Set("outcome", f.Outcome)
	}
	if f.Query != "" {
		v.Set("q", f.Query)
	}
	if f.Limit > 0 {
		v.Set("limit", strconv.Itoa(f.Limit))
	}
	if f.Offset > 0 {
		v.Set("offset", strconv.Itoa(f.Offset))
	}
	return v
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("agentvault api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("agentvault api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the AgentVault API. When httpClient is
// nil, a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SubmitIntent runs the pipeline synchronously. Vetoed, rejected and failed
// executions are returned as results, not errors. Validation and upstream
// failures come back as an *APIError whose body still carries the result.
func (c *Client) SubmitIntent(ctx context.Context, intent Intent) (PipelineResult, error) {
	var result PipelineResult
	err := c.post(ctx, "/api/v1/intents", intent, &result)
	return result, err
}

// SubmitTask queues an intent and returns the pending task.
func (c *Client) SubmitTask(ctx context.Context, intent Intent) (Task, error) {
	var task Task
	if err := c.post(ctx, "/api/v1/tasks", intent, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask fetches a task by identifier.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var task Task
	if err := c.get(ctx, "/api/v1/tasks/"+url.PathEscape(taskID), nil, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}

// ListTasks lists tasks matching filter.
func (c *Client) ListTasks(ctx context.Context, filter TaskFilter) ([]Task, error) {
	var tasks []Task
	if err := c.get(ctx, "/api/v1/tasks", filter.values(), &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// WaitForTask polls the task until it is done or ctx expires.
func (c *Client) WaitForTask(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		task, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		if task.Done() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return task, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetVault fetches a user's vault.
func (c *Client) GetVault(ctx context.Context, userID string) (Vault, error) {
	var v Vault
	if err := c.get(ctx, "/api/v1/vaults/"+url.PathEscape(userID), nil, &v); err != nil {
		return Vault{}, err
	}
	return v, nil
}

// GetPerformance fetches the performance summary of a user's vault.
func (c *Client) GetPerformance(ctx context.Context, userID string) (PerformanceSummary, error) {
	var summary PerformanceSummary
	if err := c.get(ctx, "/api/v1/vaults/"+url.PathEscape(userID)+"/performance", nil, &summary); err != nil {
		return PerformanceSummary{}, err
	}
	return summary, nil
}

// GetPlanProgress fetches the execution progress of a strategy.
func (c *Client) GetPlanProgress(ctx context.Context, strategyID string) (PlanProgress, error) {
	var progress PlanProgress
	if err := c.get(ctx, "/api/v1/plans/"+url.PathEscape(strategyID)+"/progress", nil, &progress); err != nil {
		return PlanProgress{}, err
	}
	return progress, nil
}

// ListRules returns the active compliance rules in evaluation order.
func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var rules []Rule
	if err := c.get(ctx, "/api/v1/compliance/rules", nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// DisableRule removes a compliance rule until it is restored.
func (c *Client) DisableRule(ctx context.Context, ruleID string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, "/api/v1/compliance/rules/"+url.PathEscape(ruleID), nil, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// RestoreRule re-enables a built-in compliance rule.
func (c *Client) RestoreRule(ctx context.Context, ruleID string) ([]Rule, error) {
	var rules []Rule
	if err := c.post(ctx, "/api/v1/compliance/rules", map[string]string{"id": ruleID}, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	u := *c.baseURL
	u.Path = path.Join(c.baseURL.Path, endpoint)
	u.RawPath = ""
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do decodes the body into out for any JSON response, so pipeline results
// returned with an error status are still available to the caller.
func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Metadata = envelope.Error.Metadata
		} else if out != nil && len(data) > 0 {
			_ = json.Unmarshal(data, out)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
