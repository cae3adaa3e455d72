package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"AgentVault/internal/model"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPConfig 描述远程执行服务。
type HTTPConfig struct {
	Endpoint string
	Timeout  time.Duration
}

// HTTPBackend 将执行委托给远程服务，分别调用 POST {endpoint}/steps 与
// POST {endpoint}/flash-loans，请求与响应均为 JSON。
type HTTPBackend struct {
	endpoint   string
	httpClient *http.Client
}

type stepRequest struct {
	StrategyID string              `json:"strategyId"`
	UserID     string              `json:"userId"`
	Step       model.ExecutionStep `json:"step"`
}

// NewHTTPBackend 创建基于 REST 的执行后端。
func NewHTTPBackend(cfg HTTPConfig) (*HTTPBackend, error) {
	endpoint := strings.TrimRight(strings.TrimSpace(cfg.Endpoint), "/")
	if endpoint == "" {
		return nil, errors.New("未配置执行服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPBackend{endpoint: endpoint, httpClient: &http.Client{Timeout: timeout}}, nil
}

// RunStep 实现 Backend 接口。
func (b *HTTPBackend) RunStep(ctx context.Context, plan *model.ExecutionPlan, step model.ExecutionStep) (StepResult, error) {
	var out StepResult
	err := b.post(ctx, "/steps", stepRequest{StrategyID: plan.StrategyID, UserID: plan.UserID, Step: step}, &out)
	return out, err
}

// RunFlashLoan 实现 Backend 接口。
func (b *HTTPBackend) RunFlashLoan(ctx context.Context, req FlashLoanRequest) (FlashLoanResult, error) {
	var out FlashLoanResult
	err := b.post(ctx, "/flash-loans", req, &out)
	return out, err
}

func (b *HTTPBackend) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("编码执行请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("构建执行请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求执行服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("执行服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析执行响应失败: %w", err)
	}
	return nil
}

var _ Backend = (*HTTPBackend)(nil)
