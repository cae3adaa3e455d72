package market

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultHTTPTimeout = 5 * time.Second

// HTTPConfig 描述 REST 行情服务。
type HTTPConfig struct {
	BaseURL string
	Timeout time.Duration
}

// HTTPFeed 通过 GET {base}/prices?assets=A,B 获取报价，
// 通过 GET {base}/yields 获取收益机会。
type HTTPFeed struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPFeed 创建基于 REST 的行情源。
func NewHTTPFeed(cfg HTTPConfig) (*HTTPFeed, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("未配置行情服务地址")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	return &HTTPFeed{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// GetPrices 实现 Feed 接口。
func (f *HTTPFeed) GetPrices(ctx context.Context, assets []string) ([]Price, error) {
	query := url.Values{}
	query.Set("assets", strings.Join(assets, ","))
	var prices []Price
	if err := f.get(ctx, "/prices?"+query.Encode(), &prices); err != nil {
		return nil, err
	}
	return prices, nil
}

// GetYieldOpportunities 实现 Feed 接口。
func (f *HTTPFeed) GetYieldOpportunities(ctx context.Context) ([]YieldOpportunity, error) {
	var yields []YieldOpportunity
	if err := f.get(ctx, "/yields", &yields); err != nil {
		return nil, err
	}
	return yields, nil
}

func (f *HTTPFeed) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("构建行情请求失败: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("请求行情服务失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("行情服务返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("解析行情响应失败: %w", err)
	}
	return nil
}

var _ Feed = (*HTTPFeed)(nil)
