package market

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"AgentVault/internal/model"
)

// Snapshot 是静态行情文件的磁盘格式。
type Snapshot struct {
	Prices []Price            `yaml:"prices" json:"prices"`
	Yields []YieldOpportunity `yaml:"yields" json:"yields"`
}

// StaticFeed 基于内存快照提供报价与收益数据。
type StaticFeed struct {
	mu     sync.RWMutex
	prices PriceBook
	yields []YieldOpportunity
}

// NewStaticFeed 根据给定快照创建行情源。
func NewStaticFeed(snapshot Snapshot) *StaticFeed {
	f := &StaticFeed{}
	f.Replace(snapshot)
	return f
}

// LoadStaticFeed 读取 YAML 或 JSON 格式的快照文件。
func LoadStaticFeed(path string) (*StaticFeed, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("行情快照文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析行情快照路径失败: %w", err)
	}

	content, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取行情快照文件失败: %w", err)
	}

	var snapshot Snapshot
	if err := yaml.Unmarshal(content, &snapshot); err != nil {
		return nil, fmt.Errorf("解析行情快照文件失败: %w", err)
	}
	for _, y := range snapshot.Yields {
		if y.RiskTier != "" && !ValidTier(y.RiskTier) {
			return nil, fmt.Errorf("资产 %s 的风险等级 %q 无效", y.Asset, y.RiskTier)
		}
	}
	return NewStaticFeed(snapshot), nil
}

// Replace 替换当前提供的快照。
func (f *StaticFeed) Replace(snapshot Snapshot) {
	yields := make([]YieldOpportunity, len(snapshot.Yields))
	for i, y := range snapshot.Yields {
		y.Asset = model.NormalizeAsset(y.Asset)
		yields[i] = y
	}
	book := NewPriceBook(snapshot.Prices)

	f.mu.Lock()
	f.prices = book
	f.yields = yields
	f.mu.Unlock()
}

// GetPrices 返回已知资产的报价，未知资产会被忽略。
func (f *StaticFeed) GetPrices(ctx context.Context, assets []string) ([]Price, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]Price, 0, len(assets))
	for _, asset := range assets {
		if p, ok := f.prices[model.NormalizeAsset(asset)]; ok {
			p.Asset = model.NormalizeAsset(asset)
			out = append(out, p)
		}
	}
	return out, nil
}

// GetYieldOpportunities 返回全部已知的收益机会。
func (f *StaticFeed) GetYieldOpportunities(ctx context.Context) ([]YieldOpportunity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()

	out := make([]YieldOpportunity, len(f.yields))
	copy(out, f.yields)
	return out, nil
}

var _ Feed = (*StaticFeed)(nil)
