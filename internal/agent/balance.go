package agent

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// BalanceProvider 返回用户金库可用的托管资金，单位为基础货币。
type BalanceProvider interface {
	Balance(ctx context.Context, userID, vaultAddress string) (decimal.Decimal, error)
}

// StaticBalance 提供固定余额，未登记的用户使用默认值。
type StaticBalance struct {
	mu       sync.RWMutex
	fallback decimal.Decimal
	perUser  map[string]decimal.Decimal
}

// NewStaticBalance 创建静态余额提供者，未单独设置的用户返回 fallback。
func NewStaticBalance(fallback decimal.Decimal) *StaticBalance {
	return &StaticBalance{fallback: fallback, perUser: make(map[string]decimal.Decimal)}
}

// Set 设置单个用户的余额。
func (s *StaticBalance) Set(userID string, amount decimal.Decimal) {
	s.mu.Lock()
	s.perUser[userID] = amount
	s.mu.Unlock()
}

// Balance 实现 BalanceProvider 接口。
func (s *StaticBalance) Balance(ctx context.Context, userID, _ string) (decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return decimal.Zero, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if amount, ok := s.perUser[userID]; ok {
		return amount, nil
	}
	return s.fallback, nil
}

// TimeoutBalance 为上游余额查询加上超时限制。
type TimeoutBalance struct {
	upstream BalanceProvider
	timeout  time.Duration
}

// NewTimeoutBalance 包装上游提供者，超时时间非正时不做限制。
func NewTimeoutBalance(upstream BalanceProvider, timeout time.Duration) *TimeoutBalance {
	return &TimeoutBalance{upstream: upstream, timeout: timeout}
}

// Balance 实现 BalanceProvider 接口。
func (t *TimeoutBalance) Balance(ctx context.Context, userID, vaultAddress string) (decimal.Decimal, error) {
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	return t.upstream.Balance(ctx, userID, vaultAddress)
}

var (
	_ BalanceProvider = (*StaticBalance)(nil)
	_ BalanceProvider = (*TimeoutBalance)(nil)
)
