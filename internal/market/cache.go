package market

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"AgentVault/pkg/logger"
)

// Cache 在有限时间内缓存编码后的行情响应。
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryCache 是进程内的 Cache 实现。
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache 创建空的内存缓存。
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get 实现 Cache 接口。
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return entry.value, true, nil
}

// Set 实现 Cache 接口。
func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = memoryEntry{value: value, expires: c.now().Add(ttl)}
	return nil
}

// CachedFeed 为 Feed 增加带过期时间的缓存，缓存异常时记录日志并回退到上游行情源。
type CachedFeed struct {
	upstream Feed
	cache    Cache
	ttl      time.Duration
}

// NewCachedFeed 为上游行情源创建缓存装饰器。
func NewCachedFeed(upstream Feed, cache Cache, ttl time.Duration) *CachedFeed {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CachedFeed{upstream: upstream, cache: cache, ttl: ttl}
}

// GetPrices 实现 Feed 接口。
func (f *CachedFeed) GetPrices(ctx context.Context, assets []string) ([]Price, error) {
	keys := make([]string, len(assets))
	copy(keys, assets)
	sort.Strings(keys)
	key := "prices:" + strings.ToUpper(strings.Join(keys, ","))

	var prices []Price
	if f.load(ctx, key, &prices) {
		return prices, nil
	}
	prices, err := f.upstream.GetPrices(ctx, assets)
	if err != nil {
		return nil, err
	}
	f.store(ctx, key, prices)
	return prices, nil
}

// GetYieldOpportunities 实现 Feed 接口。
func (f *CachedFeed) GetYieldOpportunities(ctx context.Context) ([]YieldOpportunity, error) {
	const key = "yields"
	var yields []YieldOpportunity
	if f.load(ctx, key, &yields) {
		return yields, nil
	}
	yields, err := f.upstream.GetYieldOpportunities(ctx)
	if err != nil {
		return nil, err
	}
	f.store(ctx, key, yields)
	return yields, nil
}

func (f *CachedFeed) load(ctx context.Context, key string, out any) bool {
	raw, ok, err := f.cache.Get(ctx, key)
	if err != nil {
		logger.L().Warn("读取行情缓存失败", "cache_key", key, "error", err)
		return false
	}
	if !ok {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		logger.L().Warn("解码行情缓存失败", "cache_key", key, "error", err)
		return false
	}
	return true
}

func (f *CachedFeed) store(ctx context.Context, key string, value any) {
	raw, err := json.Marshal(value)
	if err != nil {
		return
	}
	if err := f.cache.Set(ctx, key, raw, f.ttl); err != nil {
		logger.L().Warn("写入行情缓存失败", "cache_key", key, "error", err)
	}
}

var _ Feed = (*CachedFeed)(nil)
