package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// CacheConfig 描述行情缓存所用的 Redis 连接。
type CacheConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// Cache 以带过期时间的字符串键保存编码后的行情响应。
type Cache struct {
	client goredis.UniversalClient
	prefix string
}

// NewCache 创建 Redis 缓存并检查连通性。
func NewCache(ctx context.Context, cfg CacheConfig) (*Cache, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, errors.New("Redis address 不能为空")
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("连接 Redis 失败: %w", err)
	}
	return NewCacheWithClient(client, cfg.Prefix), nil
}

// NewCacheWithClient 基于已有客户端创建缓存。
func NewCacheWithClient(client goredis.UniversalClient, prefix string) *Cache {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "agentvault:market"
	}
	return &Cache{client: client, prefix: prefix}
}

// Key 返回带前缀的完整键名。
func (c *Cache) Key(key string) string {
	return c.prefix + ":" + key
}

// Get 读取缓存，键不存在时返回 ok=false。
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, c.Key(key)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("读取 Redis 缓存失败: %w", err)
	}
	return value, true, nil
}

// Set 写入缓存并设置过期时间。
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.Key(key), value, ttl).Err(); err != nil {
		return fmt.Errorf("写入 Redis 缓存失败: %w", err)
	}
	return nil
}

// Close 关闭 Redis 连接。
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
