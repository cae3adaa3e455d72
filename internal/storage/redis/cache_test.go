package redis

import (
	"context"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestNewCacheRequiresAddress(t *testing.T) {
	if _, err := NewCache(context.Background(), CacheConfig{}); err == nil {
		t.Fatalf("expected error when address is missing")
	}
}

func TestCacheKeyPrefix(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	cache := NewCacheWithClient(client, "")
	if got := cache.Key("yields"); got != "agentvault:market:yields" {
		t.Fatalf("unexpected default key %q", got)
	}
	cache = NewCacheWithClient(client, "custom")
	if got := cache.Key("prices:USDC"); got != "custom:prices:USDC" {
		t.Fatalf("unexpected key %q", got)
	}
}

func TestCacheSurfacesConnectionErrors(t *testing.T) {
	client := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	cache := NewCacheWithClient(client, "")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, _, err := cache.Get(ctx, "yields"); err == nil {
		t.Fatalf("expected connection error")
	}
	if err := cache.Set(ctx, "yields", []byte("[]"), time.Second); err == nil {
		t.Fatalf("expected connection error")
	}
}
