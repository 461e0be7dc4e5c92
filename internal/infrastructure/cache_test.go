package infrastructure

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDeviceCacheLocalTier(t *testing.T) {
	ctx := context.Background()
	c := newDeviceCache(nil, "powerwatch:", 8, time.Minute)

	if _, err := c.Get(ctx, "device:QR-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() on empty cache error = %v, want ErrCacheMiss", err)
	}
	if err := c.Set(ctx, "device:QR-1", `{"id":1}`, time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	got, err := c.Get(ctx, "device:QR-1")
	if err != nil || got != `{"id":1}` {
		t.Fatalf("Get() = %q, %v", got, err)
	}
	if err := c.Delete(ctx, "device:QR-1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := c.Get(ctx, "device:QR-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() after delete error = %v, want ErrCacheMiss", err)
	}

	stats := c.Stats()
	if stats["hits"] != uint64(1) || stats["misses"] != uint64(2) || stats["localEntries"] != 0 {
		t.Errorf("stats = %v", stats)
	}
}

func TestDeviceCacheLocalTierExpires(t *testing.T) {
	ctx := context.Background()
	c := newDeviceCache(nil, "", 8, 20*time.Millisecond)

	if err := c.Set(ctx, "device:SN-1", "x", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if _, err := c.Get(ctx, "device:SN-1"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() after ttl error = %v, want ErrCacheMiss", err)
	}
}

func TestDeviceCacheWithoutTiers(t *testing.T) {
	c := newDeviceCache(nil, "", 0, 0)
	if err := c.Set(context.Background(), "k", "v", time.Minute); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if _, err := c.Get(context.Background(), "k"); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Get() error = %v, want ErrCacheMiss", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
