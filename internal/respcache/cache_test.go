package respcache_test

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/health-research-mcp/internal/respcache"
)

func TestKey(t *testing.T) {
	if respcache.Key("GET", "a") == respcache.Key("GETa") {
		t.Fatalf("expected key parts to be delimited")
	}
	if want, got := respcache.Key("GET", "https://x"), respcache.Key("GET", "https://x"); want != got {
		t.Fatalf("expected stable key")
	}
}

func TestMemory(t *testing.T) {
	c := respcache.NewMemory(time.Minute, 2)
	defer c.Close()
	ctx := t.Context()

	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if want := "1"; string(got) != want {
		t.Fatalf("expected %q, got %q", want, got)
	}

	_ = c.Set(ctx, "b", []byte("2"), 0)
	_ = c.Set(ctx, "c", []byte("3"), 0)
	if want, got := 2, c.Len(); want != got {
		t.Fatalf("expected capacity to cap entries at %d, got %d", want, got)
	}

	_ = c.Set(ctx, "short", []byte("x"), time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if _, ok, _ := c.Get(ctx, "short"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := t.Context()

	c, err := respcache.NewRedis(ctx, mr.Addr(), "test:")
	if err != nil {
		t.Fatalf("new redis: %v", err)
	}
	defer c.Close()

	if _, ok, err := c.Get(ctx, "k"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", []byte(`{"a":1}`), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("test:k") {
		t.Fatalf("expected prefixed key in redis")
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok || string(got) != `{"a":1}` {
		t.Fatalf("expected hit, got %q ok=%v err=%v", got, ok, err)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := c.Get(ctx, "k"); ok {
		t.Fatalf("expected expired entry to miss")
	}
}

func TestRedis_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	if _, err := respcache.NewRedis(t.Context(), addr, ""); err == nil {
		t.Fatalf("expected connection error")
	}
}

func TestNop(t *testing.T) {
	var c respcache.Cache = respcache.Nop{}
	_ = c.Set(t.Context(), "a", []byte("1"), time.Minute)
	if _, ok, _ := c.Get(t.Context(), "a"); ok {
		t.Fatalf("expected nop cache to miss")
	}
}
