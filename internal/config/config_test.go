package config_test

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/health-research-mcp/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := 3000, cfg.Port; want != got {
		t.Fatalf("expected port %d, got %d", want, got)
	}
	if want, got := "/mcp", cfg.MCPPath; want != got {
		t.Fatalf("expected path %q, got %q", want, got)
	}
	if want, got := 30*time.Second, cfg.HTTPGetTimeout; want != got {
		t.Fatalf("expected GET timeout %v, got %v", want, got)
	}
	if want, got := 60*time.Second, cfg.HTTPPostTimeout; want != got {
		t.Fatalf("expected POST timeout %v, got %v", want, got)
	}
	if want, got := "https://api.exa.ai/search", cfg.ExaAPIURL; want != got {
		t.Fatalf("expected Exa URL %q, got %q", want, got)
	}
	if !cfg.CacheEnabled() {
		t.Fatalf("expected cache enabled by default")
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("CACHE_BACKEND", "none")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAX_SESSIONS", "5")

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := 8081, cfg.Port; want != got {
		t.Fatalf("expected port %d, got %d", want, got)
	}
	if cfg.CacheEnabled() {
		t.Fatalf("expected cache disabled")
	}
	if want, got := slog.LevelDebug, cfg.SlogLevel(); want != got {
		t.Fatalf("expected level %v, got %v", want, got)
	}
	if want, got := 5, cfg.MaxSessions; want != got {
		t.Fatalf("expected max sessions %d, got %d", want, got)
	}
}

func TestLoad_EnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("SPRINGER_API_KEY=from-file\nPORT=9000\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	// Already-set variables win over the file.
	t.Setenv("PORT", "9001")
	t.Setenv("SPRINGER_API_KEY", "")
	os.Unsetenv("SPRINGER_API_KEY")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if want, got := "from-file", cfg.SpringerAPIKey; want != got {
		t.Fatalf("expected key %q, got %q", want, got)
	}
	if want, got := 9001, cfg.Port; want != got {
		t.Fatalf("expected port %d, got %d", want, got)
	}
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
		t.Fatalf("expected missing env file to be ignored, got %v", err)
	}
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string][2]string{
		"cache backend": {"CACHE_BACKEND", "memcached"},
		"path":          {"MCP_PATH", "mcp"},
		"port":          {"PORT", "70000"},
		"retries":       {"HTTP_MAX_RETRIES", "-1"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			if _, err := config.Load(""); err == nil {
				t.Fatalf("expected error for %s=%s", kv[0], kv[1])
			}
		})
	}
}
