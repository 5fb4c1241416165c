package main

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/ggoodman/health-research-mcp/internal/config"
	"github.com/ggoodman/health-research-mcp/internal/respcache"
	"github.com/ggoodman/health-research-mcp/providers"
)

func testConfig() *config.Config {
	return &config.Config{
		Port:            3000,
		MCPPath:         "/mcp",
		LogLevel:        "info",
		HTTPGetTimeout:  5 * time.Second,
		HTTPPostTimeout: 5 * time.Second,
		HTTPMaxRetries:  0,
		CacheBackend:    config.CacheMemory,
		CacheTTL:        time.Minute,
	}
}

// fakeUpstream serves just enough of E-utilities and the bioRxiv API for
// the literature tools.
func fakeUpstream(t *testing.T) providers.Endpoints {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /eutils/esearch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"esearchresult":{"idlist":["42"]}}`)
	})
	mux.HandleFunc("GET /eutils/efetch.fcgi", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, `<PubmedArticleSet><PubmedArticle><MedlineCitation><PMID>42</PMID>`+
			`<Article><ArticleTitle>Answer.</ArticleTitle></Article></MedlineCitation></PubmedArticle></PubmedArticleSet>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	ep := providers.DefaultEndpoints()
	ep.EUtils = srv.URL + "/eutils"
	return ep
}

func newTestApp(t *testing.T) (*app, *httptest.Server) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := newAppWithEndpoints(t.Context(), testConfig(), fakeUpstream(t), log)
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	srv := httptest.NewServer(a.Routes())
	t.Cleanup(func() {
		srv.Close()
		a.Close()
	})
	return a, srv
}

func TestApp_SDKClient(t *testing.T) {
	ctx := t.Context()
	a, srv := newTestApp(t)

	client := sdk.NewClient(&sdk.Implementation{Name: "e2e", Version: "0.0.0"}, &sdk.ClientOptions{})
	cs, err := client.Connect(ctx, &sdk.StreamableClientTransport{Endpoint: srv.URL + "/mcp"}, nil)
	if err != nil {
		t.Fatalf("connect failed: %v", err)
	}

	if want, got := 1, a.reg.Len(); want != got {
		t.Fatalf("expected %d live session, got %d", want, got)
	}

	lt, err := cs.ListTools(ctx, &sdk.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools failed: %v", err)
	}
	if want, got := 9, len(lt.Tools); want != got {
		t.Fatalf("expected %d tools, got %d", want, got)
	}

	res, err := cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "search_pubmed",
		Arguments: map[string]any{"query": "life"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if res.IsError {
		t.Fatalf("expected success, got %+v", res)
	}
	text := firstText(t, res)
	var payload struct {
		Provider string `json:"provider"`
		Data     struct {
			PMIDs    []string `json:"pmids"`
			Articles []struct {
				Title string `json:"title"`
			} `json:"articles"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if want, got := "pubmed", payload.Provider; want != got {
		t.Fatalf("expected provider %q, got %q", want, got)
	}
	if len(payload.Data.Articles) != 1 || payload.Data.Articles[0].Title != "Answer." {
		t.Fatalf("unexpected articles %+v", payload.Data.Articles)
	}

	// No EXA_API_KEY in the test config: a tool error, not a protocol error.
	res, err = cs.CallTool(ctx, &sdk.CallToolParams{
		Name:      "research_health_exa",
		Arguments: map[string]any{"query": "sleep"},
	})
	if err != nil {
		t.Fatalf("CallTool failed: %v", err)
	}
	if !res.IsError {
		t.Fatalf("expected a tool error, got %+v", res)
	}
	if text := firstText(t, res); !strings.Contains(text, "Missing EXA_API_KEY") {
		t.Fatalf("expected missing key message, got %s", text)
	}

	if err := cs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if want, got := 0, a.reg.Len(); want != got {
		t.Fatalf("expected session to be deleted, %d live", got)
	}
}

func firstText(t *testing.T, res *sdk.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatalf("empty call result")
	}
	tc, ok := res.Content[0].(*sdk.TextContent)
	if !ok {
		t.Fatalf("expected text content, got %T", res.Content[0])
	}
	return tc.Text
}

func TestApp_OperationalEndpoints(t *testing.T) {
	_, srv := newTestApp(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if want, got := http.StatusOK, resp.StatusCode; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}
	if want, got := "ok\n", string(body); want != got {
		t.Fatalf("expected body %q, got %q", want, got)
	}

	// A request without a session is rejected and counted.
	resp, err = http.Post(srv.URL+"/mcp", "application/json", strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if want, got := http.StatusBadRequest, resp.StatusCode; want != got {
		t.Fatalf("expected status %d, got %d", want, got)
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), `health_research_mcp_dispatch_rejections_total{reason="handshake_required"} 1`) {
		t.Fatalf("expected rejection counter in exposition:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatalf("expected runtime collectors in exposition")
	}
}

func TestOpenCache(t *testing.T) {
	t.Run("none", func(t *testing.T) {
		cfg := testConfig()
		cfg.CacheBackend = config.CacheNone
		c, err := openCache(t.Context(), cfg)
		if err != nil {
			t.Fatalf("openCache: %v", err)
		}
		if _, ok := c.(respcache.Nop); !ok {
			t.Fatalf("expected Nop cache, got %T", c)
		}
	})

	t.Run("memory", func(t *testing.T) {
		c, err := openCache(t.Context(), testConfig())
		if err != nil {
			t.Fatalf("openCache: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*respcache.Memory); !ok {
			t.Fatalf("expected memory cache, got %T", c)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := testConfig()
		cfg.CacheBackend = config.CacheRedis
		cfg.RedisAddr = mr.Addr()
		c, err := openCache(t.Context(), cfg)
		if err != nil {
			t.Fatalf("openCache: %v", err)
		}
		defer c.Close()
		if _, ok := c.(*respcache.Redis); !ok {
			t.Fatalf("expected redis cache, got %T", c)
		}
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()
		cfg := testConfig()
		cfg.CacheBackend = config.CacheRedis
		cfg.RedisAddr = addr
		if _, err := openCache(t.Context(), cfg); err == nil {
			t.Fatalf("expected an error for an unreachable redis")
		}
	})
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()
	for name, want := range map[string]string{"env-file": ".env", "addr": ""} {
		f := cmd.Flags().Lookup(name)
		if f == nil {
			t.Fatalf("expected flag --%s", name)
		}
		if got := f.DefValue; got != want {
			t.Fatalf("expected --%s default %q, got %q", name, want, got)
		}
	}
}
