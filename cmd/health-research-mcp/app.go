package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/health-research-mcp/internal/config"
	"github.com/ggoodman/health-research-mcp/internal/engine"
	"github.com/ggoodman/health-research-mcp/internal/metrics"
	"github.com/ggoodman/health-research-mcp/internal/respcache"
	"github.com/ggoodman/health-research-mcp/mcp"
	"github.com/ggoodman/health-research-mcp/mcpservice"
	"github.com/ggoodman/health-research-mcp/providers"
	"github.com/ggoodman/health-research-mcp/sessions"
	"github.com/ggoodman/health-research-mcp/streaminghttp"
)

const (
	serverName = "personal-health-research-mcp"

	instructions = "Tools for researching health topics. Literature databases " +
		"(PubMed, PMC, Europe PMC, PLOS, bioRxiv/medRxiv, Springer Nature) return " +
		"raw provider records with provenance; web research tools (Exa, Parallel, " +
		"Firecrawl) require API keys."

	redisKeyPrefix = "health-research-mcp:"
)

// NCBI E-utilities allow 3 requests per second without an API key and 10
// with one.
var ncbiHosts = []string{"eutils.ncbi.nlm.nih.gov", "www.ncbi.nlm.nih.gov"}

// app is the wired process: cache, provider client, tool catalog, session
// registry and the HTTP surface.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	cache   respcache.Cache
	reg     *sessions.Registry[*engine.Transport]
	mcp     *streaminghttp.Handler
}

// newApp builds an app with the production endpoints.
func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (*app, error) {
	ep := providers.DefaultEndpoints()
	ep.Exa = cfg.ExaAPIURL
	ep.Parallel = cfg.ParallelAPIURL
	ep.Firecrawl = cfg.FirecrawlBase
	ep.SpringerMeta = cfg.SpringerMeta
	ep.SpringerOA = cfg.SpringerOA
	return newAppWithEndpoints(ctx, cfg, ep, log)
}

func newAppWithEndpoints(ctx context.Context, cfg *config.Config, ep providers.Endpoints, log *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: metrics.New()}

	cache, err := openCache(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.cache = cache

	ncbiRPS := 3.0
	if cfg.PubMedAPIKey != "" {
		ncbiRPS = 10
	}
	clientOpts := []providers.ClientOption{
		providers.WithTimeouts(cfg.HTTPGetTimeout, cfg.HTTPPostTimeout),
		providers.WithMaxRetries(cfg.HTTPMaxRetries),
		providers.WithClientLogger(log),
		providers.WithUpstreamObserver(a.metrics),
	}
	if cfg.CacheEnabled() {
		clientOpts = append(clientOpts, providers.WithCache(cache, cfg.CacheTTL))
	}
	for _, host := range ncbiHosts {
		clientOpts = append(clientOpts, providers.WithHostRateLimit(host, ncbiRPS, 1))
	}

	svc := providers.New(providers.NewClient(clientOpts...), ep, providers.Keys{
		Exa:       cfg.ExaAPIKey,
		Parallel:  cfg.ParallelAPIKey,
		Firecrawl: cfg.FirecrawlKey,
		PubMed:    cfg.PubMedAPIKey,
		Springer:  cfg.SpringerAPIKey,
	})
	tools, err := svc.Toolset()
	if err != nil {
		_ = cache.Close()
		return nil, err
	}

	server := mcpservice.NewServer(
		mcpservice.WithServerInfo(mcp.ImplementationInfo{Name: serverName, Version: Version}),
		mcpservice.WithInstructions(instructions),
		mcpservice.WithTools(tools),
	)

	a.reg = sessions.NewRegistry[*engine.Transport](
		sessions.WithLogger(log),
		sessions.WithMaxSessions(cfg.MaxSessions),
		sessions.WithObserver(a.metrics),
	)

	a.mcp, err = streaminghttp.New(cfg.MCPPath, server, a.reg,
		streaminghttp.WithLogger(log),
		streaminghttp.WithEngineOptions(engine.WithToolObserver(a.metrics)),
		streaminghttp.WithRejectionRecorder(a.metrics),
	)
	if err != nil {
		_ = cache.Close()
		return nil, fmt.Errorf("build mcp handler: %w", err)
	}
	return a, nil
}

func openCache(ctx context.Context, cfg *config.Config) (respcache.Cache, error) {
	if !cfg.CacheEnabled() {
		return respcache.Nop{}, nil
	}
	switch cfg.CacheBackend {
	case config.CacheRedis:
		c, err := respcache.NewRedis(ctx, cfg.RedisAddr, redisKeyPrefix)
		if err != nil {
			return nil, fmt.Errorf("open redis cache: %w", err)
		}
		return c, nil
	default:
		return respcache.NewMemory(cfg.CacheTTL, 0), nil
	}
}

// Routes mounts the MCP endpoint, a liveness probe and the metrics endpoint.
func (a *app) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(a.cfg.MCPPath, a.mcp)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.Handle("GET /metrics", a.metrics.Handler())
	return mux
}

// Close releases every live session and the response cache.
func (a *app) Close() {
	a.reg.CloseAll()
	if err := a.cache.Close(); err != nil {
		a.log.Warn("cache.close.fail", slog.String("err", err.Error()))
	}
}
