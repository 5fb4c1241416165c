package providers

import (
	"context"
	"strings"
)

func bearer(key string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + key}
}

// ExaArgs are the arguments of research_health_exa.
type ExaArgs struct {
	Query      string `json:"query" jsonschema:"description=Natural language search query"`
	Category   string `json:"category,omitempty" jsonschema:"enum=papers,enum=research,enum=company,default=papers"`
	NumResults int    `json:"num_results,omitempty" jsonschema:"minimum=1,maximum=50,default=10"`
}

func (s *Service) exa(ctx context.Context, a ExaArgs) (any, error) {
	if s.keys.Exa == "" {
		return nil, missingKey("EXA_API_KEY")
	}
	req := map[string]any{
		"query":       a.Query,
		"type":        a.Category,
		"num_results": a.NumResults,
		"text":        true,
	}
	data, err := s.client.PostJSON(ctx, "exa", s.ep.Exa, req, bearer(s.keys.Exa))
	if err != nil {
		return nil, err
	}
	return Payload{Provider: "exa", Args: a, Data: data, Provenance: map[string]string{"url": s.ep.Exa}}, nil
}

// ParallelArgs are the arguments of research_health_parallel.
type ParallelArgs struct {
	Objective  string `json:"objective" jsonschema:"description=Research objective to investigate"`
	Context    string `json:"context,omitempty" jsonschema:"description=Optional background for the objective"`
	MaxResults int    `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=50,default=10"`
}

func (s *Service) parallel(ctx context.Context, a ParallelArgs) (any, error) {
	if s.keys.Parallel == "" {
		return nil, missingKey("PARALLEL_API_KEY")
	}
	req := struct {
		Objective  string `json:"objective"`
		Context    string `json:"context,omitempty"`
		MaxResults int    `json:"max_results"`
	}{a.Objective, a.Context, a.MaxResults}
	data, err := s.client.PostJSON(ctx, "parallel", s.ep.Parallel, req, bearer(s.keys.Parallel))
	if err != nil {
		return nil, err
	}
	return Payload{Provider: "parallel", Args: a, Data: data, Provenance: map[string]string{"url": s.ep.Parallel}}, nil
}

// FirecrawlArgs are the arguments of scrape_health_content.
type FirecrawlArgs struct {
	URL           string   `json:"url" jsonschema:"format=uri,description=Page to scrape"`
	Formats       []string `json:"formats,omitempty" jsonschema:"enum=markdown,enum=html,enum=links,default=markdown"`
	CrawlSubpages *bool    `json:"crawl_subpages,omitempty" jsonschema:"default=false,description=Crawl linked subpages instead of a single page"`
	MaxPages      int      `json:"max_pages,omitempty" jsonschema:"minimum=1,maximum=200,default=10"`
}

func (s *Service) firecrawl(ctx context.Context, a FirecrawlArgs) (any, error) {
	if s.keys.Firecrawl == "" {
		return nil, missingKey("FIRECRAWL_API_KEY")
	}
	base := strings.TrimRight(s.ep.Firecrawl, "/")

	var (
		data any
		err  error
	)
	if boolValue(a.CrawlSubpages) {
		data, err = s.client.PostJSON(ctx, "firecrawl", base+"/crawl", map[string]any{
			"url":               a.URL,
			"includeSubdomains": false,
			"maxDepth":          1,
			"maxPages":          a.MaxPages,
			"formats":           a.Formats,
		}, bearer(s.keys.Firecrawl))
	} else {
		data, err = s.client.PostJSON(ctx, "firecrawl", base+"/scrape", map[string]any{
			"url":     a.URL,
			"formats": a.Formats,
		}, bearer(s.keys.Firecrawl))
	}
	if err != nil {
		return nil, err
	}
	return Payload{Provider: "firecrawl", Args: a, Data: data}, nil
}
