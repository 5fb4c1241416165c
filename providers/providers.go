package providers

import (
	"fmt"

	"github.com/ggoodman/health-research-mcp/mcpservice"
)

// Provider base URLs that are not configurable through the environment.
const (
	EUtilsBase    = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"
	PMCOABase     = "https://www.ncbi.nlm.nih.gov/pmc/utils/oa/oa.fcgi"
	EuropePMCBase = "https://www.ebi.ac.uk/europepmc/webservices/rest"
	BioRxivBase   = "https://api.biorxiv.org"
	PLOSBase      = "http://api.plos.org"
)

// Endpoints holds the base URL of every upstream.
type Endpoints struct {
	Exa          string
	Parallel     string
	Firecrawl    string
	EUtils       string
	PMCOA        string
	EuropePMC    string
	BioRxiv      string
	PLOS         string
	SpringerMeta string
	SpringerOA   string
}

// DefaultEndpoints returns the public production endpoints.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Exa:          "https://api.exa.ai/search",
		Parallel:     "https://platform.parallel.ai/api/search",
		Firecrawl:    "https://api.firecrawl.dev/v1",
		EUtils:       EUtilsBase,
		PMCOA:        PMCOABase,
		EuropePMC:    EuropePMCBase,
		BioRxiv:      BioRxivBase,
		PLOS:         PLOSBase,
		SpringerMeta: "https://api.springernature.com/meta/v2/json",
		SpringerOA:   "https://api.springernature.com/openaccess/json",
	}
}

// Keys holds provider credentials. Empty keys disable the tools that
// require them; PubMed works without one at a lower rate limit.
type Keys struct {
	Exa       string
	Parallel  string
	Firecrawl string
	PubMed    string
	Springer  string
}

// Payload is the success value of every tool.
type Payload struct {
	Provider   string            `json:"provider"`
	Args       any               `json:"args"`
	Data       any               `json:"data"`
	Provenance map[string]string `json:"provenance,omitempty"`
}

// Service binds the tools to a Client, endpoints and credentials.
type Service struct {
	client *Client
	ep     Endpoints
	keys   Keys
}

// New returns a Service.
func New(client *Client, ep Endpoints, keys Keys) *Service {
	return &Service{client: client, ep: ep, keys: keys}
}

// Tools returns the tool definitions in catalog order.
func (s *Service) Tools() []mcpservice.StaticTool {
	return []mcpservice.StaticTool{
		mcpservice.NewTool("research_health_exa", s.exa,
			mcpservice.WithToolTitle("Research Health Topics with Exa"),
			mcpservice.WithToolDescription("Neural semantic search for health research and papers via Exa")),
		mcpservice.NewTool("research_health_parallel", s.parallel,
			mcpservice.WithToolTitle("Deep Health Research with Parallel"),
			mcpservice.WithToolDescription("Multi-hop synthesis for complex health queries via Parallel Search")),
		mcpservice.NewTool("scrape_health_content", s.firecrawl,
			mcpservice.WithToolTitle("Scrape Health Websites"),
			mcpservice.WithToolDescription("Extract content from health sites and journals via Firecrawl")),
		mcpservice.NewTool("search_pubmed", s.pubmed,
			mcpservice.WithToolTitle("Search PubMed"),
			mcpservice.WithToolDescription("Search PubMed and fetch records via E-utilities")),
		mcpservice.NewTool("get_pmc_fulltext", s.pmcFullText,
			mcpservice.WithToolTitle("PMC Full Text Links"),
			mcpservice.WithToolDescription("Retrieve PMC Open Access full-text locations by PMCID")),
		mcpservice.NewTool("search_europepmc", s.europePMC,
			mcpservice.WithToolTitle("Search Europe PMC"),
			mcpservice.WithToolDescription("Search life sciences literature with Europe PMC")),
		mcpservice.NewTool("search_preprints", s.preprints,
			mcpservice.WithToolTitle("Search bioRxiv/medRxiv Preprints"),
			mcpservice.WithToolDescription("Retrieve preprints from bioRxiv or medRxiv")),
		mcpservice.NewTool("search_plos", s.plos,
			mcpservice.WithToolTitle("Search PLOS Journals"),
			mcpservice.WithToolDescription("Query PLOS journals (e.g., PLOS Medicine) via the PLOS API")),
		mcpservice.NewTool("search_nature_springer", s.springer,
			mcpservice.WithToolTitle("Search Nature/Springer"),
			mcpservice.WithToolDescription("Query Nature/Springer metadata and open-access content via Springer APIs")),
	}
}

// Toolset builds the immutable tool catalog.
func (s *Service) Toolset() (*mcpservice.Toolset, error) {
	ts, err := mcpservice.NewToolset(s.Tools()...)
	if err != nil {
		return nil, fmt.Errorf("build provider toolset: %w", err)
	}
	return ts, nil
}

func missingKey(env string) error {
	return mcpservice.NewToolError(nil, "Missing %s", env)
}

func boolValue(p *bool) bool { return p != nil && *p }
