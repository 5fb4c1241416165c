package providers

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// EuropePMCArgs are the arguments of search_europepmc.
type EuropePMCArgs struct {
	Query          string `json:"query" jsonschema:"description=Europe PMC query string"`
	Limit          int    `json:"limit,omitempty" jsonschema:"minimum=1,maximum=200,default=25"`
	OpenAccessOnly *bool  `json:"open_access_only,omitempty" jsonschema:"default=false"`
}

func (s *Service) europePMC(ctx context.Context, a EuropePMCArgs) (any, error) {
	base := strings.TrimRight(s.ep.EuropePMC, "/")
	params := url.Values{}
	params.Set("query", a.Query)
	params.Set("format", "json")
	params.Set("pageSize", strconv.Itoa(a.Limit))
	if boolValue(a.OpenAccessOnly) {
		params.Set("openAccess", "y")
	}
	data, err := s.client.GetJSON(ctx, "europepmc", base+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return Payload{Provider: "europepmc", Args: a, Data: data, Provenance: map[string]string{"base": s.ep.EuropePMC}}, nil
}

// PLOSArgs are the arguments of search_plos.
type PLOSArgs struct {
	Query   string `json:"query" jsonschema:"description=Solr query for the PLOS search API"`
	Journal string `json:"journal,omitempty" jsonschema:"enum=PLOS Medicine,enum=PLOS Biology,enum=PLOS ONE,enum=PLOS Genetics,enum=PLOS Computational Biology,default=PLOS Medicine"`
	Rows    int    `json:"rows,omitempty" jsonschema:"minimum=1,maximum=100,default=25"`
}

func (s *Service) plos(ctx context.Context, a PLOSArgs) (any, error) {
	base := strings.TrimRight(s.ep.PLOS, "/")
	params := url.Values{}
	params.Set("q", a.Query)
	params.Set("fq", fmt.Sprintf("journal:%q", a.Journal))
	params.Set("wt", "json")
	params.Set("rows", strconv.Itoa(a.Rows))
	data, err := s.client.GetJSON(ctx, "plos", base+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return Payload{Provider: "plos", Args: a, Data: data, Provenance: map[string]string{"base": s.ep.PLOS}}, nil
}

// SpringerArgs are the arguments of search_nature_springer.
type SpringerArgs struct {
	Query          string `json:"query" jsonschema:"description=Springer Nature query string"`
	JournalFilter  string `json:"journal_filter,omitempty" jsonschema:"description=Restrict results to one journal title"`
	OpenAccessOnly *bool  `json:"open_access_only,omitempty" jsonschema:"default=false"`
	Rows           int    `json:"rows,omitempty" jsonschema:"minimum=1,maximum=100,default=25"`
}

func (s *Service) springer(ctx context.Context, a SpringerArgs) (any, error) {
	if s.keys.Springer == "" {
		return nil, missingKey("SPRINGER_API_KEY")
	}
	base := s.ep.SpringerMeta
	if boolValue(a.OpenAccessOnly) {
		base = s.ep.SpringerOA
	}
	q := a.Query
	if a.JournalFilter != "" {
		q = fmt.Sprintf("%s AND journal:%q", a.Query, a.JournalFilter)
	}
	params := url.Values{}
	params.Set("q", q)
	params.Set("api_key", s.keys.Springer)
	params.Set("p", strconv.Itoa(a.Rows))
	data, err := s.client.GetJSON(ctx, "springer_nature", base+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	return Payload{Provider: "springer_nature", Args: a, Data: data}, nil
}
