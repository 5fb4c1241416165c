package providers

import (
	"context"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
)

// PreprintArgs are the arguments of search_preprints.
type PreprintArgs struct {
	Query     string `json:"query,omitempty" jsonschema:"description=Case-insensitive match against title or abstract or category"`
	Server    string `json:"server,omitempty" jsonschema:"enum=biorxiv,enum=medrxiv,default=medrxiv"`
	StartDate string `json:"start_date,omitempty" jsonschema:"default=2024-01-01"`
	EndDate   string `json:"end_date,omitempty" jsonschema:"default=2025-12-31"`
}

func (s *Service) preprints(ctx context.Context, a PreprintArgs) (any, error) {
	u := strings.TrimRight(s.ep.BioRxiv, "/") + "/details/" +
		url.PathEscape(a.Server) + "/" + url.PathEscape(a.StartDate) + "/" + url.PathEscape(a.EndDate)
	raw, err := s.client.GetRaw(ctx, a.Server, u, nil)
	if err != nil {
		return nil, err
	}
	data := decodeBody(raw)
	if a.Query == "" {
		return Payload{Provider: a.Server, Args: a, Data: data}, nil
	}
	doc, ok := data.(map[string]any)
	if !ok {
		return Payload{Provider: a.Server, Args: a, Data: data}, nil
	}
	doc["collection"] = filterPreprints(raw, a.Query)
	return Payload{Provider: a.Server, Args: a, Data: doc}, nil
}

// filterPreprints keeps the collection entries whose title, abstract or
// category contains q, ignoring case.
func filterPreprints(raw []byte, q string) []any {
	q = strings.ToLower(q)
	out := []any{}
	gjson.GetBytes(raw, "collection").ForEach(func(_, rec gjson.Result) bool {
		for _, field := range []string{"title", "abstract", "category"} {
			if strings.Contains(strings.ToLower(rec.Get(field).String()), q) {
				out = append(out, decodeBody([]byte(rec.Raw)))
				break
			}
		}
		return true
	})
	return out
}
