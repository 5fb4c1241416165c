package providers

import (
	"bytes"
	"cmp"
	"context"
	"net/url"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"github.com/tidwall/gjson"
)

// DateRange bounds a PubMed search by publication date.
type DateRange struct {
	Start string `json:"start,omitempty" jsonschema:"description=Earliest publication date (YYYY or YYYY/MM/DD)"`
	End   string `json:"end,omitempty" jsonschema:"description=Latest publication date (YYYY or YYYY/MM/DD)"`
}

// PubMedArgs are the arguments of search_pubmed.
type PubMedArgs struct {
	Query      string     `json:"query" jsonschema:"description=PubMed search term"`
	MaxResults int        `json:"max_results,omitempty" jsonschema:"minimum=1,maximum=200,default=25"`
	DateRange  *DateRange `json:"date_range,omitempty"`
}

// PubMedArticle is a summary of one efetch record.
type PubMedArticle struct {
	PMID    string `json:"pmid"`
	Title   string `json:"title,omitempty"`
	Journal string `json:"journal,omitempty"`
	Year    string `json:"year,omitempty"`
	DOI     string `json:"doi,omitempty"`
}

func (s *Service) pubmed(ctx context.Context, a PubMedArgs) (any, error) {
	base := strings.TrimRight(s.ep.EUtils, "/")
	provenance := map[string]string{"base": s.ep.EUtils}

	params := url.Values{}
	params.Set("db", "pubmed")
	params.Set("term", a.Query)
	params.Set("retmode", "json")
	params.Set("retmax", strconv.Itoa(a.MaxResults))
	if s.keys.PubMed != "" {
		params.Set("api_key", s.keys.PubMed)
	}
	if dr := a.DateRange; dr != nil && (dr.Start != "" || dr.End != "") {
		params.Set("mindate", cmp.Or(dr.Start, "1900"))
		params.Set("maxdate", cmp.Or(dr.End, "3000"))
		params.Set("datetype", "pdat")
	}

	raw, err := s.client.GetRaw(ctx, "pubmed", base+"/esearch.fcgi?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, id := range gjson.GetBytes(raw, "esearchresult.idlist").Array() {
		ids = append(ids, id.String())
	}
	if len(ids) == 0 {
		return Payload{
			Provider:   "pubmed",
			Args:       a,
			Data:       map[string]any{"count": 0, "results": []any{}},
			Provenance: provenance,
		}, nil
	}

	fetch := url.Values{}
	fetch.Set("db", "pubmed")
	fetch.Set("id", strings.Join(ids, ","))
	fetch.Set("retmode", "xml")
	if s.keys.PubMed != "" {
		fetch.Set("api_key", s.keys.PubMed)
	}
	xml, err := s.client.GetRaw(ctx, "pubmed", base+"/efetch.fcgi?"+fetch.Encode(), nil)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"count": len(ids),
		"pmids": ids,
		"xml":   string(xml),
	}
	if articles, err := parsePubMedArticles(xml); err == nil {
		data["articles"] = articles
	}
	return Payload{Provider: "pubmed", Args: a, Data: data, Provenance: provenance}, nil
}

// parsePubMedArticles extracts a summary of every PubmedArticle in an
// efetch response.
func parsePubMedArticles(b []byte) ([]PubMedArticle, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	nodes, err := xmlquery.QueryAll(doc, "//PubmedArticle")
	if err != nil {
		return nil, err
	}
	out := make([]PubMedArticle, 0, len(nodes))
	for _, n := range nodes {
		art := PubMedArticle{
			PMID:    innerText(n, "MedlineCitation/PMID"),
			Title:   innerText(n, ".//Article/ArticleTitle"),
			Journal: innerText(n, ".//Article/Journal/Title"),
			Year:    innerText(n, ".//Article/Journal/JournalIssue/PubDate/Year"),
			DOI:     innerText(n, ".//ArticleIdList/ArticleId[@IdType='doi']"),
		}
		if art.Year == "" {
			// Some records only carry a free-form MedlineDate such as "2019 Jan-Feb".
			if md := innerText(n, ".//Article/Journal/JournalIssue/PubDate/MedlineDate"); len(md) >= 4 {
				art.Year = md[:4]
			}
		}
		out = append(out, art)
	}
	return out, nil
}

func innerText(n *xmlquery.Node, expr string) string {
	found, err := xmlquery.Query(n, expr)
	if err != nil || found == nil {
		return ""
	}
	return strings.TrimSpace(found.InnerText())
}

// PMCArgs are the arguments of get_pmc_fulltext.
type PMCArgs struct {
	PMCID string `json:"pmcid" jsonschema:"description=PubMed Central identifier such as PMC3257301"`
}

// PMCRecord is one record of the PMC Open Access service.
type PMCRecord struct {
	ID        string    `json:"id"`
	Citation  string    `json:"citation,omitempty"`
	License   string    `json:"license,omitempty"`
	Retracted string    `json:"retracted,omitempty"`
	Links     []PMCLink `json:"links"`
}

// PMCLink is a downloadable full-text location.
type PMCLink struct {
	Format  string `json:"format"`
	Href    string `json:"href"`
	Updated string `json:"updated,omitempty"`
}

func (s *Service) pmcFullText(ctx context.Context, a PMCArgs) (any, error) {
	u := s.ep.PMCOA + "?id=" + url.QueryEscape(a.PMCID)
	xml, err := s.client.GetRaw(ctx, "pmc", u, nil)
	if err != nil {
		return nil, err
	}

	data := map[string]any{"xml": string(xml)}
	if doc, err := xmlquery.Parse(bytes.NewReader(xml)); err == nil {
		records := []PMCRecord{}
		for _, rn := range xmlquery.Find(doc, "//records/record") {
			rec := PMCRecord{
				ID:        rn.SelectAttr("id"),
				Citation:  rn.SelectAttr("citation"),
				License:   rn.SelectAttr("license"),
				Retracted: rn.SelectAttr("retracted"),
				Links:     []PMCLink{},
			}
			for _, ln := range xmlquery.Find(rn, "link") {
				rec.Links = append(rec.Links, PMCLink{
					Format:  ln.SelectAttr("format"),
					Href:    ln.SelectAttr("href"),
					Updated: ln.SelectAttr("updated"),
				})
			}
			records = append(records, rec)
		}
		data["records"] = records
		if en := xmlquery.FindOne(doc, "//error"); en != nil {
			data["error"] = map[string]string{"code": en.SelectAttr("code"), "message": strings.TrimSpace(en.InnerText())}
		}
	}
	return Payload{Provider: "pmc", Args: a, Data: data}, nil
}
