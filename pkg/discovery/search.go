package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/internal/telemetry"
)

// Constraints are the ESGF search facets an operator can pin down. Every
// field may carry multiple values; empty fields are not sent.
type Constraints struct {
	Project       []string `mapstructure:"project"`
	Product       []string `mapstructure:"product"`
	Institute     []string `mapstructure:"institute"`
	Model         []string `mapstructure:"model"`
	Experiment    []string `mapstructure:"experiment"`
	TimeFrequency []string `mapstructure:"time_frequency"`
	Realm         []string `mapstructure:"realm"`
	CmorTable     []string `mapstructure:"cmor_table"`
	Ensemble      []string `mapstructure:"ensemble"`
	Variable      []string `mapstructure:"variable"`
}

func (c Constraints) values() url.Values {
	v := url.Values{}
	add := func(key string, vals []string) {
		for _, val := range vals {
			v.Add(key, val)
		}
	}
	add("project", c.Project)
	add("product", c.Product)
	add("institute", c.Institute)
	add("model", c.Model)
	add("experiment", c.Experiment)
	add("time_frequency", c.TimeFrequency)
	add("realm", c.Realm)
	add("cmor_table", c.CmorTable)
	add("ensemble", c.Ensemble)
	add("variable", c.Variable)
	return v
}

// Dataset is one dataset-level search hit: its THREDDS catalog location
// plus the solr fields flattened to single values.
type Dataset struct {
	ID         string
	CatalogURL string
	Fields     map[string]string
}

// searchResponse mirrors the solr JSON envelope the search API returns.
type searchResponse struct {
	Response struct {
		NumFound int              `json:"numFound"`
		Docs     []map[string]any `json:"docs"`
	} `json:"response"`
}

// unlist flattens solr's habit of wrapping scalar fields in one-element
// arrays.
func unlist(v any) string {
	switch x := v.(type) {
	case []any:
		if len(x) == 0 {
			return ""
		}
		return unlist(x[0])
	case string:
		return x
	case float64:
		if x == float64(int64(x)) {
			return strconv.FormatInt(int64(x), 10)
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", x)
	}
}

// catalogURL picks the THREDDS entry from a doc's url field. Entries are
// "url|mime|service" triples; the fragment after # addresses a dataset
// within the catalog and is ignored by the fetch.
func catalogURL(doc map[string]any) string {
	raw, ok := doc["url"]
	if !ok {
		return ""
	}
	entries, ok := raw.([]any)
	if !ok {
		return strings.SplitN(unlist(raw), "|", 2)[0]
	}
	for _, e := range entries {
		s, ok := e.(string)
		if !ok {
			continue
		}
		if strings.Contains(s, "THREDDS") || strings.Contains(s, "thredds") {
			return strings.SplitN(s, "|", 2)[0]
		}
	}
	if len(entries) > 0 {
		return strings.SplitN(unlist(entries[0]), "|", 2)[0]
	}
	return ""
}

// search pages through dataset-level results for the given constraints.
func (d *Discoverer) search(ctx context.Context, constraints Constraints) ([]Dataset, error) {
	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanSearch)
	defer span.End()

	var datasets []Dataset
	offset := 0
	for {
		page, total, err := d.searchPage(ctx, constraints, offset)
		if err != nil {
			telemetry.RecordError(ctx, err)
			return nil, err
		}
		datasets = append(datasets, page...)
		offset += len(page)
		if len(page) == 0 || offset >= total {
			break
		}
	}

	logger.InfoCtx(ctx, "Search complete", "datasets", len(datasets))
	return datasets, nil
}

func (d *Discoverer) searchPage(ctx context.Context, constraints Constraints, offset int) ([]Dataset, int, error) {
	params := constraints.values()
	params.Set("type", "Dataset")
	params.Set("format", "application/solr+json")
	params.Set("replica", "false")
	params.Set("distrib", strconv.FormatBool(d.config.Distrib))
	params.Set("limit", strconv.Itoa(d.config.PageSize))
	params.Set("offset", strconv.Itoa(offset))

	endpoint := d.config.SearchHost + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to build search request: %w", err)
	}

	res, err := d.client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("search request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, 0, fmt.Errorf("search host returned %d", res.StatusCode)
	}

	var parsed searchResponse
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, 0, fmt.Errorf("failed to decode search response: %w", err)
	}

	datasets := make([]Dataset, 0, len(parsed.Response.Docs))
	for _, doc := range parsed.Response.Docs {
		ds := Dataset{
			ID:         unlist(doc["id"]),
			CatalogURL: catalogURL(doc),
			Fields:     make(map[string]string, len(doc)),
		}
		for k, v := range doc {
			ds.Fields[k] = unlist(v)
		}
		datasets = append(datasets, ds)
	}
	return datasets, parsed.Response.NumFound, nil
}
