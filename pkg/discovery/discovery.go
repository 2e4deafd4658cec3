// Package discovery populates the transfer catalog from the ESGF
// federation: a dataset-level query against an esg-search endpoint,
// followed by one THREDDS catalog fetch per dataset to enumerate the
// actual files.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/internal/telemetry"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
)

// localImageParts are the metadata fields, in order, that make up the
// CMIP5-style directory layout of a downloaded file.
var localImageParts = []string{
	"project",
	"product",
	"institute",
	"clean_model",
	"experiment",
	"time_frequency",
	"realm",
	"cmor_table",
	"ensemble",
	"version",
	"variable",
	"filename",
}

// transferFields must all be present for a file to be indexed.
var transferFields = []string{
	"model",
	"checksum",
	"checksum_type",
	"size",
	"variable",
	"tracking_id",
	"version",
	"product",
	"local_image",
	"location",
}

// Config controls the discovery pipeline.
type Config struct {
	// SearchHost is the esg-search endpoint.
	SearchHost string `mapstructure:"search_host" validate:"required,url" yaml:"search_host"`

	// Distrib forwards the query to the whole federation.
	Distrib bool `mapstructure:"distrib" yaml:"distrib"`

	// PageSize is the dataset page size for search requests.
	PageSize int `mapstructure:"page_size" yaml:"page_size,omitempty"`

	// CacheDir holds the THREDDS catalog cache; empty disables caching.
	CacheDir string `mapstructure:"cache_dir" yaml:"cache_dir,omitempty"`

	// CacheTTL is how long fetched catalogs stay valid.
	CacheTTL time.Duration `mapstructure:"cache_ttl" yaml:"cache_ttl,omitempty"`

	// Timeout bounds each search or catalog request.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout,omitempty"`
}

// ApplyDefaults fills unset fields with production values.
func (c *Config) ApplyDefaults() {
	if c.SearchHost == "" {
		c.SearchHost = "https://esgf-node.llnl.gov/esg-search/search"
	}
	if c.PageSize == 0 {
		c.PageSize = 50
	}
	if c.CacheDir == "" {
		base, err := os.UserCacheDir()
		if err == nil {
			c.CacheDir = filepath.Join(base, "esgfetch", "thredds")
		}
	}
	if c.CacheTTL == 0 {
		c.CacheTTL = 24 * time.Hour
	}
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Stats summarizes one discovery run.
type Stats struct {
	Datasets        int
	CatalogsFetched int
	CatalogsCached  int
	CatalogsFailed  int
	TransfersAdded  int
	Duplicates      int
	FilesSkipped    int
}

// Discoverer runs the discovery pipeline against one catalog store. The
// cache is optional.
type Discoverer struct {
	config  Config
	catalog *catalog.Catalog
	cache   *Cache
	client  *http.Client
}

// New builds a discoverer. Search and THREDDS requests are anonymous, so
// a plain client with a timeout is enough.
func New(config Config, cat *catalog.Catalog, cache *Cache) *Discoverer {
	config.ApplyDefaults()
	return &Discoverer{
		config:  config,
		catalog: cat,
		cache:   cache,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Run queries the search host and indexes every matching file as a
// waiting transfer. Datasets whose catalogs cannot be fetched or parsed
// are skipped with a warning, never fatal.
func (d *Discoverer) Run(ctx context.Context, constraints Constraints) (Stats, error) {
	var stats Stats

	datasets, err := d.search(ctx, constraints)
	if err != nil {
		return stats, err
	}
	stats.Datasets = len(datasets)

	for _, ds := range datasets {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		d.indexDataset(ctx, ds, constraints, &stats)
	}

	logger.Info("Discovery complete",
		"datasets", stats.Datasets,
		"added", stats.TransfersAdded,
		"duplicates", stats.Duplicates,
		"skipped", stats.FilesSkipped,
		"catalogs_failed", stats.CatalogsFailed)
	return stats, nil
}

func (d *Discoverer) indexDataset(ctx context.Context, ds Dataset, constraints Constraints, stats *Stats) {
	if ds.CatalogURL == "" {
		logger.Warn("Dataset without THREDDS catalog URL", "dataset", ds.ID)
		stats.CatalogsFailed++
		return
	}

	body, cached, err := d.fetchCatalog(ctx, ds.CatalogURL)
	if err != nil {
		logger.Warn("Error fetching metadata", telemetry.AttrCatalogURL, ds.CatalogURL, logger.Err(err))
		stats.CatalogsFailed++
		return
	}
	if cached {
		stats.CatalogsCached++
	} else {
		stats.CatalogsFetched++
	}

	cat, err := parseCatalog(body)
	if err != nil {
		logger.Warn("Unparseable THREDDS catalog", telemetry.AttrCatalogURL, ds.CatalogURL, logger.Err(err))
		stats.CatalogsFailed++
		return
	}

	server, err := cat.httpServer()
	if err != nil {
		logger.Warn("No HTTPServer base in catalog; not considering this data",
			telemetry.AttrCatalogURL, ds.CatalogURL)
		stats.CatalogsFailed++
		return
	}

	if name := ds.Fields["model"]; name != "" {
		err := d.catalog.UpsertModel(ctx, &catalog.Model{
			Name:      name,
			Datanode:  ds.Fields["data_node"],
			Institute: ds.Fields["institute"],
		})
		if err != nil {
			logger.Warn("Could not record model", logger.KeyModel, name, logger.Err(err))
		}
	}

	for _, file := range cat.fileEntries(server.Name, constraints.Variable) {
		tr, err := buildTransfer(ds, file, server.Base)
		if err != nil {
			logger.Warn("Skipping file", "dataset", ds.ID, logger.Err(err))
			stats.FilesSkipped++
			continue
		}

		switch err := d.catalog.InsertTransfer(ctx, tr); {
		case err == nil:
			stats.TransfersAdded++
			logger.Debug("Indexed transfer",
				logger.KeyTrackingID, tr.TrackingID, logger.KeyFile, tr.LocalImage)
		case errors.Is(err, catalog.ErrDuplicateTransfer):
			stats.Duplicates++
		default:
			logger.Warn("Could not insert transfer", logger.KeyTrackingID, tr.TrackingID, logger.Err(err))
			stats.FilesSkipped++
		}
	}
}

// fetchCatalog returns the catalog body, consulting the cache first.
func (d *Discoverer) fetchCatalog(ctx context.Context, url string) (body []byte, cached bool, err error) {
	if d.cache != nil {
		if body, ok := d.cache.Get(url); ok {
			return body, true, nil
		}
	}

	ctx, span := telemetry.StartSpan(ctx, telemetry.SpanCatalogFetch)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build catalog request: %w", err)
	}
	res, err := d.client.Do(req)
	if err != nil {
		return nil, false, err
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return nil, false, fmt.Errorf("catalog fetch returned %d", res.StatusCode)
	}

	body, err = io.ReadAll(res.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read catalog body: %w", err)
	}

	if d.cache != nil {
		d.cache.Put(url, body)
	}
	return body, false, nil
}

// buildTransfer merges the dataset-level search fields with the file's
// THREDDS properties and derives the stored row.
func buildTransfer(ds Dataset, file threddsDataset, serverBase string) (*catalog.Transfer, error) {
	meta := make(map[string]string, len(ds.Fields)+8)
	for k, v := range ds.Fields {
		meta[k] = v
	}
	for k, v := range file.properties() {
		meta[k] = v
	}

	version, err := versionFromModTime(meta["mod_time"])
	if err != nil {
		return nil, err
	}
	meta["version"] = version
	meta["filename"] = file.Name

	if len(file.Variables) == 0 {
		return nil, fmt.Errorf("file %q lists no variables", file.Name)
	}
	meta["variable"] = file.Variables[0].Name

	cleanModel, err := cleanModelFromFilename(file.Name)
	if err != nil {
		return nil, err
	}
	meta["clean_model"] = cleanModel

	parts := make([]string, 0, len(localImageParts))
	for _, key := range localImageParts {
		if meta[key] == "" {
			return nil, fmt.Errorf("file %q is missing path field %q", file.Name, key)
		}
		parts = append(parts, meta[key])
	}
	meta["local_image"] = strings.Join(parts, "/")
	meta["location"] = "http://" + meta["data_node"] + serverBase + file.URLPath

	if meta["tracking_id"] == "" {
		// Some nodes publish files without a tracking id; a name-based
		// UUID over the location keeps deduplication stable.
		meta["tracking_id"] = uuid.NewSHA1(uuid.NameSpaceURL, []byte(meta["location"])).String()
	}

	var missing []string
	for _, key := range transferFields {
		if meta[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("dataset object %s is missing keys: %s",
			meta["location"], strings.Join(missing, ","))
	}

	size, err := strconv.ParseInt(meta["size"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("unparseable size %q: %w", meta["size"], err)
	}

	return &catalog.Transfer{
		ModelName:    meta["model"],
		TrackingID:   meta["tracking_id"],
		Checksum:     meta["checksum"],
		ChecksumType: meta["checksum_type"],
		Location:     meta["location"],
		LocalImage:   meta["local_image"],
		Size:         size,
		Variable:     meta["variable"],
		Version:      meta["version"],
		Product:      meta["product"],
		Status:       catalog.StatusWaiting,
	}, nil
}
