package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/config"
	"github.com/esgf-tools/esgfetch/pkg/discovery"
)

var discoverConstraints discovery.Constraints

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Index datasets from esg-search into the catalog",
	Long: `Query the federation's esg-search index for datasets matching the
given constraints, walk their THREDDS catalogs, and register every
matching file as a waiting transfer in the catalog.

Repeating a flag ORs its values; different flags are ANDed. Files
already in the catalog (by tracking ID) are skipped, so discover can be
re-run to pick up new versions.

Examples:
  # Index daily tasmax from one model
  esgfetch discover -p CMIP5 -m CanCM4 -x rcp45 -v tasmax -t day

  # Several variables and ensembles at once
  esgfetch discover -p CMIP5 -m CanCM4 -x rcp45 -v tasmax -v tasmin -e r1i1p1 -e r2i1p1`,
	RunE: runDiscover,
}

func init() {
	f := discoverCmd.Flags()
	f.StringSliceVarP(&discoverConstraints.Project, "project", "p", nil, "Project (e.g. CMIP5)")
	f.StringSliceVarP(&discoverConstraints.Model, "model", "m", nil, "Model (e.g. CanCM4)")
	f.StringSliceVarP(&discoverConstraints.Experiment, "experiment", "x", nil, "Experiment (e.g. rcp45)")
	f.StringSliceVarP(&discoverConstraints.Variable, "variable", "v", nil, "Variable (e.g. tasmax)")
	f.StringSliceVarP(&discoverConstraints.Ensemble, "ensemble", "e", nil, "Ensemble member (e.g. r1i1p1)")
	f.StringSliceVarP(&discoverConstraints.TimeFrequency, "time-frequency", "t", nil, "Time frequency (e.g. day, mon)")
	f.StringSliceVar(&discoverConstraints.Realm, "realm", nil, "Modeling realm (e.g. atmos)")
	f.StringSliceVar(&discoverConstraints.CmorTable, "cmor-table", nil, "CMOR table (e.g. day, Amon)")
	f.StringSliceVar(&discoverConstraints.Product, "product", nil, "Product (e.g. output1)")
	f.StringSliceVar(&discoverConstraints.Institute, "institute", nil, "Institute (e.g. CCCMA)")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	cat, err := catalog.New(&cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open catalog: %w", err)
	}
	defer func() { _ = cat.Close() }()

	var cache *discovery.Cache
	if cfg.Discovery.CacheDir != "" {
		cache, err = discovery.OpenCache(cfg.Discovery.CacheDir, cfg.Discovery.CacheTTL)
		if err != nil {
			logger.Warn("THREDDS cache unavailable, fetching catalogs directly", logger.Err(err))
		} else {
			defer func() { _ = cache.Close() }()
		}
	}

	d := discovery.New(cfg.Discovery, cat, cache)
	stats, err := d.Run(cmd.Context(), discoverConstraints)
	if err != nil {
		return fmt.Errorf("discovery failed: %w", err)
	}

	fmt.Printf("Datasets matched:    %d\n", stats.Datasets)
	fmt.Printf("Catalogs fetched:    %d (%d cached, %d failed)\n",
		stats.CatalogsFetched, stats.CatalogsCached, stats.CatalogsFailed)
	fmt.Printf("Transfers added:     %d\n", stats.TransfersAdded)
	fmt.Printf("Already known:       %d\n", stats.Duplicates)
	fmt.Printf("Files skipped:       %d\n", stats.FilesSkipped)

	if stats.TransfersAdded > 0 {
		fmt.Println("\nRun 'esgfetch fetch' to start downloading.")
	}
	return nil
}
