package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgf-tools/esgfetch/pkg/catalog"
)

const testFilename = "tasmax_day_CanCM4_rcp45_r1i1p1_20060101-20351231.nc"

// fileEntryXML renders one file-level dataset. Omitting the checksum
// exercises the missing-field skip path.
func fileEntryXML(withChecksum bool) string {
	checksum := ""
	if withChecksum {
		checksum = `<property name="checksum" value="aabbccddeeff00112233445566778899"/>
      <property name="checksum_type" value="MD5"/>`
	}
	return fmt.Sprintf(`<dataset name="%s" urlPath="esg_dataroot/%s">
      <serviceName>HTTPServer</serviceName>
      %s
      <property name="size" value="1048576"/>
      <property name="tracking_id" value="4f0dff23-3fc3-4fdf-b35e-51b5a1b6b0e2"/>
      <property name="mod_time" value="2012-03-14 15:09:26"/>
      <variables><variable name="tasmax">Daily Maximum Temperature</variable></variables>
    </dataset>`, testFilename, testFilename, checksum)
}

func catalogXML(withChecksum bool) string {
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<catalog xmlns="http://www.unidata.ucar.edu/namespaces/thredds/InvCatalog/v1.0" name="TDS">
  <service name="fileservice" serviceType="Compound" base="">
    <service name="HTTPServer" serviceType="HTTPServer" base="/thredds/fileServer/"/>
    <service name="OpenDAP" serviceType="OpenDAP" base="/thredds/dodsC/"/>
  </service>
  <dataset name="master">
    <property name="dataset_id" value="cmip5.output1.CCCMA.CanCM4.rcp45"/>
    %s
    <dataset name="shadow.nc" urlPath="esg_dataroot/shadow.nc">
      <serviceName>GRIDFTP</serviceName>
    </dataset>
  </dataset>
</catalog>`, fileEntryXML(withChecksum))
}

// fakeFederation serves both the search API and the THREDDS catalog.
type fakeFederation struct {
	srv           *httptest.Server
	catalogHits   atomic.Int64
	withChecksum  bool
	searchHandler func(w http.ResponseWriter, r *http.Request)
}

func newFakeFederation(t *testing.T, withChecksum bool) *fakeFederation {
	t.Helper()

	f := &fakeFederation{withChecksum: withChecksum}
	mux := http.NewServeMux()
	mux.HandleFunc("/esg-search/search", func(w http.ResponseWriter, r *http.Request) {
		if f.searchHandler != nil {
			f.searchHandler(w, r)
			return
		}
		f.defaultSearch(w, r)
	})
	mux.HandleFunc("/thredds/catalog/cat.xml", func(w http.ResponseWriter, r *http.Request) {
		f.catalogHits.Add(1)
		_, _ = w.Write([]byte(catalogXML(f.withChecksum)))
	})
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeFederation) host() string {
	u, _ := url.Parse(f.srv.URL)
	return u.Host
}

func (f *fakeFederation) defaultSearch(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"id":             "cmip5.output1.CCCMA.CanCM4.rcp45.day.atmos.day.r1i1p1|" + f.host(),
		"url":            []any{f.srv.URL + "/thredds/catalog/cat.xml#cmip5.output1|application/xml+thredds|THREDDS"},
		"model":          []any{"CanCM4"},
		"institute":      []any{"CCCMA"},
		"data_node":      f.host(),
		"project":        []any{"CMIP5"},
		"product":        []any{"output1"},
		"experiment":     []any{"rcp45"},
		"time_frequency": []any{"day"},
		"realm":          []any{"atmos"},
		"cmor_table":     []any{"day"},
		"ensemble":       []any{"r1i1p1"},
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"response": map[string]any{"numFound": 1, "docs": []any{doc}},
	})
}

func newTestCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()

	cat, err := catalog.New(&catalog.Config{
		Type:   catalog.DatabaseTypeSQLite,
		SQLite: catalog.SQLiteConfig{Path: ":memory:"},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cat.Close() })
	return cat
}

func testDiscoverer(f *fakeFederation, cat *catalog.Catalog, cache *Cache) *Discoverer {
	return New(Config{
		SearchHost: f.srv.URL + "/esg-search/search",
		Distrib:    true,
		PageSize:   10,
		CacheDir:   "unused",
		Timeout:    10 * time.Second,
	}, cat, cache)
}

func TestRunIndexesFiles(t *testing.T) {
	f := newFakeFederation(t, true)
	cat := newTestCatalog(t)

	stats, err := testDiscoverer(f, cat, nil).Run(context.Background(), Constraints{
		Project:  []string{"CMIP5"},
		Variable: []string{"tasmax"},
	})
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Datasets)
	assert.Equal(t, 1, stats.CatalogsFetched)
	assert.Equal(t, 1, stats.TransfersAdded)
	assert.Zero(t, stats.FilesSkipped)

	rows, err := cat.ListNewWaiting(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, "CanCM4", row.ModelName)
	assert.Equal(t, f.host(), row.Datanode)
	assert.Equal(t, "CCCMA", row.Institute)
	assert.Equal(t, "4f0dff23-3fc3-4fdf-b35e-51b5a1b6b0e2", row.TrackingID)
	assert.Equal(t, "aabbccddeeff00112233445566778899", row.Checksum)
	assert.Equal(t, "MD5", row.ChecksumType)
	assert.Equal(t, int64(1048576), row.Size)
	assert.Equal(t, "tasmax", row.Variable)
	assert.Equal(t,
		"CMIP5/output1/CCCMA/CanCM4/rcp45/day/atmos/day/r1i1p1/v20120314/tasmax/"+testFilename,
		row.LocalImage)
	assert.Equal(t,
		"http://"+f.host()+"/thredds/fileServer/esg_dataroot/"+testFilename,
		row.Location)
}

func TestRunDeduplicatesByTrackingID(t *testing.T) {
	f := newFakeFederation(t, true)
	cat := newTestCatalog(t)
	d := testDiscoverer(f, cat, nil)

	_, err := d.Run(context.Background(), Constraints{Variable: []string{"tasmax"}})
	require.NoError(t, err)

	stats, err := d.Run(context.Background(), Constraints{Variable: []string{"tasmax"}})
	require.NoError(t, err)
	assert.Zero(t, stats.TransfersAdded)
	assert.Equal(t, 1, stats.Duplicates)
}

func TestRunVariableFilter(t *testing.T) {
	f := newFakeFederation(t, true)
	cat := newTestCatalog(t)

	stats, err := testDiscoverer(f, cat, nil).Run(context.Background(), Constraints{
		Variable: []string{"pr"},
	})
	require.NoError(t, err)
	assert.Zero(t, stats.TransfersAdded)
}

func TestRunSkipsFilesMissingFields(t *testing.T) {
	f := newFakeFederation(t, false)
	cat := newTestCatalog(t)

	stats, err := testDiscoverer(f, cat, nil).Run(context.Background(), Constraints{
		Variable: []string{"tasmax"},
	})
	require.NoError(t, err)
	assert.Zero(t, stats.TransfersAdded)
	assert.Equal(t, 1, stats.FilesSkipped)
}

func TestRunUsesCatalogCache(t *testing.T) {
	f := newFakeFederation(t, true)
	cat := newTestCatalog(t)

	cache, err := OpenCache(t.TempDir(), time.Hour)
	require.NoError(t, err)
	defer cache.Close()

	d := testDiscoverer(f, cat, cache)

	stats, err := d.Run(context.Background(), Constraints{Variable: []string{"tasmax"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CatalogsFetched)

	stats, err = d.Run(context.Background(), Constraints{Variable: []string{"tasmax"}})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CatalogsCached)
	assert.Zero(t, stats.CatalogsFetched)

	assert.Equal(t, int64(1), f.catalogHits.Load(), "catalog fetched more than once")
}

func TestSearchPaging(t *testing.T) {
	f := newFakeFederation(t, true)
	var offsets []int
	f.searchHandler = func(w http.ResponseWriter, r *http.Request) {
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		offsets = append(offsets, offset)

		docs := []any{}
		for i := offset; i < offset+2 && i < 5; i++ {
			docs = append(docs, map[string]any{
				"id":  fmt.Sprintf("ds%d", i),
				"url": []any{fmt.Sprintf("http://example.org/cat%d.xml|xml|THREDDS", i)},
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{"numFound": 5, "docs": docs},
		})
	}

	d := New(Config{
		SearchHost: f.srv.URL + "/esg-search/search",
		PageSize:   2,
		Timeout:    10 * time.Second,
	}, nil, nil)

	datasets, err := d.search(context.Background(), Constraints{})
	require.NoError(t, err)
	assert.Len(t, datasets, 5)
	assert.Equal(t, []int{0, 2, 4}, offsets)
	assert.Equal(t, "http://example.org/cat3.xml", datasets[3].CatalogURL)
}

func TestUnlist(t *testing.T) {
	assert.Equal(t, "a", unlist("a"))
	assert.Equal(t, "a", unlist([]any{"a", "b"}))
	assert.Equal(t, "", unlist([]any{}))
	assert.Equal(t, "42", unlist(float64(42)))
	assert.Equal(t, "1.5", unlist(1.5))
	assert.Equal(t, "", unlist(nil))
}

func TestCatalogURL(t *testing.T) {
	t.Run("picks THREDDS entry", func(t *testing.T) {
		doc := map[string]any{"url": []any{
			"http://h/las|app/las|LAS",
			"http://h/cat.xml#ds|application/xml+thredds|THREDDS",
		}}
		assert.Equal(t, "http://h/cat.xml#ds", catalogURL(doc))
	})

	t.Run("falls back to first entry", func(t *testing.T) {
		doc := map[string]any{"url": []any{"http://h/cat.xml|xml|Catalog"}}
		assert.Equal(t, "http://h/cat.xml", catalogURL(doc))
	})

	t.Run("missing url", func(t *testing.T) {
		assert.Equal(t, "", catalogURL(map[string]any{}))
	})
}

func TestVersionFromModTime(t *testing.T) {
	v, err := versionFromModTime("2012-03-14 15:09:26")
	require.NoError(t, err)
	assert.Equal(t, "v20120314", v)

	_, err = versionFromModTime("not a time")
	assert.Error(t, err)
}

func TestCleanModelFromFilename(t *testing.T) {
	m, err := cleanModelFromFilename(testFilename)
	require.NoError(t, err)
	assert.Equal(t, "CanCM4", m)

	_, err = cleanModelFromFilename("bad.nc")
	assert.Error(t, err)
}

func TestHTTPServerFallback(t *testing.T) {
	cat, err := parseCatalog([]byte(`<?xml version="1.0"?>
<catalog xmlns="http://www.unidata.ucar.edu/namespaces/thredds/InvCatalog/v1.0">
  <service name="files" serviceType="HTTPServer" base="/fileServer/"/>
  <dataset name="d"/>
</catalog>`))
	require.NoError(t, err)

	s, err := cat.httpServer()
	require.NoError(t, err)
	assert.Equal(t, "/fileServer/", s.Base)
}

func TestParseCatalogRejectsGarbage(t *testing.T) {
	_, err := parseCatalog([]byte("not xml at all <"))
	assert.Error(t, err)

	_, err = parseCatalog([]byte(`<?xml version="1.0"?>
<catalog xmlns="http://www.unidata.ucar.edu/namespaces/thredds/InvCatalog/v1.0"/>`))
	assert.Error(t, err)
}

func TestConfigApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Contains(t, c.SearchHost, "esg-search/search")
	assert.Equal(t, 50, c.PageSize)
	assert.Equal(t, 24*time.Hour, c.CacheTTL)
	assert.Equal(t, 30*time.Second, c.Timeout)
}
