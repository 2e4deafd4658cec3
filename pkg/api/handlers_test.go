package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esgf-tools/esgfetch/pkg/catalog"
)

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

func seed(t *testing.T, cat *catalog.Catalog, trackingID string, status catalog.Status, errorMsg string) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, cat.UpsertModel(ctx, &catalog.Model{Name: "m1", Datanode: "n1", Institute: "i1"}))
	tr := &catalog.Transfer{
		ModelName:  "m1",
		TrackingID: trackingID,
		Location:   "http://n1/f.nc",
		LocalImage: "f-" + trackingID + ".nc",
		Status:     catalog.StatusWaiting,
	}
	require.NoError(t, cat.InsertTransfer(ctx, tr))
	if status != catalog.StatusWaiting {
		require.NoError(t, cat.Update(ctx, tr.TransferID, map[string]any{
			"status":    status,
			"error_msg": errorMsg,
		}))
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestCatalog(t)))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body Response
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
}

func TestStatus(t *testing.T) {
	cat := newTestCatalog(t)
	seed(t, cat, "t1", catalog.StatusWaiting, "")
	seed(t, cat, "t2", catalog.StatusDone, "")
	seed(t, cat, "t3", catalog.StatusError, "FILE_NOT_FOUND")

	srv := httptest.NewServer(NewRouter(cat))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/status")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusOK, res.StatusCode)

	var body struct {
		Status string     `json:"status"`
		Data   statusData `json:"data"`
	}
	require.NoError(t, json.NewDecoder(res.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, int64(1), body.Data.Waiting)
	assert.Equal(t, int64(1), body.Data.Done)
	assert.Equal(t, int64(1), body.Data.Error)
	assert.Equal(t, int64(3), body.Data.Total)
	require.Len(t, body.Data.RecentErrors, 1)
	assert.Equal(t, "FILE_NOT_FOUND", body.Data.RecentErrors[0].ErrorMsg)
}

func TestRootRedirects(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newTestCatalog(t)))
	defer srv.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	res, err := client.Get(srv.URL + "/")
	require.NoError(t, err)
	defer res.Body.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, res.StatusCode)
	assert.Equal(t, "/status", res.Header.Get("Location"))
}

func TestConfigDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, 9095, c.Port)
	assert.NotZero(t, c.ReadTimeout)
	assert.True(t, c.IsEnabled())

	disabled := false
	c.Enabled = &disabled
	assert.False(t, c.IsEnabled())
}
