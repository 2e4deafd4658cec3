package catalog

import (
	"context"
	"errors"
	"testing"
)

// createTestCatalog creates an in-memory SQLite catalog for testing.
func createTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := New(&Config{
		Type: DatabaseTypeSQLite,
		SQLite: SQLiteConfig{
			Path: ":memory:",
		},
	})
	if err != nil {
		t.Fatalf("failed to create test catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func seedTransfer(t *testing.T, c *Catalog, trackingID, datanode string) int64 {
	t.Helper()
	ctx := context.Background()

	model := &Model{Name: "CanESM2", Datanode: datanode, Institute: "CCCma"}
	if err := c.UpsertModel(ctx, model); err != nil {
		t.Fatalf("UpsertModel: %v", err)
	}

	tr := &Transfer{
		ModelName:    "CanESM2",
		TrackingID:   trackingID,
		Checksum:     "d41d8cd98f00b204e9800998ecf8427e",
		ChecksumType: "MD5",
		Location:     "http://" + datanode + "/thredds/fileServer/data/" + trackingID + ".nc",
		LocalImage:   "cmip5/output/CCCma/CanESM2/" + trackingID + ".nc",
		Size:         1024,
		Variable:     "tasmax",
	}
	if err := c.InsertTransfer(ctx, tr); err != nil {
		t.Fatalf("InsertTransfer: %v", err)
	}
	return tr.TransferID
}

func TestConfigDefaults(t *testing.T) {
	t.Run("default type is sqlite", func(t *testing.T) {
		config := &Config{}
		config.ApplyDefaults()
		if config.Type != DatabaseTypeSQLite {
			t.Errorf("expected sqlite, got %s", config.Type)
		}
		if config.SQLite.Path == "" {
			t.Error("expected a default sqlite path")
		}
	})

	t.Run("invalid type rejected", func(t *testing.T) {
		if _, err := New(&Config{Type: "oracle"}); err == nil {
			t.Error("expected error for unsupported database type")
		}
	})

	t.Run("postgres requires host", func(t *testing.T) {
		config := &Config{Type: DatabaseTypePostgres}
		config.ApplyDefaults()
		if err := config.Validate(); err == nil {
			t.Error("expected validation error without host")
		}
	})
}

func TestInsertAndListNewWaiting(t *testing.T) {
	c := createTestCatalog(t)
	ctx := context.Background()

	id1 := seedTransfer(t, c, "t-0001", "esgf.example.org")
	id2 := seedTransfer(t, c, "t-0002", "esgf.example.org")

	rows, err := c.ListNewWaiting(ctx, 0)
	if err != nil {
		t.Fatalf("ListNewWaiting: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].TransferID != id1 || rows[1].TransferID != id2 {
		t.Errorf("rows out of order: %d, %d", rows[0].TransferID, rows[1].TransferID)
	}
	if rows[0].Datanode != "esgf.example.org" {
		t.Errorf("join did not populate datanode: %+v", rows[0])
	}

	// sinceID excludes already-seen rows.
	rows, err = c.ListNewWaiting(ctx, id1)
	if err != nil {
		t.Fatalf("ListNewWaiting: %v", err)
	}
	if len(rows) != 1 || rows[0].TransferID != id2 {
		t.Errorf("expected only row %d, got %+v", id2, rows)
	}
}

func TestListNewWaitingSkipsNonWaiting(t *testing.T) {
	c := createTestCatalog(t)
	ctx := context.Background()

	id := seedTransfer(t, c, "t-0001", "esgf.example.org")
	if err := c.Update(ctx, id, map[string]any{"status": StatusRunning}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rows, err := c.ListNewWaiting(ctx, 0)
	if err != nil {
		t.Fatalf("ListNewWaiting: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("running transfer should not be listed, got %+v", rows)
	}
}

func TestInsertTransferDeduplicates(t *testing.T) {
	c := createTestCatalog(t)
	ctx := context.Background()

	seedTransfer(t, c, "t-0001", "esgf.example.org")

	dup := &Transfer{
		ModelName:  "CanESM2",
		TrackingID: "t-0001",
		Location:   "http://esgf.example.org/other.nc",
		LocalImage: "other.nc",
	}
	err := c.InsertTransfer(ctx, dup)
	if !errors.Is(err, ErrDuplicateTransfer) {
		t.Errorf("expected ErrDuplicateTransfer, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	c := createTestCatalog(t)
	ctx := context.Background()

	id := seedTransfer(t, c, "t-0001", "esgf.example.org")

	err := c.Update(ctx, id, map[string]any{
		"status":    StatusError,
		"error_msg": "CHECKSUM_MISMATCH_ERROR",
		"duration":  12.5,
		"rate":      81.92,
	})
	if err != nil {
		t.Fatalf("Update: %v", err)
	}

	got, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusError || got.ErrorMsg != "CHECKSUM_MISMATCH_ERROR" {
		t.Errorf("unexpected row after update: %+v", got)
	}
	if got.Duration != 12.5 {
		t.Errorf("duration not persisted: %v", got.Duration)
	}
}

func TestUpdateUnknownTransfer(t *testing.T) {
	c := createTestCatalog(t)

	err := c.Update(context.Background(), 9999, map[string]any{"status": StatusDone})
	if !errors.Is(err, ErrTransferNotFound) {
		t.Errorf("expected ErrTransferNotFound, got %v", err)
	}
}

func TestMarkWaitingKeepsTimings(t *testing.T) {
	c := createTestCatalog(t)
	ctx := context.Background()

	id := seedTransfer(t, c, "t-0001", "esgf.example.org")
	if err := c.Update(ctx, id, map[string]any{"status": StatusRunning, "duration": 3.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := c.MarkWaiting(ctx, id); err != nil {
		t.Fatalf("MarkWaiting: %v", err)
	}

	got, err := c.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != StatusWaiting {
		t.Errorf("expected waiting, got %s", got.Status)
	}
	if got.Duration != 3.0 {
		t.Error("MarkWaiting must not clear timing fields")
	}
}

func TestSummarizeAndResets(t *testing.T) {
	c := createTestCatalog(t)
	ctx := context.Background()

	ids := []int64{
		seedTransfer(t, c, "t-0001", "a.example.org"),
		seedTransfer(t, c, "t-0002", "a.example.org"),
		seedTransfer(t, c, "t-0003", "a.example.org"),
		seedTransfer(t, c, "t-0004", "a.example.org"),
	}
	mustUpdate := func(id int64, fields map[string]any) {
		t.Helper()
		if err := c.Update(ctx, id, fields); err != nil {
			t.Fatalf("Update(%d): %v", id, err)
		}
	}
	mustUpdate(ids[0], map[string]any{"status": StatusDone})
	mustUpdate(ids[1], map[string]any{"status": StatusError, "error_msg": "FILE_NOT_FOUND"})
	mustUpdate(ids[2], map[string]any{"status": StatusRunning})

	s, err := c.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Waiting != 1 || s.Running != 1 || s.Done != 1 || s.Error != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
	if s.Total() != 4 {
		t.Errorf("unexpected total: %d", s.Total())
	}

	failed, err := c.RecentErrors(ctx, 10)
	if err != nil {
		t.Fatalf("RecentErrors: %v", err)
	}
	if len(failed) != 1 || failed[0].ErrorMsg != "FILE_NOT_FOUND" {
		t.Errorf("unexpected failed rows: %+v", failed)
	}

	n, err := c.ResetErrors(ctx)
	if err != nil {
		t.Fatalf("ResetErrors: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset error row, got %d", n)
	}

	n, err = c.ResetRunning(ctx)
	if err != nil {
		t.Fatalf("ResetRunning: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reset running row, got %d", n)
	}

	s, err = c.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Waiting != 3 || s.Done != 1 || s.Running != 0 || s.Error != 0 {
		t.Errorf("unexpected summary after resets: %+v", s)
	}
}
