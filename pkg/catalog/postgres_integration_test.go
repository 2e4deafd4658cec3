//go:build integration

package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupPostgresCatalog starts a disposable PostgreSQL container and opens a
// catalog against it.
func setupPostgresCatalog(t *testing.T) *Catalog {
	t.Helper()
	ctx := context.Background()

	// PostgreSQL logs "ready to accept connections" twice during startup
	// (bootstrap, then final), so wait for the second occurrence.
	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("esgfetch_test"),
		postgres.WithUsername("esgfetch_test"),
		postgres.WithPassword("esgfetch_test"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	c, err := New(&Config{
		Type: DatabaseTypePostgres,
		Postgres: PostgresConfig{
			Host:     host,
			Port:     port.Int(),
			Database: "esgfetch_test",
			User:     "esgfetch_test",
			Password: "esgfetch_test",
			SSLMode:  "disable",
		},
	})
	if err != nil {
		t.Fatalf("failed to open postgres catalog: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPostgresCatalogRoundTrip(t *testing.T) {
	c := setupPostgresCatalog(t)
	ctx := context.Background()

	id := seedTransfer(t, c, "pg-0001", "esgf.example.org")

	rows, err := c.ListNewWaiting(ctx, 0)
	if err != nil {
		t.Fatalf("ListNewWaiting: %v", err)
	}
	if len(rows) != 1 || rows[0].TransferID != id {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	if err := c.Update(ctx, id, map[string]any{"status": StatusDone, "rate": 1024.0}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	s, err := c.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if s.Done != 1 || s.Total() != 1 {
		t.Errorf("unexpected summary: %+v", s)
	}
}

func TestPostgresCatalogDedupe(t *testing.T) {
	c := setupPostgresCatalog(t)
	ctx := context.Background()

	seedTransfer(t, c, "pg-0001", "esgf.example.org")
	err := c.InsertTransfer(ctx, &Transfer{
		ModelName:  "CanESM2",
		TrackingID: "pg-0001",
		Location:   "http://esgf.example.org/dup.nc",
		LocalImage: "dup.nc",
	})
	if err == nil {
		t.Fatal("expected duplicate tracking_id to be rejected")
	}
}
