package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// freePort grabs an ephemeral port and releases it for the server to bind.
func freePort(t *testing.T) int {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

// Start holds its goroutine until shutdown, so callers embedding a server
// in a larger process must launch it concurrently with the rest of their
// work. This pins that contract: Start does not return while the listener
// is healthy, serves requests meanwhile, and returns nil once the context
// is cancelled.
func TestServerStartBlocksUntilCancelled(t *testing.T) {
	cat := newTestCatalog(t)
	port := freePort(t)
	srv := NewServer(Config{Port: port}, cat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan error, 1)
	go func() { started <- srv.Start(ctx) }()

	// The server must come up and answer while Start is still blocked.
	url := fmt.Sprintf("http://127.0.0.1:%d/health", port)
	require.Eventually(t, func() bool {
		res, err := http.Get(url)
		if err != nil {
			return false
		}
		defer res.Body.Close()
		return res.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case err := <-started:
		t.Fatalf("Start returned while serving: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-started:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

// A port that cannot be bound must surface through Start's error return.
func TestServerStartListenFailure(t *testing.T) {
	cat := newTestCatalog(t)

	// Occupy the port so ListenAndServe fails.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := NewServer(Config{Port: port}, cat)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = srv.Start(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status server failed")
}
