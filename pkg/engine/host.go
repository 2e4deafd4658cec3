package engine

import (
	"net/http"

	"github.com/esgf-tools/esgfetch/pkg/catalog"
)

// hostSlot tracks per-datanode dispatch state: its own pending FIFO, its own
// HTTP client (one TLS session per host), a concurrency cap and the number of
// workers currently in flight against it. Slots are created lazily on first
// sighting of a datanode and only touched from the scheduler goroutine.
type hostSlot struct {
	datanode   string
	client     *http.Client
	maxWorkers int
	inFlight   int
	pending    []catalog.Row
}

func (h *hostSlot) push(row catalog.Row) {
	h.pending = append(h.pending, row)
}

func (h *hostSlot) pop() (catalog.Row, bool) {
	if len(h.pending) == 0 {
		return catalog.Row{}, false
	}
	row := h.pending[0]
	h.pending = h.pending[1:]
	return row, true
}

// hasCapacity reports whether this host can take one more worker.
func (h *hostSlot) hasCapacity() bool {
	return h.inFlight < h.maxWorkers
}
