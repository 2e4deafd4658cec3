// Package writer serializes all file writes through a single consumer so
// that many concurrent downloads produce one sequential write stream per
// moment, keeping filesystem thrash to a minimum.
package writer

import (
	"sync/atomic"
	"time"

	"github.com/esgf-tools/esgfetch/internal/logger"
)

// File is the subset of *os.File the writer needs. Workers hand over the
// descriptor on first enqueue and never touch it again; the writer closes
// it when the last record is written.
type File interface {
	Write(p []byte) (int, error)
	Close() error
	Name() string
}

// record is one queued write. A sentinel record carries no file and only
// wakes the consumer during shutdown. flushed, when set on a last record,
// is closed once the file is on disk and its descriptor closed.
type record struct {
	file     File
	data     []byte
	last     bool
	sentinel bool
	flushed  chan struct{}
}

// Writer is the single-consumer write serializer shared by all download
// workers. The bounded queue is the sole backpressure pacing aggregate
// download speed against disk speed: producers block when it is full.
//
// Per file, records reach disk in enqueue order; a single worker owns each
// file, and the channel preserves insertion order. No ordering is promised
// across files.
type Writer struct {
	records chan record
	stopped chan struct{}
	run     atomic.Bool
}

// New creates a writer with the given queue capacity and starts its
// consumer. Capacity should be about twice the global worker cap.
func New(queueLen int) *Writer {
	if queueLen <= 0 {
		queueLen = 16
	}
	w := &Writer{
		records: make(chan record, queueLen),
		stopped: make(chan struct{}),
	}
	w.run.Store(true)
	logger.Debug("Writer starting", "queue_len", queueLen)
	go w.process()
	return w
}

// Enqueue appends a write of data to f, blocking while the queue is full.
// When last is true the writer closes f after writing.
func (w *Writer) Enqueue(f File, data []byte, last bool) {
	w.records <- record{file: f, data: data, last: last}
}

// EnqueueLast queues the closing record for f and returns a channel that
// is closed once every prior write to f has been flushed and the
// descriptor closed. Workers wait on it before reporting a transfer
// finished, so the catalog never records an outcome for a file the disk
// has not seen in full.
func (w *Writer) EnqueueLast(f File) <-chan struct{} {
	flushed := make(chan struct{})
	w.records <- record{file: f, last: true, flushed: flushed}
	return flushed
}

// Pending returns the number of queued records.
func (w *Writer) Pending() int {
	return len(w.records)
}

// Shutdown drains the queue, then stops and joins the consumer. Polling
// at one second is acceptable; shutdown is rare.
func (w *Writer) Shutdown() {
	for w.Pending() > 0 {
		time.Sleep(time.Second)
	}

	w.run.Store(false)

	// A sentinel after flipping the run flag wakes the blocked consumer
	// so it can observe the flag and exit.
	w.records <- record{sentinel: true}
	<-w.stopped
	logger.Debug("Writer exited")
}

// process is the consumer loop. Runs until shutdown.
func (w *Writer) process() {
	defer close(w.stopped)

	for rec := range w.records {
		if rec.sentinel {
			if !w.run.Load() {
				return
			}
			continue
		}

		if len(rec.data) > 0 {
			if _, err := rec.file.Write(rec.data); err != nil {
				// The worker validates the checksum of received bytes, so a
				// short write surfaces as a checksum mismatch; log the root
				// cause here.
				logger.Error("Write failed", logger.KeyFile, rec.file.Name(), logger.KeyError, err)
			}
		}

		if rec.last {
			if err := rec.file.Close(); err != nil {
				logger.Error("Close failed", logger.KeyFile, rec.file.Name(), logger.KeyError, err)
			}
			if rec.flushed != nil {
				close(rec.flushed)
			}
		}
	}
}
