package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/internal/telemetry"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/metrics"
	"github.com/esgf-tools/esgfetch/pkg/session"
	"github.com/esgf-tools/esgfetch/pkg/writer"
)

// perfWindowSize is how many chunk-rate samples a worker retains. The
// window feeds the host adjustment hook; nothing consumes it yet.
const perfWindowSize = 5

// worker downloads one file: streaming GET, chunked enqueue to the shared
// writer, MD5 over the received bytes, events back to the scheduler. One
// goroutine per worker, joined by the scheduler on the terminal event.
type worker struct {
	row      catalog.Row
	filename string

	client    *http.Client
	writer    *writer.Writer
	events    chan<- Event
	blocksize int
	metrics   *metrics.DownloadMetrics

	// mu guards abort and the open-file critical section so a late abort
	// cannot race a just-opened descriptor.
	mu    sync.Mutex
	abort bool

	// Read by the scheduler only after the terminal event, which the
	// closed done channel orders after the final writes.
	dataSize  int64
	length    int64
	startTime time.Time
	endTime   time.Time

	perf []float64

	done chan struct{}
}

func newWorker(row catalog.Row, filename string, client *http.Client, w *writer.Writer, events chan<- Event, blocksize int, m *metrics.DownloadMetrics) *worker {
	return &worker{
		row:       row,
		filename:  filename,
		client:    client,
		writer:    w,
		events:    events,
		blocksize: blocksize,
		metrics:   m,
		perf:      make([]float64, 0, perfWindowSize),
		done:      make(chan struct{}),
	}
}

// Start launches the download goroutine.
func (w *worker) Start(ctx context.Context) {
	go w.run(ctx)
}

// Abort requests cooperative cancellation. The worker polls the flag after
// every chunk.
func (w *worker) Abort() {
	w.mu.Lock()
	w.abort = true
	w.mu.Unlock()
}

func (w *worker) aborted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.abort
}

// Join blocks until the download goroutine has returned.
func (w *worker) Join() {
	<-w.done
}

func (w *worker) addPerf(kbps float64) {
	if len(w.perf) == perfWindowSize {
		copy(w.perf, w.perf[1:])
		w.perf = w.perf[:perfWindowSize-1]
	}
	w.perf = append(w.perf, kbps)
}

func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	id := w.row.TransferID
	ctx = logger.WithTransfer(ctx, id, w.row.Datanode, w.row.Location)
	ctx, span := telemetry.StartDownloadSpan(ctx, id, w.row.Datanode, w.row.Location,
		telemetry.File(w.filename))
	defer span.End()

	w.startTime = time.Now()

	if !strings.EqualFold(w.row.ChecksumType, "MD5") {
		logger.WarnCtx(ctx, "Unsupported checksum type", "checksum_type", w.row.ChecksumType)
		w.finish(ctx, errorEvent(id, "UNSUPPORTED_CHECKSUM_TYPE"))
		return
	}

	sum := md5.New()

	res, err := session.Get(ctx, w.client, w.row.Location)
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "Request failed", logger.Err(err))
		w.finish(ctx, errorEvent(id, requestReason(err)))
		return
	}
	defer res.Body.Close()

	w.events <- lengthEvent(id, res.ContentLength)

	f, err := w.open()
	if err != nil {
		telemetry.RecordError(ctx, err)
		logger.ErrorCtx(ctx, "Cannot create local file", logger.Err(err), logger.KeyFile, w.filename)
		w.finish(ctx, errorEvent(id, "FILE_CREATION_ERROR"))
		return
	}
	if f == nil {
		// Aborted before the file was opened; nothing on disk to clean.
		w.finish(ctx, abortedEvent(id, "aborted before transfer started"))
		return
	}

	buf := make([]byte, w.blocksize)
	lastChunk := time.Now()
	for {
		n, rerr := io.ReadFull(res.Body, buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			w.writer.Enqueue(f, chunk, false)
			sum.Write(chunk)
			w.dataSize += int64(n)
			w.metrics.RecordBytes(w.row.Datanode, n)

			now := time.Now()
			if elapsed := now.Sub(lastChunk).Seconds(); elapsed > 0 {
				kbps := float64(n) / 1024.0 / elapsed
				w.addPerf(kbps)
				w.events <- speedEvent(id, kbps)
			}
			lastChunk = now
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
				break
			}
			telemetry.RecordError(ctx, rerr)
			logger.WarnCtx(ctx, "Stream broke mid-transfer", logger.Err(rerr), logger.KeyBytes, w.dataSize)
			w.discard(f)
			w.finish(ctx, abortedEvent(id, rerr.Error()))
			return
		}
		if w.aborted() {
			logger.InfoCtx(ctx, "Transfer aborted", logger.KeyBytes, w.dataSize)
			w.discard(f)
			w.finish(ctx, abortedEvent(id, "aborted by scheduler"))
			return
		}
	}

	// Block until every queued chunk hit the disk and the descriptor is
	// closed; the row must not go terminal while bytes are still in
	// flight to the filesystem.
	<-w.writer.EnqueueLast(f)

	w.endTime = time.Now()

	if got := hex.EncodeToString(sum.Sum(nil)); !strings.EqualFold(got, w.row.Checksum) {
		logger.ErrorCtx(ctx, "Checksum mismatch",
			"expected", strings.ToLower(w.row.Checksum), "computed", got)
		_ = os.Remove(w.filename)
		w.finish(ctx, errorEvent(id, "CHECKSUM_MISMATCH_ERROR"))
		return
	}

	avg := 0.0
	if d := w.endTime.Sub(w.startTime).Seconds(); d > 0 {
		avg = float64(w.dataSize) / 1024.0 / d
	}
	telemetry.SetAttributes(ctx, telemetry.Bytes(w.dataSize))
	w.finish(ctx, doneEvent(id, avg))
}

// open creates parent directories and the target file under the abort lock.
// Returns (nil, nil) when an abort landed first.
func (w *worker) open() (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(w.filename), 0o755); err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.abort {
		return nil, nil
	}
	return os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
}

// discard hands the descriptor back to the writer for closing and removes
// the partial file. Queued writes still drain into the unlinked inode.
func (w *worker) discard(f *os.File) {
	w.writer.Enqueue(f, nil, true)
	_ = os.Remove(w.filename)
}

// finish stamps the end time if a failure path skipped it and emits the
// terminal event.
func (w *worker) finish(ctx context.Context, ev Event) {
	if w.endTime.IsZero() {
		w.endTime = time.Now()
	}
	logger.DebugCtx(ctx, "Worker finished",
		"event", ev.Type.String(), logger.KeyDuration, logger.Duration(w.startTime))
	w.events <- ev
}

// requestReason maps a GET failure to the short tag stored in error_msg.
func requestReason(err error) string {
	var statusErr *session.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Tag
	}
	return err.Error()
}
