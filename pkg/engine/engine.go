package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/esgf-tools/esgfetch/internal/bytesize"
	"github.com/esgf-tools/esgfetch/internal/logger"
	"github.com/esgf-tools/esgfetch/internal/telemetry"
	"github.com/esgf-tools/esgfetch/pkg/auth"
	"github.com/esgf-tools/esgfetch/pkg/catalog"
	"github.com/esgf-tools/esgfetch/pkg/metrics"
	"github.com/esgf-tools/esgfetch/pkg/session"
	"github.com/esgf-tools/esgfetch/pkg/writer"
)

// Config controls the download engine. Zero values fall back to defaults
// via ApplyDefaults.
type Config struct {
	// BasePath is the root under which local_image paths materialize.
	BasePath string `mapstructure:"base_path" validate:"required" yaml:"base_path"`

	// InitialWorkersPerHost caps concurrent downloads per datanode.
	InitialWorkersPerHost int `mapstructure:"initial_workers_per_host" validate:"gte=1" yaml:"initial_workers_per_host"`

	// MaxTotalWorkers caps concurrent downloads across all datanodes.
	MaxTotalWorkers int `mapstructure:"max_total_workers" validate:"gte=1" yaml:"max_total_workers"`

	// Blocksize is the streaming chunk size.
	Blocksize bytesize.ByteSize `mapstructure:"blocksize" yaml:"blocksize,omitempty"`

	// QueueLength bounds the shared writer queue.
	QueueLength int `mapstructure:"queue_length" yaml:"queue_length,omitempty"`

	// ExitWhenIdle makes Run return once the catalog has been scanned and
	// no pending or in-flight work remains, instead of polling forever.
	ExitWhenIdle bool `mapstructure:"exit_when_idle" yaml:"exit_when_idle,omitempty"`

	// Intervals, tuned down only in tests.
	TickInterval     time.Duration `mapstructure:"tick_interval" yaml:"tick_interval,omitempty"`
	DispatchRamp     time.Duration `mapstructure:"dispatch_ramp" yaml:"dispatch_ramp,omitempty"`
	MetadataInterval time.Duration `mapstructure:"metadata_interval" yaml:"metadata_interval,omitempty"`
	GracePeriod      time.Duration `mapstructure:"grace_period" yaml:"grace_period,omitempty"`
}

// ApplyDefaults fills unset fields with production values.
func (c *Config) ApplyDefaults() {
	if c.InitialWorkersPerHost == 0 {
		c.InitialWorkersPerHost = 3
	}
	if c.MaxTotalWorkers == 0 {
		c.MaxTotalWorkers = 100
	}
	if c.Blocksize == 0 {
		c.Blocksize = bytesize.MiB
	}
	if c.QueueLength == 0 {
		c.QueueLength = 2 * c.MaxTotalWorkers
	}
	if c.TickInterval == 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.DispatchRamp == 0 {
		c.DispatchRamp = 200 * time.Millisecond
	}
	if c.MetadataInterval == 0 {
		c.MetadataInterval = time.Minute
	}
	if c.GracePeriod == 0 {
		c.GracePeriod = 10 * time.Second
	}
}

// Engine is the multi-host download scheduler. One Run per process: it
// pulls waiting rows from the catalog, fans them out to per-host worker
// pools under per-host and global caps, funnels every disk write through
// the shared writer, and applies worker events back onto the catalog.
//
// All mutable state (hosts, active, counters) belongs to the scheduler
// goroutine; workers communicate only through the event channel.
type Engine struct {
	config   Config
	catalog  *catalog.Catalog
	sessions *session.Factory
	auth     auth.Manager
	metrics  *metrics.DownloadMetrics

	writer *writer.Writer
	events chan Event

	metadataIn   chan catalog.Row
	readerFailed chan struct{}

	hosts  map[string]*hostSlot
	active map[int64]*worker

	inFlight int
	running  bool
	stopNow  bool
	fatalErr error

	scanned atomic.Int64
}

// New builds an engine. auth may be nil when credentials are managed out
// of band (tests, pre-provisioned certs).
func New(config Config, cat *catalog.Catalog, sessions *session.Factory, mgr auth.Manager, m *metrics.DownloadMetrics) *Engine {
	config.ApplyDefaults()
	return &Engine{
		config:       config,
		catalog:      cat,
		sessions:     sessions,
		auth:         mgr,
		metrics:      m,
		events:       make(chan Event, 4*config.MaxTotalWorkers+64),
		metadataIn:   make(chan catalog.Row, 1024),
		readerFailed: make(chan struct{}),
		hosts:        make(map[string]*hostSlot),
		active:       make(map[int64]*worker),
	}
}

// Run executes the dispatch loop until the catalog has no more work in
// sight and all workers drained (quiescent), or until ctx is cancelled
// (urgent). Urgent shutdown aborts workers, resets their rows to waiting
// and removes partial files; a later Run picks them up again.
func (e *Engine) Run(ctx context.Context) error {
	if e.auth != nil && !e.auth.IsLoggedOn() {
		return auth.ErrNotLoggedOn
	}

	logger.Info("Engine starting",
		"base_path", e.config.BasePath,
		"workers_per_host", e.config.InitialWorkersPerHost,
		"max_total_workers", e.config.MaxTotalWorkers,
		"blocksize", e.config.Blocksize.String())

	e.writer = writer.New(e.config.QueueLength)
	e.running = true
	e.stopNow = false

	readerCtx, stopReader := context.WithCancel(ctx)
	defer stopReader()
	go e.metadataReader(readerCtx)

	for e.running {
		select {
		case <-ctx.Done():
			logger.Info("Termination requested, shutting down")
			e.running = false
			e.stopNow = true
			continue
		case <-e.readerFailed:
			logger.Error("Catalog scan failed, shutting down")
			e.running = false
			e.stopNow = true
			e.fatalErr = fmt.Errorf("catalog scan failed")
			continue
		default:
		}

		e.drainMetadata()
		e.dispatch(ctx)
		e.adjustHostLimits()
		e.applyEvents(ctx)

		e.metrics.SetWriterQueueDepth(e.writer.Pending())
		e.metrics.SetPendingTransfers(e.pendingCount())

		if e.config.ExitWhenIdle && e.idle() {
			logger.Info("No work left, stopping")
			e.running = false
			continue
		}

		time.Sleep(e.config.TickInterval)
	}

	if e.stopNow {
		e.shutdownNow()
	} else {
		e.drainAndStop(ctx)
	}

	logger.Info("Engine exited", logger.Err(e.fatalErr))
	return e.fatalErr
}

// idle reports whether at least one catalog scan completed and no queued
// or in-flight work remains.
func (e *Engine) idle() bool {
	return e.scanned.Load() > 0 && e.inFlight == 0 && e.pendingCount() == 0
}

// metadataReader periodically scans the catalog for waiting rows with ids
// beyond the last one seen and feeds them to the scheduler. Rows reset back
// to waiting keep their id, so they are picked up by the next Run, not by
// a running scan.
func (e *Engine) metadataReader(ctx context.Context) {
	var lastSeen int64

	for {
		scanCtx, span := telemetry.StartSpan(ctx, telemetry.SpanCatalogScan)
		rows, err := e.catalog.ListNewWaiting(scanCtx, lastSeen)
		span.End()
		if err != nil {
			if ctx.Err() == nil {
				logger.Error("Catalog scan failed", logger.Err(err))
				close(e.readerFailed)
			}
			return
		}

		if len(rows) > 0 {
			logger.Info("New transfers found", "count", len(rows), "since_id", lastSeen)
		}
		for _, row := range rows {
			select {
			case e.metadataIn <- row:
			case <-ctx.Done():
				return
			}
			if row.TransferID > lastSeen {
				lastSeen = row.TransferID
			}
		}
		e.scanned.Add(1)

		select {
		case <-time.After(e.config.MetadataInterval):
		case <-ctx.Done():
			return
		}
	}
}

// drainMetadata moves newly scanned rows into their host slots, creating
// slots on first sighting of a datanode.
func (e *Engine) drainMetadata() {
	for {
		select {
		case row := <-e.metadataIn:
			slot, err := e.hostFor(row.Datanode)
			if err != nil {
				// Without a client for the host nothing can ever be
				// dispatched to it; fail the row instead of queueing.
				logger.Error("Cannot build session for datanode",
					logger.KeyDatanode, row.Datanode, logger.Err(err))
				e.updateCatalog(row.TransferID, map[string]any{
					"status":    catalog.StatusError,
					"error_msg": fmt.Sprintf("session setup failed: %v", err),
				})
				continue
			}
			slot.push(row)
		default:
			return
		}
	}
}

func (e *Engine) hostFor(datanode string) (*hostSlot, error) {
	if slot, ok := e.hosts[datanode]; ok {
		return slot, nil
	}
	client, err := e.sessions.NewClient()
	if err != nil {
		return nil, err
	}
	slot := &hostSlot{
		datanode:   datanode,
		client:     client,
		maxWorkers: e.config.InitialWorkersPerHost,
	}
	e.hosts[datanode] = slot
	logger.Debug("New datanode registered", logger.KeyDatanode, datanode)
	return slot, nil
}

// dispatch starts workers round-robin across host slots up to the per-host
// and global caps. A short ramp sleep between starts avoids hammering a
// node with simultaneous TLS handshakes.
func (e *Engine) dispatch(ctx context.Context) {
	for _, slot := range e.hosts {
		for slot.hasCapacity() && e.inFlight < e.config.MaxTotalWorkers {
			row, ok := slot.pop()
			if !ok {
				break
			}

			filename := filepath.Join(e.config.BasePath, row.LocalImage)
			w := newWorker(row, filename, slot.client, e.writer, e.events, int(e.config.Blocksize.Int64()), e.metrics)
			e.active[row.TransferID] = w
			slot.inFlight++
			e.inFlight++
			e.metrics.RecordStart(row.Datanode)

			logger.Info("Transfer starting",
				logger.TransferID(row.TransferID),
				logger.KeyDatanode, row.Datanode,
				logger.KeyURL, row.Location,
				logger.KeyFile, filename)
			w.Start(ctx)

			e.applyEvents(ctx)
			time.Sleep(e.config.DispatchRamp)

			if !e.running {
				return
			}
		}
	}
}

// adjustHostLimits is the per-tick hook for reshaping per-host caps from
// the workers' rolling rate windows. Intentionally a no-op for now.
func (e *Engine) adjustHostLimits() {}

// applyEvents drains the event bus without blocking and reflects each
// event into the catalog.
func (e *Engine) applyEvents(ctx context.Context) {
	for {
		select {
		case ev := <-e.events:
			e.applyEvent(ctx, ev)
		default:
			return
		}
	}
}

func (e *Engine) applyEvent(ctx context.Context, ev Event) {
	w, ok := e.active[ev.TransferID]
	if !ok {
		logger.Warn("Event for unknown transfer", logger.TransferID(ev.TransferID), "event", ev.Type.String())
		return
	}

	switch ev.Type {
	case EventLength:
		w.length = ev.Length
		logger.InfoCtx(ctx, "Transfer running",
			logger.TransferID(ev.TransferID), logger.KeyLength, ev.Length)
		e.updateCatalog(ev.TransferID, map[string]any{"status": catalog.StatusRunning})

	case EventSpeed:
		logger.Debug("Transfer progress", logger.TransferID(ev.TransferID), logger.Rate(ev.KBps))

	case EventError:
		logger.Error("Transfer failed",
			logger.TransferID(ev.TransferID), logger.KeyReason, ev.Reason)
		e.finalize(w, catalog.StatusError, map[string]any{"error_msg": ev.Reason}, "error")

	case EventAborted:
		logger.Warn("Transfer aborted",
			logger.TransferID(ev.TransferID), logger.KeyReason, ev.Reason)
		e.finalize(w, catalog.StatusWaiting, nil, "aborted")

	case EventDone:
		logger.Info("Transfer complete",
			logger.TransferID(ev.TransferID), logger.Rate(ev.KBps), logger.KeyBytes, w.dataSize)
		e.finalize(w, catalog.StatusDone, nil, "done")
	}
}

// finalize joins the worker, stamps timings on its row, decrements the
// counters and drops it from the active map.
func (e *Engine) finalize(w *worker, status catalog.Status, extra map[string]any, outcome string) {
	w.Join()

	duration := w.endTime.Sub(w.startTime).Seconds()
	rate := 0.0
	if duration > 0 {
		rate = float64(w.dataSize) / duration
	}

	fields := map[string]any{
		"status":     status,
		"start_date": w.startTime,
		"end_date":   w.endTime,
		"duration":   duration,
		"rate":       rate,
	}
	for k, v := range extra {
		fields[k] = v
	}
	e.updateCatalog(w.row.TransferID, fields)

	if slot, ok := e.hosts[w.row.Datanode]; ok {
		slot.inFlight--
	}
	e.inFlight--
	delete(e.active, w.row.TransferID)
	e.metrics.RecordFinish(w.row.Datanode, outcome, duration)
}

// updateCatalog writes fields for a transfer. A write failure while the
// engine is live forces urgent shutdown; the rows of in-flight workers go
// back to waiting so nothing is lost.
func (e *Engine) updateCatalog(transferID int64, fields map[string]any) {
	// Shutdown-path writes must survive a cancelled run context.
	err := e.catalog.Update(context.Background(), transferID, fields)
	if err == nil {
		return
	}
	logger.Error("Catalog update failed", logger.TransferID(transferID), logger.Err(err))
	if e.running && !e.stopNow {
		e.running = false
		e.stopNow = true
		e.fatalErr = fmt.Errorf("catalog update failed: %w", err)
	}
}

// pendingCount sums queued rows across host slots.
func (e *Engine) pendingCount() int {
	n := len(e.metadataIn)
	for _, slot := range e.hosts {
		n += len(slot.pending)
	}
	return n
}

// shutdownNow is the urgent path: drain the writer, flag every worker to
// abort and reset its row, wait out a bounded grace period, then sweep
// away partial files.
func (e *Engine) shutdownNow() {
	logger.Warn("Urgent shutdown", "active", len(e.active))

	e.writer.Shutdown()

	for id, w := range e.active {
		w.Abort()
		if err := e.catalog.MarkWaiting(context.Background(), id); err != nil {
			logger.Error("Could not reset transfer to waiting", logger.TransferID(id), logger.Err(err))
		}
	}

	// Workers need to observe the flag and unwind; events are discarded,
	// the catalog rows are already reset.
	deadline := time.Now().Add(e.config.GracePeriod)
	for time.Now().Before(deadline) {
		e.discardEvents()
		if e.allWorkersDone() {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}
	e.discardEvents()

	for _, w := range e.active {
		if err := os.Remove(w.filename); err != nil && !os.IsNotExist(err) {
			logger.Warn("Could not remove partial file", logger.KeyFile, w.filename, logger.Err(err))
		}
	}
}

func (e *Engine) discardEvents() {
	for {
		select {
		case <-e.events:
		default:
			return
		}
	}
}

func (e *Engine) allWorkersDone() bool {
	for _, w := range e.active {
		select {
		case <-w.done:
		default:
			return false
		}
	}
	return true
}

// drainAndStop is the quiescent path: keep applying events until every
// worker has reported a terminal event, then stop the writer.
func (e *Engine) drainAndStop(ctx context.Context) {
	logger.Info("Draining in-flight transfers", "active", len(e.active))
	for e.inFlight > 0 {
		e.applyEvents(ctx)
		if e.stopNow {
			// A catalog write failure mid-drain flips to urgent.
			e.shutdownNow()
			return
		}
		time.Sleep(e.config.TickInterval)
	}
	e.writer.Shutdown()
}
