// Package ingestion runs one batch of snapshot files through download and staging load, with
// checkpointed progress, cooperative stop and resume.
package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Gobusters/ectolinq"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/loader"
	"github.com/Ramsey-B/fern/pkg/logstream"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// downloadedProgress is the current-file progress once the artifact is on disk.
	downloadedProgress = 30
	loadProgressSpan   = 100 - downloadedProgress
)

// BatchStore persists ingestion_log rows.
type BatchStore interface {
	Create(ctx context.Context, batch *models.IngestionBatch) error
	Save(ctx context.Context, batch *models.IngestionBatch) error
	Latest(ctx context.Context) (*models.IngestionBatch, error)
	RecoverRunning(ctx context.Context, reason string) ([]string, error)
}

// Supplier downloads snapshot files and opens them as record streams.
type Supplier interface {
	// Prefetch starts background downloads of files, bounded by the download concurrency.
	Prefetch(ctx context.Context, files []models.FileTarget)
	// Open waits for the file's download and decodes it. Closing the stream deletes the artifact.
	Open(ctx context.Context, file models.FileTarget) (loader.Stream, error)
	// Discard cancels outstanding prefetches and deletes artifacts that were never opened.
	Discard()
}

// Loader streams a decoded file into staging.
type Loader interface {
	Load(ctx context.Context, stream loader.Stream, opts loader.Options) (models.LoadStats, error)
}

// Status is the polling view of the orchestrator.
type Status struct {
	IsRunning bool             `json:"is_running"`
	Progress  *models.Progress `json:"progress"`
}

// Orchestrator drives at most one batch at a time on a background worker.
type Orchestrator struct {
	logger   ectologger.Logger
	store    BatchStore
	supplier Supplier
	loader   Loader
	lease    Lease
	logs     *logstream.Broadcaster
	events   events.Publisher
	now      func() time.Time

	mu      sync.Mutex
	current *models.IngestionBatch
	running bool
	stop    chan struct{}
	stopped bool
	done    chan struct{}
}

func NewOrchestrator(
	logger ectologger.Logger,
	store BatchStore,
	supplier Supplier,
	ldr Loader,
	lease Lease,
	logs *logstream.Broadcaster,
	publisher events.Publisher,
) *Orchestrator {
	if lease == nil {
		lease = NewLocalLease()
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Orchestrator{
		logger:   logger,
		store:    store,
		supplier: supplier,
		loader:   ldr,
		lease:    lease,
		logs:     logs,
		events:   publisher,
		now:      time.Now,
	}
}

// Start creates a batch over files and begins processing them in order.
func (o *Orchestrator) Start(ctx context.Context, cohort string, files []models.FileTarget) (*models.IngestionBatch, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.Start")
	defer span.End()

	if len(files) == 0 {
		return nil, ErrNoFiles
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil, ErrAlreadyRunning
	}
	if err := o.acquire(ctx); err != nil {
		return nil, err
	}

	batch := models.NewIngestionBatch(cohort, files, o.now().UTC())
	if err := o.store.Create(ctx, batch); err != nil {
		o.release(ctx)
		return nil, err
	}

	o.logf(ctx, "Started batch %s with %d files", batch.BatchID, batch.FilesTotal)
	metrics.RecordBatch(string(models.BatchRunning))
	o.events.EmitBatch(ctx, events.BatchStarted, batch)
	o.launch(ctx, batch)

	return batch.Clone(), nil
}

// Resume continues the latest stopped or failed batch from its first unfinished file.
func (o *Orchestrator) Resume(ctx context.Context) (*models.IngestionBatch, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.Resume")
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil, ErrAlreadyRunning
	}

	batch, err := o.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if batch == nil || !batch.Status.Resumable() {
		return nil, ErrNothingToResume
	}

	if err := o.acquire(ctx); err != nil {
		return nil, err
	}

	next := batch.NextFile()
	batch.Status = models.BatchRunning
	batch.Error = nil
	batch.CompletedAt = nil
	batch.CurrentFile = nil
	batch.CurrentFileProgress = 0
	if err := o.store.Save(ctx, batch); err != nil {
		o.release(ctx)
		return nil, err
	}

	if next >= 0 {
		o.logf(ctx, "Resuming batch %s from file %d/%d", batch.BatchID, next+1, batch.FilesTotal)
	} else {
		o.logf(ctx, "Resuming batch %s with no files left", batch.BatchID)
	}
	metrics.RecordBatch(string(models.BatchRunning))
	o.events.EmitBatch(ctx, events.BatchStarted, batch)
	o.launch(ctx, batch)

	return batch.Clone(), nil
}

// Stop asks the worker to halt at the next chunk or file boundary.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.running {
		return ErrNotRunning
	}
	if !o.stopped {
		o.stopped = true
		close(o.stop)
		o.logf(ctx, "Stop requested for batch %s", o.current.BatchID)
	}
	return nil
}

// Status returns the live batch while running, else the latest persisted batch.
func (o *Orchestrator) Status(ctx context.Context) (*Status, error) {
	o.mu.Lock()
	if o.running {
		progress := o.current.Progress()
		o.mu.Unlock()
		return &Status{IsRunning: true, Progress: &progress}, nil
	}
	o.mu.Unlock()

	latest, err := o.store.Latest(ctx)
	if err != nil {
		return nil, err
	}
	status := &Status{}
	if latest != nil {
		progress := latest.Progress()
		status.Progress = &progress
	}
	return status, nil
}

// IsRunning reports whether a worker is active in this process.
func (o *Orchestrator) IsRunning() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Subscribe attaches a live log listener. Lines published before the call are not replayed.
func (o *Orchestrator) Subscribe() *logstream.Subscription {
	return o.logs.Subscribe()
}

func (o *Orchestrator) Unsubscribe(sub *logstream.Subscription) {
	o.logs.Unsubscribe(sub)
}

// Recover moves batches a crashed process left running to stopped so they can be resumed. It
// does nothing while the lease is held, since a running batch then belongs to a live worker.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.Recover")
	defer span.End()

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.running {
		return nil
	}
	ok, err := o.lease.TryAcquire(ctx)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Failed to acquire ingestion lease for recovery")
		return err
	}
	if !ok {
		o.logger.WithContext(ctx).Info("Ingestion lease is held elsewhere, leaving running batches alone")
		return nil
	}
	defer o.release(ctx)

	ids, err := o.store.RecoverRunning(ctx, InterruptedByRestart)
	if err != nil {
		return err
	}
	for _, id := range ids {
		o.logger.WithContext(ctx).WithField("batch_id", id).Info("Marked interrupted batch as stopped")
		metrics.RecordBatch(string(models.BatchStopped))
	}
	return nil
}

// Shutdown stops the worker and waits for it to exit or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return nil
	}
	if !o.stopped {
		o.stopped = true
		close(o.stop)
	}
	done := o.done
	o.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the current worker, if any, has exited.
func (o *Orchestrator) Wait() {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (o *Orchestrator) acquire(ctx context.Context) error {
	ok, err := o.lease.TryAcquire(ctx)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Error("Failed to acquire ingestion lease")
		return err
	}
	if !ok {
		return ErrAlreadyRunning
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context) {
	if err := o.lease.Release(ctx); err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Failed to release ingestion lease")
	}
}

// launch must be called with o.mu held.
func (o *Orchestrator) launch(ctx context.Context, batch *models.IngestionBatch) {
	o.current = batch
	o.running = true
	o.stopped = false
	o.stop = make(chan struct{})
	o.done = make(chan struct{})
	metrics.BatchRunning.Set(1)

	// the worker outlives the request that started it
	workerCtx := context.WithoutCancel(ctx)
	go o.run(workerCtx, batch, o.stop, o.done)
}

func (o *Orchestrator) run(ctx context.Context, batch *models.IngestionBatch, stop <-chan struct{}, done chan struct{}) {
	defer func() {
		o.supplier.Discard()
		o.mu.Lock()
		o.running = false
		o.release(ctx)
		o.mu.Unlock()
		metrics.BatchRunning.Set(0)
		close(done)
	}()

	o.supplier.Prefetch(ctx, o.pendingFiles(batch))

	for i := range batch.Files.Data {
		if isClosed(stop) {
			o.finishStopped(ctx, batch)
			return
		}

		o.mu.Lock()
		file := batch.Files.Data[i]
		o.mu.Unlock()
		if file.Status.Done() {
			continue
		}

		kind, ok := file.Product.Kind()
		if !ok {
			o.logf(ctx, "Skipping %s: unknown product %q", file.Name(), file.Product)
			o.updateFile(batch, i, func(f *models.FileTarget) {
				f.Status = models.FileSkipped
			})
			o.mu.Lock()
			batch.FilesCompleted++
			o.mu.Unlock()
			metrics.RecordFile(string(file.Product), string(models.FileSkipped))
			if err := o.save(ctx, batch); err != nil {
				o.finishFailed(ctx, batch, err)
				return
			}
			continue
		}

		err := o.processFile(ctx, batch, i, file, kind, stop)
		var srcErr *loader.SourceError
		switch {
		case err == nil:
			o.updateFile(batch, i, func(f *models.FileTarget) {
				f.Status = models.FileCompleted
				f.Error = ""
			})
			o.mu.Lock()
			batch.FilesCompleted++
			batch.CurrentFile = nil
			batch.CurrentFileProgress = 0
			o.mu.Unlock()
			metrics.RecordFile(string(file.Product), string(models.FileCompleted))
			if err := o.save(ctx, batch); err != nil {
				o.finishFailed(ctx, batch, err)
				return
			}

		case errors.Is(err, loader.ErrStopped):
			// committed chunks stay, the file is only checkpointed whole
			o.updateFile(batch, i, func(f *models.FileTarget) {
				f.Status = models.FilePending
			})
			o.finishStopped(ctx, batch)
			return

		case errors.As(err, &srcErr):
			o.logf(ctx, "File %s failed: %v", file.Name(), srcErr.Err)
			o.updateFile(batch, i, func(f *models.FileTarget) {
				f.Status = models.FileFailed
				f.Error = srcErr.Err.Error()
			})
			o.mu.Lock()
			batch.CurrentFile = nil
			batch.CurrentFileProgress = 0
			o.mu.Unlock()
			metrics.RecordFile(string(file.Product), string(models.FileFailed))
			if err := o.save(ctx, batch); err != nil {
				o.finishFailed(ctx, batch, err)
				return
			}

		default:
			metrics.RecordFile(string(file.Product), string(models.FileFailed))
			o.updateFile(batch, i, func(f *models.FileTarget) {
				f.Status = models.FileFailed
				f.Error = err.Error()
			})
			o.finishFailed(ctx, batch, err)
			return
		}
	}

	o.mu.Lock()
	failed := batch.FailedFiles()
	o.mu.Unlock()
	if len(failed) > 0 {
		o.finishFailed(ctx, batch, fmt.Errorf("failed files: %s", strings.Join(failed, ", ")))
		return
	}
	o.finish(ctx, batch, models.BatchCompleted, nil)
}

func (o *Orchestrator) processFile(
	ctx context.Context,
	batch *models.IngestionBatch,
	index int,
	file models.FileTarget,
	kind models.EntityKind,
	stop <-chan struct{},
) error {
	ctx, span := tracing.StartSpan(ctx, "ingestion.Orchestrator.processFile")
	defer span.End()

	name := file.Name()
	o.mu.Lock()
	// a file left pending or failed mid-load is reloaded from its first row
	batch.ResetFile(index, kind)
	batch.Files.Data[index].Status = models.FileRunning
	batch.Files.Data[index].Error = ""
	batch.CurrentFile = &name
	batch.CurrentFileProgress = 0
	o.mu.Unlock()
	if err := o.save(ctx, batch); err != nil {
		return err
	}

	o.logf(ctx, "Processing file %d/%d: %s", index+1, batch.FilesTotal, name)

	stream, err := o.supplier.Open(ctx, file)
	if err != nil {
		return &loader.SourceError{Err: err}
	}
	defer func() {
		if err := stream.Close(); err != nil {
			o.logger.WithContext(ctx).WithError(err).Warnf("Failed to clean up %s", name)
		}
	}()

	o.mu.Lock()
	batch.CurrentFileProgress = downloadedProgress
	o.mu.Unlock()
	if err := o.save(ctx, batch); err != nil {
		return err
	}
	o.logf(ctx, "Downloaded %s, loading %s records", name, kind)

	stats, err := o.loader.Load(ctx, stream, loader.Options{
		BatchID: batch.BatchID,
		Stop:    stop,
		// the checkpoint is saved inside the chunk's transaction; the live batch moves once it commits
		OnChunk: func(ctx context.Context, chunk models.ChunkStats, total models.LoadStats, progress float64) error {
			o.mu.Lock()
			snapshot := batch.Clone()
			o.mu.Unlock()
			applyChunk(snapshot, index, kind, chunk, total, progress)
			return o.store.Save(ctx, snapshot)
		},
		OnCommit: func(chunk models.ChunkStats, total models.LoadStats, progress float64) {
			o.mu.Lock()
			applyChunk(batch, index, kind, chunk, total, progress)
			o.mu.Unlock()

			o.logf(ctx, "%s: chunk %d committed (%d inserted, %d updated, %d unchanged, %d rejected)",
				name, total.Chunks, chunk.Inserted, chunk.Updated, chunk.Unchanged, chunk.Rejected)
		},
	})
	if err != nil {
		return err
	}

	o.logf(ctx, "Finished %s: %d rows (%d inserted, %d updated, %d unchanged), %d rejected",
		name, stats.Processed(), stats.Inserted, stats.Updated, stats.Unchanged, stats.Rejected)
	return nil
}

func applyChunk(batch *models.IngestionBatch, index int, kind models.EntityKind, chunk models.ChunkStats, total models.LoadStats, progress float64) {
	batch.AddProcessed(kind, chunk)
	batch.CurrentFileProgress = downloadedProgress + loadProgressSpan*progress
	batch.Files.Data[index].Rows = total.Processed()
	batch.Files.Data[index].Rejected = total.Rejected
}

func (o *Orchestrator) finishStopped(ctx context.Context, batch *models.IngestionBatch) {
	o.mu.Lock()
	batch.CurrentFile = nil
	batch.CurrentFileProgress = 0
	o.mu.Unlock()
	o.finish(ctx, batch, models.BatchStopped, nil)
}

func (o *Orchestrator) finishFailed(ctx context.Context, batch *models.IngestionBatch, cause error) {
	o.logger.WithContext(ctx).WithError(cause).WithField("batch_id", batch.BatchID).Error("Ingestion batch failed")
	o.finish(ctx, batch, models.BatchFailed, cause)
}

func (o *Orchestrator) finish(ctx context.Context, batch *models.IngestionBatch, status models.BatchStatus, cause error) {
	o.mu.Lock()
	batch.Status = status
	if cause != nil {
		msg := cause.Error()
		batch.Error = &msg
	}
	if status == models.BatchCompleted {
		now := o.now().UTC()
		batch.CompletedAt = &now
		batch.CurrentFile = nil
		batch.CurrentFileProgress = 0
	}
	snapshot := batch.Clone()
	o.mu.Unlock()

	if err := o.store.Save(ctx, snapshot); err != nil {
		o.logger.WithContext(ctx).WithError(err).WithField("batch_id", batch.BatchID).Error("Failed to persist final batch state")
	}

	switch status {
	case models.BatchCompleted:
		o.logf(ctx, "Batch %s completed: %d companies, %d officers, %d financials, %d rejected",
			batch.BatchID, snapshot.CompaniesProcessed, snapshot.OfficersProcessed, snapshot.FinancialsProcessed, snapshot.RowsRejected)
		o.events.EmitBatch(ctx, events.BatchCompleted, snapshot)
	case models.BatchStopped:
		o.logf(ctx, "Batch %s stopped after %d/%d files", batch.BatchID, snapshot.FilesCompleted, snapshot.FilesTotal)
		o.events.EmitBatch(ctx, events.BatchStopped, snapshot)
	case models.BatchFailed:
		o.logf(ctx, "Batch %s failed: %v", batch.BatchID, cause)
		o.events.EmitBatch(ctx, events.BatchFailed, snapshot)
	}
	metrics.RecordBatch(string(status))
}

func (o *Orchestrator) save(ctx context.Context, batch *models.IngestionBatch) error {
	o.mu.Lock()
	snapshot := batch.Clone()
	o.mu.Unlock()
	return o.store.Save(ctx, snapshot)
}

func (o *Orchestrator) updateFile(batch *models.IngestionBatch, index int, fn func(f *models.FileTarget)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&batch.Files.Data[index])
}

func (o *Orchestrator) pendingFiles(batch *models.IngestionBatch) []models.FileTarget {
	o.mu.Lock()
	defer o.mu.Unlock()
	return ectolinq.Filter(batch.Files.Data, func(f models.FileTarget) bool {
		_, known := f.Product.Kind()
		return known && !f.Status.Done()
	})
}

// logf publishes a "[HH:MM:SS] message" line to live subscribers and mirrors it to the logger.
func (o *Orchestrator) logf(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	o.logs.Publish(msg)
	o.logger.WithContext(ctx).Info(msg)
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
