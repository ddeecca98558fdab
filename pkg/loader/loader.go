// Package loader bulk-loads decoded snapshot rows into staging with hash-based change detection.
package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// ErrStopped is returned when the stop token fires between chunks. Committed chunks stay.
var ErrStopped = errors.New("load stopped")

// Stream is one decoded snapshot file.
type Stream interface {
	Kind() models.EntityKind
	// Next returns the next record, io.EOF at the end, or a *RowError for a row that could not be
	// decoded. Any other error means the file itself is unreadable.
	Next() (models.Record, error)
	// Progress is the fraction of the file consumed so far, in [0, 1].
	Progress() float64
	// Close releases the stream and deletes the downloaded artifact.
	Close() error
}

// RowError is a single malformed row. The loader counts and skips it.
type RowError struct {
	Row int
	Err error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("row %d: %v", e.Row, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// SourceError wraps a failure to read the file itself, as opposed to a persistence failure.
type SourceError struct {
	Err error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source: %v", e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }

// Store is the staging persistence the loader needs.
type Store interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	Upsert(ctx context.Context, batchID string, kind models.EntityKind, records []models.Record) (models.ChunkStats, error)
}

// ChunkFunc runs inside the chunk's transaction after its rows are merged. total is the running
// total for the file including this chunk.
type ChunkFunc func(ctx context.Context, chunk models.ChunkStats, total models.LoadStats, progress float64) error

// CommitFunc runs once the chunk's transaction has committed.
type CommitFunc func(chunk models.ChunkStats, total models.LoadStats, progress float64)

type Options struct {
	BatchID  string
	OnChunk  ChunkFunc
	OnCommit CommitFunc
	// Stop is checked between chunks.
	Stop <-chan struct{}
}

// ChunkSizes are rows per transaction by entity kind.
type ChunkSizes map[models.EntityKind]int

func DefaultChunkSizes() ChunkSizes {
	return ChunkSizes{
		models.KindCompany:   100000,
		models.KindOfficer:   50000,
		models.KindFinancial: 10000,
	}
}

type Loader struct {
	logger ectologger.Logger
	store  Store
	sizes  ChunkSizes
}

func NewLoader(logger ectologger.Logger, store Store, sizes ChunkSizes) *Loader {
	merged := DefaultChunkSizes()
	for kind, size := range sizes {
		if size > 0 {
			merged[kind] = size
		}
	}
	return &Loader{
		logger: logger,
		store:  store,
		sizes:  merged,
	}
}

// Load streams every record of the file into staging, one transaction per chunk. A malformed or
// unkeyed row is rejected and counted. A database failure aborts the file; earlier chunks stay
// committed.
func (l *Loader) Load(ctx context.Context, stream Stream, opts Options) (models.LoadStats, error) {
	ctx, span := tracing.StartSpan(ctx, "loader.Loader.Load")
	defer span.End()

	kind := stream.Kind()
	total := models.LoadStats{Kind: kind}
	size := l.sizes[kind]
	if size <= 0 {
		return total, fmt.Errorf("no chunk size for entity kind %q", kind)
	}

	log := l.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": opts.BatchID,
		"kind":     kind,
	})

	chunk := make([]models.Record, 0, size)
	rejected := 0

	flush := func() error {
		if len(chunk) == 0 && rejected == 0 {
			return nil
		}

		started := time.Now()
		progress := stream.Progress()
		var stats models.ChunkStats
		next := total
		err := l.store.WithinTx(ctx, func(ctx context.Context) error {
			var err error
			stats, err = l.store.Upsert(ctx, opts.BatchID, kind, chunk)
			if err != nil {
				return err
			}
			stats.Rejected = rejected

			next = total
			next.Chunks++
			next.Add(stats)

			if opts.OnChunk != nil {
				return opts.OnChunk(ctx, stats, next, progress)
			}
			return nil
		})
		if err != nil {
			log.WithError(err).WithField("chunk", total.Chunks+1).Error("Failed to commit staging chunk")
			return err
		}

		total = next
		metrics.RecordChunk(string(kind), stats.Inserted, stats.Updated, stats.Unchanged, stats.Rejected, time.Since(started).Seconds())
		if opts.OnCommit != nil {
			opts.OnCommit(stats, total, progress)
		}

		chunk = chunk[:0]
		rejected = 0
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}

		rec, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		var rowErr *RowError
		switch {
		case errors.As(err, &rowErr):
			rejected++
			log.WithError(err).Debug("Rejected malformed row")
			continue
		case err != nil:
			return total, &SourceError{Err: err}
		}

		if err := rec.Validate(); err != nil {
			rejected++
			log.WithError(err).Debugf("Rejected row %s", rec.Key())
			continue
		}

		chunk = append(chunk, rec)
		if len(chunk) < size {
			continue
		}

		if err := flush(); err != nil {
			return total, err
		}
		if stopped(opts.Stop) {
			return total, ErrStopped
		}
	}

	if err := flush(); err != nil {
		return total, err
	}

	log.WithFields(map[string]any{
		"chunks":    total.Chunks,
		"inserted":  total.Inserted,
		"updated":   total.Updated,
		"unchanged": total.Unchanged,
		"rejected":  total.Rejected,
	}).Info("Loaded file into staging")

	return total, nil
}

func stopped(stop <-chan struct{}) bool {
	if stop == nil {
		return false
	}
	select {
	case <-stop:
		return true
	default:
		return false
	}
}
