// Package ingestionlog persists ingestion batches and their checkpoints.
package ingestionlog

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const tableName = "ingestion_log"

var batchStruct = database.NewStruct(new(models.IngestionBatch))

type Repository struct {
	db     database.DB
	logger ectologger.Logger
}

func NewRepository(db database.DB, logger ectologger.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

func (r *Repository) Create(ctx context.Context, batch *models.IngestionBatch) error {
	ctx, span := tracing.StartSpan(ctx, "ingestionlog.Repository.Create")
	defer span.End()

	query, args := batchStruct.InsertInto(tableName, batch).Build()
	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batch.BatchID).Error("Failed to create ingestion batch")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to create ingestion batch: %v", err)
	}
	return nil
}

// Save checkpoints every mutable column of the batch.
func (r *Repository) Save(ctx context.Context, batch *models.IngestionBatch) error {
	ctx, span := tracing.StartSpan(ctx, "ingestionlog.Repository.Save")
	defer span.End()

	batch.UpdatedAt = time.Now().UTC()

	ub := batchStruct.Update(tableName, batch)
	ub.Where(ub.Equal("batch_id", batch.BatchID))

	query, args := ub.Build()
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batch.BatchID).Error("Failed to save ingestion batch")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to save ingestion batch: %v", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "ingestion batch %s not found", batch.BatchID)
	}
	return nil
}

func (r *Repository) Get(ctx context.Context, batchID string) (*models.IngestionBatch, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestionlog.Repository.Get")
	defer span.End()

	sb := batchStruct.SelectFrom(tableName)
	sb.Where(sb.Equal("batch_id", batchID))

	batch, err := r.selectOne(ctx, sb.Build)
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "ingestion batch %s not found", batchID)
	}
	return batch, nil
}

// Latest returns the most recently started batch, or nil when none exists.
func (r *Repository) Latest(ctx context.Context) (*models.IngestionBatch, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestionlog.Repository.Latest")
	defer span.End()

	sb := batchStruct.SelectFrom(tableName)
	sb.OrderBy("started_at DESC")
	sb.Limit(1)

	return r.selectOne(ctx, sb.Build)
}

// RecoverRunning moves batches left running by a dead process to stopped so they can be resumed.
func (r *Repository) RecoverRunning(ctx context.Context, reason string) ([]string, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestionlog.Repository.RecoverRunning")
	defer span.End()

	query := `
		UPDATE ingestion_log
		SET status = $1, error = $2, current_file_progress = 0, updated_at = now()
		WHERE status = $3
		RETURNING batch_id`

	var ids []string
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &ids, query, models.BatchStopped, reason, models.BatchRunning); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to recover running batches")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to recover running batches: %v", err)
	}
	return ids, nil
}

// ListBatches returns batches newest first with their merge status. With completedOnly set only
// completed batches are listed.
func (r *Repository) ListBatches(ctx context.Context, completedOnly bool, limit int) ([]models.BatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "ingestionlog.Repository.ListBatches")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}

	sb := database.NewSelectBuilder()
	sb.Select(
		"l.batch_id",
		"l.cohort",
		"l.status",
		"l.companies_processed",
		"l.started_at",
		"l.completed_at",
		"(m.last_merged_at IS NOT NULL) AS merged",
		"m.last_merged_at",
		"(SELECT COUNT(*) FROM staging_companies s WHERE s.source_batch_id = l.batch_id AND s.needs_review) AS needs_review",
	)
	sb.From("ingestion_log l")
	sb.JoinWithOption(database.LeftJoin,
		"(SELECT batch_id, MAX(merged_at) AS last_merged_at FROM merge_log GROUP BY batch_id) m",
		"m.batch_id = l.batch_id",
	)
	if completedOnly {
		sb.Where(sb.Equal("l.status", models.BatchCompleted))
	}
	sb.OrderBy("l.started_at DESC")
	sb.Limit(limit)

	query, args := sb.Build()
	var batches []models.BatchSummary
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &batches, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to list batches")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list batches: %v", err)
	}
	return batches, nil
}

func (r *Repository) selectOne(ctx context.Context, build func() (string, []any)) (*models.IngestionBatch, error) {
	query, args := build()
	var batches []models.IngestionBatch
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &batches, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to load ingestion batch")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to load ingestion batch: %v", err)
	}
	if len(batches) == 0 {
		return nil, nil
	}
	return &batches[0], nil
}
