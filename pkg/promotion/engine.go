// Package promotion moves validated staging rows into the production tables.
package promotion

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Staging is the candidate side of a promotion.
type Staging interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
	PendingCompanies(ctx context.Context, batchID, afterNumber string, limit int) ([]models.StagedCompany, error)
	PendingOfficers(ctx context.Context, batchID string, afterID int64, limit int) ([]models.StagedOfficer, error)
	PendingFinancials(ctx context.Context, batchID string, afterID int64, limit int) ([]models.StagedFinancial, error)
	MarkCompaniesMerged(ctx context.Context, numbers, hashes []string) (int64, error)
	MarkOfficersMerged(ctx context.Context, ids []int64, hashes []string) (int64, error)
	MarkFinancialsMerged(ctx context.Context, ids []int64, hashes []string) (int64, error)
}

// Production is the target side of a promotion.
type Production interface {
	UpsertCompanies(ctx context.Context, rows []models.ProductionCompany) error
	UpsertOfficers(ctx context.Context, rows []models.ProductionOfficer) error
	UpsertFinancials(ctx context.Context, rows []models.ProductionFinancial) error
	ExistingCompanyNumbers(ctx context.Context, numbers []string) (map[string]struct{}, error)
	AppendMergeLog(ctx context.Context, entry *models.MergeLogEntry) (int64, error)
}

// Scorer computes the batch aggregate the gate is checked against.
type Scorer interface {
	ScoreBatch(ctx context.Context, batchID string) (*quality.BatchScore, error)
}

// BatchLister lists ingestion batches with their merge state.
type BatchLister interface {
	ListBatches(ctx context.Context, completedOnly bool, limit int) ([]models.BatchSummary, error)
}

type Config struct {
	Threshold       float64
	PageSize        int
	DefaultOperator string
}

// Engine handles promotion of staged batches
type Engine struct {
	logger     ectologger.Logger
	staging    Staging
	production Production
	scorer     Scorer
	batches    BatchLister
	events     events.Publisher
	cfg        Config
}

// NewEngine creates a new promotion engine
func NewEngine(
	logger ectologger.Logger,
	staging Staging,
	production Production,
	scorer Scorer,
	batches BatchLister,
	publisher events.Publisher,
	cfg Config,
) *Engine {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 5000
	}
	if cfg.DefaultOperator == "" {
		cfg.DefaultOperator = "system"
	}
	if publisher == nil {
		publisher = events.Noop{}
	}
	return &Engine{
		logger:     logger,
		staging:    staging,
		production: production,
		scorer:     scorer,
		batches:    batches,
		events:     publisher,
		cfg:        cfg,
	}
}

// Threshold is the minimum batch aggregate a promotion requires.
func (e *Engine) Threshold() float64 { return e.cfg.Threshold }

// Promote gates the batch on its aggregate quality, then upserts its pending rows into production
// and stamps them merged, all in one transaction. A blocked gate is a result, not an error.
func (e *Engine) Promote(ctx context.Context, batchID string, dryRun bool, operator string) (*models.PromotionResult, error) {
	ctx, span := tracing.StartSpan(ctx, "promotion.Engine.Promote")
	defer span.End()

	batchID = strings.TrimSpace(batchID)
	if batchID == "" {
		return nil, httperror.NewHTTPError(http.StatusBadRequest, "batch_id is required")
	}
	operator = strings.TrimSpace(operator)
	if operator == "" {
		operator = e.cfg.DefaultOperator
	}

	log := e.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": batchID,
		"dry_run":  dryRun,
		"operator": operator,
	})

	score, err := e.scorer.ScoreBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}

	result := &models.PromotionResult{
		BatchID:      batchID,
		DryRun:       dryRun,
		QualityScore: score.Score,
		Threshold:    e.cfg.Threshold,
		Operator:     operator,
	}

	if !quality.MeetsThreshold(score.Score, e.cfg.Threshold) {
		result.Outcome = models.PromotionBlocked
		result.Reason = models.ReasonQualityTooLow
		log.Infof("Promotion blocked: quality score %.4f is below threshold %.4f", score.Score, e.cfg.Threshold)
		metrics.RecordPromotion(string(result.Outcome), 0, 0, 0)
		return result, nil
	}

	run := &promotionRun{engine: e, batchID: batchID, dryRun: dryRun}
	if dryRun {
		run.promoted = map[string]struct{}{}
		err = run.execute(ctx)
	} else {
		err = e.staging.WithinTx(ctx, func(ctx context.Context) error {
			if err := run.execute(ctx); err != nil {
				return err
			}
			if run.counts.Total() == 0 {
				return nil
			}
			id, err := e.production.AppendMergeLog(ctx, &models.MergeLogEntry{
				BatchID:          batchID,
				CompaniesMerged:  run.counts.Companies,
				OfficersMerged:   run.counts.Officers,
				FinancialsMerged: run.counts.Financials,
				MergedBy:         operator,
				Notes:            mergeNotes(score.Score, run.counts),
			})
			if err != nil {
				return err
			}
			result.MergeLogID = &id
			return nil
		})
	}
	if err != nil {
		log.WithError(err).Error("Promotion failed")
		metrics.RecordPromotion("failed", 0, 0, 0)
		return nil, err
	}

	result.Counts = run.counts
	switch {
	case run.counts.Total() == 0:
		result.Outcome = models.PromotionNothingToPromote
	case dryRun:
		result.Outcome = models.PromotionDryRun
	default:
		result.Outcome = models.PromotionPromoted
	}

	log.WithFields(map[string]any{
		"outcome":         result.Outcome,
		"companies":       run.counts.Companies,
		"officers":        run.counts.Officers,
		"financials":      run.counts.Financials,
		"orphans_skipped": run.counts.OrphansSkipped,
	}).Info("Promotion finished")

	metrics.RecordPromotion(string(result.Outcome), run.counts.Companies, run.counts.Officers, run.counts.Financials)
	if result.Outcome != models.PromotionNothingToPromote {
		e.events.EmitPromotion(ctx, result)
	}
	return result, nil
}

// ListBatches returns completed batches with their merge state, newest first.
func (e *Engine) ListBatches(ctx context.Context, limit int) ([]models.BatchSummary, error) {
	ctx, span := tracing.StartSpan(ctx, "promotion.Engine.ListBatches")
	defer span.End()

	if limit <= 0 {
		limit = 50
	}
	return e.batches.ListBatches(ctx, true, limit)
}

func mergeNotes(score float64, counts models.PromotionCounts) *string {
	note := fmt.Sprintf("quality_score=%.4f", score)
	if counts.OrphansSkipped > 0 {
		note += fmt.Sprintf(" orphans_skipped=%d", counts.OrphansSkipped)
	}
	return &note
}

// promotionRun is the state of one pass over a batch's candidates.
type promotionRun struct {
	engine  *Engine
	batchID string
	dryRun  bool
	counts  models.PromotionCounts
	// promoted holds the company numbers a dry run would have written. Real runs find them in
	// production through the open transaction.
	promoted map[string]struct{}
}

func (r *promotionRun) execute(ctx context.Context) error {
	if err := r.companies(ctx); err != nil {
		return err
	}
	if err := r.officers(ctx); err != nil {
		return err
	}
	return r.financials(ctx)
}

func (r *promotionRun) companies(ctx context.Context) error {
	e := r.engine
	after := ""
	for {
		page, err := e.staging.PendingCompanies(ctx, r.batchID, after, e.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].CompanyNumber

		rows := make([]models.ProductionCompany, 0, len(page))
		index := make(map[string]int, len(page))
		numbers := make([]string, 0, len(page))
		hashes := make([]string, 0, len(page))
		for i := range page {
			row := ToProductionCompany(&page[i], r.batchID)
			if at, seen := index[row.CompanyNumber]; seen {
				rows[at] = row
			} else {
				index[row.CompanyNumber] = len(rows)
				rows = append(rows, row)
			}
			numbers = append(numbers, page[i].CompanyNumber)
			hashes = append(hashes, page[i].ContentHash)
		}

		keys := make([]string, 0, len(rows))
		for _, row := range rows {
			keys = append(keys, row.CompanyNumber)
		}
		existing, err := e.production.ExistingCompanyNumbers(ctx, keys)
		if err != nil {
			return err
		}
		for _, number := range keys {
			if _, ok := existing[number]; ok {
				r.counts.CompaniesUpdated++
			} else {
				r.counts.CompaniesInserted++
			}
		}
		r.counts.Companies += len(rows)

		if r.dryRun {
			for _, number := range keys {
				r.promoted[number] = struct{}{}
			}
		} else {
			if err := e.production.UpsertCompanies(ctx, rows); err != nil {
				return err
			}
			stamped, err := e.staging.MarkCompaniesMerged(ctx, numbers, hashes)
			if err != nil {
				return err
			}
			r.logStale(ctx, models.KindCompany, len(numbers), stamped)
		}

		if len(page) < e.cfg.PageSize {
			return nil
		}
	}
}

func (r *promotionRun) officers(ctx context.Context) error {
	e := r.engine
	var after int64
	for {
		page, err := e.staging.PendingOfficers(ctx, r.batchID, after, e.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].ID

		transformed := make([]models.ProductionOfficer, len(page))
		parents := make([]string, len(page))
		for i := range page {
			transformed[i] = ToProductionOfficer(&page[i], r.batchID)
			parents[i] = transformed[i].CompanyNumber
		}
		known, err := r.knownParents(ctx, parents)
		if err != nil {
			return err
		}

		var (
			rows   []models.ProductionOfficer
			index  = map[string]int{}
			ids    []int64
			hashes []string
		)
		for i, row := range transformed {
			if _, ok := known[row.CompanyNumber]; !ok {
				r.counts.OrphansSkipped++
				continue
			}
			key := row.CompositeKey()
			if at, seen := index[key]; seen {
				rows[at] = row
			} else {
				index[key] = len(rows)
				rows = append(rows, row)
			}
			ids = append(ids, page[i].ID)
			hashes = append(hashes, page[i].ContentHash)
		}
		r.counts.Officers += len(rows)

		if !r.dryRun && len(rows) > 0 {
			if err := e.production.UpsertOfficers(ctx, rows); err != nil {
				return err
			}
			stamped, err := e.staging.MarkOfficersMerged(ctx, ids, hashes)
			if err != nil {
				return err
			}
			r.logStale(ctx, models.KindOfficer, len(ids), stamped)
		}

		if len(page) < e.cfg.PageSize {
			return nil
		}
	}
}

func (r *promotionRun) financials(ctx context.Context) error {
	e := r.engine
	var after int64
	for {
		page, err := e.staging.PendingFinancials(ctx, r.batchID, after, e.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		after = page[len(page)-1].ID

		transformed := make([]models.ProductionFinancial, len(page))
		parents := make([]string, len(page))
		for i := range page {
			transformed[i] = ToProductionFinancial(&page[i], r.batchID)
			parents[i] = transformed[i].CompanyNumber
		}
		known, err := r.knownParents(ctx, parents)
		if err != nil {
			return err
		}

		var (
			rows   []models.ProductionFinancial
			index  = map[string]int{}
			ids    []int64
			hashes []string
		)
		for i, row := range transformed {
			if _, ok := known[row.CompanyNumber]; !ok {
				r.counts.OrphansSkipped++
				continue
			}
			key := financialKey(row)
			if at, seen := index[key]; seen {
				rows[at] = row
			} else {
				index[key] = len(rows)
				rows = append(rows, row)
			}
			ids = append(ids, page[i].ID)
			hashes = append(hashes, page[i].ContentHash)
		}
		r.counts.Financials += len(rows)

		if !r.dryRun && len(rows) > 0 {
			if err := e.production.UpsertFinancials(ctx, rows); err != nil {
				return err
			}
			stamped, err := e.staging.MarkFinancialsMerged(ctx, ids, hashes)
			if err != nil {
				return err
			}
			r.logStale(ctx, models.KindFinancial, len(ids), stamped)
		}

		if len(page) < e.cfg.PageSize {
			return nil
		}
	}
}

// knownParents returns the subset of numbers that exist in production or were promoted by this
// run.
func (r *promotionRun) knownParents(ctx context.Context, numbers []string) (map[string]struct{}, error) {
	known := map[string]struct{}{}
	var lookup []string
	seen := map[string]struct{}{}
	for _, n := range numbers {
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		if _, ok := r.promoted[n]; ok {
			known[n] = struct{}{}
			continue
		}
		lookup = append(lookup, n)
	}
	if len(lookup) == 0 {
		return known, nil
	}

	existing, err := r.engine.production.ExistingCompanyNumbers(ctx, lookup)
	if err != nil {
		return nil, err
	}
	for n := range existing {
		known[n] = struct{}{}
	}
	return known, nil
}

func (r *promotionRun) logStale(ctx context.Context, kind models.EntityKind, read int, stamped int64) {
	if stale := int64(read) - stamped; stale > 0 {
		r.engine.logger.WithContext(ctx).WithFields(map[string]any{
			"batch_id": r.batchID,
			"kind":     kind,
			"stale":    stale,
		}).Info("Rows changed during promotion were left pending")
	}
}
