// Package staging persists snapshot rows in the staging tables.
package staging

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Repository handles staged company, officer and financial persistence
type Repository struct {
	db          database.DB
	logger      ectologger.Logger
	reviewFloor float64
}

func NewRepository(db database.DB, logger ectologger.Logger, reviewFloor float64) *Repository {
	return &Repository{
		db:          db,
		logger:      logger,
		reviewFloor: reviewFloor,
	}
}

// WithinTx runs fn in one transaction; Upsert and anything else fn does through ctx commit together.
func (r *Repository) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return database.WithTx(ctx, r.db, fn)
}

var companyColumns = []string{
	"company_number", "company_name", "company_status", "company_type", "locality", "postal_code",
	"address_line_1", "address_line_2", "region", "country", "sic_codes", "incorporation_date",
	"raw_data", "content_hash", "change_detected", "quality_score", "needs_review", "review_note",
	"source_batch_id", "first_seen", "last_updated", "merged_at",
}

// BatchQuality aggregates the stored scores of the companies last observed in batchID.
func (r *Repository) BatchQuality(ctx context.Context, batchID string) (models.BatchQuality, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.BatchQuality")
	defer span.End()

	query := `
		SELECT COUNT(*) AS records, COALESCE(AVG(quality_score), 0)::float8 AS mean
		FROM staging_companies
		WHERE source_batch_id = $1`

	var agg models.BatchQuality
	if err := database.Conn(ctx, r.db).GetContext(ctx, &agg, query, batchID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batchID).Error("Failed to aggregate batch quality")
		return agg, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to aggregate batch quality: %v", err)
	}
	return agg, nil
}

// OfficerGaps counts the officers last observed in batchID and those missing a name, role or
// appointment date.
func (r *Repository) OfficerGaps(ctx context.Context, batchID string) (models.OfficerGaps, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.OfficerGaps")
	defer span.End()

	query := `
		SELECT
			COUNT(*) AS records,
			COUNT(*) FILTER (WHERE officer_name IS NULL OR officer_name = '') AS missing_name,
			COUNT(*) FILTER (WHERE officer_role IS NULL OR officer_role = '') AS missing_role,
			COUNT(*) FILTER (WHERE appointed_on IS NULL) AS missing_appointment
		FROM staging_officers
		WHERE source_batch_id = $1`

	var gaps models.OfficerGaps
	if err := database.Conn(ctx, r.db).GetContext(ctx, &gaps, query, batchID); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batchID).Error("Failed to count officer gaps")
		return gaps, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to count officer gaps: %v", err)
	}
	return gaps, nil
}

// ListBatchCompanies pages through a batch's companies in company_number order.
func (r *Repository) ListBatchCompanies(ctx context.Context, batchID, afterNumber string, limit int) ([]models.StagedCompany, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.ListBatchCompanies")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(companyColumns...)
	sb.From("staging_companies")
	sb.Where(
		sb.Equal("source_batch_id", batchID),
		sb.GreaterThan("company_number", afterNumber),
	)
	sb.OrderBy("company_number")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []models.StagedCompany
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"batch_id": batchID, "after": afterNumber}).Error("Failed to list batch companies")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list batch companies: %v", err)
	}
	return rows, nil
}

// UpdateReviewFlags writes recomputed scores and review flags in one statement.
func (r *Repository) UpdateReviewFlags(ctx context.Context, flags []models.ReviewFlag) error {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.UpdateReviewFlags")
	defer span.End()

	if len(flags) == 0 {
		return nil
	}

	numbers := make(pq.StringArray, len(flags))
	scores := make(pq.Float64Array, len(flags))
	review := make(pq.BoolArray, len(flags))
	notes := make(pq.StringArray, len(flags))
	for i, f := range flags {
		numbers[i] = f.CompanyNumber
		scores[i] = f.QualityScore
		review[i] = f.NeedsReview
		if f.ReviewNote != nil {
			notes[i] = *f.ReviewNote
		}
	}

	query := `
		UPDATE staging_companies s
		SET quality_score = v.score,
			needs_review = v.needs_review,
			review_note = NULLIF(v.note, '')
		FROM unnest($1::text[], $2::numeric[], $3::bool[], $4::text[]) AS v(company_number, score, needs_review, note)
		WHERE s.company_number = v.company_number`

	if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, numbers, scores, review, notes); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("rows", len(flags)).Error("Failed to update review flags")
		return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to update review flags: %v", err)
	}
	return nil
}

// GetCompany returns one staged company, or a 404.
func (r *Repository) GetCompany(ctx context.Context, companyNumber string) (*models.StagedCompany, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.GetCompany")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(companyColumns...)
	sb.From("staging_companies")
	sb.Where(sb.Equal("company_number", companyNumber))

	query, args := sb.Build()
	var rows []models.StagedCompany
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("company_number", companyNumber).Error("Failed to get staged company")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to get staged company: %v", err)
	}
	if len(rows) == 0 {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "staged company %s not found", companyNumber)
	}
	return &rows[0], nil
}

// Totals counts staging rows and the promotion backlog.
func (r *Repository) Totals(ctx context.Context) (models.StagingTotals, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.Totals")
	defer span.End()

	query := `
		SELECT
			(SELECT COUNT(*) FROM staging_companies) AS companies,
			(SELECT COUNT(*) FROM staging_officers) AS officers,
			(SELECT COUNT(*) FROM staging_financials) AS financials,
			(SELECT COUNT(*) FROM staging_companies WHERE merged_at IS NULL AND needs_review = FALSE) AS pending_companies,
			(SELECT COUNT(*) FROM staging_companies WHERE needs_review) AS needs_review`

	var totals models.StagingTotals
	if err := database.Conn(ctx, r.db).GetContext(ctx, &totals, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count staging rows")
		return totals, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to count staging rows: %v", err)
	}
	return totals, nil
}
