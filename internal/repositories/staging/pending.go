package staging

import (
	"context"
	"fmt"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var officerColumns = []string{
	"o.id", "o.company_number", "o.officer_name", "o.officer_role", "o.appointed_on", "o.resigned_on",
	"o.date_of_birth", "o.nationality", "o.occupation", "o.locality", "o.postal_code",
	"o.address_line_1", "o.address_line_2", "o.country", "o.raw_data", "o.content_hash",
	"o.change_detected", "o.needs_review", "o.review_note", "o.source_batch_id", "o.first_seen",
	"o.last_updated", "o.merged_at",
}

var financialColumns = []string{
	"f.id", "f.company_number", "f.period_end", "f.period_start", "f.turnover", "f.profit_loss",
	"f.total_assets", "f.total_liabilities", "f.net_worth", "f.source", "f.raw_data", "f.content_hash",
	"f.change_detected", "f.needs_review", "f.review_note", "f.source_batch_id", "f.first_seen",
	"f.last_updated", "f.merged_at",
}

// parentNotFlagged excludes dependents whose staged company is waiting on review.
const parentNotFlagged = `NOT EXISTS (
	SELECT 1 FROM staging_companies c
	WHERE c.company_number = %s.company_number AND c.needs_review
)`

// PendingCompanies pages through the batch's promotable companies: not yet merged and not
// flagged for review.
func (r *Repository) PendingCompanies(ctx context.Context, batchID, afterNumber string, limit int) ([]models.StagedCompany, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.PendingCompanies")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(companyColumns...)
	sb.From("staging_companies")
	sb.Where(
		sb.Equal("source_batch_id", batchID),
		sb.IsNull("merged_at"),
		sb.Equal("needs_review", false),
		sb.GreaterThan("company_number", afterNumber),
	)
	sb.OrderBy("company_number")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []models.StagedCompany
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batchID).Error("Failed to list pending companies")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list pending companies: %v", err)
	}
	return rows, nil
}

// PendingOfficers pages through the batch's promotable officers by id.
func (r *Repository) PendingOfficers(ctx context.Context, batchID string, afterID int64, limit int) ([]models.StagedOfficer, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.PendingOfficers")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(officerColumns...)
	sb.From("staging_officers o")
	sb.Where(
		sb.Equal("o.source_batch_id", batchID),
		sb.IsNull("o.merged_at"),
		sb.Equal("o.needs_review", false),
		sb.GreaterThan("o.id", afterID),
		fmt.Sprintf(parentNotFlagged, "o"),
	)
	sb.OrderBy("o.id")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []models.StagedOfficer
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batchID).Error("Failed to list pending officers")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list pending officers: %v", err)
	}
	return rows, nil
}

// PendingFinancials pages through the batch's promotable financial periods by id.
func (r *Repository) PendingFinancials(ctx context.Context, batchID string, afterID int64, limit int) ([]models.StagedFinancial, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.PendingFinancials")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select(financialColumns...)
	sb.From("staging_financials f")
	sb.Where(
		sb.Equal("f.source_batch_id", batchID),
		sb.IsNull("f.merged_at"),
		sb.Equal("f.needs_review", false),
		sb.GreaterThan("f.id", afterID),
		fmt.Sprintf(parentNotFlagged, "f"),
	)
	sb.OrderBy("f.id")
	sb.Limit(limit)

	query, args := sb.Build()
	var rows []models.StagedFinancial
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &rows, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batchID).Error("Failed to list pending financials")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to list pending financials: %v", err)
	}
	return rows, nil
}

// MarkCompaniesMerged stamps merged_at on companies whose content_hash still equals the hash the
// promotion read. Rows rewritten since then stay pending. Returns the number stamped.
func (r *Repository) MarkCompaniesMerged(ctx context.Context, numbers, hashes []string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.MarkCompaniesMerged")
	defer span.End()

	query := `
		UPDATE staging_companies s
		SET merged_at = now()
		FROM unnest($1::text[], $2::text[]) AS v(company_number, content_hash)
		WHERE s.company_number = v.company_number
		  AND s.content_hash = v.content_hash
		  AND s.merged_at IS NULL`

	return r.stamp(ctx, "companies", query, pq.StringArray(numbers), pq.StringArray(hashes))
}

// MarkOfficersMerged is MarkCompaniesMerged for officers, keyed by row id.
func (r *Repository) MarkOfficersMerged(ctx context.Context, ids []int64, hashes []string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.MarkOfficersMerged")
	defer span.End()

	query := `
		UPDATE staging_officers s
		SET merged_at = now()
		FROM unnest($1::bigint[], $2::text[]) AS v(id, content_hash)
		WHERE s.id = v.id
		  AND s.content_hash = v.content_hash
		  AND s.merged_at IS NULL`

	return r.stamp(ctx, "officers", query, pq.Int64Array(ids), pq.StringArray(hashes))
}

// MarkFinancialsMerged is MarkCompaniesMerged for financial periods, keyed by row id.
func (r *Repository) MarkFinancialsMerged(ctx context.Context, ids []int64, hashes []string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.MarkFinancialsMerged")
	defer span.End()

	query := `
		UPDATE staging_financials s
		SET merged_at = now()
		FROM unnest($1::bigint[], $2::text[]) AS v(id, content_hash)
		WHERE s.id = v.id
		  AND s.content_hash = v.content_hash
		  AND s.merged_at IS NULL`

	return r.stamp(ctx, "financials", query, pq.Int64Array(ids), pq.StringArray(hashes))
}

func (r *Repository) stamp(ctx context.Context, kind, query string, keys, hashes any) (int64, error) {
	res, err := database.Conn(ctx, r.db).ExecContext(ctx, query, keys, hashes)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("kind", kind).Error("Failed to stamp merged rows")
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to stamp merged %s: %v", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to stamp merged %s: %v", kind, err)
	}
	return n, nil
}
