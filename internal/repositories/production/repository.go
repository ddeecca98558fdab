// Package production persists promoted records and the merge audit log.
package production

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

// maxParams is PostgreSQL's bind parameter limit per statement.
const maxParams = 65535

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

var (
	companyKey     = []string{"company_number"}
	companyColumns = []string{
		"company_name", "normalized_name", "company_status", "company_type", "locality", "postal_code",
		"address_line_1", "address_line_2", "region", "country", "sic_codes", "primary_sic_code",
		"incorporation_date", "data_quality_score", "source_batch_id",
	}

	officerKey     = []string{"company_number", "officer_name", "officer_role", "appointed_on"}
	officerColumns = []string{
		"name_normalized", "resigned_on", "date_of_birth", "nationality", "occupation", "locality",
		"postal_code", "address_line_1", "address_line_2", "country", "source_batch_id",
	}

	financialKey     = []string{"company_number", "period_end"}
	financialColumns = []string{
		"period_start", "turnover", "profit_after_tax", "total_assets", "total_liabilities",
		"net_worth", "source", "source_batch_id",
	}
)

// UpsertCompanies inserts or overwrites production companies with the latest staged values.
func (r *Repository) UpsertCompanies(ctx context.Context, rows []models.ProductionCompany) error {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.UpsertCompanies")
	defer span.End()

	values := make([][]any, 0, len(rows))
	for _, c := range rows {
		values = append(values, []any{
			c.CompanyNumber, c.CompanyName, c.NormalizedName, c.CompanyStatus, c.CompanyType, c.Locality,
			c.PostalCode, c.AddressLine1, c.AddressLine2, c.Region, c.Country, c.SicCodes, c.PrimarySicCode,
			c.IncorporationDate, c.DataQualityScore, c.SourceBatchID,
		})
	}
	return r.upsert(ctx, "production_companies", "", companyKey, companyColumns, values)
}

func (r *Repository) UpsertOfficers(ctx context.Context, rows []models.ProductionOfficer) error {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.UpsertOfficers")
	defer span.End()

	values := make([][]any, 0, len(rows))
	for _, o := range rows {
		values = append(values, []any{
			o.CompanyNumber, o.OfficerName, o.OfficerRole, o.AppointedOn, o.NameNormalized, o.ResignedOn,
			o.DateOfBirth, o.Nationality, o.Occupation, o.Locality, o.PostalCode, o.AddressLine1,
			o.AddressLine2, o.Country, o.SourceBatchID,
		})
	}
	return r.upsert(ctx, "production_officers", "uq_production_officers_key", officerKey, officerColumns, values)
}

func (r *Repository) UpsertFinancials(ctx context.Context, rows []models.ProductionFinancial) error {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.UpsertFinancials")
	defer span.End()

	values := make([][]any, 0, len(rows))
	for _, f := range rows {
		values = append(values, []any{
			f.CompanyNumber, f.PeriodEnd, f.PeriodStart, f.Turnover, f.ProfitAfterTax, f.TotalAssets,
			f.TotalLiabilities, f.NetWorth, f.Source, f.SourceBatchID,
		})
	}
	return r.upsert(ctx, "production_financials", "uq_production_financials_key", financialKey, financialColumns, values)
}

// upsert writes values in as few multi-row statements as the parameter limit allows. The conflict
// arbiter is constraint when set, otherwise the key columns.
func (r *Repository) upsert(ctx context.Context, table, constraint string, key, columns []string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}

	cols := append(append([]string{}, key...), columns...)
	perStatement := maxParams / len(cols)

	for start := 0; start < len(values); start += perStatement {
		end := min(start+perStatement, len(values))

		ib := database.NewInsertBuilder()
		ib.InsertInto(table)
		ib.Cols(cols...)
		for _, v := range values[start:end] {
			ib.Values(v...)
		}
		if constraint != "" {
			ib.OnConstraintUpdate(constraint, columns, "last_updated = now()")
		} else {
			ib.OnConflictUpdate(key, columns, "last_updated = now()")
		}

		query, args := ib.Build()
		if _, err := database.Conn(ctx, r.db).ExecContext(ctx, query, args...); err != nil {
			r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{"table": table, "rows": end - start}).Error("Failed to upsert production rows")
			return httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to upsert %s: %v", table, err)
		}
	}
	return nil
}

// ExistingCompanyNumbers returns the subset of numbers already present in production.
func (r *Repository) ExistingCompanyNumbers(ctx context.Context, numbers []string) (map[string]struct{}, error) {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.ExistingCompanyNumbers")
	defer span.End()

	existing := make(map[string]struct{}, len(numbers))
	if len(numbers) == 0 {
		return existing, nil
	}

	var found []string
	query := `SELECT company_number FROM production_companies WHERE company_number = ANY($1)`
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &found, query, pq.StringArray(numbers)); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("count", len(numbers)).Error("Failed to look up production companies")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to look up production companies: %v", err)
	}
	for _, n := range found {
		existing[n] = struct{}{}
	}
	return existing, nil
}

// AppendMergeLog writes one audit entry and returns its id.
func (r *Repository) AppendMergeLog(ctx context.Context, entry *models.MergeLogEntry) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.AppendMergeLog")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto("merge_log")
	ib.Cols("batch_id", "companies_merged", "officers_merged", "financials_merged", "merged_by", "notes")
	ib.Values(entry.BatchID, entry.CompaniesMerged, entry.OfficersMerged, entry.FinancialsMerged, entry.MergedBy, entry.Notes)
	ib.SQL("RETURNING id, merged_at")

	query, args := ib.Build()
	if err := database.Conn(ctx, r.db).QueryRowxContext(ctx, query, args...).Scan(&entry.ID, &entry.MergedAt); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", entry.BatchID).Error("Failed to append merge log")
		return 0, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to append merge log: %v", err)
	}
	return entry.ID, nil
}

// MergeHistory returns the audit entries of a batch, newest first.
func (r *Repository) MergeHistory(ctx context.Context, batchID string) ([]models.MergeLogEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.MergeHistory")
	defer span.End()

	sb := database.NewSelectBuilder()
	sb.Select("id", "batch_id", "merged_at", "companies_merged", "officers_merged", "financials_merged", "merged_by", "notes")
	sb.From("merge_log")
	sb.Where(sb.Equal("batch_id", batchID))
	sb.OrderBy("merged_at DESC")

	query, args := sb.Build()
	var entries []models.MergeLogEntry
	if err := database.Conn(ctx, r.db).SelectContext(ctx, &entries, query, args...); err != nil {
		r.logger.WithContext(ctx).WithError(err).WithField("batch_id", batchID).Error("Failed to read merge history")
		return nil, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to read merge history: %v", err)
	}
	return entries, nil
}

func (r *Repository) Totals(ctx context.Context) (models.StoreTotals, error) {
	ctx, span := tracing.StartSpan(ctx, "production.Repository.Totals")
	defer span.End()

	query := `
		SELECT
			(SELECT COUNT(*) FROM production_companies) AS companies,
			(SELECT COUNT(*) FROM production_officers) AS officers,
			(SELECT COUNT(*) FROM production_financials) AS financials`

	var totals models.StoreTotals
	if err := database.Conn(ctx, r.db).GetContext(ctx, &totals, query); err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("Failed to count production rows")
		return totals, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to count production rows: %v", err)
	}
	return totals, nil
}
