package staging

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/lib/pq"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/quality"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// table describes how one entity kind is merged into its staging table.
type table struct {
	name     string
	scratch  string
	key      []string
	conflict string
	// domain columns follow the incoming row; key columns are never updated
	domain []string
	row    func(r *Repository, batchID string, rec models.Record) ([]any, error)
}

func (t table) columns() []string {
	cols := append([]string{}, t.key...)
	cols = append(cols, t.domain...)
	return append(cols, "content_hash", "source_batch_id")
}

var companies = table{
	name:     "staging_companies",
	scratch:  "scratch_companies",
	key:      []string{"company_number"},
	conflict: "(company_number)",
	domain: []string{
		"company_name", "company_status", "company_type", "locality", "postal_code",
		"address_line_1", "address_line_2", "region", "country", "sic_codes",
		"incorporation_date", "raw_data", "quality_score", "needs_review", "review_note",
	},
	row: companyRow,
}

var officers = table{
	name:     "staging_officers",
	scratch:  "scratch_officers",
	key:      []string{"company_number", "officer_name", "officer_role", "appointed_on"},
	conflict: "ON CONSTRAINT uq_staging_officers_key",
	domain: []string{
		"resigned_on", "date_of_birth", "nationality", "occupation", "locality",
		"postal_code", "address_line_1", "address_line_2", "country", "raw_data",
	},
	row: officerRow,
}

var financials = table{
	name:     "staging_financials",
	scratch:  "scratch_financials",
	key:      []string{"company_number", "period_end"},
	conflict: "ON CONSTRAINT uq_staging_financials_key",
	domain: []string{
		"period_start", "turnover", "profit_loss", "total_assets", "total_liabilities",
		"net_worth", "source", "raw_data",
	},
	row: financialRow,
}

func tableFor(kind models.EntityKind) (table, bool) {
	switch kind {
	case models.KindCompany:
		return companies, true
	case models.KindOfficer:
		return officers, true
	case models.KindFinancial:
		return financials, true
	}
	return table{}, false
}

// mergeQuery inserts the scratch rows into the staging table, keeping the last occurrence of each
// key, and returns inserted / updated / unchanged counts. An unchanged row is still stamped with
// the current batch and has change_detected reset.
func (t table) mergeQuery() string {
	cols := t.columns()
	changed := fmt.Sprintf("t.content_hash IS DISTINCT FROM %s", database.Excluded("content_hash"))

	sets := make([]string, 0, len(t.domain)+5)
	for _, col := range t.domain {
		sets = append(sets, fmt.Sprintf("%s = %s", col, database.Excluded(col)))
	}
	sets = append(sets,
		fmt.Sprintf("content_hash = %s", database.Excluded("content_hash")),
		fmt.Sprintf("change_detected = %s", changed),
		fmt.Sprintf("last_updated = CASE WHEN %s THEN now() ELSE t.last_updated END", changed),
		fmt.Sprintf("merged_at = CASE WHEN %s THEN NULL ELSE t.merged_at END", changed),
		fmt.Sprintf("source_batch_id = %s", database.Excluded("source_batch_id")),
	)

	return fmt.Sprintf(`
		WITH upsert AS (
			INSERT INTO %[1]s AS t (%[2]s)
			SELECT DISTINCT ON (%[3]s) %[2]s
			FROM %[4]s
			ORDER BY %[3]s, ord DESC
			ON CONFLICT %[5]s DO UPDATE SET %[6]s
			RETURNING (xmax = 0) AS inserted, change_detected
		)
		SELECT
			COUNT(*) FILTER (WHERE inserted) AS inserted,
			COUNT(*) FILTER (WHERE NOT inserted AND change_detected) AS updated,
			COUNT(*) FILTER (WHERE NOT inserted AND NOT change_detected) AS unchanged
		FROM upsert`,
		t.name,
		strings.Join(cols, ", "),
		strings.Join(t.key, ", "),
		t.scratch,
		t.conflict,
		strings.Join(sets, ", "),
	)
}

type mergeCounts struct {
	Inserted  int `db:"inserted"`
	Updated   int `db:"updated"`
	Unchanged int `db:"unchanged"`
}

// Upsert merges one chunk of already validated records into the staging table of kind. It must
// run inside a transaction; see WithinTx.
func (r *Repository) Upsert(ctx context.Context, batchID string, kind models.EntityKind, records []models.Record) (models.ChunkStats, error) {
	ctx, span := tracing.StartSpan(ctx, "staging.Repository.Upsert")
	defer span.End()

	log := r.logger.WithContext(ctx).WithFields(map[string]any{
		"batch_id": batchID,
		"kind":     kind,
		"rows":     len(records),
	})

	if len(records) == 0 {
		return models.ChunkStats{}, nil
	}

	t, ok := tableFor(kind)
	if !ok {
		return models.ChunkStats{}, httperror.NewHTTPErrorf(http.StatusBadRequest, "unknown entity kind %q", kind)
	}

	tx, ok := database.FromContext(ctx)
	if !ok {
		log.Error("Staging upsert called outside a transaction")
		return models.ChunkStats{}, httperror.NewHTTPError(http.StatusInternalServerError, "staging upsert requires a transaction")
	}

	rows := make([][]any, 0, len(records))
	for i, rec := range records {
		row, err := t.row(r, batchID, rec)
		if err != nil {
			log.WithError(err).Errorf("Failed to encode staging row %s", rec.Key())
			return models.ChunkStats{}, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to encode staging row: %v", err)
		}
		rows = append(rows, append(row, int64(i)))
	}

	scratch := database.ScratchTable{Name: t.scratch, Like: t.name, Columns: t.columns()}
	if err := scratch.Create(ctx, tx); err != nil {
		log.WithError(err).Error("Failed to create scratch table")
		return models.ChunkStats{}, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to create scratch table: %v", err)
	}

	if err := database.CopyRows(ctx, tx, t.scratch, scratch.CopyColumns(), rows); err != nil {
		log.WithError(err).Error("Failed to copy chunk into scratch table")
		return models.ChunkStats{}, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to copy chunk: %v", err)
	}

	var counts mergeCounts
	if err := tx.GetContext(ctx, &counts, t.mergeQuery()); err != nil {
		log.WithError(err).Error("Failed to merge chunk into staging")
		return models.ChunkStats{}, httperror.NewHTTPErrorf(http.StatusInternalServerError, "failed to merge chunk into %s: %v", t.name, err)
	}

	return models.ChunkStats{
		Inserted:  counts.Inserted,
		Updated:   counts.Updated,
		Unchanged: counts.Unchanged,
	}, nil
}

func companyRow(r *Repository, batchID string, rec models.Record) ([]any, error) {
	c, ok := rec.(*models.Company)
	if !ok {
		return nil, fmt.Errorf("expected *models.Company, got %T", rec)
	}

	raw, err := rawData(c.RawData)
	if err != nil {
		return nil, err
	}

	assessment := quality.Assess(c, r.reviewFloor)
	sicCodes := c.SicCodes
	if sicCodes == nil {
		sicCodes = pq.StringArray{}
	}

	return []any{
		c.CompanyNumber,
		c.CompanyName,
		c.CompanyStatus,
		c.CompanyType,
		c.Locality,
		c.PostalCode,
		c.AddressLine1,
		c.AddressLine2,
		c.Region,
		c.Country,
		sicCodes,
		date(c.IncorporationDate),
		raw,
		assessment.Score,
		assessment.NeedsReview,
		assessment.ReviewNote,
		c.Fingerprint(),
		batchID,
	}, nil
}

func officerRow(_ *Repository, batchID string, rec models.Record) ([]any, error) {
	o, ok := rec.(*models.Officer)
	if !ok {
		return nil, fmt.Errorf("expected *models.Officer, got %T", rec)
	}
	raw, err := rawData(o.RawData)
	if err != nil {
		return nil, err
	}

	return []any{
		o.CompanyNumber,
		o.OfficerName,
		o.OfficerRole,
		date(o.AppointedOn),
		date(o.ResignedOn),
		o.DateOfBirth,
		o.Nationality,
		o.Occupation,
		o.Locality,
		o.PostalCode,
		o.AddressLine1,
		o.AddressLine2,
		o.Country,
		raw,
		o.Fingerprint(),
		batchID,
	}, nil
}

func financialRow(_ *Repository, batchID string, rec models.Record) ([]any, error) {
	f, ok := rec.(*models.Financial)
	if !ok {
		return nil, fmt.Errorf("expected *models.Financial, got %T", rec)
	}
	raw, err := rawData(f.RawData)
	if err != nil {
		return nil, err
	}

	periodEnd := f.PeriodEnd
	return []any{
		f.CompanyNumber,
		date(&periodEnd),
		date(f.PeriodStart),
		f.Turnover,
		f.ProfitLoss,
		f.TotalAssets,
		f.TotalLiabilities,
		f.NetWorth,
		f.Source,
		raw,
		f.Fingerprint(),
		batchID,
	}, nil
}

// date renders a calendar date for COPY, independent of the session time zone.
func date(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.DateOnly)
}

func rawData(raw models.RawData) (any, error) {
	if raw.Data == nil {
		return "{}", nil
	}
	v, err := raw.Value()
	if err != nil {
		return nil, fmt.Errorf("failed to encode raw_data: %w", err)
	}
	if v == nil {
		return "{}", nil
	}
	return v, nil
}
