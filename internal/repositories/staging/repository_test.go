package staging_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/repotest"
	"github.com/Ramsey-B/fern/internal/repositories/staging"
	"github.com/Ramsey-B/fern/pkg/models"
)

func strPtr(s string) *string { return &s }

func floatPtr(f float64) *float64 { return &f }

// upsert merges records, all of one kind, in a single transaction.
func upsert(t *testing.T, repo *staging.Repository, batchID string, records ...models.Record) models.ChunkStats {
	t.Helper()
	require.NotEmpty(t, records)
	var stats models.ChunkStats
	err := repo.WithinTx(context.Background(), func(ctx context.Context) error {
		var err error
		stats, err = repo.Upsert(ctx, batchID, records[0].Kind(), records)
		return err
	})
	require.NoError(t, err)
	return stats
}

func TestRepository_UpsertChangeDetection(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0.7)
	ctx := context.Background()

	number := repotest.CompanyNumber()
	first := "batch_a_" + uuid.NewString()[:8]
	second := "batch_b_" + uuid.NewString()[:8]

	company := &models.Company{
		CompanyNumber: number,
		CompanyName:   "ACME WIDGETS LTD",
		CompanyStatus: strPtr("Active"),
		PostalCode:    strPtr("AB1 2CD"),
		SicCodes:      []string{"62020"},
		RawData:       models.NewRawData(map[string]any{"CompanyName": "ACME WIDGETS LTD"}),
	}

	stats := upsert(t, repo, first, company)
	assert.Equal(t, models.ChunkStats{Inserted: 1}, stats)

	stats = upsert(t, repo, first, company)
	assert.Equal(t, models.ChunkStats{Unchanged: 1}, stats)

	changed := *company
	changed.CompanyName = "ACME WIDGETS HOLDINGS LTD"
	stats = upsert(t, repo, second, &changed)
	assert.Equal(t, models.ChunkStats{Updated: 1}, stats)

	staged, err := repo.GetCompany(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, "ACME WIDGETS HOLDINGS LTD", staged.CompanyName)
	assert.Equal(t, second, staged.SourceBatchID)
	assert.True(t, staged.ChangeDetected)
	assert.Nil(t, staged.MergedAt)
	assert.Equal(t, changed.Fingerprint(), staged.ContentHash)

	stats = upsert(t, repo, second, &changed)
	assert.Equal(t, models.ChunkStats{Unchanged: 1}, stats)

	staged, err = repo.GetCompany(ctx, number)
	require.NoError(t, err)
	assert.False(t, staged.ChangeDetected)
}

func TestRepository_UpsertRequiresTransaction(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0.7)

	_, err := repo.Upsert(context.Background(), "batch", models.KindCompany, []models.Record{
		&models.Company{CompanyNumber: repotest.CompanyNumber(), CompanyName: "NO TX LTD"},
	})
	require.Error(t, err)
	assert.Equal(t, http.StatusInternalServerError, httperror.GetStatusCode(err))
}

func TestRepository_GetCompanyNotFound(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0.7)

	_, err := repo.GetCompany(context.Background(), repotest.CompanyNumber())
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestRepository_PendingAndMarkMerged(t *testing.T) {
	db := repotest.DB(t)
	// a zero floor keeps the sparse fixtures out of review
	repo := staging.NewRepository(db, repotest.Logger(), 0)
	ctx := context.Background()

	batchID := "batch_p_" + uuid.NewString()[:8]
	a := &models.Company{CompanyNumber: repotest.CompanyNumber(), CompanyName: "ALPHA LTD"}
	b := &models.Company{CompanyNumber: repotest.CompanyNumber(), CompanyName: "BETA LTD"}
	upsert(t, repo, batchID, a, b)

	pending, err := repo.PendingCompanies(ctx, batchID, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	numbers := []string{pending[0].CompanyNumber, pending[1].CompanyNumber}
	hashes := []string{pending[0].ContentHash, pending[1].ContentHash}
	marked, err := repo.MarkCompaniesMerged(ctx, numbers, hashes)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	pending, err = repo.PendingCompanies(ctx, batchID, "", 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRepository_UpsertKeepsLastDuplicateInChunk(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0)
	ctx := context.Background()

	number := repotest.CompanyNumber()
	batchID := "batch_d_" + uuid.NewString()[:8]

	stats := upsert(t, repo, batchID,
		&models.Company{CompanyNumber: number, CompanyName: "FIRST NAME LTD"},
		&models.Company{CompanyNumber: number, CompanyName: "SECOND NAME LTD"},
	)
	assert.Equal(t, models.ChunkStats{Inserted: 1}, stats)

	staged, err := repo.GetCompany(ctx, number)
	require.NoError(t, err)
	assert.Equal(t, "SECOND NAME LTD", staged.CompanyName)
}

func TestRepository_UpsertChangeReopensMergedRow(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0)
	ctx := context.Background()

	number := repotest.CompanyNumber()
	first := "batch_r_" + uuid.NewString()[:8]
	second := "batch_r_" + uuid.NewString()[:8]

	company := &models.Company{CompanyNumber: number, CompanyName: "REOPEN LTD", Locality: strPtr("Leeds")}
	upsert(t, repo, first, company)

	staged, err := repo.GetCompany(ctx, number)
	require.NoError(t, err)
	marked, err := repo.MarkCompaniesMerged(ctx, []string{number}, []string{staged.ContentHash})
	require.NoError(t, err)
	require.Equal(t, int64(1), marked)

	staged, err = repo.GetCompany(ctx, number)
	require.NoError(t, err)
	require.NotNil(t, staged.MergedAt)

	// an unchanged replay keeps the merge stamp
	stats := upsert(t, repo, second, company)
	assert.Equal(t, models.ChunkStats{Unchanged: 1}, stats)
	staged, err = repo.GetCompany(ctx, number)
	require.NoError(t, err)
	assert.NotNil(t, staged.MergedAt)

	changed := *company
	changed.Locality = strPtr("York")
	stats = upsert(t, repo, second, &changed)
	assert.Equal(t, models.ChunkStats{Updated: 1}, stats)

	staged, err = repo.GetCompany(ctx, number)
	require.NoError(t, err)
	assert.Nil(t, staged.MergedAt)
	assert.True(t, staged.ChangeDetected)

	pending, err := repo.PendingCompanies(ctx, second, "", 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, number, pending[0].CompanyNumber)
}

func TestRepository_UpsertOfficersWithoutAppointmentDate(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0)
	ctx := context.Background()

	number := repotest.CompanyNumber()
	first := "batch_o_" + uuid.NewString()[:8]
	second := "batch_o_" + uuid.NewString()[:8]
	appointed := time.Date(2019, 3, 1, 0, 0, 0, 0, time.UTC)

	undated := &models.Officer{CompanyNumber: number, OfficerName: "SMITH, Jane", OfficerRole: "director"}
	dated := &models.Officer{CompanyNumber: number, OfficerName: "SMITH, Jane", OfficerRole: "director", AppointedOn: &appointed}

	// the undated officer appears twice in one chunk
	stats := upsert(t, repo, first, undated, dated, undated)
	assert.Equal(t, models.ChunkStats{Inserted: 2}, stats)

	// re-loading the null key updates the existing row rather than adding one
	stats = upsert(t, repo, second, undated, dated)
	assert.Equal(t, models.ChunkStats{Unchanged: 2}, stats)

	pending, err := repo.PendingOfficers(ctx, second, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	gaps, err := repo.OfficerGaps(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, models.OfficerGaps{Records: 2, MissingAppointment: 1}, gaps)

	resigned := time.Date(2023, 6, 30, 0, 0, 0, 0, time.UTC)
	changed := *undated
	changed.ResignedOn = &resigned
	stats = upsert(t, repo, second, &changed)
	assert.Equal(t, models.ChunkStats{Updated: 1}, stats)

	ids := []int64{pending[0].ID, pending[1].ID}
	hashes := []string{pending[0].ContentHash, pending[1].ContentHash}
	marked, err := repo.MarkOfficersMerged(ctx, ids, hashes)
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked, "the rewritten officer keeps its newer hash and stays pending")
}

func TestRepository_UpsertFinancials(t *testing.T) {
	db := repotest.DB(t)
	repo := staging.NewRepository(db, repotest.Logger(), 0)
	ctx := context.Background()

	number := repotest.CompanyNumber()
	first := "batch_f_" + uuid.NewString()[:8]
	second := "batch_f_" + uuid.NewString()[:8]

	periodEnd := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	financial := &models.Financial{
		CompanyNumber: number,
		PeriodEnd:     periodEnd,
		Turnover:      floatPtr(125000),
		NetWorth:      floatPtr(-2500.5),
		Source:        strPtr("accounts"),
	}
	earlier := &models.Financial{CompanyNumber: number, PeriodEnd: periodEnd.AddDate(-1, 0, 0), Turnover: floatPtr(90000)}

	stats := upsert(t, repo, first, financial, earlier)
	assert.Equal(t, models.ChunkStats{Inserted: 2}, stats)

	restated := *financial
	restated.Turnover = floatPtr(130000)
	stats = upsert(t, repo, second, &restated, earlier)
	assert.Equal(t, models.ChunkStats{Updated: 1, Unchanged: 1}, stats)

	pending, err := repo.PendingFinancials(ctx, second, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	var got *models.StagedFinancial
	for i := range pending {
		if pending[i].PeriodEnd.Format(time.DateOnly) == "2023-12-31" {
			got = &pending[i]
		}
	}
	require.NotNil(t, got)
	require.NotNil(t, got.Turnover)
	assert.InDelta(t, 130000, *got.Turnover, 1e-9)
	require.NotNil(t, got.NetWorth)
	assert.InDelta(t, -2500.5, *got.NetWorth, 1e-9)
	assert.True(t, got.ChangeDetected)
	assert.Equal(t, restated.Fingerprint(), got.ContentHash)
}
