package ingestionlog_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/internal/repositories/ingestionlog"
	"github.com/Ramsey-B/fern/internal/repositories/repotest"
	"github.com/Ramsey-B/fern/pkg/models"
)

func files() []models.FileTarget {
	return []models.FileTarget{
		{Product: models.ProductCompany, URL: "https://download.example/BasicCompanyData-2024-01-01-part1_1.zip"},
		{Product: models.ProductPSC, URL: "https://download.example/psc-snapshot-2024-01-02_1of1.zip"},
	}
}

func TestRepository_CreateSaveGet(t *testing.T) {
	db := repotest.DB(t)
	repo := ingestionlog.NewRepository(db, repotest.Logger())
	ctx := context.Background()

	batch := models.NewIngestionBatch("it", files(), time.Now().UTC().Truncate(time.Microsecond))
	require.NoError(t, repo.Create(ctx, batch))

	got, err := repo.Get(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchRunning, got.Status)
	assert.Equal(t, 2, got.FilesTotal)
	require.Len(t, got.Files.Data, 2)
	assert.Equal(t, models.FilePending, got.Files.Data[0].Status)

	current := got.Files.Data[0].Name()
	batch.Files.Data[0].Status = models.FileCompleted
	batch.FilesCompleted = 1
	batch.CompaniesProcessed = 42
	batch.CurrentFile = &current
	require.NoError(t, repo.Save(ctx, batch))

	got, err = repo.Get(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.FilesCompleted)
	assert.Equal(t, int64(42), got.CompaniesProcessed)
	assert.Equal(t, models.FileCompleted, got.Files.Data[0].Status)
	require.NotNil(t, got.CurrentFile)
	assert.Equal(t, "BasicCompanyData-2024-01-01-part1_1.zip", *got.CurrentFile)
}

func TestRepository_GetNotFound(t *testing.T) {
	db := repotest.DB(t)
	repo := ingestionlog.NewRepository(db, repotest.Logger())

	_, err := repo.Get(context.Background(), "missing_20240101_000000_deadbeef")
	require.Error(t, err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

func TestRepository_RecoverRunning(t *testing.T) {
	db := repotest.DB(t)
	repo := ingestionlog.NewRepository(db, repotest.Logger())
	ctx := context.Background()

	batch := models.NewIngestionBatch("recover", files(), time.Now().UTC())
	require.NoError(t, repo.Create(ctx, batch))

	ids, err := repo.RecoverRunning(ctx, "process restarted")
	require.NoError(t, err)
	assert.Contains(t, ids, batch.BatchID)

	got, err := repo.Get(ctx, batch.BatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStopped, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "process restarted", *got.Error)

	latest, err := repo.Latest(ctx)
	require.NoError(t, err)
	assert.NotNil(t, latest)
}

func TestRepository_ListBatches(t *testing.T) {
	db := repotest.DB(t)
	repo := ingestionlog.NewRepository(db, repotest.Logger())
	ctx := context.Background()

	// started in the future so it sorts first among completed batches
	batch := models.NewIngestionBatch("listed", files(), time.Now().UTC().Add(48*time.Hour))
	now := time.Now().UTC()
	batch.Status = models.BatchCompleted
	batch.CompletedAt = &now
	require.NoError(t, repo.Create(ctx, batch))
	require.NoError(t, repo.Save(ctx, batch))

	batches, err := repo.ListBatches(ctx, true, 10)
	require.NoError(t, err)
	require.NotEmpty(t, batches)
	assert.Equal(t, batch.BatchID, batches[0].BatchID)
	assert.False(t, batches[0].Merged)
	for _, b := range batches {
		assert.Equal(t, string(models.BatchCompleted), b.Status)
	}
}
