package source

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
)

func newTestDownloader(t *testing.T, retries int) *Downloader {
	return NewDownloader(testLogger(), nil, DownloaderConfig{
		Dir:             t.TempDir(),
		MaxRetries:      retries,
		Timeout:         5 * time.Second,
		InitialInterval: time.Millisecond,
	})
}

func TestDownloader_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	d := newTestDownloader(t, 3)
	path, err := d.Download(context.Background(), models.FileTarget{
		Product: models.ProductCompany,
		URL:     srv.URL + "/BasicCompanyData-2024-01-01-part1_1.zip",
	})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "BasicCompanyData-2024-01-01-part1_1.zip", filepath.Base(path))

	body, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(body))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.part"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestDownloader_ClientErrorIsPermanent(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	d := newTestDownloader(t, 5)
	_, err := d.Download(context.Background(), models.FileTarget{Product: models.ProductPSC, URL: srv.URL + "/missing.zip"})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestDownloader_GivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDownloader(t, 2)
	_, err := d.Download(context.Background(), models.FileTarget{Product: models.ProductAccounts, URL: srv.URL + "/a.zip"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
