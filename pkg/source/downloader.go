// Package source downloads registry snapshot files and decodes them into typed records.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/cenkalti/backoff/v4"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// StatusError is a non-2xx download response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d", e.URL, e.StatusCode)
}

type DownloaderConfig struct {
	Dir        string
	MaxRetries int
	// Timeout bounds a single attempt including the body transfer.
	Timeout time.Duration
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
}

// Downloader fetches snapshot files to local disk with bounded exponential retry. 4xx responses
// are permanent; 5xx responses and network errors are retried.
type Downloader struct {
	logger ectologger.Logger
	client *http.Client
	cfg    DownloaderConfig
}

func NewDownloader(logger ectologger.Logger, client *http.Client, cfg DownloaderConfig) *Downloader {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Dir == "" {
		cfg.Dir = filepath.Join(os.TempDir(), "fern-downloads")
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	return &Downloader{
		logger: logger,
		client: client,
		cfg:    cfg,
	}
}

// Download writes the file to the download directory and returns its path.
func (d *Downloader) Download(ctx context.Context, file models.FileTarget) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "source.Downloader.Download")
	defer span.End()

	if err := os.MkdirAll(d.cfg.Dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create download dir: %w", err)
	}

	product := string(file.Product)
	dest := filepath.Join(d.cfg.Dir, file.Name())
	log := d.logger.WithContext(ctx).WithFields(map[string]any{
		"url":     file.URL,
		"product": product,
	})

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialInterval
	policy.MaxElapsedTime = 0

	started := time.Now()
	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := d.fetch(ctx, file.URL, dest)
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.StatusCode >= 400 && statusErr.StatusCode < 500 {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(d.cfg.MaxRetries)), ctx), func(err error, wait time.Duration) {
		metrics.DownloadRetries.WithLabelValues(product).Inc()
		log.WithError(err).Warnf("Download attempt %d failed, retrying in %s", attempt, wait.Round(time.Millisecond))
	})
	if err != nil {
		metrics.RecordDownload(product, "failed", time.Since(started).Seconds())
		return "", fmt.Errorf("download %s failed after %d attempts: %w", file.Name(), attempt, err)
	}

	metrics.RecordDownload(product, "success", time.Since(started).Seconds())
	log.Infof("Downloaded %s in %s", file.Name(), time.Since(started).Round(time.Millisecond))
	return dest, nil
}

// fetch performs one attempt, writing to a temp file that is renamed into place on success.
func (d *Downloader) fetch(ctx context.Context, url, dest string) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{URL: url, StatusCode: resp.StatusCode}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return backoff.Permanent(err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}
