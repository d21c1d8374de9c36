// Package chc talks to the Climate Hazards Center data server: it downloads
// forecast rasters and scrapes the directory listing that names them.
package chc

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
	"github.com/couchcryptid/precip-forecast-etl/internal/observability"
)

// Fetcher implements pipeline.Fetcher over plain HTTP GET.
type Fetcher struct {
	httpClient *http.Client
	maxBytes   int64
	logger     *slog.Logger
	metrics    *observability.Metrics
}

// NewFetcher creates a raster fetcher. maxBytes caps the accepted payload size.
func NewFetcher(timeout time.Duration, maxBytes int64, logger *slog.Logger, metrics *observability.Metrics) *Fetcher {
	return &Fetcher{
		httpClient: &http.Client{Timeout: timeout},
		maxBytes:   maxBytes,
		logger:     logger,
		metrics:    metrics,
	}
}

// Fetch downloads the raster at url. Transport failures and deadline expiry
// are reported as a DownloadFailedError with status 0.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	start := time.Now()
	defer func() { f.metrics.FetchDuration.Observe(time.Since(start).Seconds()) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &domain.DownloadFailedError{URL: url, Err: fmt.Errorf("create request: %w", err)}
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, &domain.DownloadFailedError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, &domain.DownloadFailedError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &domain.DownloadFailedError{URL: url, Err: fmt.Errorf("read body: %w", err)}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, &domain.DownloadFailedError{URL: url, Err: fmt.Errorf("payload exceeds %d bytes", f.maxBytes)}
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%s: %w", url, domain.ErrEmptyPayload)
	}

	f.metrics.DownloadedBytes.Add(float64(len(body)))
	f.logger.Debug("raster downloaded", "url", url, "bytes", len(body), "duration", time.Since(start))
	return body, nil
}
