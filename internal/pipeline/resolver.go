package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
)

// Lister returns the file names published under a directory URL.
type Lister interface {
	List(ctx context.Context, dirURL string) ([]string, error)
}

// ListingResolver picks the newest raster named in the source directory listing.
type ListingResolver struct {
	lister  Lister
	baseURL string
	pattern domain.FilenamePattern
	logger  *slog.Logger
}

// NewListingResolver creates a resolver that scrapes baseURL.
func NewListingResolver(lister Lister, baseURL string, pattern domain.FilenamePattern, logger *slog.Logger) *ListingResolver {
	return &ListingResolver{lister: lister, baseURL: baseURL, pattern: pattern, logger: logger}
}

func (r *ListingResolver) Resolve(ctx context.Context) (domain.RasterSource, error) {
	names, err := r.lister.List(ctx, r.baseURL)
	if err != nil {
		return domain.RasterSource{}, fmt.Errorf("%w: list %s: %w", domain.ErrNoSourceAvailable, r.baseURL, err)
	}
	latest, err := r.pattern.SelectLatest(names)
	if err != nil {
		return domain.RasterSource{}, err
	}
	r.logger.Debug("latest raster selected", "source_file", latest.Name, "candidates", len(names))
	return latest.Source(r.baseURL), nil
}

// ComputedResolver derives the raster name from today's UTC date without
// contacting the source. A wrong guess surfaces later as a download failure.
type ComputedResolver struct {
	baseURL     string
	pattern     domain.FilenamePattern
	horizonDays int
}

// NewComputedResolver creates a resolver for windows of horizonDays days.
func NewComputedResolver(baseURL string, pattern domain.FilenamePattern, horizonDays int) *ComputedResolver {
	return &ComputedResolver{baseURL: baseURL, pattern: pattern, horizonDays: horizonDays}
}

func (r *ComputedResolver) Resolve(_ context.Context) (domain.RasterSource, error) {
	return r.pattern.ComputeSource(r.baseURL, domain.Now(), r.horizonDays), nil
}
