package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
)

// Persister writes run results to the single monitored document.
type Persister struct {
	store      Store
	documentID string
	sourceName string
	target     domain.TargetPoint
	logger     *slog.Logger
}

// NewPersister creates a Persister writing document documentID. sourceName is
// the label stored with real (non-synthetic) measurements.
func NewPersister(store Store, documentID, sourceName string, target domain.TargetPoint, logger *slog.Logger) *Persister {
	return &Persister{
		store:      store,
		documentID: documentID,
		sourceName: sourceName,
		target:     target,
		logger:     logger,
	}
}

// PersistSuccess replaces the document with the measurement. Writing the same
// measurement twice leaves the same document.
func (p *Persister) PersistSuccess(ctx context.Context, m domain.Measurement) error {
	if err := p.store.Replace(ctx, p.documentID, m.Document(p.sourceName, p.target)); err != nil {
		return fmt.Errorf("%w: replace %s: %w", domain.ErrPersistenceFailed, p.documentID, err)
	}
	p.logger.Debug("document replaced", "document_id", p.documentID, "synthetic", m.Synthetic)
	return nil
}

// PersistFailure merges the error record into the document, leaving the last
// measurement untouched.
func (p *Persister) PersistFailure(ctx context.Context, rec domain.ErrorRecord) error {
	if err := p.store.Merge(ctx, p.documentID, rec.Document()); err != nil {
		return fmt.Errorf("%w: merge %s: %w", domain.ErrPersistenceFailed, p.documentID, err)
	}
	p.logger.Debug("error record merged", "document_id", p.documentID, "stage", rec.Stage, "kind", rec.Kind)
	return nil
}
