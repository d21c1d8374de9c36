// Package memstore is an in-process document store for local runs and tests.
// Documents live only as long as the process.
package memstore

import (
	"context"
	"maps"
	"sync"

	"github.com/couchcryptid/precip-forecast-etl/internal/domain"
)

// Store implements pipeline.Store over a mutex-guarded map. Documents are
// copied on the way in and out so callers never share nested maps.
type Store struct {
	mu   sync.RWMutex
	docs map[string]domain.Document
}

// New creates an empty Store.
func New() *Store {
	return &Store{docs: make(map[string]domain.Document)}
}

func (s *Store) Replace(ctx context.Context, id string, doc domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = cloneDocument(doc)
	return nil
}

func (s *Store) Merge(ctx context.Context, id string, fields domain.Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.docs[id]
	if !ok {
		doc = make(domain.Document, len(fields))
		s.docs[id] = doc
	}
	for k, v := range fields {
		doc[k] = cloneValue(v)
	}
	return nil
}

// Get returns a copy of document id.
func (s *Store) Get(_ context.Context, id string) (domain.Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return nil, false
	}
	return cloneDocument(doc), true
}

// Len returns the number of stored documents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func cloneDocument(doc domain.Document) domain.Document {
	if doc == nil {
		return domain.Document{}
	}
	out := make(domain.Document, len(doc))
	for k, v := range doc {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case domain.Document:
		return cloneDocument(t)
	case map[string]any:
		return maps.Clone(t)
	default:
		return v
	}
}
