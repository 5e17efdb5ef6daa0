// Package memory provides an in-memory implementation of the manifest
// registry store, suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/MoonLadderStudios/MoonMind-sub000/internal/manifestregistry"
)

// Store is an in-memory implementation of manifestregistry.Store. It is
// safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	manifests map[string]*manifestregistry.Record
}

var _ manifestregistry.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{manifests: make(map[string]*manifestregistry.Record)}
}

func (s *Store) SaveManifest(ctx context.Context, record *manifestregistry.Record) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.manifests[record.Name] = &cp
	return nil
}

func (s *Store) GetManifest(ctx context.Context, name string) (*manifestregistry.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.manifests[name]
	if !ok {
		return nil, manifestregistry.ErrNotFound
	}
	cp := *record
	return &cp, nil
}

func (s *Store) ListManifests(ctx context.Context) ([]*manifestregistry.Record, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]*manifestregistry.Record, 0, len(s.manifests))
	for _, record := range s.manifests {
		cp := *record
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result, nil
}

func (s *Store) DeleteManifest(ctx context.Context, name string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.manifests[name]; !ok {
		return manifestregistry.ErrNotFound
	}
	delete(s.manifests, name)
	return nil
}
