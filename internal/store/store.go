// Package store holds the client-side cache of one entity kind for the building on screen.
// A Store is the single writer of its collection; views read through its accessors.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

var (
	// ErrSuperseded is returned by a fetch whose response arrived after a newer fetch was issued.
	// The response is discarded.
	ErrSuperseded = errors.New("superseded by a newer request")
	// ErrNotLoaded is returned by Refresh before any fetch has bound the store to a building.
	ErrNotLoaded = errors.New("store is not bound to a building")
)

// Backend is the REST collaborator for one entity kind.
type Backend[T models.Entity] interface {
	List(ctx context.Context, buildingID string, filters models.Filters) ([]T, error)
	Create(ctx context.Context, buildingID string, payload any) (T, error)
	Update(ctx context.Context, id string, patch map[string]any) (T, error)
	Delete(ctx context.Context, id string) error
}

// Store caches the last fetched collection of one kind together with its loading, saving and
// error state and the active filters.
type Store[T models.Entity] struct {
	kind    models.EntityKind
	backend Backend[T]
	logger  logger.Logger

	mu         sync.RWMutex
	buildingID string
	filters    models.Filters
	items      []T
	selected   string
	seq        uint64
	loading    bool
	saving     int
	errMsg     string
	version    uint64
}

func New[T models.Entity](kind models.EntityKind, backend Backend[T], log logger.Logger) *Store[T] {
	return &Store[T]{
		kind:    kind,
		backend: backend,
		logger:  log.Named("store").With(logger.String("kind", string(kind))),
	}
}

// Kind returns the entity kind this store caches.
func (s *Store[T]) Kind() models.EntityKind {
	return s.kind
}

// Fetch replaces the collection with the backend's list for buildingID and filters. Only the
// most recently issued fetch may write; earlier responses yield ErrSuperseded. On failure the
// previous collection stays visible and the error message is recorded.
func (s *Store[T]) Fetch(ctx context.Context, buildingID string, filters models.Filters) ([]T, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	if buildingID != s.buildingID {
		s.items = nil
		s.selected = ""
	}
	s.buildingID = buildingID
	s.filters = filters
	s.loading = true
	s.errMsg = ""
	s.version++
	s.mu.Unlock()

	items, err := s.backend.List(ctx, buildingID, filters)

	s.mu.Lock()
	defer s.mu.Unlock()
	if seq != s.seq {
		s.logger.Debug("Discarding superseded fetch", logger.Uint64("seq", seq), logger.Uint64("latest", s.seq))
		return nil, ErrSuperseded
	}
	s.loading = false
	s.version++
	if err != nil {
		s.errMsg = fmt.Sprintf("Failed to load %s: %v", s.kind.Plural(), err)
		s.logger.Warn("Fetch failed", logger.String("buildingId", buildingID), logger.Error(err))
		return nil, err
	}
	s.items = items
	return s.itemsLocked(), nil
}

// Refresh refetches with the current building and filters.
func (s *Store[T]) Refresh(ctx context.Context) error {
	s.mu.RLock()
	buildingID, filters := s.buildingID, s.filters
	s.mu.RUnlock()
	if buildingID == "" {
		return ErrNotLoaded
	}
	_, err := s.Fetch(ctx, buildingID, filters)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

// Create persists a new entity and prepends the server's copy without refetching.
func (s *Store[T]) Create(ctx context.Context, buildingID string, payload any) (T, error) {
	s.beginSave()
	created, err := s.backend.Create(ctx, buildingID, payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSaveLocked()
	if err != nil {
		s.errMsg = fmt.Sprintf("Failed to create %s: %v", s.kind, err)
		s.logger.Warn("Create failed", logger.String("buildingId", buildingID), logger.Error(err))
		return created, err
	}
	if buildingID == s.buildingID {
		s.upsertLocked(created)
	}
	return created, nil
}

// Merge inserts an entity obtained elsewhere, such as a finished upload, at the front of the
// collection or replaces the entry with the same id.
func (s *Store[T]) Merge(entity T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(entity)
}

// Update applies a patch and replaces the cached entity in place.
func (s *Store[T]) Update(ctx context.Context, id string, patch map[string]any) (T, error) {
	s.beginSave()
	updated, err := s.backend.Update(ctx, id, patch)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSaveLocked()
	if err != nil {
		s.errMsg = fmt.Sprintf("Failed to update %s: %v", s.kind, err)
		s.logger.Warn("Update failed", logger.String("id", id), logger.Error(err))
		return updated, err
	}
	if i := s.indexLocked(id); i >= 0 {
		s.items[i] = updated
	}
	return updated, nil
}

// Delete removes the entity, clearing the selection if it was selected.
func (s *Store[T]) Delete(ctx context.Context, id string) error {
	s.beginSave()
	err := s.backend.Delete(ctx, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endSaveLocked()
	if err != nil {
		s.errMsg = fmt.Sprintf("Failed to delete %s: %v", s.kind, err)
		s.logger.Warn("Delete failed", logger.String("id", id), logger.Error(err))
		return err
	}
	if i := s.indexLocked(id); i >= 0 {
		s.items = append(s.items[:i:i], s.items[i+1:]...)
	}
	if s.selected == id {
		s.selected = ""
	}
	return nil
}

// Items returns a copy of the collection.
func (s *Store[T]) Items() []T {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.itemsLocked()
}

// Select marks an entity as selected. An id not in the collection clears the selection.
func (s *Store[T]) Select(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		id = ""
	}
	s.selected = id
	s.version++
}

// Selected returns the selected entity, if any.
func (s *Store[T]) Selected() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var zero T
	if s.selected == "" {
		return zero, false
	}
	if i := s.indexLocked(s.selected); i >= 0 {
		return s.items[i], true
	}
	return zero, false
}

func (s *Store[T]) IsLoading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

func (s *Store[T]) IsSaving() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saving > 0
}

// Err returns the current error message, empty when there is none. It stays until ClearError
// or the next operation.
func (s *Store[T]) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

func (s *Store[T]) ClearError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errMsg != "" {
		s.errMsg = ""
		s.version++
	}
}

// BuildingID returns the building the collection belongs to.
func (s *Store[T]) BuildingID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.buildingID
}

// Version increases on every observable change.
func (s *Store[T]) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Filters returns the active filters.
func (s *Store[T]) Filters() models.Filters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters
}

// Filter setters only record state. Callers refetch explicitly.

func (s *Store[T]) SetFilters(f models.Filters) {
	s.setFilter(func(cur *models.Filters) { *cur = f })
}

func (s *Store[T]) SetCategory(category string) {
	s.setFilter(func(f *models.Filters) { f.Category = category })
}

func (s *Store[T]) SetType(typ string) {
	s.setFilter(func(f *models.Filters) { f.Type = typ })
}

func (s *Store[T]) SetStatus(status string) {
	s.setFilter(func(f *models.Filters) { f.Status = status })
}

func (s *Store[T]) SetTag(tag string) {
	s.setFilter(func(f *models.Filters) { f.Tag = tag })
}

func (s *Store[T]) SetDateRange(from, to *time.Time) {
	s.setFilter(func(f *models.Filters) { f.From, f.To = from, to })
}

func (s *Store[T]) ClearFilters() {
	s.setFilter(func(f *models.Filters) { *f = models.Filters{} })
}

func (s *Store[T]) setFilter(apply func(*models.Filters)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(&s.filters)
	s.version++
}

func (s *Store[T]) beginSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saving++
	s.errMsg = ""
	s.version++
}

func (s *Store[T]) endSaveLocked() {
	s.saving--
	s.version++
}

func (s *Store[T]) upsertLocked(entity T) {
	if i := s.indexLocked(entity.EntityID()); i >= 0 {
		s.items[i] = entity
	} else {
		s.items = append([]T{entity}, s.items...)
	}
	s.version++
}

func (s *Store[T]) itemsLocked() []T {
	out := make([]T, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store[T]) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i, item := range s.items {
		if item.EntityID() == id {
			return i
		}
	}
	return -1
}
