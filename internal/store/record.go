package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

// Getter loads a single entity by id.
type Getter[T models.Entity] interface {
	Get(ctx context.Context, id string) (T, error)
}

// GetterFunc adapts a function to Getter.
type GetterFunc[T models.Entity] func(ctx context.Context, id string) (T, error)

func (f GetterFunc[T]) Get(ctx context.Context, id string) (T, error) {
	return f(ctx, id)
}

// Record caches one entity, such as the building on screen, with the same
// last-request-wins and error rules as Store.
type Record[T models.Entity] struct {
	kind   models.EntityKind
	getter Getter[T]
	logger logger.Logger

	mu      sync.RWMutex
	id      string
	value   T
	loaded  bool
	seq     uint64
	loading bool
	errMsg  string
}

func NewRecord[T models.Entity](kind models.EntityKind, getter Getter[T], log logger.Logger) *Record[T] {
	return &Record[T]{
		kind:   kind,
		getter: getter,
		logger: log.Named("record").With(logger.String("kind", string(kind))),
	}
}

// Load fetches the entity with id and makes it current.
func (r *Record[T]) Load(ctx context.Context, id string) (T, error) {
	r.mu.Lock()
	r.seq++
	seq := r.seq
	if id != r.id {
		var zero T
		r.value, r.loaded = zero, false
	}
	r.id = id
	r.loading = true
	r.errMsg = ""
	r.mu.Unlock()

	value, err := r.getter.Get(ctx, id)

	r.mu.Lock()
	defer r.mu.Unlock()
	if seq != r.seq {
		var zero T
		return zero, ErrSuperseded
	}
	r.loading = false
	if err != nil {
		r.errMsg = fmt.Sprintf("Failed to load %s: %v", r.kind, err)
		r.logger.Warn("Load failed", logger.String("id", id), logger.Error(err))
		return value, err
	}
	r.value, r.loaded = value, true
	return value, nil
}

// Refresh reloads the current entity.
func (r *Record[T]) Refresh(ctx context.Context) error {
	r.mu.RLock()
	id := r.id
	r.mu.RUnlock()
	if id == "" {
		return ErrNotLoaded
	}
	_, err := r.Load(ctx, id)
	if errors.Is(err, ErrSuperseded) {
		return nil
	}
	return err
}

// Get returns the cached entity and whether one has been loaded.
func (r *Record[T]) Get() (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.value, r.loaded
}

func (r *Record[T]) IsLoading() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loading
}

func (r *Record[T]) Err() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.errMsg
}

func (r *Record[T]) ClearError() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errMsg = ""
}
