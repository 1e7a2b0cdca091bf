package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/feichai0017/building-console/internal/models"
)

type memEntry struct {
	buildingID string
	createdAt  time.Time
	seq        int
	doc        []byte
}

// MemoryRepository is an in-process Repository for local runs and tests.
type MemoryRepository struct {
	mu      sync.RWMutex
	seq     int
	entries map[string]memEntry
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{entries: make(map[string]memEntry)}
}

func (m *MemoryRepository) Put(_ context.Context, kind models.EntityKind, buildingID, id string, createdAt time.Time, doc []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := entityKey(kind, id)
	e, ok := m.entries[key]
	if !ok {
		m.seq++
		e.seq = m.seq
	}
	e.buildingID, e.createdAt, e.doc = buildingID, createdAt, append([]byte(nil), doc...)
	m.entries[key] = e
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, kind models.EntityKind, id string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[entityKey(kind, id)]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	return e.doc, nil
}

func (m *MemoryRepository) List(_ context.Context, kind models.EntityKind, buildingID string) ([][]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	prefix := entityKey(kind, "")
	var matched []memEntry
	for key, e := range m.entries {
		if e.buildingID == buildingID && len(key) > len(prefix) && key[:len(prefix)] == prefix {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].createdAt.Equal(matched[j].createdAt) {
			return matched[i].createdAt.After(matched[j].createdAt)
		}
		return matched[i].seq > matched[j].seq
	})
	docs := make([][]byte, len(matched))
	for i, e := range matched {
		docs[i] = e.doc
	}
	return docs, nil
}

func (m *MemoryRepository) Delete(_ context.Context, kind models.EntityKind, _, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entityKey(kind, id))
	return nil
}
