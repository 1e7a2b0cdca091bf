package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

type fakeBackend struct {
	mu      sync.Mutex
	lists   map[string][]models.Document
	gates   map[string]chan struct{}
	listErr error
	saveErr error
	deleted []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		lists: map[string][]models.Document{},
		gates: map[string]chan struct{}{},
	}
}

func (f *fakeBackend) gate(category string) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[category] = ch
	return ch
}

func (f *fakeBackend) List(ctx context.Context, _ string, filters models.Filters) ([]models.Document, error) {
	f.mu.Lock()
	gate := f.gates[filters.Category]
	items, err := f.lists[filters.Category], f.listErr
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return items, err
}

func (f *fakeBackend) Create(_ context.Context, buildingID string, payload any) (models.Document, error) {
	if f.saveErr != nil {
		return models.Document{}, f.saveErr
	}
	return models.Document{ID: "new", BuildingID: buildingID, Title: payload.(string)}, nil
}

func (f *fakeBackend) Update(_ context.Context, id string, patch map[string]any) (models.Document, error) {
	if f.saveErr != nil {
		return models.Document{}, f.saveErr
	}
	return models.Document{ID: id, Title: patch["title"].(string)}, nil
}

func (f *fakeBackend) Delete(_ context.Context, id string) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.mu.Lock()
	f.deleted = append(f.deleted, id)
	f.mu.Unlock()
	return nil
}

func docs(ids ...string) []models.Document {
	out := make([]models.Document, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.Document{ID: id})
	}
	return out
}

func ids(items []models.Document) []string {
	out := make([]string, 0, len(items))
	for _, d := range items {
		out = append(out, d.ID)
	}
	return out
}

func newDocStore(b *fakeBackend) *Store[models.Document] {
	return New[models.Document](models.KindDocument, b, logger.NewNop())
}

func TestFetchLatestRequestWins(t *testing.T) {
	b := newFakeBackend()
	b.lists["A"] = docs("a1", "a2")
	b.lists["B"] = docs("b1")
	gateA := b.gate("A")
	s := newDocStore(b)

	errA := make(chan error, 1)
	go func() {
		_, err := s.Fetch(context.Background(), "b-1", models.Filters{Category: "A"})
		errA <- err
	}()
	require.Eventually(t, s.IsLoading, time.Second, time.Millisecond)
	// make sure A is issued before B
	require.Eventually(t, func() bool { return s.Filters().Category == "A" }, time.Second, time.Millisecond)

	items, err := s.Fetch(context.Background(), "b-1", models.Filters{Category: "B"})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, ids(items))

	close(gateA)
	assert.ErrorIs(t, <-errA, ErrSuperseded)
	assert.Equal(t, []string{"b1"}, ids(s.Items()))
	assert.Equal(t, "B", s.Filters().Category)
	assert.False(t, s.IsLoading())
}

func TestFetchErrorKeepsStaleCollection(t *testing.T) {
	b := newFakeBackend()
	b.lists[""] = docs("d1")
	s := newDocStore(b)

	_, err := s.Fetch(context.Background(), "b-1", models.Filters{})
	require.NoError(t, err)

	b.listErr = errors.New("connection refused")
	_, err = s.Fetch(context.Background(), "b-1", models.Filters{})
	require.Error(t, err)

	assert.Equal(t, []string{"d1"}, ids(s.Items()))
	assert.Contains(t, s.Err(), "connection refused")
	assert.Contains(t, s.Err(), "documents")

	// errors persist until cleared
	assert.NotEmpty(t, s.Err())
	s.ClearError()
	assert.Empty(t, s.Err())
}

func TestOperationClearsPriorError(t *testing.T) {
	b := newFakeBackend()
	s := newDocStore(b)
	b.listErr = errors.New("boom")
	_, _ = s.Fetch(context.Background(), "b-1", models.Filters{})
	require.NotEmpty(t, s.Err())

	b.listErr = nil
	require.NoError(t, s.Refresh(context.Background()))
	assert.Empty(t, s.Err())
}

func TestCreatePrependsWithoutRefetch(t *testing.T) {
	b := newFakeBackend()
	b.lists[""] = docs("d1", "d2")
	s := newDocStore(b)
	_, err := s.Fetch(context.Background(), "b-1", models.Filters{})
	require.NoError(t, err)

	created, err := s.Create(context.Background(), "b-1", "Evacuation plan")
	require.NoError(t, err)
	assert.Equal(t, "Evacuation plan", created.Title)
	assert.Equal(t, []string{"new", "d1", "d2"}, ids(s.Items()))
	assert.False(t, s.IsSaving())
}

func TestCreateFailureRecordsError(t *testing.T) {
	b := newFakeBackend()
	b.saveErr = errors.New("http 422: title required")
	s := newDocStore(b)

	_, err := s.Create(context.Background(), "b-1", "")
	require.Error(t, err)
	assert.Empty(t, s.Items())
	assert.Contains(t, s.Err(), "title required")
	assert.False(t, s.IsSaving())
}

func TestMergeIsIdempotent(t *testing.T) {
	s := newDocStore(newFakeBackend())
	s.Merge(models.Document{ID: "d1", Title: "v1"})
	s.Merge(models.Document{ID: "d2"})
	s.Merge(models.Document{ID: "d1", Title: "v2"})

	items := s.Items()
	assert.Equal(t, []string{"d2", "d1"}, ids(items))
	assert.Equal(t, "v2", items[1].Title)
}

func TestUpdateReplacesInPlace(t *testing.T) {
	b := newFakeBackend()
	b.lists[""] = docs("d1", "d2", "d3")
	s := newDocStore(b)
	_, err := s.Fetch(context.Background(), "b-1", models.Filters{})
	require.NoError(t, err)

	_, err = s.Update(context.Background(), "d2", map[string]any{"title": "Renamed"})
	require.NoError(t, err)
	items := s.Items()
	assert.Equal(t, []string{"d1", "d2", "d3"}, ids(items))
	assert.Equal(t, "Renamed", items[1].Title)
}

func TestDeleteClearsSelection(t *testing.T) {
	b := newFakeBackend()
	b.lists[""] = docs("d1", "d2")
	s := newDocStore(b)
	_, err := s.Fetch(context.Background(), "b-1", models.Filters{})
	require.NoError(t, err)

	s.Select("d2")
	sel, ok := s.Selected()
	require.True(t, ok)
	assert.Equal(t, "d2", sel.ID)

	require.NoError(t, s.Delete(context.Background(), "d2"))
	assert.Equal(t, []string{"d1"}, ids(s.Items()))
	_, ok = s.Selected()
	assert.False(t, ok)
	assert.Equal(t, []string{"d2"}, b.deleted)
}

func TestFilterSettersDoNotFetch(t *testing.T) {
	b := newFakeBackend()
	b.lists[""] = docs("d1")
	s := newDocStore(b)
	_, err := s.Fetch(context.Background(), "b-1", models.Filters{})
	require.NoError(t, err)

	b.lists["manual"] = docs("m1")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s.SetCategory("manual")
	s.SetTag("fire")
	s.SetDateRange(&from, nil)

	assert.Equal(t, []string{"d1"}, ids(s.Items()))
	f := s.Filters()
	assert.Equal(t, "manual", f.Category)
	assert.Equal(t, "fire", f.Tag)
	assert.Equal(t, &from, f.From)

	require.NoError(t, s.Refresh(context.Background()))
	assert.Equal(t, []string{"m1"}, ids(s.Items()))

	s.ClearFilters()
	assert.Equal(t, models.Filters{}, s.Filters())
}

func TestRefreshBeforeFetch(t *testing.T) {
	s := newDocStore(newFakeBackend())
	assert.ErrorIs(t, s.Refresh(context.Background()), ErrNotLoaded)
}

func TestRecordLoadAndRefresh(t *testing.T) {
	calls := 0
	getter := GetterFunc[models.Building](func(_ context.Context, id string) (models.Building, error) {
		calls++
		if calls == 3 {
			return models.Building{}, errors.New("timeout")
		}
		return models.Building{ID: id, Name: "HQ"}, nil
	})
	r := NewRecord[models.Building](models.KindBuilding, getter, logger.NewNop())

	assert.ErrorIs(t, r.Refresh(context.Background()), ErrNotLoaded)

	b, err := r.Load(context.Background(), "b-1")
	require.NoError(t, err)
	assert.Equal(t, "HQ", b.Name)

	require.NoError(t, r.Refresh(context.Background()))
	require.Error(t, r.Refresh(context.Background()))

	got, ok := r.Get()
	assert.True(t, ok)
	assert.Equal(t, "b-1", got.ID)
	assert.Contains(t, r.Err(), "timeout")
	r.ClearError()
	assert.Empty(t, r.Err())
}
