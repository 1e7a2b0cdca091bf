package submission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/progress"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
)

const mb = 1024 * 1024

type fakeTransport struct {
	mu          sync.Mutex
	calls       int
	release     chan struct{}
	ignoreAbort bool
	result      *models.TransferResult
	err         error
}

func (f *fakeTransport) Transfer(ctx context.Context, _ *models.Artifact, _ models.Destination, report func(int)) (*models.TransferResult, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()

	report(50)
	if release != nil {
		if f.ignoreAbort {
			<-release
		} else {
			select {
			case <-release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	report(100)
	return f.result, f.err
}

func (f *fakeTransport) setRelease(ch chan struct{}) {
	f.mu.Lock()
	f.release = ch
	f.mu.Unlock()
}

func (f *fakeTransport) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func sizedArtifact(name string, size int64) *models.Artifact {
	return models.NewArtifact(name, size, "application/octet-stream", nil)
}

func docResult(t *testing.T, id string) *models.TransferResult {
	t.Helper()
	raw, err := json.Marshal(models.Document{ID: id, Title: "Fire plan"})
	require.NoError(t, err)
	return &models.TransferResult{ArtifactID: id, Entity: raw}
}

func newDocumentMachine(transport progress.Transport) *Machine[models.Document] {
	reporter := progress.NewReporter(transport, logger.NewNop(), progress.WithProcessingTick(time.Hour))
	return NewMachine[models.Document](models.SubmissionDocument, validator.NewPolicy(50*mb, "pdf"), reporter, DecodeEntity[models.Document](), logger.NewNop())
}

func awaitState[T any](t *testing.T, m *Machine[T], states ...State) Snapshot[T] {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	snap, err := m.Await(ctx, states...)
	require.NoError(t, err, "stuck in %s", snap.State)
	return snap
}

func TestSelectWithoutArtifactStaysIdle(t *testing.T) {
	m := newDocumentMachine(&fakeTransport{})

	assert.ErrorIs(t, m.Select(nil), ErrNoArtifact)
	assert.Equal(t, StateIdle, m.State())
	assert.ErrorIs(t, m.Submit(context.Background(), models.Destination{}), ErrInvalidTransition)
}

func TestOversizedBIMIsRejectedWithoutNetworkCall(t *testing.T) {
	transport := &fakeTransport{}
	reporter := progress.NewReporter(transport, logger.NewNop())
	m := NewMachine[[]models.FloorPlan](models.SubmissionBIM, validator.NewPolicy(100*mb, "ifc"), reporter, DecodeEntity[[]models.FloorPlan](), logger.NewNop())

	require.NoError(t, m.Select(sizedArtifact("tower.ifc", 150*mb)))

	snap := m.Snapshot()
	assert.Equal(t, StateFailed, snap.State)
	require.NotNil(t, snap.Err)
	assert.Equal(t, CategoryValidation, snap.Err.Category)
	assert.Equal(t, validator.ReasonTooLarge, snap.Err.Reason)

	require.NoError(t, m.Acknowledge())
	assert.Equal(t, StateSelecting, m.State())
	assert.Nil(t, m.Snapshot().Err)
	assert.Zero(t, transport.Calls())
}

func TestDocumentUploadSucceedsAndResetsProgress(t *testing.T) {
	transport := &fakeTransport{result: docResult(t, "doc-1")}
	m := newDocumentMachine(transport)

	var mu sync.Mutex
	var progressSeen []int
	m.OnChange(func(s Snapshot[models.Document]) {
		mu.Lock()
		defer mu.Unlock()
		if s.State == StateTransferring {
			progressSeen = append(progressSeen, s.Progress)
		}
	})

	require.NoError(t, m.Select(models.NewBytesArtifact("fire-plan.pdf", []byte("%PDF-1.4"))))
	require.Equal(t, StateValidated, m.State())
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))

	snap := awaitState(t, m, StateSucceeded)
	assert.Equal(t, 100, snap.Progress)
	assert.False(t, snap.IsUploading())
	assert.Equal(t, models.SubmissionDocument, snap.Destination.Kind)

	doc, err := m.Dismiss()
	require.NoError(t, err)
	assert.Equal(t, "doc-1", doc.ID)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 0, m.Snapshot().Progress)

	mu.Lock()
	for i := 1; i < len(progressSeen); i++ {
		assert.GreaterOrEqual(t, progressSeen[i], progressSeen[i-1])
	}
	progressSeen = nil
	mu.Unlock()

	// next episode starts from zero
	release := make(chan struct{})
	transport.setRelease(release)
	require.NoError(t, m.Select(models.NewBytesArtifact("second.pdf", []byte("%PDF-1.4"))))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))
	assert.True(t, m.Snapshot().IsUploading())
	mu.Lock()
	require.NotEmpty(t, progressSeen)
	assert.Equal(t, 0, progressSeen[0])
	mu.Unlock()
	close(release)
	awaitState(t, m, StateSucceeded)
}

func TestCancelNeverReachesSuccess(t *testing.T) {
	transport := &fakeTransport{
		release:     make(chan struct{}),
		ignoreAbort: true,
		result:      docResult(t, "orphan"),
	}
	m := newDocumentMachine(transport)

	var mu sync.Mutex
	var states []State
	m.OnChange(func(s Snapshot[models.Document]) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	require.NoError(t, m.Select(models.NewBytesArtifact("a.pdf", []byte("%PDF"))))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))
	require.Eventually(t, func() bool { return m.Snapshot().Progress > 0 }, time.Second, time.Millisecond)

	m.Cancel()
	assert.Equal(t, StateIdle, m.State())

	// the transport finishes server-side anyway
	close(transport.release)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, StateIdle, m.State())
	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, states, StateCancelled)
	assert.NotContains(t, states, StateSucceeded)
	assert.NotContains(t, states, StateCommitting)
}

func TestCancelOutsideTransferIsNoop(t *testing.T) {
	m := newDocumentMachine(&fakeTransport{})
	require.NoError(t, m.Select(models.NewBytesArtifact("a.pdf", []byte("%PDF"))))

	m.Cancel()
	assert.Equal(t, StateValidated, m.State())
}

func TestReselectDuringTransferCancelsPrevious(t *testing.T) {
	transport := &fakeTransport{release: make(chan struct{}), result: docResult(t, "x")}
	m := newDocumentMachine(transport)

	require.NoError(t, m.Select(models.NewBytesArtifact("first.pdf", []byte("%PDF"))))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))
	first := m.Snapshot().ID

	require.NoError(t, m.Select(models.NewBytesArtifact("second.pdf", []byte("%PDF"))))
	snap := m.Snapshot()
	assert.Equal(t, StateValidated, snap.State)
	assert.Equal(t, "second.pdf", snap.Artifact.Name)
	assert.NotEqual(t, first, snap.ID)
	assert.Equal(t, 0, snap.Progress)
}

func TestTransferFailureThenRetry(t *testing.T) {
	m := newDocumentMachine(&fakeTransport{err: errors.New("http 500: disk full")})

	require.NoError(t, m.Select(models.NewBytesArtifact("a.pdf", []byte("%PDF"))))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))

	snap := awaitState(t, m, StateFailed)
	require.NotNil(t, snap.Err)
	assert.Equal(t, CategoryTransfer, snap.Err.Category)
	assert.Equal(t, "http 500: disk full", snap.Err.Message)
	assert.ErrorIs(t, m.Acknowledge(), ErrInvalidTransition)

	require.NoError(t, m.Retry())
	assert.Equal(t, StateIdle, m.State())
}

func TestCommitFailureIsReported(t *testing.T) {
	reporter := progress.NewReporter(&fakeTransport{result: &models.TransferResult{}}, logger.NewNop())
	committer := CommitFunc[models.Document](func(context.Context, models.Destination, *models.TransferResult) (models.Document, error) {
		return models.Document{}, errors.New("quota exceeded")
	})
	m := NewMachine[models.Document](models.SubmissionDocument, validator.NewPolicy(mb, "pdf"), reporter, committer, logger.NewNop())

	require.NoError(t, m.Select(models.NewBytesArtifact("a.pdf", []byte("%PDF"))))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))

	snap := awaitState(t, m, StateFailed)
	assert.Equal(t, CategoryCommit, snap.Err.Category)
}

func bimPreview() *models.ImportPreview {
	return &models.ImportPreview{
		StagingID: "stg-1",
		Floors: []models.FloorCandidate{
			{Name: "Ground", Level: 0, KeyLocations: 5},
			{Name: "Level 1", Level: 1, KeyLocations: 4},
			{Name: "Roof", Level: 2, KeyLocations: 3},
		},
		Metrics: models.BuildingMetrics{FloorCount: 3, KeyLocationCount: 12},
	}
}

func TestBIMPreviewDiscardSkipsCommit(t *testing.T) {
	reporter := progress.NewReporter(&fakeTransport{result: &models.TransferResult{Preview: bimPreview()}}, logger.NewNop())
	committed := false
	committer := CommitFunc[[]models.FloorPlan](func(context.Context, models.Destination, *models.TransferResult) ([]models.FloorPlan, error) {
		committed = true
		return nil, nil
	})
	m := NewMachine[[]models.FloorPlan](models.SubmissionBIM, validator.NewPolicy(100*mb, "ifc"), reporter, committer, logger.NewNop())

	require.NoError(t, m.Select(sizedArtifact("tower.ifc", 10*mb)))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-1"}))

	snap := awaitState(t, m, StatePreviewing)
	require.NotNil(t, snap.Preview)
	assert.Len(t, snap.Preview.Floors, 3)
	assert.Equal(t, 12, snap.Preview.KeyLocationCount())

	require.NoError(t, m.DiscardPreview())
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Snapshot().Preview)
	assert.False(t, committed)
}

func TestBIMPreviewConfirmCommits(t *testing.T) {
	reporter := progress.NewReporter(&fakeTransport{result: &models.TransferResult{Preview: bimPreview()}}, logger.NewNop())
	committer := CommitFunc[[]models.FloorPlan](func(_ context.Context, dest models.Destination, transfer *models.TransferResult) ([]models.FloorPlan, error) {
		floors := make([]models.FloorPlan, 0, len(transfer.Preview.Floors))
		for _, f := range transfer.Preview.Floors {
			floors = append(floors, models.FloorPlan{ID: f.Name, BuildingID: dest.BuildingID})
		}
		return floors, nil
	})
	m := NewMachine[[]models.FloorPlan](models.SubmissionBIM, validator.NewPolicy(100*mb, "ifc"), reporter, committer, logger.NewNop())

	require.NoError(t, m.Select(sizedArtifact("tower.ifc", mb)))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b-9"}))
	awaitState(t, m, StatePreviewing)

	require.NoError(t, m.ConfirmPreview(context.Background()))
	awaitState(t, m, StateSucceeded)

	floors, err := m.Dismiss()
	require.NoError(t, err)
	assert.Len(t, floors, 3)
	assert.Equal(t, "b-9", floors[0].BuildingID)
}

func TestBIMWithoutPreviewFails(t *testing.T) {
	reporter := progress.NewReporter(&fakeTransport{result: &models.TransferResult{}}, logger.NewNop())
	m := NewMachine[[]models.FloorPlan](models.SubmissionBIM, validator.NewPolicy(mb, "ifc"), reporter, DecodeEntity[[]models.FloorPlan](), logger.NewNop())

	require.NoError(t, m.Select(sizedArtifact("a.ifc", 10)))
	require.NoError(t, m.Submit(context.Background(), models.Destination{BuildingID: "b"}))

	snap := awaitState(t, m, StateFailed)
	assert.Equal(t, CategoryTransfer, snap.Err.Category)
}
