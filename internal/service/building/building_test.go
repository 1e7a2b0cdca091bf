package building

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/building-console/internal/metrics"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/queue"
	"github.com/feichai0017/building-console/pkg/storage/memory"
)

type fakePublisher struct {
	mu     sync.Mutex
	events []models.WireNotification
	subj   []string
}

func (p *fakePublisher) Publish(_ context.Context, subj string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subj = append(p.subj, subj)
	p.events = append(p.events, v.(models.WireNotification))
	return nil
}

func (p *fakePublisher) Events() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.Event
	}
	return out
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []*queue.Task
}

func (q *fakeQueue) Enqueue(_ context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

type fixture struct {
	svc     *Service
	repo    *repository.MemoryRepository
	blobs   *memory.Storage
	pub     *fakePublisher
	queue   *fakeQueue
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, withQueue bool) *fixture {
	t.Helper()
	f := &fixture{
		repo:    repository.NewMemoryRepository(),
		blobs:   memory.New(),
		pub:     &fakePublisher{},
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	policies := map[models.SubmissionKind]validator.Policy{
		models.SubmissionDocument: validator.NewPolicy(1<<20, "pdf", "txt"),
		models.SubmissionPhoto:    validator.NewPolicy(1<<20, "png", "jpg"),
		models.SubmissionBIM:      validator.NewPolicy(1<<20, "ifc"),
	}
	var q queue.Queue
	if withQueue {
		f.queue = &fakeQueue{}
		q = f.queue
	}
	f.svc = NewService(f.repo, f.blobs, q, f.pub, policies, f.metrics, logger.NewTestLogger(), &ServiceConfig{ThumbnailSize: 16})
	clock := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return f
}

func upload(t *testing.T, f *fixture, kind models.SubmissionKind, name string, data []byte, meta models.Metadata) models.Entity {
	t.Helper()
	e, err := f.svc.Upload(context.Background(), &UploadRequest{
		BuildingID: "b-1",
		Kind:       kind,
		FileName:   name,
		Size:       int64(len(data)),
		Body:       bytes.NewReader(data),
		Metadata:   meta,
	})
	require.NoError(t, err)
	return e
}

func TestUploadDocumentRecordsAndEnqueuesDerive(t *testing.T) {
	f := newFixture(t, true)
	e := upload(t, f, models.SubmissionDocument, "notes.txt", []byte("boiler serviced"), models.Metadata{Category: "maintenance", Tags: []string{"hvac"}})

	doc := e.(models.Document)
	assert.Equal(t, "notes.txt", doc.Title)
	assert.True(t, strings.HasPrefix(doc.StorageKey, "artifacts/b-1/document/"))
	assert.True(t, strings.HasSuffix(doc.StorageKey, ".txt"))
	assert.Contains(t, doc.MimeType, "text/plain")
	assert.Equal(t, []string{doc.StorageKey}, f.blobs.Keys("artifacts/"))

	require.Len(t, f.queue.tasks, 1)
	assert.Equal(t, queue.TaskTypeArtifactDerive, f.queue.tasks[0].Type)
	assert.Equal(t, map[string]string{"kind": "document", "id": doc.ID}, f.queue.tasks[0].Payload)

	assert.Equal(t, []string{"document:created"}, f.pub.Events())
	assert.Equal(t, "buildings.b-1.changes", f.pub.subj[0])
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("document", metrics.OutcomeOK)))
}

func TestUploadRejectedByPolicy(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.Upload(context.Background(), &UploadRequest{
		BuildingID: "b-1",
		Kind:       models.SubmissionDocument,
		FileName:   "run.exe",
		Size:       10,
		Body:       strings.NewReader("MZ"),
	})
	var verr *validator.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, validator.ReasonUnsupportedType, verr.Code)
	assert.Empty(t, f.blobs.Keys(""))
	assert.Empty(t, f.pub.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.Uploads.WithLabelValues("document", metrics.OutcomeRejected)))
}

func TestPhotoDeriveInlineWithoutQueue(t *testing.T) {
	f := newFixture(t, false)
	img := image.NewRGBA(image.Rect(0, 0, 64, 32))
	for x := 0; x < 64; x++ {
		img.Set(x, x%32, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	e := upload(t, f, models.SubmissionPhoto, "facade.png", buf.Bytes(), models.Metadata{Location: &models.GeoPoint{Latitude: 1.5, Longitude: 2.5}})
	photo, err := repository.GetAs[models.Photo](context.Background(), f.repo, models.KindPhoto, e.EntityID())
	require.NoError(t, err)
	assert.Equal(t, 64, photo.Width)
	assert.Equal(t, 32, photo.Height)
	assert.Equal(t, "thumbnails/b-1/"+photo.ID+".jpg", photo.ThumbnailKey)
	assert.Equal(t, []string{photo.ThumbnailKey}, f.blobs.Keys("thumbnails/"))
	require.NotNil(t, photo.Location)
	assert.Equal(t, []string{"photo:created", "photo:updated"}, f.pub.Events())
}

// minimalPDF builds a PDF with n empty pages and a correct xref table.
func minimalPDF(n int) []byte {
	kids := make([]string, n)
	for i := range kids {
		kids[i] = fmt.Sprintf("%d 0 R", i+3)
	}
	objs := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d >>", strings.Join(kids, " "), n),
	}
	for i := 0; i < n; i++ {
		objs = append(objs, "<< /Type /Page /Parent 2 0 R /MediaBox [0 0 612 792] >>")
	}
	var b bytes.Buffer
	b.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objs))
	for i, o := range objs {
		offsets[i] = b.Len()
		fmt.Fprintf(&b, "%d 0 obj\n%s\nendobj\n", i+1, o)
	}
	xref := b.Len()
	fmt.Fprintf(&b, "xref\n0 %d\n0000000000 65535 f \n", len(objs)+1)
	for _, off := range offsets {
		fmt.Fprintf(&b, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&b, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(objs)+1, xref)
	return b.Bytes()
}

func TestDeriveCountsPDFPages(t *testing.T) {
	f := newFixture(t, true)
	e := upload(t, f, models.SubmissionDocument, "manual.pdf", minimalPDF(3), models.Metadata{})

	require.NoError(t, f.svc.Derive(context.Background(), "document", e.EntityID()))
	doc, err := repository.GetAs[models.Document](context.Background(), f.repo, models.KindDocument, e.EntityID())
	require.NoError(t, err)
	assert.Equal(t, 3, doc.Pages)
	assert.Equal(t, []string{"document:created", "document:updated"}, f.pub.Events())
}

func TestListAppliesFilters(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	for _, typ := range []string{"fire", "elevator", "fire"} {
		_, err := f.svc.Create(ctx, models.KindInspection, "b-1", map[string]any{"type": typ, "tags": []string{"q2"}})
		require.NoError(t, err)
	}
	_, err := f.svc.Create(ctx, models.KindInspection, "b-2", map[string]any{"type": "fire"})
	require.NoError(t, err)

	all, err := f.svc.List(ctx, models.KindInspection, "b-1", models.Filters{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	fire, err := f.svc.List(ctx, models.KindInspection, "b-1", models.Filters{Type: "fire", Tag: "q2"})
	require.NoError(t, err)
	require.Len(t, fire, 2)
	var first models.Inspection
	require.NoError(t, json.Unmarshal(fire[0], &first))
	assert.Equal(t, "scheduled", first.Status)

	_, err = f.svc.List(ctx, models.KindBuilding, "b-1", models.Filters{})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
}

func TestCreateValidatesRequiredFields(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.Create(context.Background(), models.KindDevice, "b-1", map[string]any{"type": "pump"})
	assert.ErrorIs(t, err, ErrInvalid)
	_, err = f.svc.Create(context.Background(), models.KindDocument, "b-1", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	assert.Empty(t, f.pub.Events())
}

func TestUpdateMergesPatchAndKeepsBlobFields(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	e := upload(t, f, models.SubmissionDocument, "notes.txt", []byte("hello"), models.Metadata{Title: "Notes"})
	orig := e.(models.Document)

	raw, err := f.svc.Update(ctx, models.KindDocument, orig.ID, map[string]any{
		"title":       "Renamed",
		"storage_key": "elsewhere",
		"building_id": "b-9",
	})
	require.NoError(t, err)
	var got models.Document
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, "Renamed", got.Title)
	assert.Equal(t, orig.StorageKey, got.StorageKey)
	assert.Equal(t, "b-1", got.BuildingID)
	assert.True(t, got.CreatedAt.Equal(orig.CreatedAt))
	assert.True(t, got.UpdatedAt.After(orig.UpdatedAt))
	assert.Equal(t, []string{"document:created", "document:updated"}, f.pub.Events())

	_, err = f.svc.Update(ctx, models.KindDocument, "missing", map[string]any{"title": "x"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDeleteRemovesRecordAndBlob(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	e := upload(t, f, models.SubmissionDocument, "notes.txt", []byte("hello"), models.Metadata{})

	require.NoError(t, f.svc.Delete(ctx, models.KindDocument, e.EntityID()))
	assert.Empty(t, f.blobs.Keys("artifacts/"))
	_, err := f.repo.Get(ctx, models.KindDocument, e.EntityID())
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.Equal(t, []string{"document:created", "document:deleted"}, f.pub.Events())
}

func TestUpdateBuildingUpserts(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	_, err := f.svc.GetBuilding(ctx, "b-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	b, err := f.svc.UpdateBuilding(ctx, "b-1", map[string]any{"name": "Tower A", "address": "1 Main St"})
	require.NoError(t, err)
	assert.Equal(t, "Tower A", b.Name)

	b, err = f.svc.UpdateBuilding(ctx, "b-1", map[string]any{"address": "2 Main St"})
	require.NoError(t, err)
	assert.Equal(t, "Tower A", b.Name)
	assert.Equal(t, "2 Main St", b.Address)
	assert.Equal(t, []string{"building:updated", "building:updated"}, f.pub.Events())
}

const tinyModel = `ISO-10303-21;
HEADER;
FILE_SCHEMA(('IFC4'));
ENDSEC;
DATA;
#1=IFCBUILDINGSTOREY('a',$,'Level 1',$,$,$,$,$,.ELEMENT.,0.);
#2=IFCBUILDINGSTOREY('b',$,'Level 2',$,$,$,$,$,.ELEMENT.,3.);
#3=IFCSPACE('c',$,'Lobby',$,$,$,$,$,.ELEMENT.,.INTERNAL.,$);
#4=IFCRELAGGREGATES('d',$,$,$,#1,(#3));
#5=IFCMATERIAL('Brick',$,$);
#6=IFCQUANTITYAREA('GrossFloorArea',$,$,50.,$);
ENDSEC;
END-ISO-10303-21;
`

func TestImportAndCommitBIM(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	preview, err := f.svc.ImportBIM(ctx, "b-1", "tower.ifc", int64(len(tinyModel)), strings.NewReader(tinyModel))
	require.NoError(t, err)
	require.NotEmpty(t, preview.StagingID)
	assert.Equal(t, []string{"staging/b-1/" + preview.StagingID + ".ifc"}, f.blobs.Keys("staging/"))
	assert.Equal(t, 2, preview.Metrics.FloorCount)
	assert.Equal(t, 1, preview.Metrics.KeyLocationCount)
	assert.Empty(t, f.pub.Events())

	plans, err := f.svc.CommitBIM(ctx, "b-1", &CommitRequest{StagingID: preview.StagingID, Preview: preview})
	require.NoError(t, err)
	require.Len(t, plans, 2)
	assert.Equal(t, "bim:"+preview.StagingID, plans[0].Source)

	listed, err := f.svc.List(ctx, models.KindFloorPlan, "b-1", models.Filters{})
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	b, err := f.svc.GetBuilding(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 2, b.FloorCount)
	assert.InDelta(t, 50.0, b.GrossArea, 0.001)
	assert.Equal(t, []string{"Brick"}, b.Materials)
	assert.Equal(t, []string{"building:updated", "floor_plan:updated"}, f.pub.Events())
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.BIMImports.WithLabelValues(stageCommit, metrics.OutcomeOK)))
}

func TestImportBIMRejectsGarbage(t *testing.T) {
	f := newFixture(t, true)
	_, err := f.svc.ImportBIM(context.Background(), "b-1", "tower.ifc", 4, strings.NewReader("junk"))
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = f.svc.ImportBIM(context.Background(), "b-1", "tower.dwg", 4, strings.NewReader("junk"))
	var verr *validator.ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = f.svc.CommitBIM(context.Background(), "b-1", &CommitRequest{Preview: &models.ImportPreview{}})
	assert.ErrorIs(t, err, ErrInvalid)
}
