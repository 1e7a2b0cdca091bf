package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/building-console/api/handlers"
	"github.com/feichai0017/building-console/internal/apiclient"
	"github.com/feichai0017/building-console/internal/metrics"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/internal/service/building"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/storage/memory"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
}

func (p *recordingPublisher) Publish(_ context.Context, _ string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, v.(models.WireNotification).Event)
	return nil
}

func newServer(t *testing.T) (*httptest.Server, *apiclient.Client, *recordingPublisher) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := logger.NewTestLogger()
	pub := &recordingPublisher{}
	policies := map[models.SubmissionKind]validator.Policy{
		models.SubmissionDocument: validator.NewPolicy(1<<20, "pdf", "txt"),
		models.SubmissionPhoto:    validator.NewPolicy(1<<20, "jpg", "png"),
		models.SubmissionBIM:      validator.NewPolicy(1<<20, "ifc"),
	}
	svc := building.NewService(repository.NewMemoryRepository(), memory.New(), nil, pub, policies,
		metrics.New(prometheus.NewRegistry()), log, nil)

	r := gin.New()
	SetupRoutes(r, handlers.NewHandlers(svc, log), log)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	client := apiclient.New(srv.URL, "token", apiclient.WithRetries(0, 0, 0))
	return srv, client, pub
}

func TestDocumentLifecycleOverHTTP(t *testing.T) {
	_, client, pub := newServer(t)
	ctx := context.Background()
	docs := apiclient.NewCollection[models.Document](client, models.KindDocument)

	dest := models.Destination{
		Kind:       models.SubmissionDocument,
		BuildingID: "b-1",
		Metadata:   models.Metadata{Title: "Fire plan", Category: "safety", Tags: []string{"fire", "2024"}},
	}
	var seen []int
	raw, err := client.Upload(ctx, models.NewBytesArtifact("plan.txt", []byte("exits on every floor")), dest, func(p int) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"Fire plan"`)
	require.NotEmpty(t, seen)
	assert.Equal(t, 100, seen[len(seen)-1])

	listed, err := docs.List(ctx, "b-1", models.Filters{Tag: "fire"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, []string{"fire", "2024"}, listed[0].Tags)

	none, err := docs.List(ctx, "b-1", models.Filters{Category: "finance"})
	require.NoError(t, err)
	assert.Empty(t, none)

	updated, err := docs.Update(ctx, listed[0].ID, map[string]any{"title": "Evacuation plan"})
	require.NoError(t, err)
	assert.Equal(t, "Evacuation plan", updated.Title)

	require.NoError(t, docs.Delete(ctx, listed[0].ID))
	err = docs.Delete(ctx, listed[0].ID)
	var httpErr *apiclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)

	assert.Equal(t, []string{"document:created", "document:updated", "document:deleted"}, pub.events)
}

func TestUploadRejectionIsUnprocessable(t *testing.T) {
	_, client, _ := newServer(t)
	dest := models.Destination{Kind: models.SubmissionDocument, BuildingID: "b-1"}
	_, err := client.Upload(context.Background(), models.NewBytesArtifact("tool.exe", []byte("MZ")), dest, nil)

	var httpErr *apiclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusUnprocessableEntity, httpErr.StatusCode)
	assert.Equal(t, string(validator.ReasonUnsupportedType), httpErr.Code)
}

const model = `ISO-10303-21;
HEADER;
ENDSEC;
DATA;
#1=IFCBUILDINGSTOREY('a',$,'Ground',$,$,$,$,$,.ELEMENT.,0.);
#2=IFCSPACE('b',$,'Hall',$,$,$,$,$,.ELEMENT.,.INTERNAL.,$);
#3=IFCRELAGGREGATES('c',$,$,$,#1,(#2));
ENDSEC;
END-ISO-10303-21;
`

func TestBIMImportAndCommitOverHTTP(t *testing.T) {
	_, client, pub := newServer(t)
	ctx := context.Background()

	preview, err := client.ImportBIM(ctx, models.NewBytesArtifact("site.ifc", []byte(model)), "b-1", nil)
	require.NoError(t, err)
	require.Len(t, preview.Floors, 1)
	assert.Equal(t, 1, preview.Floors[0].KeyLocations)

	plans, err := client.CommitBIM(ctx, "b-1", preview)
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "Ground", plans[0].Name)

	b, err := apiclient.NewBuildings(client).Get(ctx, "b-1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.FloorCount)
	assert.Equal(t, []string{"building:updated", "floor_plan:updated"}, pub.events)

	_, err = client.ImportBIM(ctx, models.NewBytesArtifact("broken.ifc", []byte("not a model")), "b-1", nil)
	assert.ErrorContains(t, err, "not an IFC")
}

func TestInspectionCreateAndHealth(t *testing.T) {
	srv, client, _ := newServer(t)
	ctx := context.Background()
	inspections := apiclient.NewCollection[models.Inspection](client, models.KindInspection)

	created, err := inspections.Create(ctx, "b-1", map[string]any{"type": "fire", "inspector": "R. Diaz"})
	require.NoError(t, err)
	assert.Equal(t, "scheduled", created.Status)

	_, err = inspections.Create(ctx, "b-1", map[string]any{"inspector": "nobody"})
	var httpErr *apiclient.HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadRequest, httpErr.StatusCode)

	for _, path := range []string{"/healthz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}

	resp, err := http.Get(srv.URL + "/api/v1/buildings/b-1/inspections?type=fire")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json"))
	assert.NotEmpty(t, resp.Header.Get("X-Correlation-Id"))
}
