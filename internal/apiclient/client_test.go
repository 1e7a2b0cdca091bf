package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/building-console/internal/models"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "secret", WithRetries(2, time.Millisecond, 5*time.Millisecond))
}

func TestUploadStreamsMultipartAndReportsProgress(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 256*1024)
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/buildings/b-1/documents", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Correlation-Id"))
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "Fire plan", r.FormValue("title"))
		assert.Equal(t, "safety,egress", r.FormValue("tags"))
		assert.Equal(t, "f-2", r.FormValue("floor_id"))
		f, hdr, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		assert.Equal(t, len(payload), len(data))
		assert.Equal(t, "plan.pdf", hdr.Filename)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(models.Document{ID: "doc-9", Title: r.FormValue("title")})
	})
	c := newTestClient(t, mux)

	var seen []int
	dest := models.Destination{
		Kind:       models.SubmissionDocument,
		BuildingID: "b-1",
		FloorID:    "f-2",
		Metadata:   models.Metadata{Title: "Fire plan", Tags: []string{"safety", "egress"}},
	}
	res, err := c.Transfer(context.Background(), models.NewBytesArtifact("plan.pdf", payload), dest, func(p int) {
		seen = append(seen, p)
	})
	require.NoError(t, err)
	assert.Equal(t, "doc-9", res.ArtifactID)

	var doc models.Document
	require.NoError(t, json.Unmarshal(res.Entity, &doc))
	assert.Equal(t, "Fire plan", doc.Title)

	require.NotEmpty(t, seen)
	assert.Equal(t, 100, seen[len(seen)-1])
	for i := 1; i < len(seen); i++ {
		assert.Greater(t, seen[i], seen[i-1])
	}
}

func TestUploadIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_, _ = io.Copy(io.Discard, r.Body)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":"storage offline"}`))
	}))

	_, err := c.Transfer(context.Background(), models.NewBytesArtifact("a.jpg", []byte("jpeg")),
		models.Destination{Kind: models.SubmissionPhoto, BuildingID: "b-1"}, nil)

	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusServiceUnavailable, httpErr.StatusCode)
	assert.Equal(t, "storage offline", httpErr.Message)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUploadCancellationAbortsRequest(t *testing.T) {
	arrived := make(chan struct{})
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(arrived)
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-arrived
		cancel()
	}()
	_, err := c.Transfer(ctx, models.NewBytesArtifact("a.pdf", []byte("%PDF")),
		models.Destination{Kind: models.SubmissionDocument, BuildingID: "b-1"}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestImportBIM(t *testing.T) {
	t.Run("preview", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/buildings/b-1/bim/import", r.URL.Path)
			_, _ = io.Copy(io.Discard, r.Body)
			_, _ = w.Write([]byte(`{"success":true,"bim_data":{"staging_id":"stg","floors":[{"name":"L1","level":1,"key_locations":4}],"metrics":{"floor_count":1}}}`))
		}))
		res, err := c.Transfer(context.Background(), models.NewBytesArtifact("m.ifc", []byte("ISO-10303-21;")),
			models.Destination{Kind: models.SubmissionBIM, BuildingID: "b-1"}, nil)
		require.NoError(t, err)
		require.NotNil(t, res.Preview)
		assert.Equal(t, "stg", res.Preview.StagingID)
		assert.Equal(t, 4, res.Preview.KeyLocationCount())
	})

	t.Run("unsuccessful", func(t *testing.T) {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.Copy(io.Discard, r.Body)
			_, _ = w.Write([]byte(`{"success":false,"message":"no storeys found"}`))
		}))
		_, err := c.ImportBIM(context.Background(), models.NewBytesArtifact("m.ifc", []byte("x")), "b-1", nil)
		require.Error(t, err)
		assert.Equal(t, "no storeys found", err.Error())
	})
}

func TestCommitBIM(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req CommitRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "stg", req.StagingID)
		_, _ = w.Write([]byte(`{"items":[{"id":"fp-1","building_id":"b-1","name":"L1"}]}`))
	}))

	floors, err := c.BIMCommitter().Commit(context.Background(),
		models.Destination{BuildingID: "b-1"},
		&models.TransferResult{Preview: &models.ImportPreview{StagingID: "stg"}})
	require.NoError(t, err)
	require.Len(t, floors, 1)
	assert.Equal(t, "fp-1", floors[0].ID)
}

func TestCollectionListRetriesAndPassesFilters(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		assert.Equal(t, "/api/v1/buildings/b-1/inspections", r.URL.Path)
		assert.Equal(t, "open", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"items":[{"id":"i-1","type":"fire"},{"id":"i-2","type":"hvac"}]}`))
	}))

	col := NewCollection[models.Inspection](c, models.KindInspection)
	items, err := col.List(context.Background(), "b-1", models.Filters{Status: "open"})
	require.NoError(t, err)
	assert.Len(t, items, 2)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCollectionMutations(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/buildings/b-1/devices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"dev-1","name":"Sensor"}`))
	})
	mux.HandleFunc("PATCH /api/v1/devices/dev-1", func(w http.ResponseWriter, r *http.Request) {
		var patch map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&patch))
		_ = json.NewEncoder(w).Encode(map[string]any{"id": "dev-1", "name": patch["name"]})
	})
	mux.HandleFunc("DELETE /api/v1/devices/dev-1", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("DELETE /api/v1/devices/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"code":"not_found","message":"device not found"}`))
	})
	col := NewCollection[models.Device](newTestClient(t, mux), models.KindDevice)

	created, err := col.Create(context.Background(), "b-1", map[string]string{"name": "Sensor"})
	require.NoError(t, err)
	assert.Equal(t, "dev-1", created.ID)

	updated, err := col.Update(context.Background(), "dev-1", map[string]any{"name": "Smoke sensor"})
	require.NoError(t, err)
	assert.Equal(t, "Smoke sensor", updated.Name)

	require.NoError(t, col.Delete(context.Background(), "dev-1"))

	err = col.Delete(context.Background(), "missing")
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, "http 404 not_found: device not found", httpErr.Error())
}

func TestRetryDelay(t *testing.T) {
	c := New("", "", WithRetries(3, 100*time.Millisecond, time.Second))
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3, ""))
	assert.Equal(t, time.Second, c.retryDelay(10, ""))
	assert.Equal(t, time.Second, c.retryDelay(1, "30"))
	assert.Equal(t, 2*time.Second, parseRetryAfter("2"))
	assert.Zero(t, parseRetryAfter("soon"))
}
