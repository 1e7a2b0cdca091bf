package models

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/gabriel-vasile/mimetype"
)

// SubmissionKind is the entity kind an artifact is submitted as.
type SubmissionKind string

const (
	SubmissionDocument SubmissionKind = "document"
	SubmissionPhoto    SubmissionKind = "photo"
	SubmissionBIM      SubmissionKind = "bim"
)

// HasPreview reports whether submissions of this kind stop for a preview before commit.
func (k SubmissionKind) HasPreview() bool {
	return k == SubmissionBIM
}

// Artifact is an opaque binary payload chosen or captured by the user.
type Artifact struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	ContentType string `json:"contentType"`

	open func() (io.ReadCloser, error)
}

// NewArtifact wraps an arbitrary opener. The content type is taken as given.
func NewArtifact(name string, size int64, contentType string, open func() (io.ReadCloser, error)) *Artifact {
	return &Artifact{Name: name, Size: size, ContentType: contentType, open: open}
}

// NewBytesArtifact builds an in-memory artifact and sniffs its content type.
func NewBytesArtifact(name string, data []byte) *Artifact {
	return &Artifact{
		Name:        name,
		Size:        int64(len(data)),
		ContentType: mimetype.Detect(data).String(),
		open: func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(data)), nil
		},
	}
}

// NewFileArtifact builds an artifact backed by a file on disk.
func NewFileArtifact(path string) (*Artifact, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat artifact: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("artifact %s is a directory", path)
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to detect content type: %w", err)
	}
	return &Artifact{
		Name:        filepath.Base(path),
		Size:        info.Size(),
		ContentType: mt.String(),
		open: func() (io.ReadCloser, error) {
			return os.Open(path)
		},
	}, nil
}

// Open returns a fresh reader over the payload.
func (a *Artifact) Open() (io.ReadCloser, error) {
	if a == nil || a.open == nil {
		return nil, errors.New("artifact has no payload")
	}
	return a.open()
}

// GeoPoint is an optional capture location.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Metadata is the user-supplied part of a submission.
type Metadata struct {
	Title       string    `json:"title,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Location    *GeoPoint `json:"location,omitempty"`
}

// Destination says where a submission goes.
type Destination struct {
	Kind       SubmissionKind `json:"kind"`
	BuildingID string         `json:"buildingId"`
	FloorID    string         `json:"floorId,omitempty"`
	Metadata   Metadata       `json:"metadata"`
}

// TransferResult is what the backend hands back once a transfer completes.
// Entity holds the created record for kinds without a preview; Preview is set for BIM imports.
type TransferResult struct {
	ArtifactID string         `json:"artifactId,omitempty"`
	Entity     []byte         `json:"entity,omitempty"`
	Preview    *ImportPreview `json:"preview,omitempty"`
}

// FloorCandidate is a floor record that a BIM commit would create.
type FloorCandidate struct {
	Name         string  `json:"name"`
	Level        int     `json:"level"`
	Elevation    float64 `json:"elevation"`
	KeyLocations int     `json:"key_locations"`
}

// MaterialCandidate is one entry of the imported material list.
type MaterialCandidate struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// BuildingMetrics aggregates the imported model.
type BuildingMetrics struct {
	FloorCount       int     `json:"floor_count"`
	KeyLocationCount int     `json:"key_location_count"`
	GrossArea        float64 `json:"gross_area"`
	TotalHeight      float64 `json:"total_height"`
}

// ImportPreview summarizes what a BIM commit would create. Read-only.
type ImportPreview struct {
	StagingID string              `json:"staging_id,omitempty"`
	Floors    []FloorCandidate    `json:"floors"`
	Materials []MaterialCandidate `json:"materials"`
	Metrics   BuildingMetrics     `json:"metrics"`
}

// KeyLocationCount sums key locations across floor candidates.
func (p *ImportPreview) KeyLocationCount() int {
	if p == nil {
		return 0
	}
	total := 0
	for _, f := range p.Floors {
		total += f.KeyLocations
	}
	return total
}
