package building

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	"github.com/feichai0017/building-console/internal/models"
)

var (
	ErrInvalid         = errors.New("invalid request")
	ErrUnsupportedKind = errors.New("unsupported entity kind")
)

// UploadRequest is one multipart artifact upload.
type UploadRequest struct {
	BuildingID string
	Kind       models.SubmissionKind
	FileName   string
	Size       int64
	Body       io.Reader
	FloorID    string
	Metadata   models.Metadata
}

// CommitRequest materializes a previously returned BIM preview.
type CommitRequest struct {
	StagingID string                `json:"staging_id"`
	Preview   *models.ImportPreview `json:"preview"`
}

type BuildingService interface {
	Upload(ctx context.Context, req *UploadRequest) (models.Entity, error)
	List(ctx context.Context, kind models.EntityKind, buildingID string, filters models.Filters) ([]json.RawMessage, error)
	Create(ctx context.Context, kind models.EntityKind, buildingID string, payload map[string]any) (json.RawMessage, error)
	Update(ctx context.Context, kind models.EntityKind, id string, patch map[string]any) (json.RawMessage, error)
	Delete(ctx context.Context, kind models.EntityKind, id string) error

	GetBuilding(ctx context.Context, id string) (*models.Building, error)
	UpdateBuilding(ctx context.Context, id string, patch map[string]any) (*models.Building, error)

	ImportBIM(ctx context.Context, buildingID, fileName string, size int64, body io.Reader) (*models.ImportPreview, error)
	CommitBIM(ctx context.Context, buildingID string, req *CommitRequest) ([]models.FloorPlan, error)

	// Derive fills in metadata computed from the stored blob (page count, dimensions, thumbnail).
	Derive(ctx context.Context, kind, id string) error
}
