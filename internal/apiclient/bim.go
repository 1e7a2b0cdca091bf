package apiclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/submission"
)

type importResponse struct {
	Success bool                  `json:"success"`
	BIMData *models.ImportPreview `json:"bim_data,omitempty"`
	Message string                `json:"message,omitempty"`
}

// CommitRequest materializes floor plans from a preview.
type CommitRequest struct {
	StagingID string                `json:"staging_id"`
	Preview   *models.ImportPreview `json:"preview"`
}

type listResponse[T any] struct {
	Items []T `json:"items"`
}

// ImportBIM uploads an IFC model and returns the parsed preview. A response with
// success=false is an error carrying the server's message.
func (c *Client) ImportBIM(ctx context.Context, artifact *models.Artifact, buildingID string, report func(int)) (*models.ImportPreview, error) {
	var resp importResponse
	path := fmt.Sprintf("/buildings/%s/bim/import", url.PathEscape(buildingID))
	if err := c.doMultipart(ctx, path, artifact, nil, report, &resp); err != nil {
		return nil, err
	}
	if !resp.Success {
		if resp.Message == "" {
			resp.Message = "BIM import failed"
		}
		return nil, errors.New(resp.Message)
	}
	if resp.BIMData == nil {
		return nil, errors.New("BIM import returned no data")
	}
	return resp.BIMData, nil
}

// CommitBIM creates the floor plans described by preview.
func (c *Client) CommitBIM(ctx context.Context, buildingID string, preview *models.ImportPreview) ([]models.FloorPlan, error) {
	if preview == nil {
		return nil, errors.New("nothing to commit")
	}
	var resp listResponse[models.FloorPlan]
	path := fmt.Sprintf("/buildings/%s/bim/commit", url.PathEscape(buildingID))
	req := CommitRequest{StagingID: preview.StagingID, Preview: preview}
	if err := c.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// BIMCommitter commits a confirmed import preview.
func (c *Client) BIMCommitter() submission.Committer[[]models.FloorPlan] {
	return submission.CommitFunc[[]models.FloorPlan](func(ctx context.Context, dest models.Destination, transfer *models.TransferResult) ([]models.FloorPlan, error) {
		if transfer == nil {
			return nil, errors.New("nothing to commit")
		}
		return c.CommitBIM(ctx, dest.BuildingID, transfer.Preview)
	})
}
