package apiclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/store"
)

// Collection is the REST backend of one entity kind. It implements store.Backend.
type Collection[T models.Entity] struct {
	client *Client
	kind   models.EntityKind
}

var (
	_ store.Backend[models.Document]  = (*Collection[models.Document])(nil)
	_ store.Getter[models.Building]   = (*Buildings)(nil)
	_ store.Backend[models.FloorPlan] = (*Collection[models.FloorPlan])(nil)
)

func NewCollection[T models.Entity](c *Client, kind models.EntityKind) *Collection[T] {
	return &Collection[T]{client: c, kind: kind}
}

func (col *Collection[T]) List(ctx context.Context, buildingID string, filters models.Filters) ([]T, error) {
	path := fmt.Sprintf("/buildings/%s/%s", url.PathEscape(buildingID), col.kind.Plural())
	if q := filters.Query().Encode(); q != "" {
		path += "?" + q
	}
	var resp listResponse[T]
	if err := col.client.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (col *Collection[T]) Create(ctx context.Context, buildingID string, payload any) (T, error) {
	var out T
	path := fmt.Sprintf("/buildings/%s/%s", url.PathEscape(buildingID), col.kind.Plural())
	err := col.client.doJSON(ctx, http.MethodPost, path, payload, &out)
	return out, err
}

func (col *Collection[T]) Update(ctx context.Context, id string, patch map[string]any) (T, error) {
	var out T
	err := col.client.doJSON(ctx, http.MethodPatch, col.itemPath(id), patch, &out)
	return out, err
}

func (col *Collection[T]) Delete(ctx context.Context, id string) error {
	return col.client.doJSON(ctx, http.MethodDelete, col.itemPath(id), nil, nil)
}

func (col *Collection[T]) itemPath(id string) string {
	return fmt.Sprintf("/%s/%s", col.kind.Plural(), url.PathEscape(id))
}

// Buildings reads and patches building records.
type Buildings struct {
	client *Client
}

func NewBuildings(c *Client) *Buildings {
	return &Buildings{client: c}
}

func (b *Buildings) Get(ctx context.Context, id string) (models.Building, error) {
	var out models.Building
	err := b.client.doJSON(ctx, http.MethodGet, "/buildings/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (b *Buildings) Update(ctx context.Context, id string, patch map[string]any) (models.Building, error) {
	var out models.Building
	err := b.client.doJSON(ctx, http.MethodPatch, "/buildings/"+url.PathEscape(id), patch, &out)
	return out, err
}
