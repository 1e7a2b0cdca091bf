package submission

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/feichai0017/building-console/internal/models"
)

// DecodeEntity commits by decoding the entity the upload endpoint already created.
// Used for kinds whose transfer is also their persistence step.
func DecodeEntity[T any]() Committer[T] {
	return CommitFunc[T](func(_ context.Context, _ models.Destination, transfer *models.TransferResult) (T, error) {
		var out T
		if transfer == nil || len(transfer.Entity) == 0 {
			return out, errors.New("server returned no entity")
		}
		if err := json.Unmarshal(transfer.Entity, &out); err != nil {
			return out, fmt.Errorf("failed to decode entity: %w", err)
		}
		return out, nil
	})
}
