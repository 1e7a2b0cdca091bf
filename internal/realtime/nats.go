package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/feichai0017/building-console/internal/models"
)

// Subscriber is the slice of *bus.Bus the NATS transport needs.
type Subscriber interface {
	Subscribe(ctx context.Context, subj string, fn func(ctx context.Context, data []byte) error) (io.Closer, error)
}

// Publisher is the slice of *bus.Bus the backend needs to broadcast changes.
type Publisher interface {
	Publish(ctx context.Context, subj string, v any) error
}

// Subject is the NATS subject carrying the changes of one building.
func Subject(buildingID string) string {
	return "buildings." + buildingID + ".changes"
}

// ValidScope reports whether buildingID can be used as a subject token.
func ValidScope(buildingID string) bool {
	return buildingID != "" && !strings.ContainsAny(buildingID, ".*> \t\r\n")
}

// BusTransport receives change notifications from NATS.
type BusTransport struct {
	bus Subscriber
}

func NewBusTransport(bus Subscriber) *BusTransport {
	return &BusTransport{bus: bus}
}

func (t *BusTransport) Join(ctx context.Context, buildingID string, deliver func(models.ChangeNotification)) (io.Closer, error) {
	if !ValidScope(buildingID) {
		return nil, fmt.Errorf("invalid building id %q", buildingID)
	}
	return t.bus.Subscribe(ctx, Subject(buildingID), func(_ context.Context, data []byte) error {
		var wire models.WireNotification
		if err := json.Unmarshal(data, &wire); err != nil {
			return fmt.Errorf("failed to decode notification: %w", err)
		}
		n, err := wire.Parse()
		if err != nil {
			return err
		}
		if n.BuildingID == "" {
			n.BuildingID = buildingID
		}
		deliver(n)
		return nil
	})
}

// Broadcast publishes n on its building's subject.
func Broadcast(ctx context.Context, pub Publisher, n models.ChangeNotification) error {
	if !ValidScope(n.BuildingID) {
		return fmt.Errorf("invalid building id %q", n.BuildingID)
	}
	return pub.Publish(ctx, Subject(n.BuildingID), n.Wire())
}
