package models

import (
	"fmt"
	"strings"
)

// Verb is the mutation a change notification reports.
type Verb string

const (
	VerbCreated Verb = "created"
	VerbUpdated Verb = "updated"
	VerbDeleted Verb = "deleted"
)

// ChangeNotification describes a server-side mutation made by any client.
type ChangeNotification struct {
	Kind       EntityKind `json:"kind"`
	Verb       Verb       `json:"verb"`
	EntityID   string     `json:"id,omitempty"`
	BuildingID string     `json:"building_id"`
}

// Event renders the notification as "kind:verb".
func (n ChangeNotification) Event() string {
	return string(n.Kind) + ":" + string(n.Verb)
}

// WireNotification is the push channel payload.
type WireNotification struct {
	Event      string `json:"event"`
	ID         string `json:"id,omitempty"`
	BuildingID string `json:"building_id"`
}

// Wire converts a notification to its push payload.
func (n ChangeNotification) Wire() WireNotification {
	return WireNotification{Event: n.Event(), ID: n.EntityID, BuildingID: n.BuildingID}
}

// Parse splits the event into kind and verb. Kinds are not checked against the known set;
// unknown kinds are the dispatcher's business.
func (w WireNotification) Parse() (ChangeNotification, error) {
	kind, verb, ok := strings.Cut(strings.TrimSpace(w.Event), ":")
	if !ok || kind == "" || verb == "" {
		return ChangeNotification{}, fmt.Errorf("malformed event %q", w.Event)
	}
	return ChangeNotification{
		Kind:       EntityKind(kind),
		Verb:       Verb(verb),
		EntityID:   w.ID,
		BuildingID: w.BuildingID,
	}, nil
}
