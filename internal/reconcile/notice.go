package reconcile

import (
	"github.com/feichai0017/building-console/internal/models"
)

var kindLabels = map[models.EntityKind]string{
	models.KindDocument:   "Document",
	models.KindPhoto:      "Photo",
	models.KindInspection: "Inspection",
	models.KindDevice:     "Device",
}

func noticeText(n models.ChangeNotification) string {
	switch n.Kind {
	case models.KindBuilding:
		return "Building details updated"
	case models.KindFloorPlan:
		return "Floor plans updated"
	case models.KindMarkers:
		return "Floor plan markers updated"
	}
	label := kindLabels[n.Kind]
	switch n.Verb {
	case models.VerbCreated:
		return label + " added"
	case models.VerbDeleted:
		return label + " removed"
	default:
		return label + " updated"
	}
}
