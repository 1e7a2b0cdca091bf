// Package bim extracts floors, key locations and materials from IFC building models.
package bim

import (
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/feichai0017/building-console/internal/models"
)

var ErrNoStoreys = errors.New("model contains no building storeys")

const (
	entStorey      = "IFCBUILDINGSTOREY"
	entSpace       = "IFCSPACE"
	entAggregates  = "IFCRELAGGREGATES"
	entContained   = "IFCRELCONTAINEDINSPATIALSTRUCTURE"
	entMaterial    = "IFCMATERIAL"
	entAssociates  = "IFCRELASSOCIATESMATERIAL"
	entQuantArea   = "IFCQUANTITYAREA"
	grossFloorArea = "GROSSFLOORAREA"
)

var interesting = map[string]bool{
	entStorey:     true,
	entSpace:      true,
	entAggregates: true,
	entContained:  true,
	entMaterial:   true,
	entAssociates: true,
	entQuantArea:  true,
}

type storey struct {
	id        ref
	name      string
	elevation float64
	spaces    map[ref]bool
}

// Parse reads an IFC (STEP physical file) model and builds the import preview.
// Floors are ordered by elevation; the lowest storey at or above zero elevation is level 0.
func Parse(r io.Reader) (*models.ImportPreview, error) {
	storeys := map[ref]*storey{}
	spaces := map[ref]bool{}
	materials := map[ref]string{}
	materialUse := map[ref]int{}
	var rels []instance
	grossArea := 0.0

	err := scanInstances(r, func(e string) bool { return interesting[e] }, func(in instance) {
		switch in.entity {
		case entStorey:
			s := &storey{id: in.id, name: in.str(2), spaces: map[ref]bool{}}
			if s.name == "" {
				s.name = in.str(7)
			}
			s.elevation, _ = in.num(9)
			storeys[in.id] = s
		case entSpace:
			spaces[in.id] = true
		case entAggregates, entContained:
			rels = append(rels, in)
		case entMaterial:
			materials[in.id] = in.str(0)
		case entAssociates:
			if m, ok := in.ref(5); ok {
				materialUse[m] += max(1, len(in.refs(4)))
			}
		case entQuantArea:
			if strings.EqualFold(strings.ReplaceAll(in.str(0), " ", ""), grossFloorArea) {
				if v, ok := in.num(3); ok {
					grossArea += v
				}
			}
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse IFC model: %w", err)
	}
	if len(storeys) == 0 {
		return nil, ErrNoStoreys
	}

	// relations may precede the entities they reference, so resolve them last
	for _, rel := range rels {
		var parent ref
		var children []ref
		if rel.entity == entAggregates {
			parent, _ = rel.ref(4)
			children = rel.refs(5)
		} else {
			children = rel.refs(4)
			parent, _ = rel.ref(5)
		}
		s, ok := storeys[parent]
		if !ok {
			continue
		}
		for _, c := range children {
			if spaces[c] {
				s.spaces[c] = true
			}
		}
	}

	return buildPreview(storeys, materials, materialUse, grossArea), nil
}

func buildPreview(storeys map[ref]*storey, materials map[ref]string, use map[ref]int, grossArea float64) *models.ImportPreview {
	ordered := make([]*storey, 0, len(storeys))
	for _, s := range storeys {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].elevation != ordered[j].elevation {
			return ordered[i].elevation < ordered[j].elevation
		}
		return ordered[i].id < ordered[j].id
	})

	ground := len(ordered)
	for i, s := range ordered {
		if s.elevation >= 0 {
			ground = i
			break
		}
	}
	if ground == len(ordered) {
		ground = len(ordered) - 1
	}

	preview := &models.ImportPreview{
		Floors:    make([]models.FloorCandidate, 0, len(ordered)),
		Materials: []models.MaterialCandidate{},
	}
	for i, s := range ordered {
		name := s.name
		if name == "" {
			name = fmt.Sprintf("Level %d", i-ground)
		}
		preview.Floors = append(preview.Floors, models.FloorCandidate{
			Name:         name,
			Level:        i - ground,
			Elevation:    s.elevation,
			KeyLocations: len(s.spaces),
		})
	}

	counts := map[string]int{}
	for id, name := range materials {
		if name == "" {
			continue
		}
		counts[name] += max(1, use[id])
	}
	for name, n := range counts {
		preview.Materials = append(preview.Materials, models.MaterialCandidate{Name: name, Count: n})
	}
	sort.Slice(preview.Materials, func(i, j int) bool {
		if preview.Materials[i].Count != preview.Materials[j].Count {
			return preview.Materials[i].Count > preview.Materials[j].Count
		}
		return preview.Materials[i].Name < preview.Materials[j].Name
	})

	preview.Metrics = models.BuildingMetrics{
		FloorCount:       len(preview.Floors),
		KeyLocationCount: preview.KeyLocationCount(),
		GrossArea:        math.Round(grossArea*100) / 100,
		TotalHeight:      ordered[len(ordered)-1].elevation - ordered[0].elevation,
	}
	return preview
}
