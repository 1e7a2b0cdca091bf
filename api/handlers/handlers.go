package handlers

import (
	"github.com/feichai0017/building-console/internal/service/building"
	"github.com/feichai0017/building-console/pkg/logger"
)

type Handlers struct {
	Building *BuildingHandler
	Health   *HealthHandler
}

func NewHandlers(
	buildingService building.BuildingService,
	logger logger.Logger,
) *Handlers {
	return &Handlers{
		Building: NewBuildingHandler(buildingService, logger),
		Health:   &HealthHandler{},
	}
}
