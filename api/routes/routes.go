package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/feichai0017/building-console/api/handlers"
	"github.com/feichai0017/building-console/api/middleware"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/pkg/logger"
)

// 可列出与修改的记录类型
var collections = []models.EntityKind{
	models.KindDocument,
	models.KindPhoto,
	models.KindInspection,
	models.KindDevice,
	models.KindFloorPlan,
}

// SetupRoutes 配置所有路由
func SetupRoutes(r *gin.Engine, h *handlers.Handlers, log logger.Logger) {
	// 全局中间件
	r.Use(middleware.CORS())
	r.Use(middleware.RequestLogger(log))

	r.GET("/healthz", h.Health.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API 版本组
	v1 := r.Group("/api/v1")

	bld := v1.Group("/buildings/:buildingId")
	{
		bld.GET("", h.Building.GetBuilding)
		bld.PATCH("", h.Building.UpdateBuilding)

		bld.POST("/documents", h.Building.Upload(models.SubmissionDocument))
		bld.POST("/photos", h.Building.Upload(models.SubmissionPhoto))
		bld.POST("/inspections", h.Building.Create(models.KindInspection))
		bld.POST("/devices", h.Building.Create(models.KindDevice))
		bld.POST("/floor_plans", h.Building.Create(models.KindFloorPlan))

		bld.POST("/bim/import", h.Building.ImportBIM)
		bld.POST("/bim/commit", h.Building.CommitBIM)
	}

	for _, kind := range collections {
		bld.GET("/"+kind.Plural(), h.Building.List(kind))
		v1.PATCH("/"+kind.Plural()+"/:id", h.Building.Update(kind))
		v1.DELETE("/"+kind.Plural()+"/:id", h.Building.Delete(kind))
	}
}
