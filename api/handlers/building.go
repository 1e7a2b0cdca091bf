package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/internal/service/building"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
)

type BuildingHandler struct {
	service building.BuildingService
	logger  logger.Logger
}

// ErrorResponse 定义错误响应结构
type ErrorResponse struct {
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ImportResponse BIM 导入响应
type ImportResponse struct {
	Success bool                  `json:"success"`
	BIMData *models.ImportPreview `json:"bim_data,omitempty"`
	Message string                `json:"message,omitempty"`
}

func NewBuildingHandler(service building.BuildingService, log logger.Logger) *BuildingHandler {
	return &BuildingHandler{
		service: service,
		logger:  log.Named("http"),
	}
}

// Upload 上传文档或照片
func (h *BuildingHandler) Upload(kind models.SubmissionKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		header, err := c.FormFile("file")
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
			return
		}
		file, err := header.Open()
		if err != nil {
			h.handleError(c, http.StatusBadRequest, "Failed to open upload", err)
			return
		}
		defer file.Close()

		entity, err := h.service.Upload(c.Request.Context(), &building.UploadRequest{
			BuildingID: c.Param("buildingId"),
			Kind:       kind,
			FileName:   header.Filename,
			Size:       header.Size,
			Body:       file,
			FloorID:    c.PostForm("floor_id"),
			Metadata:   metadataFromForm(c),
		})
		if err != nil {
			h.fail(c, "Failed to upload "+string(kind), err)
			return
		}
		c.JSON(http.StatusCreated, entity)
	}
}

func metadataFromForm(c *gin.Context) models.Metadata {
	meta := models.Metadata{
		Title:       c.PostForm("title"),
		Category:    c.PostForm("category"),
		Description: c.PostForm("description"),
	}
	for _, tag := range strings.Split(c.PostForm("tags"), ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			meta.Tags = append(meta.Tags, tag)
		}
	}
	lat, latErr := strconv.ParseFloat(c.PostForm("latitude"), 64)
	lon, lonErr := strconv.ParseFloat(c.PostForm("longitude"), 64)
	if latErr == nil && lonErr == nil {
		meta.Location = &models.GeoPoint{Latitude: lat, Longitude: lon}
	}
	return meta
}

// List 列出楼宇下的记录
func (h *BuildingHandler) List(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		filters := models.ParseFilters(c.Request.URL.Query())
		items, err := h.service.List(c.Request.Context(), kind, c.Param("buildingId"), filters)
		if err != nil {
			h.fail(c, "Failed to list "+kind.Plural(), err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"items": items})
	}
}

// Create 新建 JSON 记录
func (h *BuildingHandler) Create(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var payload map[string]any
		if err := c.ShouldBindJSON(&payload); err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		raw, err := h.service.Create(c.Request.Context(), kind, c.Param("buildingId"), payload)
		if err != nil {
			h.fail(c, "Failed to create "+string(kind), err)
			return
		}
		c.Data(http.StatusCreated, "application/json; charset=utf-8", raw)
	}
}

// Update 按补丁更新记录
func (h *BuildingHandler) Update(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		var patch map[string]any
		if err := c.ShouldBindJSON(&patch); err != nil {
			h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
			return
		}
		raw, err := h.service.Update(c.Request.Context(), kind, c.Param("id"), patch)
		if err != nil {
			h.fail(c, "Failed to update "+string(kind), err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
	}
}

func (h *BuildingHandler) Delete(kind models.EntityKind) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.service.Delete(c.Request.Context(), kind, c.Param("id")); err != nil {
			h.fail(c, "Failed to delete "+string(kind), err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

func (h *BuildingHandler) GetBuilding(c *gin.Context) {
	b, err := h.service.GetBuilding(c.Request.Context(), c.Param("buildingId"))
	if err != nil {
		h.fail(c, "Failed to get building", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (h *BuildingHandler) UpdateBuilding(c *gin.Context) {
	var patch map[string]any
	if err := c.ShouldBindJSON(&patch); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	b, err := h.service.UpdateBuilding(c.Request.Context(), c.Param("buildingId"), patch)
	if err != nil {
		h.fail(c, "Failed to update building", err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// ImportBIM 解析 IFC 模型并返回预览; 模型无法解析时 success=false
func (h *BuildingHandler) ImportBIM(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid file upload", err)
		return
	}
	file, err := header.Open()
	if err != nil {
		h.handleError(c, http.StatusBadRequest, "Failed to open upload", err)
		return
	}
	defer file.Close()

	preview, err := h.service.ImportBIM(c.Request.Context(), c.Param("buildingId"), header.Filename, header.Size, file)
	if errors.Is(err, building.ErrInvalid) {
		c.JSON(http.StatusOK, ImportResponse{Success: false, Message: err.Error()})
		return
	}
	if err != nil {
		h.fail(c, "Failed to import model", err)
		return
	}
	c.JSON(http.StatusOK, ImportResponse{Success: true, BIMData: preview})
}

func (h *BuildingHandler) CommitBIM(c *gin.Context) {
	var req building.CommitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.handleError(c, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	plans, err := h.service.CommitBIM(c.Request.Context(), c.Param("buildingId"), &req)
	if err != nil {
		h.fail(c, "Failed to commit model", err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"items": plans})
}

// fail 将服务错误映射为 HTTP 状态码
func (h *BuildingHandler) fail(c *gin.Context, message string, err error) {
	var verr *validator.ValidationError
	switch {
	case errors.As(err, &verr):
		h.logger.Info(message, logger.String("path", c.Request.URL.Path), logger.String("code", string(verr.Code)))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Code: string(verr.Code), Message: verr.Message})
	case errors.Is(err, repository.ErrNotFound):
		h.handleError(c, http.StatusNotFound, message, err)
	case errors.Is(err, building.ErrInvalid), errors.Is(err, building.ErrUnsupportedKind):
		h.handleError(c, http.StatusBadRequest, message, err)
	default:
		h.handleError(c, http.StatusInternalServerError, message, err)
	}
}

// handleError 统一错误处理
func (h *BuildingHandler) handleError(c *gin.Context, status int, message string, err error) {
	h.logger.Error(message,
		logger.String("path", c.Request.URL.Path),
		logger.Int("status", status),
		logger.Error(err),
	)

	response := ErrorResponse{
		Message: message,
	}
	if err != nil {
		response.Error = err.Error()
	}

	c.JSON(status, response)
}
