package building

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/feichai0017/building-console/internal/bim"
	"github.com/feichai0017/building-console/internal/metrics"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/pkg/logger"
)

const stageImport, stageCommit = "import", "commit"

// ImportBIM 暂存 IFC 模型并解析出预览. 暂存对象由 GC 任务回收
func (s *Service) ImportBIM(ctx context.Context, buildingID, fileName string, size int64, body io.Reader) (*models.ImportPreview, error) {
	if err := s.validate(models.SubmissionBIM, fileName, size); err != nil {
		s.metrics.BIMImports.WithLabelValues(stageImport, metrics.OutcomeRejected).Inc()
		return nil, err
	}
	limit := s.policies[models.SubmissionBIM].MaxBytes
	data, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		s.metrics.BIMImports.WithLabelValues(stageImport, metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to read model: %w", err)
	}
	if int64(len(data)) > limit {
		s.metrics.BIMImports.WithLabelValues(stageImport, metrics.OutcomeRejected).Inc()
		return nil, fmt.Errorf("%w: model exceeds %d bytes", ErrInvalid, limit)
	}

	stagingID := uuid.New().String()
	key := s.stagingKey(buildingID, stagingID)
	if err := s.storage.Put(ctx, key, bytes.NewReader(data), int64(len(data)), "application/x-step"); err != nil {
		s.metrics.BIMImports.WithLabelValues(stageImport, metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to stage model: %w", err)
	}

	preview, err := bim.Parse(bytes.NewReader(data))
	if err != nil {
		s.metrics.BIMImports.WithLabelValues(stageImport, metrics.OutcomeRejected).Inc()
		s.logger.Warn("BIM model rejected", logger.String("buildingId", buildingID), logger.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	preview.StagingID = stagingID
	s.metrics.BIMImports.WithLabelValues(stageImport, metrics.OutcomeOK).Inc()

	s.logger.Info("BIM model parsed",
		logger.String("buildingId", buildingID),
		logger.String("stagingId", stagingID),
		logger.Int("floors", preview.Metrics.FloorCount),
		logger.Int("keyLocations", preview.Metrics.KeyLocationCount),
	)
	return preview, nil
}

func (s *Service) stagingKey(buildingID, stagingID string) string {
	return fmt.Sprintf("%s%s/%s.ifc", s.config.StagingPrefix, buildingID, stagingID)
}

// CommitBIM 根据预览创建楼层记录并更新楼宇指标
func (s *Service) CommitBIM(ctx context.Context, buildingID string, req *CommitRequest) ([]models.FloorPlan, error) {
	if req == nil || req.Preview == nil || len(req.Preview.Floors) == 0 {
		s.metrics.BIMImports.WithLabelValues(stageCommit, metrics.OutcomeRejected).Inc()
		return nil, fmt.Errorf("%w: preview has no floors", ErrInvalid)
	}
	now := s.now().UTC()
	source := "bim"
	if req.StagingID != "" {
		source = "bim:" + req.StagingID
	}

	plans := make([]models.FloorPlan, 0, len(req.Preview.Floors))
	for i, f := range req.Preview.Floors {
		// 保持楼层顺序: 创建时间按楼层递增
		created := now.Add(-(time.Duration(len(req.Preview.Floors)-i) * time.Millisecond))
		fp := models.FloorPlan{
			ID:           uuid.New().String(),
			BuildingID:   buildingID,
			Name:         f.Name,
			Level:        f.Level,
			Elevation:    f.Elevation,
			KeyLocations: f.KeyLocations,
			Source:       source,
			CreatedAt:    created,
			UpdatedAt:    now,
		}
		if err := repository.PutAs(ctx, s.repo, models.KindFloorPlan, buildingID, created, fp); err != nil {
			s.metrics.BIMImports.WithLabelValues(stageCommit, metrics.OutcomeError).Inc()
			return plans, fmt.Errorf("failed to create floor plan %s: %w", f.Name, err)
		}
		plans = append(plans, fp)
	}

	b, err := s.GetBuilding(ctx, buildingID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		b = &models.Building{ID: buildingID, Name: buildingID}
	case err != nil:
		s.metrics.BIMImports.WithLabelValues(stageCommit, metrics.OutcomeError).Inc()
		return plans, err
	}
	m := req.Preview.Metrics
	b.FloorCount = m.FloorCount
	if b.FloorCount == 0 {
		b.FloorCount = len(plans)
	}
	b.GrossArea = m.GrossArea
	b.Height = m.TotalHeight
	b.Materials = b.Materials[:0]
	for _, mat := range req.Preview.Materials {
		if name := strings.TrimSpace(mat.Name); name != "" {
			b.Materials = append(b.Materials, name)
		}
	}
	b.UpdatedAt = now
	if err := s.saveBuilding(ctx, b); err != nil {
		s.metrics.BIMImports.WithLabelValues(stageCommit, metrics.OutcomeError).Inc()
		return plans, err
	}

	s.metrics.BIMImports.WithLabelValues(stageCommit, metrics.OutcomeOK).Inc()
	s.publish(ctx, models.KindFloorPlan, models.VerbUpdated, "", buildingID)
	s.logger.Info("BIM import committed",
		logger.String("buildingId", buildingID),
		logger.String("source", source),
		logger.Int("floors", len(plans)),
	)
	return plans, nil
}
