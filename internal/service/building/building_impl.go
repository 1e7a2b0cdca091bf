package building

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/feichai0017/building-console/internal/metrics"
	"github.com/feichai0017/building-console/internal/models"
	"github.com/feichai0017/building-console/internal/realtime"
	"github.com/feichai0017/building-console/internal/repository"
	"github.com/feichai0017/building-console/internal/utils/validator"
	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/queue"
	"github.com/feichai0017/building-console/pkg/storage"
)

type Service struct {
	repo     repository.Repository
	storage  storage.Storage
	queue    queue.Queue
	pub      realtime.Publisher
	policies map[models.SubmissionKind]validator.Policy
	metrics  *metrics.Metrics
	logger   logger.Logger
	config   *ServiceConfig
	now      func() time.Time
}

type ServiceConfig struct {
	ThumbnailSize  int
	DerivePriority int
	StagingPrefix  string
}

// 存储相关字段只由上传与派生写入
var blobFields = []string{"storage_key", "thumbnail_key", "file_name", "file_size", "mime_type"}

// NewService wires the backend. A nil queue derives metadata inline; a nil publisher skips broadcasts.
func NewService(
	repo repository.Repository,
	store storage.Storage,
	q queue.Queue,
	pub realtime.Publisher,
	policies map[models.SubmissionKind]validator.Policy,
	m *metrics.Metrics,
	log logger.Logger,
	cfg *ServiceConfig,
) *Service {
	if cfg == nil {
		cfg = &ServiceConfig{}
	}
	if cfg.ThumbnailSize <= 0 {
		cfg.ThumbnailSize = 320
	}
	if cfg.DerivePriority == 0 {
		cfg.DerivePriority = 2
	}
	if cfg.StagingPrefix == "" {
		cfg.StagingPrefix = "staging/"
	}
	if m == nil {
		m = metrics.Nop()
	}
	return &Service{
		repo:     repo,
		storage:  store,
		queue:    q,
		pub:      pub,
		policies: policies,
		metrics:  m,
		logger:   log.Named("building"),
		config:   cfg,
		now:      time.Now,
	}
}

var _ BuildingService = (*Service)(nil)

// Upload 存储制品, 记录元数据并广播 created
func (s *Service) Upload(ctx context.Context, req *UploadRequest) (models.Entity, error) {
	kind := models.EntityKind(req.Kind)
	if req.Kind != models.SubmissionDocument && req.Kind != models.SubmissionPhoto {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, req.Kind)
	}
	if err := s.validate(req.Kind, req.FileName, req.Size); err != nil {
		s.metrics.Uploads.WithLabelValues(string(req.Kind), metrics.OutcomeRejected).Inc()
		return nil, err
	}

	id := uuid.New().String()
	key := fmt.Sprintf("artifacts/%s/%s/%s.%s", req.BuildingID, kind, id, validator.Extension(req.FileName))

	br := bufio.NewReaderSize(req.Body, 3072)
	head, _ := br.Peek(3072)
	contentType := mimetype.Detect(head).String()

	if err := s.storage.Put(ctx, key, br, req.Size, contentType); err != nil {
		s.metrics.Uploads.WithLabelValues(string(req.Kind), metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to store artifact: %w", err)
	}

	now := s.now().UTC()
	var entity models.Entity
	switch req.Kind {
	case models.SubmissionDocument:
		title := req.Metadata.Title
		if title == "" {
			title = req.FileName
		}
		entity = models.Document{
			ID:          id,
			BuildingID:  req.BuildingID,
			FloorID:     req.FloorID,
			Title:       title,
			Category:    req.Metadata.Category,
			Description: req.Metadata.Description,
			Tags:        req.Metadata.Tags,
			FileName:    req.FileName,
			FileSize:    req.Size,
			MimeType:    contentType,
			StorageKey:  key,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	default:
		entity = models.Photo{
			ID:          id,
			BuildingID:  req.BuildingID,
			FloorID:     req.FloorID,
			Title:       req.Metadata.Title,
			Category:    req.Metadata.Category,
			Description: req.Metadata.Description,
			Tags:        req.Metadata.Tags,
			Location:    req.Metadata.Location,
			FileName:    req.FileName,
			FileSize:    req.Size,
			MimeType:    contentType,
			StorageKey:  key,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
	}

	if err := repository.PutAs(ctx, s.repo, kind, req.BuildingID, now, entity); err != nil {
		if derr := s.storage.Delete(ctx, key); derr != nil {
			s.logger.Warn("Failed to remove unrecorded artifact", logger.String("key", key), logger.Error(derr))
		}
		s.metrics.Uploads.WithLabelValues(string(req.Kind), metrics.OutcomeError).Inc()
		return nil, fmt.Errorf("failed to record %s: %w", kind, err)
	}
	s.metrics.Uploads.WithLabelValues(string(req.Kind), metrics.OutcomeOK).Inc()

	s.logger.Info("Artifact uploaded",
		logger.String("kind", string(kind)),
		logger.String("id", id),
		logger.String("buildingId", req.BuildingID),
		logger.Int64("size", req.Size),
	)

	s.publish(ctx, kind, models.VerbCreated, id, req.BuildingID)
	s.scheduleDerive(ctx, kind, id)
	return entity, nil
}

func (s *Service) validate(kind models.SubmissionKind, name string, size int64) error {
	policy, ok := s.policies[kind]
	if !ok {
		return fmt.Errorf("%w: no upload policy for %s", ErrUnsupportedKind, kind)
	}
	if out := validator.Validate(name, size, policy); !out.Accepted() {
		return out.Err
	}
	return nil
}

func (s *Service) scheduleDerive(ctx context.Context, kind models.EntityKind, id string) {
	if s.queue == nil {
		if err := s.Derive(ctx, string(kind), id); err != nil {
			s.logger.Warn("Inline derive failed", logger.String("id", id), logger.Error(err))
		}
		return
	}
	task := &queue.Task{
		Type:     queue.TaskTypeArtifactDerive,
		Priority: s.config.DerivePriority,
		Payload:  map[string]string{"kind": string(kind), "id": id},
	}
	if err := s.queue.Enqueue(ctx, task); err != nil {
		s.logger.Error("Failed to enqueue derive task", logger.String("id", id), logger.Error(err))
	}
}

func (s *Service) publish(ctx context.Context, kind models.EntityKind, verb models.Verb, id, buildingID string) {
	if s.pub == nil {
		return
	}
	n := models.ChangeNotification{Kind: kind, Verb: verb, EntityID: id, BuildingID: buildingID}
	if err := realtime.Broadcast(ctx, s.pub, n); err != nil {
		s.logger.Warn("Failed to publish change", logger.String("event", n.Event()), logger.Error(err))
		return
	}
	s.metrics.Notifications.WithLabelValues(n.Event()).Inc()
}

// List 返回楼宇下符合过滤条件的记录, 最新在前
func (s *Service) List(ctx context.Context, kind models.EntityKind, buildingID string, filters models.Filters) ([]json.RawMessage, error) {
	if !listable(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	docs, err := s.repo.List(ctx, kind, buildingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Plural(), err)
	}
	out := make([]json.RawMessage, 0, len(docs))
	for _, doc := range docs {
		var f models.Filterable
		if err := json.Unmarshal(doc, &f); err != nil {
			s.logger.Warn("Skipping undecodable record", logger.String("kind", string(kind)), logger.Error(err))
			continue
		}
		if filters.Match(f) {
			out = append(out, doc)
		}
	}
	return out, nil
}

// Create 新建巡检, 设备或楼层记录
func (s *Service) Create(ctx context.Context, kind models.EntityKind, buildingID string, payload map[string]any) (json.RawMessage, error) {
	switch kind {
	case models.KindInspection, models.KindDevice, models.KindFloorPlan:
	default:
		return nil, fmt.Errorf("%w: cannot create %s", ErrUnsupportedKind, kind)
	}
	now := s.now().UTC()
	fields := maps.Clone(payload)
	if fields == nil {
		fields = map[string]any{}
	}
	fields["id"] = uuid.New().String()
	fields["building_id"] = buildingID
	fields["created_at"] = now
	fields["updated_at"] = now

	entity, err := decodeEntity(kind, fields)
	if err != nil {
		return nil, err
	}
	if err := repository.PutAs(ctx, s.repo, kind, buildingID, now, entity); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", kind, err)
	}
	s.publish(ctx, kind, models.VerbCreated, entity.EntityID(), buildingID)
	return json.Marshal(entity)
}

// Update 合并补丁并保存
func (s *Service) Update(ctx context.Context, kind models.EntityKind, id string, patch map[string]any) (json.RawMessage, error) {
	if !listable(kind) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	fields, meta, err := s.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	for k, v := range patch {
		fields[k] = v
	}
	for _, k := range blobFields {
		delete(fields, k)
	}
	fields["id"] = id
	fields["building_id"] = meta.buildingID
	fields["created_at"] = meta.createdAt
	for k, v := range meta.fixed {
		fields[k] = v
	}
	fields["updated_at"] = s.now().UTC()

	entity, err := decodeEntity(kind, fields)
	if err != nil {
		return nil, err
	}
	if err := repository.PutAs(ctx, s.repo, kind, meta.buildingID, meta.createdAt, entity); err != nil {
		return nil, fmt.Errorf("failed to update %s: %w", kind, err)
	}
	s.publish(ctx, kind, models.VerbUpdated, id, meta.buildingID)
	return json.Marshal(entity)
}

// Delete 删除记录及其存储对象
func (s *Service) Delete(ctx context.Context, kind models.EntityKind, id string) error {
	if !listable(kind) {
		return fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
	}
	_, meta, err := s.load(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, kind, meta.buildingID, id); err != nil {
		return fmt.Errorf("failed to delete %s: %w", kind, err)
	}
	for _, field := range []string{"storage_key", "thumbnail_key"} {
		key, _ := meta.fixed[field].(string)
		if key == "" {
			continue
		}
		if err := s.storage.Delete(ctx, key); err != nil {
			s.logger.Warn("Failed to delete blob", logger.String("key", key), logger.Error(err))
		}
	}
	s.publish(ctx, kind, models.VerbDeleted, id, meta.buildingID)
	return nil
}

type recordMeta struct {
	buildingID string
	createdAt  time.Time
	fixed      map[string]any
}

func (s *Service) load(ctx context.Context, kind models.EntityKind, id string) (map[string]any, recordMeta, error) {
	doc, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return nil, recordMeta{}, err
	}
	fields := map[string]any{}
	if err := json.Unmarshal(doc, &fields); err != nil {
		return nil, recordMeta{}, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	var f models.Filterable
	_ = json.Unmarshal(doc, &f)
	meta := recordMeta{createdAt: f.CreatedAt, fixed: map[string]any{}}
	meta.buildingID, _ = fields["building_id"].(string)
	for _, k := range blobFields {
		if v, ok := fields[k]; ok {
			meta.fixed[k] = v
		}
	}
	return fields, meta, nil
}

// GetBuilding 获取楼宇记录
func (s *Service) GetBuilding(ctx context.Context, id string) (*models.Building, error) {
	b, err := repository.GetAs[models.Building](ctx, s.repo, models.KindBuilding, id)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// UpdateBuilding 合并补丁; 记录不存在时创建
func (s *Service) UpdateBuilding(ctx context.Context, id string, patch map[string]any) (*models.Building, error) {
	fields := map[string]any{}
	if doc, err := s.repo.Get(ctx, models.KindBuilding, id); err == nil {
		if err := json.Unmarshal(doc, &fields); err != nil {
			return nil, fmt.Errorf("failed to decode building %s: %w", id, err)
		}
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}
	for k, v := range patch {
		fields[k] = v
	}
	fields["id"] = id
	fields["updated_at"] = s.now().UTC()

	var b models.Building
	if err := remarshal(fields, &b); err != nil {
		return nil, err
	}
	if err := s.saveBuilding(ctx, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *Service) saveBuilding(ctx context.Context, b *models.Building) error {
	if err := repository.PutAs(ctx, s.repo, models.KindBuilding, b.ID, b.UpdatedAt, *b); err != nil {
		return fmt.Errorf("failed to save building: %w", err)
	}
	s.publish(ctx, models.KindBuilding, models.VerbUpdated, b.ID, b.ID)
	return nil
}

func listable(kind models.EntityKind) bool {
	switch kind {
	case models.KindDocument, models.KindPhoto, models.KindInspection, models.KindDevice, models.KindFloorPlan:
		return true
	}
	return false
}

// decodeEntity 将字段映射转换为具体类型并校验必填字段
func decodeEntity(kind models.EntityKind, fields map[string]any) (models.Entity, error) {
	switch kind {
	case models.KindInspection:
		var v models.Inspection
		if err := remarshal(fields, &v); err != nil {
			return nil, err
		}
		if v.Type == "" {
			return nil, fmt.Errorf("%w: inspection type is required", ErrInvalid)
		}
		if v.Status == "" {
			v.Status = "scheduled"
		}
		return v, nil
	case models.KindDevice:
		var v models.Device
		if err := remarshal(fields, &v); err != nil {
			return nil, err
		}
		if v.Name == "" {
			return nil, fmt.Errorf("%w: device name is required", ErrInvalid)
		}
		if v.Status == "" {
			v.Status = "active"
		}
		return v, nil
	case models.KindFloorPlan:
		var v models.FloorPlan
		if err := remarshal(fields, &v); err != nil {
			return nil, err
		}
		if v.Name == "" {
			return nil, fmt.Errorf("%w: floor plan name is required", ErrInvalid)
		}
		return v, nil
	case models.KindDocument:
		var v models.Document
		err := remarshal(fields, &v)
		return v, err
	case models.KindPhoto:
		var v models.Photo
		err := remarshal(fields, &v)
		return v, err
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedKind, kind)
}

func remarshal(in map[string]any, out any) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
