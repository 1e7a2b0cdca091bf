package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/queue"
)

// Deriver 计算上传制品的派生元数据
type Deriver interface {
	Derive(ctx context.Context, kind, id string) error
}

// Collector 删除过期对象
type Collector interface {
	CleanupBefore(ctx context.Context, prefix string, threshold time.Time) (int, error)
}

const (
	defaultGCPrefix    = "staging/"
	defaultGCRetention = 24 * time.Hour
)

type ArtifactWorker struct {
	BaseWorker
	deriver   Deriver
	collector Collector
	now       func() time.Time
}

func NewArtifactWorker(cfg *Config, deriver Deriver, collector Collector, log logger.Logger) *ArtifactWorker {
	w := &ArtifactWorker{
		BaseWorker: newBaseWorker(cfg, log.Named("worker")),
		deriver:    deriver,
		collector:  collector,
		now:        time.Now,
	}

	// 注册任务处理器
	w.mux.HandleFunc(queue.TaskTypeArtifactDerive, w.HandleDerive)
	w.mux.HandleFunc(queue.TaskTypeArtifactGC, w.HandleGC)
	return w
}

// HandleDerive 处理派生任务. 负载缺失字段的任务不重试
func (w *ArtifactWorker) HandleDerive(ctx context.Context, t *asynq.Task) error {
	task, err := queue.DecodeTask(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	kind, id := task.Payload["kind"], task.Payload["id"]
	if kind == "" || id == "" {
		w.logger.Error("Invalid derive task", logger.Any("payload", task.Payload))
		return fmt.Errorf("invalid task data: missing kind or id: %w", asynq.SkipRetry)
	}

	w.logger.Info("Deriving artifact metadata",
		logger.String("kind", kind),
		logger.String("id", id),
	)
	if err := w.deriver.Derive(ctx, kind, id); err != nil {
		w.logger.Warn("Derive failed", logger.String("id", id), logger.Error(err))
		return err
	}
	return nil
}

// HandleGC 清理超过保留期的孤立对象
func (w *ArtifactWorker) HandleGC(ctx context.Context, t *asynq.Task) error {
	task, err := queue.DecodeTask(t)
	if err != nil {
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}
	prefix := task.Payload["prefix"]
	if prefix == "" {
		prefix = defaultGCPrefix
	}
	retention := defaultGCRetention
	if raw := task.Payload["retention"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			retention = d
		}
	}

	threshold := w.now().Add(-retention)
	deleted, err := w.collector.CleanupBefore(ctx, prefix, threshold)
	if err != nil {
		return fmt.Errorf("failed to cleanup %s: %w", prefix, err)
	}
	w.logger.Info("Orphaned artifacts collected",
		logger.String("prefix", prefix),
		logger.Time("threshold", threshold),
		logger.Int("deleted", deleted),
	)
	return nil
}
