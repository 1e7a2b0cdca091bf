// pkg/queue/queue.go
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
)

// TaskType 定义任务类型
const (
	// TaskTypeArtifactDerive 上传后派生元数据 (PDF 页数, 照片缩略图)
	TaskTypeArtifactDerive = "artifact:derive"
	// TaskTypeArtifactGC 清理孤立的暂存对象
	TaskTypeArtifactGC = "artifact:gc"
)

// Queue 接口定义
type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	Close() error
}

// Task 定义任务结构
type Task struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Priority  int               `json:"priority"`
	Payload   map[string]string `json:"payload"`
	CreatedAt time.Time         `json:"createdAt"`
}

// DecodeTask 反序列化 asynq 任务负载
func DecodeTask(t *asynq.Task) (*Task, error) {
	var task Task
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.Type == "" {
		task.Type = t.Type()
	}
	return &task, nil
}

// NewAsynqTask 构造 asynq 任务, 供 Enqueue 与定时调度共用
func NewAsynqTask(task *Task, opts ...asynq.Option) (*asynq.Task, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	return asynq.NewTask(task.Type, payload, opts...), nil
}

// GCTask 构造孤立对象清理任务
func GCTask(prefix string, retention time.Duration) *Task {
	return &Task{
		Type: TaskTypeArtifactGC,
		Payload: map[string]string{
			"prefix":    prefix,
			"retention": retention.String(),
		},
	}
}

// AsynqQueue 实现
type AsynqQueue struct {
	client     *asynq.Client
	maxRetries int
	timeout    time.Duration
}

// QueueConfig 定义队列配置
type QueueConfig struct {
	RedisAddr      string
	RedisDB        int
	MaxRetries     int
	ProcessTimeout time.Duration
}

// NewAsynqQueue 创建新的队列实例
func NewAsynqQueue(cfg *QueueConfig) *AsynqQueue {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.ProcessTimeout == 0 {
		cfg.ProcessTimeout = 5 * time.Minute
	}
	return &AsynqQueue{
		client:     asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr, DB: cfg.RedisDB}),
		maxRetries: cfg.MaxRetries,
		timeout:    cfg.ProcessTimeout,
	}
}

// Enqueue 将任务加入队列
func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	// 设置任务选项
	opts := []asynq.Option{
		asynq.MaxRetry(q.maxRetries),
		asynq.Timeout(q.timeout),
	}
	if task.ID != "" {
		opts = append(opts, asynq.TaskID(task.ID))
	}

	// 根据优先选择队列
	switch task.Priority {
	case 1:
		opts = append(opts, asynq.Queue("critical"))
	case 2:
		opts = append(opts, asynq.Queue("default"))
	default:
		opts = append(opts, asynq.Queue("low"))
	}

	t, err := NewAsynqTask(task, opts...)
	if err != nil {
		return err
	}
	info, err := q.client.EnqueueContext(ctx, t)
	if err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}

	// 记录任务ID
	task.ID = info.ID
	return nil
}

func (q *AsynqQueue) Close() error {
	return q.client.Close()
}
