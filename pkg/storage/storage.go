package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/feichai0017/building-console/pkg/logger"
	"github.com/feichai0017/building-console/pkg/storage/memory"
	"github.com/feichai0017/building-console/pkg/storage/minio"
	"github.com/feichai0017/building-console/pkg/storage/s3"
)

// StorageType 定义存储类型
type StorageType string

const (
	StorageTypeS3     StorageType = "s3"
	StorageTypeMinio  StorageType = "minio"
	StorageTypeMemory StorageType = "memory"
)

// Storage 接口定义
type Storage interface {
	// Put 存储对象
	Put(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error
	// Get 获取对象
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	// Delete 删除对象
	Delete(ctx context.Context, key string) error
	// CleanupBefore 清理 prefix 下早于 threshold 的对象, 返回删除数量
	CleanupBefore(ctx context.Context, prefix string, threshold time.Time) (int, error)
}

// NewStorage 创建存储实例的工厂方法
func NewStorage(storageType StorageType, log logger.Logger) (Storage, error) {
	switch storageType {
	case StorageTypeS3:
		return s3.GetClient(log)
	case StorageTypeMinio:
		return minio.GetClient(log)
	case StorageTypeMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", storageType)
	}
}
