// Package repository persists building-scoped entity metadata.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/building-console/internal/models"
)

var ErrNotFound = errors.New("not found")

// Repository stores entities as JSON documents, indexed per building newest first.
type Repository interface {
	Put(ctx context.Context, kind models.EntityKind, buildingID, id string, createdAt time.Time, doc []byte) error
	Get(ctx context.Context, kind models.EntityKind, id string) ([]byte, error)
	List(ctx context.Context, kind models.EntityKind, buildingID string) ([][]byte, error)
	Delete(ctx context.Context, kind models.EntityKind, buildingID, id string) error
}

// GetAs loads and decodes one entity.
func GetAs[T any](ctx context.Context, repo Repository, kind models.EntityKind, id string) (T, error) {
	var out T
	doc, err := repo.Get(ctx, kind, id)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(doc, &out); err != nil {
		return out, fmt.Errorf("failed to decode %s %s: %w", kind, id, err)
	}
	return out, nil
}

// PutAs encodes and stores one entity.
func PutAs[T models.Entity](ctx context.Context, repo Repository, kind models.EntityKind, buildingID string, createdAt time.Time, v T) error {
	doc, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", kind, err)
	}
	return repo.Put(ctx, kind, buildingID, v.EntityID(), createdAt, doc)
}

// RedisRepository keeps each entity under entity:{kind}:{id} and a sorted-set index under
// building:{id}:{plural} scored by creation time.
type RedisRepository struct {
	rdb redis.UniversalClient
}

func NewRedisRepository(rdb redis.UniversalClient) *RedisRepository {
	return &RedisRepository{rdb: rdb}
}

func entityKey(kind models.EntityKind, id string) string {
	return fmt.Sprintf("entity:%s:%s", kind, id)
}

func indexKey(kind models.EntityKind, buildingID string) string {
	return fmt.Sprintf("building:%s:%s", buildingID, kind.Plural())
}

func (r *RedisRepository) Put(ctx context.Context, kind models.EntityKind, buildingID, id string, createdAt time.Time, doc []byte) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, entityKey(kind, id), doc, 0)
		if buildingID != "" {
			pipe.ZAdd(ctx, indexKey(kind, buildingID), redis.Z{
				Score:  float64(createdAt.UnixMilli()),
				Member: id,
			})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save %s %s: %w", kind, id, err)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, kind models.EntityKind, id string) ([]byte, error) {
	doc, err := r.rdb.Get(ctx, entityKey(kind, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", kind, id, err)
	}
	return doc, nil
}

func (r *RedisRepository) List(ctx context.Context, kind models.EntityKind, buildingID string) ([][]byte, error) {
	ids, err := r.rdb.ZRevRange(ctx, indexKey(kind, buildingID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", kind.Plural(), err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = entityKey(kind, id)
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", kind.Plural(), err)
	}
	docs := make([][]byte, 0, len(vals))
	for _, v := range vals {
		// index entries whose document is gone are skipped
		if s, ok := v.(string); ok {
			docs = append(docs, []byte(s))
		}
	}
	return docs, nil
}

func (r *RedisRepository) Delete(ctx context.Context, kind models.EntityKind, buildingID, id string) error {
	_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, entityKey(kind, id))
		if buildingID != "" {
			pipe.ZRem(ctx, indexKey(kind, buildingID), id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, id, err)
	}
	return nil
}
