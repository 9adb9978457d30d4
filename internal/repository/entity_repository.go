package repository

import (
	"context"

	"regaudit-go/internal/model"

	"gorm.io/gorm"
)

// EntityRepository 定义了对 chunk_entities 表的数据操作接口。
type EntityRepository interface {
	// ReplaceForChunk 删除文本块已有的实体后写入新的实体，保证重跑幂等。
	ReplaceForChunk(ctx context.Context, chunkID int64, entities []model.ChunkEntity) error
	ListByChunk(ctx context.Context, chunkID int64) ([]model.ChunkEntity, error)
	Count(ctx context.Context) (int64, error)
}

type entityRepository struct {
	db *gorm.DB
}

// NewEntityRepository 创建一个新的 EntityRepository 实例。
func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepository{db: db}
}

func (r *entityRepository) ReplaceForChunk(ctx context.Context, chunkID int64, entities []model.ChunkEntity) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("chunk_id = ?", chunkID).Delete(&model.ChunkEntity{}).Error; err != nil {
			return err
		}
		if len(entities) == 0 {
			return nil
		}
		for i := range entities {
			entities[i].ChunkID = chunkID
		}
		return tx.CreateInBatches(entities, 100).Error
	})
}

func (r *entityRepository) ListByChunk(ctx context.Context, chunkID int64) ([]model.ChunkEntity, error) {
	var rows []model.ChunkEntity
	err := r.db.WithContext(ctx).Where("chunk_id = ?", chunkID).Order("id").Find(&rows).Error
	return rows, err
}

func (r *entityRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.ChunkEntity{}).Count(&n).Error
	return n, err
}
