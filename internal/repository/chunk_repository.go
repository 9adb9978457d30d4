// Package repository 定义了与数据库进行数据交换的接口和实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"regaudit-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvariantViolation 表示试图让处理进度倒退。
var ErrInvariantViolation = errors.New("invariant violation")

// ChunkRepository 定义了对 chunks 与 processing_status 表的数据操作接口。
type ChunkRepository interface {
	// Insert 写入一个文本块并返回自动分配的 chunk_id。
	Insert(ctx context.Context, chunk *model.Chunk) (int64, error)
	// GetByIDs 按输入顺序返回文本块，不存在的 id 被跳过。
	GetByIDs(ctx context.Context, ids []int64) ([]model.Chunk, error)
	// GetByOrdinals 按输入顺序（即相似度顺序）返回文本块，不存在的序号被跳过。
	GetByOrdinals(ctx context.Context, ordinals []int) ([]model.Chunk, error)
	Count(ctx context.Context) (int64, error)
	// ListAll 按序号顺序返回全部文本块。
	ListAll(ctx context.Context) ([]model.Chunk, error)
	// ListAfter 按 chunk_id 升序返回 chunk_id 大于 afterID 的至多 limit 个文本块。
	ListAfter(ctx context.Context, afterID int64, limit int) ([]model.Chunk, error)
	// ReassignOrdinals 把 chunkIDs[i] 的序号设为 i。
	ReassignOrdinals(ctx context.Context, chunkIDs []int64) error

	// GetStatus 返回流程的处理进度，不存在时以 0 创建。
	GetStatus(ctx context.Context, process string) (*model.ProcessingStatus, error)
	// AdvanceStatus 把进度推进到 chunkID，小于已记录的值时返回 ErrInvariantViolation。
	AdvanceStatus(ctx context.Context, process string, chunkID int64) error
	ListStatuses(ctx context.Context) ([]model.ProcessingStatus, error)

	// Transaction 在一个数据库事务中执行 fn，fn 返回错误时回滚。
	Transaction(ctx context.Context, fn func(tx ChunkRepository) error) error
}

type chunkRepository struct {
	db *gorm.DB
}

// NewChunkRepository 创建一个新的 ChunkRepository 实例。
func NewChunkRepository(db *gorm.DB) ChunkRepository {
	return &chunkRepository{db: db}
}

func (r *chunkRepository) Insert(ctx context.Context, chunk *model.Chunk) (int64, error) {
	if err := r.db.WithContext(ctx).Create(chunk).Error; err != nil {
		return 0, fmt.Errorf("failed to insert chunk: %w", err)
	}
	return chunk.ChunkID, nil
}

func (r *chunkRepository) GetByIDs(ctx context.Context, ids []int64) ([]model.Chunk, error) {
	if len(ids) == 0 {
		return []model.Chunk{}, nil
	}
	var rows []model.Chunk
	if err := r.db.WithContext(ctx).Where("chunk_id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]model.Chunk, len(rows))
	for _, row := range rows {
		byID[row.ChunkID] = row
	}

	out := make([]model.Chunk, 0, len(ids))
	for _, id := range ids {
		if row, ok := byID[id]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *chunkRepository) GetByOrdinals(ctx context.Context, ordinals []int) ([]model.Chunk, error) {
	if len(ordinals) == 0 {
		return []model.Chunk{}, nil
	}
	var rows []model.Chunk
	if err := r.db.WithContext(ctx).Where("ordinal IN ?", ordinals).Order("chunk_id").Find(&rows).Error; err != nil {
		return nil, err
	}
	byOrdinal := make(map[int]model.Chunk, len(rows))
	for _, row := range rows {
		if _, ok := byOrdinal[row.Ordinal]; !ok {
			byOrdinal[row.Ordinal] = row
		}
	}

	out := make([]model.Chunk, 0, len(ordinals))
	for _, ord := range ordinals {
		if row, ok := byOrdinal[ord]; ok {
			out = append(out, row)
		}
	}
	return out, nil
}

func (r *chunkRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&model.Chunk{}).Count(&n).Error
	return n, err
}

func (r *chunkRepository) ListAll(ctx context.Context) ([]model.Chunk, error) {
	var rows []model.Chunk
	err := r.db.WithContext(ctx).Order("ordinal, chunk_id").Find(&rows).Error
	return rows, err
}

func (r *chunkRepository) ListAfter(ctx context.Context, afterID int64, limit int) ([]model.Chunk, error) {
	var rows []model.Chunk
	q := r.db.WithContext(ctx).Where("chunk_id > ?", afterID).Order("chunk_id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&rows).Error
	return rows, err
}

func (r *chunkRepository) ReassignOrdinals(ctx context.Context, chunkIDs []int64) error {
	for i, id := range chunkIDs {
		err := r.db.WithContext(ctx).Model(&model.Chunk{}).Where("chunk_id = ?", id).Update("ordinal", i).Error
		if err != nil {
			return fmt.Errorf("failed to reassign ordinal of chunk %d: %w", id, err)
		}
	}
	return nil
}

func (r *chunkRepository) GetStatus(ctx context.Context, process string) (*model.ProcessingStatus, error) {
	db := r.db.WithContext(ctx)
	seed := model.ProcessingStatus{ProcessName: process, LastProcessedTimestamp: time.Now()}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return nil, fmt.Errorf("failed to create processing status: %w", err)
	}

	var status model.ProcessingStatus
	if err := db.Where("process_name = ?", process).First(&status).Error; err != nil {
		return nil, err
	}
	return &status, nil
}

func (r *chunkRepository) AdvanceStatus(ctx context.Context, process string, chunkID int64) error {
	current, err := r.GetStatus(ctx, process)
	if err != nil {
		return err
	}
	if chunkID < current.LastProcessedChunkID {
		return fmt.Errorf("%w: %s cannot move back from %d to %d", ErrInvariantViolation, process, current.LastProcessedChunkID, chunkID)
	}

	// 条件更新，防止并发写入让进度倒退
	res := r.db.WithContext(ctx).Model(&model.ProcessingStatus{}).
		Where("process_name = ? AND last_processed_chunk_id <= ?", process, chunkID).
		Updates(map[string]interface{}{
			"last_processed_chunk_id":  chunkID,
			"last_processed_timestamp": time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to advance processing status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL 默认只统计值真正改变的行，重复推进到同一个 chunkID 也会得到 0
		stored, err := r.GetStatus(ctx, process)
		if err != nil {
			return err
		}
		if stored.LastProcessedChunkID > chunkID {
			return fmt.Errorf("%w: %s advanced concurrently past %d", ErrInvariantViolation, process, chunkID)
		}
	}
	return nil
}

func (r *chunkRepository) ListStatuses(ctx context.Context) ([]model.ProcessingStatus, error) {
	var rows []model.ProcessingStatus
	err := r.db.WithContext(ctx).Order("process_name").Find(&rows).Error
	return rows, err
}

func (r *chunkRepository) Transaction(ctx context.Context, fn func(tx ChunkRepository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&chunkRepository{db: tx})
	})
}
