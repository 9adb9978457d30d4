package repository

import (
	"context"
	"time"

	"regaudit-go/internal/model"

	"gorm.io/gorm"
)

// DocumentRepository 定义了对 regulation_documents 表的数据操作接口。
type DocumentRepository interface {
	Create(ctx context.Context, doc *model.RegulationDocument) error
	GetByFileID(ctx context.Context, fileID string) (*model.RegulationDocument, error)
	MarkProcessing(ctx context.Context, id uint) error
	MarkDone(ctx context.Context, id uint, chunkCount int) error
	MarkFailed(ctx context.Context, id uint, reason string) error
	List(ctx context.Context) ([]model.RegulationDocument, error)
}

type documentRepository struct {
	db *gorm.DB
}

// NewDocumentRepository 创建一个新的 DocumentRepository 实例。
func NewDocumentRepository(db *gorm.DB) DocumentRepository {
	return &documentRepository{db: db}
}

func (r *documentRepository) Create(ctx context.Context, doc *model.RegulationDocument) error {
	return r.db.WithContext(ctx).Create(doc).Error
}

func (r *documentRepository) GetByFileID(ctx context.Context, fileID string) (*model.RegulationDocument, error) {
	var doc model.RegulationDocument
	if err := r.db.WithContext(ctx).Where("file_id = ?", fileID).First(&doc).Error; err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *documentRepository) MarkProcessing(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&model.RegulationDocument{}).Where("id = ?", id).
		Updates(map[string]interface{}{"status": model.DocumentStatusProcessing, "error_message": ""}).Error
}

func (r *documentRepository) MarkDone(ctx context.Context, id uint, chunkCount int) error {
	return r.db.WithContext(ctx).Model(&model.RegulationDocument{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":       model.DocumentStatusDone,
			"chunk_count":  chunkCount,
			"processed_at": time.Now(),
		}).Error
}

func (r *documentRepository) MarkFailed(ctx context.Context, id uint, reason string) error {
	return r.db.WithContext(ctx).Model(&model.RegulationDocument{}).Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":        model.DocumentStatusFailed,
			"error_message": reason,
			"processed_at":  time.Now(),
		}).Error
}

func (r *documentRepository) List(ctx context.Context) ([]model.RegulationDocument, error) {
	var docs []model.RegulationDocument
	err := r.db.WithContext(ctx).Order("created_at DESC, id DESC").Find(&docs).Error
	return docs, err
}
