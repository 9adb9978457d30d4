package model

import "time"

// 法规文档的入库状态
const (
	DocumentStatusPending    = 0
	DocumentStatusProcessing = 1
	DocumentStatusDone       = 2
	DocumentStatusFailed     = 3
)

// RegulationDocument 定义了 regulation_documents 表的 ORM 模型。
// 它记录了每个上传的法规文件及其入库状态。
type RegulationDocument struct {
	ID           uint       `gorm:"primaryKey;autoIncrement" json:"id"`
	FileID       string     `gorm:"type:varchar(36);not null;uniqueIndex" json:"fileId"`
	FileName     string     `gorm:"type:varchar(255);not null" json:"fileName"`
	StoragePath  string     `gorm:"type:varchar(512);not null" json:"storagePath"`
	TotalSize    int64      `gorm:"not null" json:"totalSize"`
	Status       int        `gorm:"not null;default:0" json:"status"`
	ChunkCount   int        `gorm:"not null;default:0" json:"chunkCount"`
	ErrorMessage string     `gorm:"type:text" json:"errorMessage,omitempty"`
	CreatedAt    time.Time  `gorm:"autoCreateTime" json:"createdAt"`
	ProcessedAt  *time.Time `gorm:"default:null" json:"processedAt"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (RegulationDocument) TableName() string {
	return "regulation_documents"
}

// StatusText 返回状态的可读名称。
func (d RegulationDocument) StatusText() string {
	switch d.Status {
	case DocumentStatusPending:
		return "pending"
	case DocumentStatusProcessing:
		return "processing"
	case DocumentStatusDone:
		return "done"
	case DocumentStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}
