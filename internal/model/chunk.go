// Package model 定义了与数据库表对应的 Go 结构体。
package model

import "time"

// Chunk 对应 chunks 表，是入库法规文本块的唯一事实来源。
// Ordinal 是该文本块在向量索引中的位置，两者一一对应。
type Chunk struct {
	ChunkID   int64     `gorm:"primaryKey;autoIncrement;column:chunk_id" json:"chunk_id"`
	Ordinal   int       `gorm:"not null;index;column:ordinal" json:"ordinal"`
	Text      string    `gorm:"type:text;not null;column:text" json:"text"`
	DocName   string    `gorm:"type:varchar(255);not null;column:doc_name" json:"doc_name"`
	PageRange string    `gorm:"type:varchar(64);not null;column:page_range" json:"page_range"`
	Summary   string    `gorm:"type:text;column:summary" json:"summary"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName 指定了此模型在数据库中对应的表名。
func (Chunk) TableName() string {
	return "chunks"
}

// EntityProcessName 是实体抽取流程在 processing_status 表中的名字。
const EntityProcessName = "entity_processing"

// ProcessingStatus 记录一个后台流程处理到的最后一个 chunk_id，用于断点续跑。
type ProcessingStatus struct {
	ProcessName            string    `gorm:"primaryKey;type:varchar(64);column:process_name" json:"process_name"`
	LastProcessedChunkID   int64     `gorm:"not null;default:0;column:last_processed_chunk_id" json:"last_processed_chunk_id"`
	LastProcessedTimestamp time.Time `gorm:"column:last_processed_timestamp" json:"last_processed_timestamp"`
}

func (ProcessingStatus) TableName() string {
	return "processing_status"
}

// ChunkEntity 是从文本块中抽取出的命名实体。
type ChunkEntity struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	ChunkID   int64     `gorm:"not null;index" json:"chunk_id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Label     string    `gorm:"type:varchar(64);not null" json:"label"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

func (ChunkEntity) TableName() string {
	return "chunk_entities"
}
