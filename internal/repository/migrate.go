package repository

import (
	"fmt"
	"time"

	"regaudit-go/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Migrate 创建或更新表结构，并登记已知的后台流程（已存在时保持原值）。
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(
		&model.Chunk{},
		&model.ProcessingStatus{},
		&model.ChunkEntity{},
		&model.RegulationDocument{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	seed := model.ProcessingStatus{
		ProcessName:            model.EntityProcessName,
		LastProcessedChunkID:   0,
		LastProcessedTimestamp: time.Now(),
	}
	if err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&seed).Error; err != nil {
		return fmt.Errorf("failed to seed processing status: %w", err)
	}
	return nil
}
