// Package storage 保存上传的原始法规文件，支持本地目录、MinIO 与 AWS S3。
package storage

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"regaudit-go/internal/config"

	"github.com/google/uuid"
)

// Storage 是对象存储的统一接口。
type Storage interface {
	// Upload 保存文件并返回存储路径（对象 key）。
	Upload(ctx context.Context, fileID uuid.UUID, filename string, data io.Reader) (string, error)
	// Download 按存储路径读取文件，调用方负责关闭。
	Download(ctx context.Context, storagePath string) (io.ReadCloser, error)
	// Delete 删除文件，文件不存在时不报错。
	Delete(ctx context.Context, storagePath string) error
}

// New 根据配置创建存储后端。
func New(ctx context.Context, cfg config.StorageConfig) (Storage, error) {
	switch cfg.Type {
	case "", "local":
		return NewLocalStorage(cfg.LocalPath)
	case "minio":
		return NewMinIOStorage(ctx, cfg.MinIO)
	case "s3":
		return NewS3Storage(ctx, cfg.S3)
	default:
		return nil, fmt.Errorf("unknown storage type: %s", cfg.Type)
	}
}

// generateStoragePath 生成唯一的存储路径：<id 前两位>/<id>_<清洗后的文件名>
func generateStoragePath(fileID uuid.UUID, filename string) string {
	ext := filepath.Ext(filename)
	baseName := strings.TrimSuffix(filepath.Base(filename), ext)
	baseName = strings.NewReplacer(" ", "_", "/", "_", "\\", "_").Replace(baseName)

	id := fileID.String()
	return fmt.Sprintf("%s/%s_%s%s", id[:2], id, baseName, ext)
}

// getContentType 根据文件扩展名判断 Content-Type
func getContentType(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	default:
		return "application/octet-stream"
	}
}
