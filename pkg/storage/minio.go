package storage

import (
	"context"
	"fmt"
	"io"

	"regaudit-go/internal/config"
	"regaudit-go/pkg/log"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// MinIOStorage 把文件保存在 MinIO 存储桶中。
type MinIOStorage struct {
	client *minio.Client
	bucket string
}

// NewMinIOStorage 初始化 MinIO 客户端并确保指定的存储桶存在。
func NewMinIOStorage(ctx context.Context, cfg config.MinIOConfig) (*MinIOStorage, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 客户端失败: %w", err)
	}
	log.Info("[Storage] MinIO 客户端初始化成功")

	exists, err := client.BucketExists(ctx, cfg.BucketName)
	if err != nil {
		return nil, fmt.Errorf("检查 MinIO 存储桶失败: %w", err)
	}
	if !exists {
		log.Infof("[Storage] 存储桶 '%s' 不存在，正在创建...", cfg.BucketName)
		if err := client.MakeBucket(ctx, cfg.BucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("创建 MinIO 存储桶失败: %w", err)
		}
		log.Infof("[Storage] 存储桶 '%s' 创建成功", cfg.BucketName)
	}

	return &MinIOStorage{client: client, bucket: cfg.BucketName}, nil
}

func (s *MinIOStorage) Upload(ctx context.Context, fileID uuid.UUID, filename string, data io.Reader) (string, error) {
	storagePath := generateStoragePath(fileID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, storagePath, data, -1, minio.PutObjectOptions{
		ContentType: getContentType(filename),
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload to minio: %w", err)
	}
	return storagePath, nil
}

func (s *MinIOStorage) Download(ctx context.Context, storagePath string) (io.ReadCloser, error) {
	object, err := s.client.GetObject(ctx, s.bucket, storagePath, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to download from minio: %w", err)
	}
	return object, nil
}

func (s *MinIOStorage) Delete(ctx context.Context, storagePath string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, storagePath, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("failed to delete from minio: %w", err)
	}
	return nil
}
