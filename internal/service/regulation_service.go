package service

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"regaudit-go/internal/model"
	"regaudit-go/internal/pipeline"
	"regaudit-go/internal/repository"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/storage"
	"regaudit-go/pkg/tasks"

	"github.com/google/uuid"
)

var supportedRegulationTypes = map[string]bool{
	".pdf":  true,
	".docx": true,
	".doc":  true,
	".txt":  true,
	".md":   true,
}

// TaskPublisher 把入库任务投递到消息队列。
type TaskPublisher interface {
	Publish(ctx context.Context, task tasks.IngestTask) error
}

// TaskProcessor 同步执行一个入库任务。
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.IngestTask) error
}

// IndexStatus 汇总了索引、元数据库与后台流程的状态。
type IndexStatus struct {
	pipeline.ConsistencyReport
	EntityCount int64                    `json:"entity_count"`
	Processes   []model.ProcessingStatus `json:"processes"`
	StorageInfo model.StorageInfo        `json:"storage_info"`
}

// RegulationService 接口定义了法规文件的入库与维护操作。
type RegulationService interface {
	// Submit 保存上传的法规文件并触发入库。未配置消息队列时同步处理。
	Submit(ctx context.Context, fileName string, size int64, data io.Reader) (*model.RegulationDocument, error)
	ListDocuments(ctx context.Context) ([]model.RegulationDocument, error)
	Status(ctx context.Context) (*IndexStatus, error)
	// Reindex 仅根据元数据库重建向量索引。
	Reindex(ctx context.Context) (pipeline.ConsistencyReport, error)
}

type regulationService struct {
	store       storage.Storage
	docRepo     repository.DocumentRepository
	chunkRepo   repository.ChunkRepository
	entityRepo  repository.EntityRepository
	coordinator *pipeline.Coordinator
	processor   TaskProcessor
	publisher   TaskPublisher
	storageInfo model.StorageInfo
}

// NewRegulationService 创建一个新的 RegulationService 实例。publisher 可以为 nil。
func NewRegulationService(
	store storage.Storage,
	docRepo repository.DocumentRepository,
	chunkRepo repository.ChunkRepository,
	entityRepo repository.EntityRepository,
	coordinator *pipeline.Coordinator,
	processor TaskProcessor,
	publisher TaskPublisher,
	storageInfo model.StorageInfo,
) RegulationService {
	return &regulationService{
		store:       store,
		docRepo:     docRepo,
		chunkRepo:   chunkRepo,
		entityRepo:  entityRepo,
		coordinator: coordinator,
		processor:   processor,
		publisher:   publisher,
		storageInfo: storageInfo,
	}
}

func (s *regulationService) Submit(ctx context.Context, fileName string, size int64, data io.Reader) (*model.RegulationDocument, error) {
	fileName = filepath.Base(strings.TrimSpace(fileName))
	ext := strings.ToLower(filepath.Ext(fileName))
	if !supportedRegulationTypes[ext] {
		return nil, fmt.Errorf("%w: unsupported regulation file type %q", ErrInvalidInput, ext)
	}

	// 1. 保存原始文件
	fileID := uuid.New()
	storagePath, err := s.store.Upload(ctx, fileID, fileName, data)
	if err != nil {
		log.Errorf("[RegulationService] 保存法规文件失败, FileName: %s, Error: %v", fileName, err)
		return nil, fmt.Errorf("failed to store file: %w", err)
	}

	// 2. 记录文档
	doc := &model.RegulationDocument{
		FileID:      fileID.String(),
		FileName:    fileName,
		StoragePath: storagePath,
		TotalSize:   size,
		Status:      model.DocumentStatusPending,
	}
	if err := s.docRepo.Create(ctx, doc); err != nil {
		_ = s.store.Delete(ctx, storagePath)
		return nil, fmt.Errorf("failed to record document: %w", err)
	}

	task := tasks.IngestTask{
		TaskID:      uuid.NewString(),
		FileID:      doc.FileID,
		FileName:    fileName,
		StoragePath: storagePath,
	}

	// 3. 投递任务，未配置消息队列时同步处理
	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, task); err != nil {
			log.Errorf("[RegulationService] 投递入库任务失败, FileID: %s, Error: %v", doc.FileID, err)
			_ = s.docRepo.MarkFailed(ctx, doc.ID, "failed to enqueue: "+err.Error())
			return nil, fmt.Errorf("failed to enqueue ingestion: %w", err)
		}
		log.Infof("[RegulationService] 入库任务已投递, FileID: %s, TaskID: %s", doc.FileID, task.TaskID)
		return doc, nil
	}

	if err := s.processor.Process(ctx, task); err != nil {
		return nil, err
	}
	return s.docRepo.GetByFileID(ctx, doc.FileID)
}

func (s *regulationService) ListDocuments(ctx context.Context) ([]model.RegulationDocument, error) {
	return s.docRepo.List(ctx)
}

func (s *regulationService) Status(ctx context.Context) (*IndexStatus, error) {
	report, err := s.coordinator.Check(ctx)
	if err != nil {
		return nil, err
	}
	processes, err := s.chunkRepo.ListStatuses(ctx)
	if err != nil {
		return nil, err
	}
	entities, err := s.entityRepo.Count(ctx)
	if err != nil {
		return nil, err
	}
	return &IndexStatus{
		ConsistencyReport: report,
		EntityCount:       entities,
		Processes:         processes,
		StorageInfo:       s.storageInfo,
	}, nil
}

func (s *regulationService) Reindex(ctx context.Context) (pipeline.ConsistencyReport, error) {
	log.Info("[RegulationService] 开始根据元数据库重建向量索引")
	return s.coordinator.Rebuild(ctx, func(done, total int) {
		log.Infof("[RegulationService] 重建进度 %d/%d", done, total)
	})
}
