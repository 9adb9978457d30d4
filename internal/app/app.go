// Package app 按配置组装服务进程与运维 CLI 共用的依赖。
package app

import (
	"context"
	"fmt"

	"regaudit-go/internal/config"
	"regaudit-go/internal/model"
	"regaudit-go/internal/pipeline"
	"regaudit-go/internal/repository"
	"regaudit-go/internal/service"
	"regaudit-go/pkg/chunker"
	"regaudit-go/pkg/database"
	"regaudit-go/pkg/embedding"
	"regaudit-go/pkg/kafka"
	"regaudit-go/pkg/llm"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/storage"
	"regaudit-go/pkg/tika"
	"regaudit-go/pkg/token"
	"regaudit-go/pkg/vectorindex"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// App 持有一次进程生命周期内的全部组件。
type App struct {
	Config config.Config

	DB    *gorm.DB
	Redis *redis.Client

	ChunkRepo  repository.ChunkRepository
	DocRepo    repository.DocumentRepository
	EntityRepo repository.EntityRepository

	Store       storage.Storage
	Embedder    embedding.Client
	LLM         llm.Client
	Index       vectorindex.Index
	Coordinator *pipeline.Coordinator
	Processor   *pipeline.Processor
	Entities    *pipeline.EntityExtractor

	Retrieval  service.RetrievalService
	Audit      service.AuditService
	Regulation service.RegulationService

	Producer   *kafka.Producer
	JWTManager *token.JWTManager
}

// New 依次初始化数据库、Redis、对象存储、模型客户端、向量索引与各个服务。
// 索引文件存在时立即加载。
func New(ctx context.Context, cfg config.Config) (*App, error) {
	a := &App{Config: cfg}

	// 1. 元数据库
	db, err := database.Open(cfg.Database)
	if err != nil {
		return nil, err
	}
	if err := repository.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate metadata store: %w", err)
	}
	a.DB = db

	// 2. Redis 是可选的，只用于记录消费重试次数
	rdb, err := database.NewRedis(ctx, cfg.Database.Redis)
	if err != nil {
		log.Warnf("[App] Redis 不可用，重试计数将保存在进程内: %v", err)
	}
	a.Redis = rdb

	// 3. Repository
	a.ChunkRepo = repository.NewChunkRepository(db)
	a.DocRepo = repository.NewDocumentRepository(db)
	a.EntityRepo = repository.NewEntityRepository(db)

	// 4. 对象存储与模型客户端
	if a.Store, err = storage.New(ctx, cfg.Storage); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}
	if a.Embedder, err = embedding.NewClient(ctx, cfg.Embedding); err != nil {
		return nil, fmt.Errorf("failed to init embedding client: %w", err)
	}
	if a.LLM, err = llm.NewClient(ctx, cfg.LLM); err != nil {
		return nil, fmt.Errorf("failed to init completion client: %w", err)
	}

	// 5. 向量索引与一致性协调器
	if a.Index, err = vectorindex.New(cfg.VectorIndex, cfg.Embedding.Dimensions); err != nil {
		return nil, fmt.Errorf("failed to init vector index: %w", err)
	}
	summarizer := llm.NewSummarizer(a.LLM, cfg.Summarizer)
	a.Coordinator = pipeline.NewCoordinator(a.ChunkRepo, a.Index, a.Embedder, summarizer, cfg.VectorIndex.Path)
	if err := a.Coordinator.ReloadIndex(ctx); err != nil {
		return nil, fmt.Errorf("failed to load vector index: %w", err)
	}

	// 6. 入库管道
	tikaClient := tika.NewClient(cfg.Tika)
	regulationChunker := chunker.New(
		chunker.WithMinTokens(cfg.Chunker.RegulationMinTokens),
		chunker.WithMaxTokens(cfg.Chunker.RegulationMaxTokens),
	)
	procedureChunker := chunker.New(
		chunker.WithMinTokens(cfg.Chunker.ProcedureMinTokens),
		chunker.WithMaxTokens(cfg.Chunker.ProcedureMaxTokens),
	)
	a.Processor = pipeline.NewProcessor(tikaClient, a.Store, regulationChunker, a.Coordinator, a.DocRepo)
	a.Entities = pipeline.NewEntityExtractor(a.ChunkRepo, a.EntityRepo, a.LLM)

	// 7. 服务
	info := StorageInfo(cfg)
	a.Retrieval = service.NewRetrievalService(a.Embedder, a.Index, a.ChunkRepo, cfg.VectorIndex.Path)
	a.Audit = service.NewAuditService(
		a.Retrieval,
		a.LLM,
		tikaClient,
		procedureChunker,
		llm.DefaultGenerationParams(cfg.LLM.Generation),
		cfg.Audit.RequestTimeout,
		info,
	)

	var publisher service.TaskPublisher
	if cfg.Kafka.Brokers != "" {
		a.Producer = kafka.NewProducer(cfg.Kafka)
		publisher = a.Producer
	}
	a.Regulation = service.NewRegulationService(
		a.Store, a.DocRepo, a.ChunkRepo, a.EntityRepo, a.Coordinator, a.Processor, publisher, info,
	)

	if cfg.JWT.Secret != "" {
		a.JWTManager = token.NewJWTManager(cfg.JWT.Secret, cfg.JWT.TokenExpireHours)
	}

	log.Info("[App] 组件初始化完成")
	return a, nil
}

// Consumer 返回入库任务的 Kafka 消费者，未配置 brokers 时返回 nil。
func (a *App) Consumer() *kafka.Consumer {
	if a.Config.Kafka.Brokers == "" {
		return nil
	}
	return kafka.NewConsumer(a.Config.Kafka, a.Processor, kafka.NewAttemptCounter(a.Redis))
}

// Close 释放连接。
func (a *App) Close() {
	if a.Producer != nil {
		if err := a.Producer.Close(); err != nil {
			log.Warnf("[App] 关闭 Kafka producer 失败: %v", err)
		}
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

// StorageInfo 返回响应中报告的两个存储位置。
func StorageInfo(cfg config.Config) model.StorageInfo {
	dbPath := cfg.Database.SQLitePath
	if cfg.Database.Driver != "" && cfg.Database.Driver != "sqlite" {
		dbPath = cfg.Database.Driver
	}
	return model.StorageInfo{
		VectorIndexPath: cfg.VectorIndex.Path,
		MetadataDBPath:  dbPath,
	}
}
