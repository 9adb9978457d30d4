package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"regaudit-go/internal/repository"
	"regaudit-go/pkg/chunker"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/storage"
	"regaudit-go/pkg/tasks"
)

// PageExtractor 从二进制文档中按页提取纯文本。
type PageExtractor interface {
	ExtractPages(ctx context.Context, r io.Reader, fileName string) ([]string, error)
}

// Processor 封装了法规文件入库的所有依赖和逻辑。
type Processor struct {
	extractor   PageExtractor
	store       storage.Storage
	chunker     *chunker.Chunker
	coordinator *Coordinator
	docRepo     repository.DocumentRepository
}

// NewProcessor 创建一个新的 Processor 实例。
func NewProcessor(
	extractor PageExtractor,
	store storage.Storage,
	chk *chunker.Chunker,
	coordinator *Coordinator,
	docRepo repository.DocumentRepository,
) *Processor {
	return &Processor{
		extractor:   extractor,
		store:       store,
		chunker:     chk,
		coordinator: coordinator,
		docRepo:     docRepo,
	}
}

// Process 是法规文件入库的主函数：下载、按页提取、切块、双写，并记录文档状态。
func (p *Processor) Process(ctx context.Context, task tasks.IngestTask) error {
	log.Infof("[Processor] 开始处理法规文件, FileID: %s, FileName: %s", task.FileID, task.FileName)

	doc, err := p.docRepo.GetByFileID(ctx, task.FileID)
	if err != nil {
		return fmt.Errorf("找不到法规文件记录 %s: %w", task.FileID, err)
	}
	if err := p.docRepo.MarkProcessing(ctx, doc.ID); err != nil {
		log.Warnf("[Processor] 更新文件状态失败, FileID: %s, Error: %v", task.FileID, err)
	}

	count, err := p.ingest(ctx, task)
	if err != nil {
		if markErr := p.docRepo.MarkFailed(ctx, doc.ID, err.Error()); markErr != nil {
			log.Warnf("[Processor] 记录失败状态失败, FileID: %s, Error: %v", task.FileID, markErr)
		}
		return err
	}
	if err := p.docRepo.MarkDone(ctx, doc.ID, count); err != nil {
		log.Warnf("[Processor] 记录完成状态失败, FileID: %s, Error: %v", task.FileID, err)
	}
	log.Infof("[Processor] 法规文件处理成功完成, FileID: %s, 共 %d 个文本块", task.FileID, count)
	return nil
}

func (p *Processor) ingest(ctx context.Context, task tasks.IngestTask) (int, error) {
	// 1. 从对象存储下载文件
	log.Infof("[Processor] 步骤1: 下载文件, StoragePath: %s", task.StoragePath)
	object, err := p.store.Download(ctx, task.StoragePath)
	if err != nil {
		return 0, fmt.Errorf("下载文件失败: %w", err)
	}
	defer object.Close()

	buf := new(bytes.Buffer)
	size, err := buf.ReadFrom(object)
	if err != nil {
		return 0, fmt.Errorf("读取文件内容失败: %w", err)
	}
	if size == 0 {
		log.Warnf("[Processor] 文件 '%s' 内容为空, 处理中止", task.FileName)
		return 0, errors.New("文件内容为空")
	}

	// 2. 按页提取文本
	pages, err := p.ExtractPages(ctx, buf.Bytes(), task.FileName)
	if err != nil {
		return 0, err
	}

	// 3. 切块并写入两个存储
	return p.IndexPages(ctx, task.FileName, pages)
}

// ExtractPages 提取文档的逐页文本；纯文本文件不经过 Tika，视为单页。
func (p *Processor) ExtractPages(ctx context.Context, data []byte, fileName string) ([]string, error) {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == ".txt" || ext == ".md" {
		if !utf8.Valid(data) {
			return nil, fmt.Errorf("文件 %s 不是有效的 UTF-8 文本", fileName)
		}
		return []string{string(data)}, nil
	}

	log.Info("[Processor] 步骤2: 使用Tika按页提取文本内容")
	pages, err := p.extractor.ExtractPages(ctx, bytes.NewReader(data), fileName)
	if err != nil {
		return nil, fmt.Errorf("使用 Tika 提取文本失败: %w", err)
	}
	log.Infof("[Processor] 步骤2: 文本提取成功, 共 %d 页", len(pages))
	return pages, nil
}

// IndexPages 把逐页文本切块后交给 Coordinator 原子写入，返回写入的块数。
func (p *Processor) IndexPages(ctx context.Context, docName string, pages []string) (int, error) {
	pieces := p.chunker.SplitPages(pages)
	log.Infof("[Processor] 步骤3: 文本分块完成, 共生成 %d 个分块", len(pieces))
	if len(pieces) == 0 {
		log.Warnf("[Processor] 未生成任何文本分块, 处理中止, FileName: %s", docName)
		return 0, errors.New("未生成任何文本分块")
	}

	inputs := make([]ChunkInput, len(pieces))
	for i, piece := range pieces {
		inputs[i] = ChunkInput{Text: piece.Text, DocName: docName, PageRange: piece.PageRange}
	}
	chunks, err := p.coordinator.IndexBatch(ctx, inputs)
	if err != nil {
		return 0, err
	}
	return len(chunks), nil
}
