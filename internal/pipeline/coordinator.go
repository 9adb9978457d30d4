// Package pipeline 定义了法规文本入库的核心流程：切块、向量化、摘要、双写。
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"sync"

	"regaudit-go/internal/model"
	"regaudit-go/internal/repository"
	"regaudit-go/pkg/embedding"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/vectorindex"
)

// ErrIndexCorruption 表示元数据库与向量索引的条目数不一致。
var ErrIndexCorruption = errors.New("index corruption")

// CorruptionError 携带检测到不一致时的两侧计数。
type CorruptionError struct {
	MetadataRows   int64
	VectorOrdinals int
	Reason         string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("index corruption: %s (metadata rows %d, vector ordinals %d)", e.Reason, e.MetadataRows, e.VectorOrdinals)
}

func (e *CorruptionError) Unwrap() error {
	return ErrIndexCorruption
}

// ChunkInput 是待入库的一个文本块。
type ChunkInput struct {
	Text      string
	DocName   string
	PageRange string
}

// Summarizer 为文本块生成摘要；失败时由 Fallback 给出降级摘要。
type Summarizer interface {
	Summarize(ctx context.Context, text string) (string, error)
	Fallback(text string) string
}

// ConsistencyReport 是一次一致性检查的结果。
type ConsistencyReport struct {
	MetadataRows   int64 `json:"metadata_rows"`
	VectorOrdinals int   `json:"vector_ordinals"`
	IndexPersisted bool  `json:"index_persisted"`
	Consistent     bool  `json:"consistent"`
}

// ProgressFunc 报告长任务的进度。
type ProgressFunc func(done, total int)

// Coordinator 负责让元数据库与向量索引始终保持一一对应。
// 所有写操作在进程内互斥，并通过索引文件锁与其他进程互斥。
type Coordinator struct {
	mu         sync.Mutex
	repo       repository.ChunkRepository
	index      vectorindex.Index
	embedder   embedding.Client
	summarizer Summarizer
	indexPath  string
	lock       *vectorindex.WriterLock
	batchSize  int
}

// NewCoordinator 创建一个新的 Coordinator 实例。
func NewCoordinator(
	repo repository.ChunkRepository,
	index vectorindex.Index,
	embedder embedding.Client,
	summarizer Summarizer,
	indexPath string,
) *Coordinator {
	return &Coordinator{
		repo:       repo,
		index:      index,
		embedder:   embedder,
		summarizer: summarizer,
		indexPath:  indexPath,
		lock:       vectorindex.NewWriterLock(indexPath),
		batchSize:  64,
	}
}

// Index 返回当前使用的向量索引。
func (c *Coordinator) Index() vectorindex.Index {
	return c.index
}

// IndexPath 返回索引文件路径。
func (c *Coordinator) IndexPath() string {
	return c.indexPath
}

// IndexBatch 将一批文本块写入元数据库与向量索引。
// 要么全部可见，要么全部不可见；索引持久化之后提交失败时返回 ErrIndexCorruption。
func (c *Coordinator) IndexBatch(ctx context.Context, inputs []ChunkInput) ([]model.Chunk, error) {
	if len(inputs) == 0 {
		return []model.Chunk{}, nil
	}
	for i, in := range inputs {
		if strings.TrimSpace(in.Text) == "" {
			return nil, fmt.Errorf("chunk %d has empty text", i)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.Lock(); err != nil {
		return nil, err
	}
	defer c.lock.Unlock()

	// 其他进程可能已经改写了索引文件
	if err := c.loadIfPresent(ctx); err != nil {
		return nil, err
	}

	count, err := c.repo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count chunks: %w", err)
	}
	base := c.index.Size()
	if int(count) != base {
		log.Errorw("[Coordinator] 元数据与向量索引条目数不一致, 拒绝写入", "metadata_rows", count, "vector_ordinals", base)
		return nil, &CorruptionError{MetadataRows: count, VectorOrdinals: base, Reason: "counts differ before ingestion"}
	}

	texts := make([]string, len(inputs))
	for i, in := range inputs {
		texts[i] = in.Text
	}
	log.Infof("[Coordinator] 开始向量化 %d 个文本块", len(texts))
	vectors, err := c.embedder.CreateEmbeddings(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("failed to embed chunks: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vectors), len(texts))
	}

	summaries := make([]string, len(texts))
	for i, text := range texts {
		summary, err := c.summarizer.Summarize(ctx, text)
		if err != nil {
			log.Warnw("[Coordinator] 摘要生成失败, 使用截断文本代替", "index", i, "error", err)
			summary = c.summarizer.Fallback(text)
		}
		summaries[i] = summary
	}

	chunks := make([]model.Chunk, len(inputs))
	persisted := false
	err = c.repo.Transaction(ctx, func(tx repository.ChunkRepository) error {
		for i, in := range inputs {
			chunk := model.Chunk{
				Ordinal:   base + i,
				Text:      in.Text,
				DocName:   in.DocName,
				PageRange: in.PageRange,
				Summary:   summaries[i],
			}
			if _, err := tx.Insert(ctx, &chunk); err != nil {
				return err
			}
			chunks[i] = chunk
		}

		if err := c.index.Add(ctx, vectors); err != nil {
			c.restoreIndex(ctx, base)
			return fmt.Errorf("failed to append vectors: %w", err)
		}
		if err := c.index.Persist(ctx, c.indexPath); err != nil {
			c.restoreIndex(ctx, base)
			return fmt.Errorf("failed to persist index: %w", err)
		}
		persisted = true
		return nil
	})
	if err != nil {
		if persisted {
			log.Errorw("[Coordinator] 索引已持久化但元数据提交失败", "error", err)
			return nil, &CorruptionError{MetadataRows: count, VectorOrdinals: c.index.Size(), Reason: "metadata commit failed after index persist: " + err.Error()}
		}
		return nil, fmt.Errorf("index batch failed: %w", err)
	}

	log.Infof("[Coordinator] 成功写入 %d 个文本块, 序号 %d-%d", len(chunks), base, base+len(chunks)-1)
	return chunks, nil
}

// anySize 表示回滚后不校验条目数，用于重建：磁盘上的索引可能本来就与元数据不一致。
const anySize = -1

// restoreIndex 把内存中的索引恢复为磁盘上上一次持久化的状态。
func (c *Coordinator) restoreIndex(ctx context.Context, expected int) {
	var err error
	if fileExists(c.indexPath) {
		err = c.index.Load(ctx, c.indexPath)
	} else {
		err = c.index.Replace(ctx, nil)
	}
	if err != nil {
		log.Errorw("[Coordinator] 回滚索引失败", "error", err)
		return
	}
	if expected != anySize && c.index.Size() != expected {
		log.Errorw("[Coordinator] 回滚后索引条目数异常", "expected", expected, "actual", c.index.Size())
	}
}

// Rebuild 仅根据元数据库中的文本重建向量索引，并把序号重排为连续的 0..n-1。
func (c *Coordinator) Rebuild(ctx context.Context, progress ProgressFunc) (ConsistencyReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.lock.Lock(); err != nil {
		return ConsistencyReport{}, err
	}
	defer c.lock.Unlock()

	rows, err := c.repo.ListAll(ctx)
	if err != nil {
		return ConsistencyReport{}, fmt.Errorf("failed to list chunks: %w", err)
	}
	log.Infof("[Coordinator] 开始重建向量索引, 共 %d 个文本块", len(rows))

	ids := make([]int64, len(rows))
	vectors := make([][]float32, 0, len(rows))
	for start := 0; start < len(rows); start += c.batchSize {
		end := start + c.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		texts := make([]string, 0, end-start)
		for i := start; i < end; i++ {
			ids[i] = rows[i].ChunkID
			texts = append(texts, rows[i].Text)
		}
		batch, err := c.embedder.CreateEmbeddings(ctx, texts)
		if err != nil {
			return ConsistencyReport{}, fmt.Errorf("failed to embed chunks: %w", err)
		}
		if len(batch) != len(texts) {
			return ConsistencyReport{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)
		if progress != nil {
			progress(end, len(rows))
		}
	}

	persisted := false
	err = c.repo.Transaction(ctx, func(tx repository.ChunkRepository) error {
		if err := tx.ReassignOrdinals(ctx, ids); err != nil {
			return err
		}
		if err := c.index.Replace(ctx, vectors); err != nil {
			c.restoreIndex(ctx, anySize)
			return fmt.Errorf("failed to replace index: %w", err)
		}
		if err := c.index.Persist(ctx, c.indexPath); err != nil {
			c.restoreIndex(ctx, anySize)
			return fmt.Errorf("failed to persist index: %w", err)
		}
		persisted = true
		return nil
	})
	if err != nil {
		if persisted {
			return ConsistencyReport{}, &CorruptionError{MetadataRows: int64(len(rows)), VectorOrdinals: c.index.Size(), Reason: "ordinal commit failed after rebuild: " + err.Error()}
		}
		return ConsistencyReport{}, fmt.Errorf("rebuild failed: %w", err)
	}

	log.Infof("[Coordinator] 向量索引重建完成, 共 %d 条", c.index.Size())
	return c.check(ctx)
}

// Check 比较元数据库行数与索引条目数。
func (c *Coordinator) Check(ctx context.Context) (ConsistencyReport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.check(ctx)
}

func (c *Coordinator) check(ctx context.Context) (ConsistencyReport, error) {
	count, err := c.repo.Count(ctx)
	if err != nil {
		return ConsistencyReport{}, fmt.Errorf("failed to count chunks: %w", err)
	}
	report := ConsistencyReport{
		MetadataRows:   count,
		VectorOrdinals: c.index.Size(),
		IndexPersisted: fileExists(c.indexPath),
	}
	report.Consistent = int(report.MetadataRows) == report.VectorOrdinals &&
		(report.IndexPersisted || report.MetadataRows == 0)
	return report, nil
}

// ReloadIndex 从磁盘重新加载索引（索引文件不存在时不做任何事）。
// 与写操作互斥，供文件监听回调与启动流程使用。
func (c *Coordinator) ReloadIndex(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loadIfPresent(ctx)
}

func (c *Coordinator) loadIfPresent(ctx context.Context) error {
	if !fileExists(c.indexPath) {
		return nil
	}
	if err := c.index.Load(ctx, c.indexPath); err != nil {
		return fmt.Errorf("failed to load index %s: %w", c.indexPath, err)
	}
	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}
