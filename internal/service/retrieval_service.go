// Package service 包含了应用的业务逻辑层。
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"regaudit-go/internal/model"
	"regaudit-go/internal/repository"
	"regaudit-go/pkg/embedding"
	"regaudit-go/pkg/log"
	"regaudit-go/pkg/vectorindex"
)

// ErrIndexUnavailable 表示尚未入库任何法规文档，无法检索。
var ErrIndexUnavailable = errors.New("no regulatory index available, please process some regulatory documents first")

// ErrInvalidInput 表示请求参数不合法。
var ErrInvalidInput = errors.New("invalid input")

// DefaultTopK 是未指定 top_k 时的检索条数。
const DefaultTopK = 5

// RetrievalService 接口定义了检索操作。
type RetrievalService interface {
	// Retrieve 返回与 query 最相似的 k 个文本块，按相似度降序。
	Retrieve(ctx context.Context, query string, k int) ([]model.RetrievalResult, error)
	// RetrieveForFragment 用 EnhancedQuery(query, fragment) 检索。
	RetrieveForFragment(ctx context.Context, query, fragment string, k int) ([]model.RetrievalResult, error)
	// Available 在两个存储都已初始化时返回 nil，否则返回 ErrIndexUnavailable。
	Available(ctx context.Context) error
}

type retrievalService struct {
	embeddingClient embedding.Client
	index           vectorindex.Index
	chunkRepo       repository.ChunkRepository
	indexPath       string
}

// NewRetrievalService 创建一个新的 RetrievalService 实例。
// indexPath 为空时不检查索引文件是否存在。
func NewRetrievalService(embeddingClient embedding.Client, index vectorindex.Index, chunkRepo repository.ChunkRepository, indexPath string) RetrievalService {
	return &retrievalService{
		embeddingClient: embeddingClient,
		index:           index,
		chunkRepo:       chunkRepo,
		indexPath:       indexPath,
	}
}

// EnhancedQuery 把主题查询与片段原文拼接成混合检索语句。
func EnhancedQuery(query, fragment string) string {
	return query + " context: " + fragment
}

func (s *retrievalService) Available(ctx context.Context) error {
	if s.index.Size() == 0 {
		return ErrIndexUnavailable
	}
	if s.indexPath != "" {
		if _, err := os.Stat(s.indexPath); err != nil {
			return ErrIndexUnavailable
		}
	}
	n, err := s.chunkRepo.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to count chunks: %w", err)
	}
	if n == 0 {
		return ErrIndexUnavailable
	}
	return nil
}

func (s *retrievalService) Retrieve(ctx context.Context, query string, k int) ([]model.RetrievalResult, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: query must not be empty", ErrInvalidInput)
	}
	if k <= 0 {
		k = DefaultTopK
	}
	if err := s.Available(ctx); err != nil {
		return nil, err
	}

	// 1. 向量化查询
	queryVector, err := s.embeddingClient.CreateEmbedding(ctx, query)
	if err != nil {
		log.Errorf("[RetrievalService] 向量化查询失败: %v", err)
		return nil, fmt.Errorf("failed to create query embedding: %w", err)
	}

	// 2. 相似度检索
	hits, err := s.index.Search(ctx, queryVector, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	ordinals := make([]int, len(hits))
	scores := make(map[int]float32, len(hits))
	for i, hit := range hits {
		ordinals[i] = hit.Ordinal
		scores[hit.Ordinal] = hit.Score
	}

	// 3. 按相似度顺序取回元数据
	rows, err := s.chunkRepo.GetByOrdinals(ctx, ordinals)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve chunks: %w", err)
	}
	if len(rows) != len(hits) {
		log.Warnw("[RetrievalService] 部分序号没有对应的元数据", "hits", len(hits), "resolved", len(rows))
	}

	results := make([]model.RetrievalResult, 0, len(rows))
	for _, row := range rows {
		results = append(results, model.RetrievalResult{
			Text:      row.Text,
			DocName:   row.DocName,
			PageRange: row.PageRange,
			Summary:   row.Summary,
			ChunkID:   row.ChunkID,
			Score:     float64(scores[row.Ordinal]),
		})
	}
	log.Debugf("[RetrievalService] 检索完成, k: %d, 命中: %d", k, len(results))
	return results, nil
}

func (s *retrievalService) RetrieveForFragment(ctx context.Context, query, fragment string, k int) ([]model.RetrievalResult, error) {
	return s.Retrieve(ctx, EnhancedQuery(query, fragment), k)
}
