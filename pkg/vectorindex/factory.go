package vectorindex

import (
	"fmt"

	"regaudit-go/internal/config"
)

// New 根据配置创建对应后端的空索引。dim 为 0 时由第一次写入决定。
func New(cfg config.VectorIndexConfig, dim int) (Index, error) {
	if cfg.Dimensions > 0 {
		dim = cfg.Dimensions
	}
	switch cfg.Type {
	case "", "flat":
		return NewFlatIndex(dim), nil
	case "hnsw":
		return NewHNSWIndex(dim, cfg.M, cfg.EfSearch), nil
	case "elasticsearch":
		return NewElasticsearchIndex(cfg.Elasticsearch, dim)
	default:
		return nil, fmt.Errorf("unsupported vector index type: %s", cfg.Type)
	}
}
