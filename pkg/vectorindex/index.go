// Package vectorindex 提供按序号（ordinal）寻址的向量相似度索引。
//
// 索引只支持追加（Add）和整体替换（Replace / Load），从不删除或重排条目，
// 因此第 i 个追加的向量永远对应序号 i。
package vectorindex

import (
	"context"
	"fmt"
	"sort"
)

// Index 是向量索引的统一接口。
type Index interface {
	// Add 按顺序追加向量，序号从当前 Size() 开始连续分配。
	Add(ctx context.Context, vectors [][]float32) error
	// Search 返回内积最高的 k 个条目，按分数降序，分数相同按序号升序。
	Search(ctx context.Context, query []float32, k int) ([]Hit, error)
	// Replace 用给定向量整体替换索引内容（用于从元数据库重建）。
	Replace(ctx context.Context, vectors [][]float32) error
	// Size 返回已追加的向量个数。
	Size() int
	// Dimension 返回向量维度，尚未写入任何向量时可能为 0。
	Dimension() int
	// Persist 将索引写入稳定存储。
	Persist(ctx context.Context, path string) error
	// Load 从稳定存储整体加载索引，替换内存中的内容。
	Load(ctx context.Context, path string) error
}

// Hit 是一次相似度检索命中的条目。
type Hit struct {
	Ordinal int
	Score   float32
}

// ErrDimensionMismatch 表示向量维度与索引维度不一致。
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("vector dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}

// sortHits 按分数降序排序，分数相同时序号小的在前（先插入者优先）。
func sortHits(hits []Hit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Ordinal < hits[j].Ordinal
	})
}

// topK 排序后截取前 k 个。
func topK(hits []Hit, k int) []Hit {
	sortHits(hits)
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits
}

// InnerProduct 计算两个等长向量的内积。
func InnerProduct(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// checkDimensions 校验一批向量的维度，dim 为 0 时以第一条向量为准。
func checkDimensions(dim int, vectors [][]float32) (int, error) {
	for _, v := range vectors {
		if dim == 0 {
			dim = len(v)
		}
		if len(v) != dim || dim == 0 {
			return dim, ErrDimensionMismatch{Expected: dim, Got: len(v)}
		}
	}
	return dim, nil
}

func copyVectors(vectors [][]float32) [][]float32 {
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		c := make([]float32, len(v))
		copy(c, v)
		out[i] = c
	}
	return out
}
