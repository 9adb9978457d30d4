package vectorindex

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"
)

// HNSWIndex 基于 coder/hnsw 的近似索引。图的 key 即序号，
// 召回的候选会用精确内积重新打分，保证排序语义与 FlatIndex 一致。
type HNSWIndex struct {
	mu       sync.RWMutex
	graph    *hnsw.Graph[uint64]
	dim      int
	count    int
	m        int
	efSearch int
}

// hnswMeta 与图文件一起保存在 path + ".meta"。
type hnswMeta struct {
	Count     int
	Dimension int
}

// NewHNSWIndex 创建一个空的 HNSW 索引。
func NewHNSWIndex(dim, m, efSearch int) *HNSWIndex {
	if m <= 0 {
		m = 16
	}
	if efSearch <= 0 {
		efSearch = 64
	}
	return &HNSWIndex{
		graph:    newGraph(m, efSearch),
		dim:      dim,
		m:        m,
		efSearch: efSearch,
	}
}

func newGraph(m, efSearch int) *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = m
	graph.EfSearch = efSearch
	graph.Ml = 0.25
	return graph
}

func (h *HNSWIndex) Add(ctx context.Context, vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	dim, err := checkDimensions(h.dim, vectors)
	if err != nil {
		return err
	}
	h.dim = dim
	for i, v := range copyVectors(vectors) {
		h.graph.Add(hnsw.MakeNode(uint64(h.count+i), v))
	}
	h.count += len(vectors)
	return nil
}

func (h *HNSWIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if k <= 0 || h.count == 0 || h.graph.Len() == 0 {
		return []Hit{}, nil
	}
	if len(query) != h.dim {
		return nil, ErrDimensionMismatch{Expected: h.dim, Got: len(query)}
	}

	// 多取一些候选，再用精确内积重排
	candidates := k * 4
	if candidates < h.efSearch {
		candidates = h.efSearch
	}
	if candidates > h.count {
		candidates = h.count
	}

	nodes := h.graph.Search(query, candidates)
	hits := make([]Hit, 0, len(nodes))
	for _, node := range nodes {
		ordinal := int(node.Key)
		if ordinal >= h.count {
			continue
		}
		hits = append(hits, Hit{Ordinal: ordinal, Score: InnerProduct(query, node.Value)})
	}
	return topK(hits, k), nil
}

func (h *HNSWIndex) Replace(ctx context.Context, vectors [][]float32) error {
	dim, err := checkDimensions(0, vectors)
	if err != nil {
		return err
	}
	graph := newGraph(h.m, h.efSearch)
	for i, v := range copyVectors(vectors) {
		graph.Add(hnsw.MakeNode(uint64(i), v))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = graph
	h.count = len(vectors)
	if dim != 0 {
		h.dim = dim
	}
	return nil
}

func (h *HNSWIndex) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

func (h *HNSWIndex) Dimension() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dim
}

// Persist 导出图文件并写入 .meta 侧车文件。
func (h *HNSWIndex) Persist(ctx context.Context, path string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := h.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to export graph: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}

	return writeGobAtomic(path+".meta", hnswMeta{Count: h.count, Dimension: h.dim})
}

func (h *HNSWIndex) Load(ctx context.Context, path string) error {
	var meta hnswMeta
	if err := readGob(path+".meta", &meta); err != nil {
		return fmt.Errorf("failed to load hnsw metadata: %w", err)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	graph := newGraph(h.m, h.efSearch)
	// coder/hnsw 的 Import 需要 io.ByteReader
	if err := graph.Import(bufio.NewReader(file)); err != nil {
		return fmt.Errorf("failed to import graph: %w", err)
	}
	if graph.Len() != meta.Count {
		return fmt.Errorf("hnsw graph has %d nodes but metadata records %d", graph.Len(), meta.Count)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.graph = graph
	h.count = meta.Count
	h.dim = meta.Dimension
	return nil
}
