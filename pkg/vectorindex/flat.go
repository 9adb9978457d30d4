package vectorindex

import (
	"context"
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const flatFormatVersion = 1

// FlatIndex 是精确的暴力内积索引，等价于 IndexFlatIP。
type FlatIndex struct {
	mu      sync.RWMutex
	dim     int
	vectors [][]float32
}

// flatFile 是 FlatIndex 的持久化格式。
type flatFile struct {
	Version   int
	Dimension int
	Count     int
	Data      []float32
}

// NewFlatIndex 创建一个空的精确索引，dim 为 0 时由第一次 Add 决定维度。
func NewFlatIndex(dim int) *FlatIndex {
	return &FlatIndex{dim: dim}
}

func (f *FlatIndex) Add(ctx context.Context, vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	dim, err := checkDimensions(f.dim, vectors)
	if err != nil {
		return err
	}
	f.dim = dim
	f.vectors = append(f.vectors, copyVectors(vectors)...)
	return nil
}

func (f *FlatIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if k <= 0 || len(f.vectors) == 0 {
		return []Hit{}, nil
	}
	if len(query) != f.dim {
		return nil, ErrDimensionMismatch{Expected: f.dim, Got: len(query)}
	}

	hits := make([]Hit, len(f.vectors))
	for i, v := range f.vectors {
		hits[i] = Hit{Ordinal: i, Score: InnerProduct(query, v)}
	}
	return topK(hits, k), nil
}

func (f *FlatIndex) Replace(ctx context.Context, vectors [][]float32) error {
	dim, err := checkDimensions(0, vectors)
	if err != nil {
		return err
	}
	copied := copyVectors(vectors)

	f.mu.Lock()
	defer f.mu.Unlock()
	if dim != 0 {
		f.dim = dim
	}
	f.vectors = copied
	return nil
}

func (f *FlatIndex) Size() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.vectors)
}

func (f *FlatIndex) Dimension() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.dim
}

// Persist 原子地写入索引文件（临时文件 + rename）。
func (f *FlatIndex) Persist(ctx context.Context, path string) error {
	f.mu.RLock()
	payload := flatFile{
		Version:   flatFormatVersion,
		Dimension: f.dim,
		Count:     len(f.vectors),
		Data:      make([]float32, 0, len(f.vectors)*f.dim),
	}
	for _, v := range f.vectors {
		payload.Data = append(payload.Data, v...)
	}
	f.mu.RUnlock()

	return writeGobAtomic(path, payload)
}

func (f *FlatIndex) Load(ctx context.Context, path string) error {
	var payload flatFile
	if err := readGob(path, &payload); err != nil {
		return err
	}
	if payload.Version != flatFormatVersion {
		return fmt.Errorf("unsupported flat index version %d", payload.Version)
	}
	if payload.Count*payload.Dimension != len(payload.Data) {
		return fmt.Errorf("flat index file is truncated: %d values for %d x %d", len(payload.Data), payload.Count, payload.Dimension)
	}

	vectors := make([][]float32, payload.Count)
	for i := range vectors {
		vectors[i] = payload.Data[i*payload.Dimension : (i+1)*payload.Dimension]
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.dim = payload.Dimension
	f.vectors = vectors
	return nil
}

// writeGobAtomic 将 v 以 gob 编码写入 path，先写临时文件再 rename。
func writeGobAtomic(path string, v interface{}) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	tmpPath := path + ".tmp"
	file, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("failed to create index file: %w", err)
	}
	if err := gob.NewEncoder(file).Encode(v); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to encode index: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to sync index file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close index file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index file: %w", err)
	}
	return nil
}

func readGob(path string, v interface{}) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open index file: %w", err)
	}
	defer file.Close()

	if err := gob.NewDecoder(file).Decode(v); err != nil {
		return fmt.Errorf("failed to decode index file: %w", err)
	}
	return nil
}
