package vectorindex

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"regaudit-go/internal/config"
	"regaudit-go/pkg/log"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// ElasticsearchIndex 将向量存放在 Elasticsearch 的 dense_vector 字段中，文档 _id 即序号。
// 本地 path 处保存一个 manifest（条目数与维度），作为"索引已持久化"的落盘凭证。
type ElasticsearchIndex struct {
	mu        sync.RWMutex
	client    *elasticsearch.Client
	indexName string
	dim       int
	count     int
	created   bool
}

// esManifest 是写在本地的索引清单。
type esManifest struct {
	IndexName string
	Count     int
	Dimension int
}

// esVectorDoc 是写入 Elasticsearch 的文档结构。
type esVectorDoc struct {
	Ordinal int       `json:"ordinal"`
	Vector  []float32 `json:"vector"`
}

// NewElasticsearchIndex 创建 Elasticsearch 客户端。索引本身在第一次写入时按维度创建。
func NewElasticsearchIndex(esCfg config.ElasticsearchConfig, dim int) (*ElasticsearchIndex, error) {
	cfg := elasticsearch.Config{
		Addresses: strings.Split(esCfg.Addresses, ","),
		Username:  esCfg.Username,
		Password:  esCfg.Password,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	indexName := esCfg.IndexName
	if indexName == "" {
		indexName = "regulatory_chunks"
	}
	return &ElasticsearchIndex{client: client, indexName: indexName, dim: dim}, nil
}

// createIndexIfNotExists 检查索引是否存在，如果不存在则按维度创建它
func (e *ElasticsearchIndex) createIndexIfNotExists(ctx context.Context, dim int) error {
	if e.created {
		return nil
	}
	res, err := e.client.Indices.Exists([]string{e.indexName}, e.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		log.Errorf("[VectorIndex] 检查索引是否存在时出错: %v", err)
		return err
	}
	res.Body.Close()
	if !res.IsError() && res.StatusCode == http.StatusOK {
		e.created = true
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("unexpected status checking index %s: %d", e.indexName, res.StatusCode)
	}

	mapping := fmt.Sprintf(`{
		"mappings": {
			"properties": {
				"ordinal": { "type": "integer" },
				"vector": {
					"type": "dense_vector",
					"dims": %d,
					"index": true,
					"similarity": "max_inner_product"
				}
			}
		}
	}`, dim)

	res, err = e.client.Indices.Create(
		e.indexName,
		e.client.Indices.Create.WithContext(ctx),
		e.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		log.Errorf("[VectorIndex] 创建索引 '%s' 失败: %v", e.indexName, err)
		return err
	}
	defer res.Body.Close()
	if res.IsError() {
		log.Errorf("[VectorIndex] 创建索引 '%s' 时 Elasticsearch 返回错误: %s", e.indexName, res.String())
		return fmt.Errorf("elasticsearch returned an error creating index: %s", res.Status())
	}

	log.Infof("[VectorIndex] 索引 '%s' 创建成功, 维度: %d", e.indexName, dim)
	e.created = true
	return nil
}

func (e *ElasticsearchIndex) Add(ctx context.Context, vectors [][]float32) error {
	if len(vectors) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	dim, err := checkDimensions(e.dim, vectors)
	if err != nil {
		return err
	}
	if err := e.createIndexIfNotExists(ctx, dim); err != nil {
		return err
	}
	e.dim = dim

	// 只有全部写入成功才推进 count；失败时写入的文档会在下一次追加时被同 _id 覆盖
	for i, v := range vectors {
		if err := e.indexVector(ctx, e.count+i, v); err != nil {
			return err
		}
	}
	e.count += len(vectors)
	return nil
}

func (e *ElasticsearchIndex) indexVector(ctx context.Context, ordinal int, vector []float32) error {
	docBytes, err := json.Marshal(esVectorDoc{Ordinal: ordinal, Vector: vector})
	if err != nil {
		return err
	}

	req := esapi.IndexRequest{
		Index:      e.indexName,
		DocumentID: strconv.Itoa(ordinal),
		Body:       bytes.NewReader(docBytes),
	}
	res, err := req.Do(ctx, e.client)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.IsError() {
		log.Errorf("[VectorIndex] 索引向量到 Elasticsearch 出错: %s", res.String())
		return fmt.Errorf("failed to index vector %d", ordinal)
	}
	return nil
}

func (e *ElasticsearchIndex) Search(ctx context.Context, query []float32, k int) ([]Hit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if k <= 0 || e.count == 0 {
		return []Hit{}, nil
	}
	if len(query) != e.dim {
		return nil, ErrDimensionMismatch{Expected: e.dim, Got: len(query)}
	}

	numCandidates := k * 10
	if numCandidates < 100 {
		numCandidates = 100
	}
	// 只检索已确认的序号，回滚留下的孤儿文档被过滤掉
	esQuery := map[string]interface{}{
		"knn": map[string]interface{}{
			"field":          "vector",
			"query_vector":   query,
			"k":              k,
			"num_candidates": numCandidates,
			"filter": map[string]interface{}{
				"range": map[string]interface{}{
					"ordinal": map[string]interface{}{"lt": e.count},
				},
			},
		},
		"_source": []string{"ordinal", "vector"},
		"size":    k,
	}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(esQuery); err != nil {
		return nil, fmt.Errorf("failed to encode es query: %w", err)
	}

	res, err := e.client.Search(
		e.client.Search.WithContext(ctx),
		e.client.Search.WithIndex(e.indexName),
		e.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("elasticsearch search failed: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		bodyBytes, _ := io.ReadAll(res.Body)
		log.Errorf("[VectorIndex] Elasticsearch 返回错误, status: %s, body: %s", res.Status(), string(bodyBytes))
		return nil, fmt.Errorf("elasticsearch returned an error: %s", res.Status())
	}

	var esResponse struct {
		Hits struct {
			Hits []struct {
				Source esVectorDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&esResponse); err != nil {
		return nil, fmt.Errorf("failed to decode es response: %w", err)
	}

	docs := make([]esVectorDoc, 0, len(esResponse.Hits.Hits))
	for _, h := range esResponse.Hits.Hits {
		docs = append(docs, h.Source)
	}
	return rescoreHits(query, docs, e.count, k), nil
}

// rescoreHits 用原始内积重新打分。ES 的 max_inner_product 得分经过了单调变换，
// 只用于召回候选，返回给调用方的分数与 flat、hnsw 后端一致。
func rescoreHits(query []float32, docs []esVectorDoc, count, k int) []Hit {
	hits := make([]Hit, 0, len(docs))
	for _, doc := range docs {
		if doc.Ordinal >= count || len(doc.Vector) != len(query) {
			continue
		}
		hits = append(hits, Hit{Ordinal: doc.Ordinal, Score: InnerProduct(query, doc.Vector)})
	}
	return topK(hits, k)
}

// Replace 删除并重建远端索引，然后写入全部向量。
func (e *ElasticsearchIndex) Replace(ctx context.Context, vectors [][]float32) error {
	dim, err := checkDimensions(0, vectors)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	res, err := e.client.Indices.Delete([]string{e.indexName},
		e.client.Indices.Delete.WithContext(ctx),
		e.client.Indices.Delete.WithIgnoreUnavailable(true),
	)
	if err != nil {
		return fmt.Errorf("failed to delete index %s: %w", e.indexName, err)
	}
	res.Body.Close()
	e.created = false
	e.count = 0
	if dim == 0 {
		return nil
	}
	e.dim = dim
	if err := e.createIndexIfNotExists(ctx, dim); err != nil {
		return err
	}
	for i, v := range vectors {
		if err := e.indexVector(ctx, i, v); err != nil {
			return err
		}
	}
	e.count = len(vectors)
	return nil
}

func (e *ElasticsearchIndex) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.count
}

func (e *ElasticsearchIndex) Dimension() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dim
}

// Persist 刷新远端索引使写入可见，然后写本地 manifest。
func (e *ElasticsearchIndex) Persist(ctx context.Context, path string) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.created {
		res, err := e.client.Indices.Refresh(
			e.client.Indices.Refresh.WithContext(ctx),
			e.client.Indices.Refresh.WithIndex(e.indexName),
		)
		if err != nil {
			return fmt.Errorf("failed to refresh index %s: %w", e.indexName, err)
		}
		res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("elasticsearch returned an error refreshing index: %s", res.Status())
		}
	}
	return writeGobAtomic(path, esManifest{IndexName: e.indexName, Count: e.count, Dimension: e.dim})
}

// Load 读取本地 manifest，并确认远端文档数不少于 manifest 记录的条目数。
func (e *ElasticsearchIndex) Load(ctx context.Context, path string) error {
	var manifest esManifest
	if err := readGob(path, &manifest); err != nil {
		return err
	}
	if manifest.IndexName != "" && manifest.IndexName != e.indexName {
		return fmt.Errorf("manifest belongs to index %s, configured %s", manifest.IndexName, e.indexName)
	}

	if manifest.Count > 0 {
		res, err := e.client.Count(
			e.client.Count.WithContext(ctx),
			e.client.Count.WithIndex(e.indexName),
		)
		if err != nil {
			return fmt.Errorf("failed to count documents: %w", err)
		}
		defer res.Body.Close()
		if res.IsError() {
			return fmt.Errorf("elasticsearch returned an error counting documents: %s", res.Status())
		}
		var countResp struct {
			Count int `json:"count"`
		}
		if err := json.NewDecoder(res.Body).Decode(&countResp); err != nil {
			return fmt.Errorf("failed to decode count response: %w", err)
		}
		if countResp.Count < manifest.Count {
			return fmt.Errorf("index %s holds %d vectors but manifest records %d", e.indexName, countResp.Count, manifest.Count)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.count = manifest.Count
	e.dim = manifest.Dimension
	e.created = manifest.Count > 0
	return nil
}
