package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// DefaultStaticDimensions 是静态哈希向量的默认维度。
const DefaultStaticDimensions = 256

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// 高频虚词不携带语义，不参与 token 哈希（仍参与字符 n-gram）
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "and": true, "or": true,
	"of": true, "to": true, "in": true, "on": true, "for": true,
	"is": true, "are": true, "be": true, "by": true, "with": true,
	"at": true, "as": true, "it": true, "this": true, "that": true,
}

// StaticEmbedder 用特征哈希生成确定性的向量，不依赖网络。
// 语义能力有限，适合离线运行与测试。
type StaticEmbedder struct {
	dim int
}

// NewStaticEmbedder 创建静态向量生成器，dim <= 0 时使用默认维度。
func NewStaticEmbedder(dim int) *StaticEmbedder {
	if dim <= 0 {
		dim = DefaultStaticDimensions
	}
	return &StaticEmbedder{dim: dim}
}

// Dimensions 返回向量维度。
func (e *StaticEmbedder) Dimensions() int {
	return e.dim
}

func (e *StaticEmbedder) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vector := make([]float32, e.dim)
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return vector, nil
	}

	for _, token := range tokenize(trimmed) {
		if stopWords[token] {
			continue
		}
		vector[hashToIndex(token, e.dim)] += tokenWeight
	}
	for _, ngram := range extractNgrams(normalizeForNgrams(trimmed), ngramSize) {
		vector[hashToIndex(ngram, e.dim)] += ngramWeight
	}
	return normalize(vector), nil
}

func (e *StaticEmbedder) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.CreateEmbedding(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// tokenize 按字母数字切分并转小写。
func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// normalizeForNgrams 只保留字母数字，去掉空白与标点。
func normalizeForNgrams(text string) []rune {
	out := make([]rune, 0, len(text))
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			out = append(out, r)
		}
	}
	return out
}

func extractNgrams(runes []rune, n int) []string {
	if len(runes) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(runes)-n+1)
	for i := 0; i <= len(runes)-n; i++ {
		ngrams = append(ngrams, string(runes[i:i+n]))
	}
	return ngrams
}

func hashToIndex(s string, dim int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int(h.Sum32() % uint32(dim))
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
