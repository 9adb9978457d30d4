package embedding

import (
	"context"
	"errors"
	"fmt"

	"regaudit-go/internal/config"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type geminiClient struct {
	model     *genai.EmbeddingModel
	batchSize int
}

// NewGeminiClient 创建基于 Gemini API 的向量化客户端。
func NewGeminiClient(ctx context.Context, cfg config.EmbeddingConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("embedding.api_key is required for the gemini provider")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	model := cfg.Model
	if model == "" {
		model = "text-embedding-004"
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 || batchSize > 100 {
		batchSize = 100
	}
	return &geminiClient{model: client.EmbeddingModel(model), batchSize: batchSize}, nil
}

func (c *geminiClient) CreateEmbedding(ctx context.Context, text string) ([]float32, error) {
	res, err := c.model.EmbedContent(ctx, genai.Text(text))
	if err != nil {
		return nil, fmt.Errorf("gemini embed failed: %w", err)
	}
	if res.Embedding == nil || len(res.Embedding.Values) == 0 {
		return nil, fmt.Errorf("received empty embedding from gemini")
	}
	return res.Embedding.Values, nil
}

func (c *geminiClient) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := c.model.NewBatch()
		for _, t := range texts[start:end] {
			batch.AddContent(genai.Text(t))
		}
		res, err := c.model.BatchEmbedContents(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("gemini batch embed failed: %w", err)
		}
		if len(res.Embeddings) != end-start {
			return nil, fmt.Errorf("gemini returned %d embeddings for %d inputs", len(res.Embeddings), end-start)
		}
		for _, e := range res.Embeddings {
			out = append(out, e.Values)
		}
	}
	return out, nil
}
