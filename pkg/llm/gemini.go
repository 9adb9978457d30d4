package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"regaudit-go/internal/config"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

type geminiClient struct {
	client *genai.Client
	cfg    config.LLMConfig
}

// NewGeminiClient 创建基于 Gemini API 的补全客户端。
func NewGeminiClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("llm.api_key is required for the gemini provider")
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-1.5-flash"
	}
	return &geminiClient{client: client, cfg: cfg}, nil
}

func (c *geminiClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	if gen == nil {
		gen = DefaultGenerationParams(c.cfg.Generation)
	}
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	model := c.client.GenerativeModel(c.cfg.Model)
	if gen.Temperature != nil {
		model.SetTemperature(float32(*gen.Temperature))
	}
	if gen.TopP != nil {
		model.SetTopP(float32(*gen.TopP))
	}
	if gen.MaxTokens != nil {
		model.SetMaxOutputTokens(int32(*gen.MaxTokens))
	}

	// system 消息作为 SystemInstruction，其余消息拼接为一次请求
	var parts []genai.Part
	for _, m := range messages {
		if m.Role == "system" {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(m.Content)}}
			continue
		}
		parts = append(parts, genai.Text(m.Content))
	}
	if len(parts) == 0 {
		return "", errors.New("no user content to send")
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", errors.New("gemini returned no candidates")
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			sb.WriteString(string(text))
		}
	}
	return sb.String(), nil
}
