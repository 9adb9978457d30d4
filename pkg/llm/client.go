// Package llm 提供了与大语言模型交互的客户端。
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"regaudit-go/internal/config"
)

// Client 定义了文本补全服务客户端的接口。
type Client interface {
	// Complete 以 role-based 消息与可选生成参数调用接口，返回完整的回复文本。
	Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// NewClient 根据配置中的 provider 创建补全客户端。
// RateLimit.RequestsPerSecond 大于 0 时返回带限流的包装。
func NewClient(ctx context.Context, cfg config.LLMConfig) (Client, error) {
	var client Client
	switch cfg.Provider {
	case "", "openai":
		client = NewOpenAICompatibleClient(cfg)
	case "gemini":
		c, err := NewGeminiClient(ctx, cfg)
		if err != nil {
			return nil, err
		}
		client = c
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}

	if cfg.RateLimit.RequestsPerSecond > 0 {
		client = NewRateLimitedClient(client, cfg.RateLimit)
	}
	return client, nil
}

type openAICompatibleClient struct {
	cfg    config.LLMConfig
	client *http.Client
}

// NewOpenAICompatibleClient 为任意兼容 OpenAI 的 /chat/completions 接口创建客户端。
func NewOpenAICompatibleClient(cfg config.LLMConfig) Client {
	return &openAICompatibleClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *openAICompatibleClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
	}
	// 传参优先，其次使用全局配置（若非零值）
	if gen == nil {
		gen = DefaultGenerationParams(c.cfg.Generation)
	}
	reqBody.Temperature = gen.Temperature
	reqBody.TopP = gen.TopP
	reqBody.MaxTokens = gen.MaxTokens

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(reqBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to call chat api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("chat api returned non-200 status: %s, body: %s", resp.Status, string(bodyBytes))
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("failed to decode chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("chat api returned no choices")
	}
	return chatResp.Choices[0].Message.Content, nil
}

// DefaultGenerationParams 把配置中的非零项转换为生成参数。
func DefaultGenerationParams(g config.LLMGenerationConfig) *GenerationParams {
	params := &GenerationParams{}
	if g.Temperature != 0 {
		t := g.Temperature
		params.Temperature = &t
	}
	if g.TopP != 0 {
		p := g.TopP
		params.TopP = &p
	}
	if g.MaxTokens != 0 {
		m := g.MaxTokens
		params.MaxTokens = &m
	}
	return params
}
