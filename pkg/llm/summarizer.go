package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"regaudit-go/internal/config"
)

const summarizePrompt = "Summarize the following regulatory text in at most %d words. " +
	"Reply with the summary only.\n\n%s"

// Summarizer 为入库的文本块生成简短摘要。
type Summarizer struct {
	client Client
	cfg    config.SummarizerConfig
}

// NewSummarizer 创建摘要器，关闭摘要时 client 可以为 nil。
func NewSummarizer(client Client, cfg config.SummarizerConfig) *Summarizer {
	if cfg.MaxWords <= 0 {
		cfg.MaxWords = 30
	}
	if cfg.InputMaxWords <= 0 {
		cfg.InputMaxWords = 1024
	}
	if cfg.FallbackChars <= 0 {
		cfg.FallbackChars = 100
	}
	return &Summarizer{client: client, cfg: cfg}
}

// Summarize 返回不超过 MaxWords 个词的摘要。输入超过 InputMaxWords 个词时先截断。
// 未启用时直接返回 Fallback 的结果。
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	input := FirstWords(text, s.cfg.InputMaxWords)
	if !s.cfg.Enabled || s.client == nil {
		return s.Fallback(input), nil
	}

	maxTokens := s.cfg.MaxWords * 3
	temperature := 0.0
	summary, err := s.client.Complete(ctx, []Message{
		{Role: "user", Content: fmt.Sprintf(summarizePrompt, s.cfg.MaxWords, input)},
	}, &GenerationParams{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		return "", fmt.Errorf("summarize failed: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", errors.New("summarize returned empty text")
	}
	return FirstWords(summary, s.cfg.MaxWords), nil
}

// Fallback 返回文本的前 FallbackChars 个字符，用作摘要失败时的降级结果。
func (s *Summarizer) Fallback(text string) string {
	return FirstRunes(FirstWords(text, s.cfg.InputMaxWords), s.cfg.FallbackChars)
}

// FirstWords 保留前 n 个以空白分隔的词；不超过 n 个词时原样返回。
func FirstWords(text string, n int) string {
	words := strings.Fields(text)
	if len(words) <= n {
		return text
	}
	return strings.Join(words[:n], " ")
}

// FirstRunes 保留前 n 个字符（按 rune 计）。
func FirstRunes(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}
