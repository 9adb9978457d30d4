package llm

import (
	"context"

	"regaudit-go/internal/config"

	"golang.org/x/time/rate"
)

// RateLimitedClient 在每次调用前按令牌桶等待，避免触发上游配额。
type RateLimitedClient struct {
	next    Client
	limiter *rate.Limiter
}

// NewRateLimitedClient 用令牌桶限流器包装 next。
func NewRateLimitedClient(next Client, cfg config.RateLimitConfig) *RateLimitedClient {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimitedClient{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

func (c *RateLimitedClient) Complete(ctx context.Context, messages []Message, gen *GenerationParams) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}
	return c.next.Complete(ctx, messages, gen)
}
