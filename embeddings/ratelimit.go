package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimited throttles calls to an underlying Embedder.
type RateLimited struct {
	inner   Embedder
	limiter *rate.Limiter
}

func NewRateLimited(inner Embedder, limiter *rate.Limiter) *RateLimited {
	return &RateLimited{inner: inner, limiter: limiter}
}

// Embed waits for a limiter token, honouring ctx, then delegates.
func (r *RateLimited) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	return r.inner.Embed(ctx, texts)
}

var _ Embedder = (*RateLimited)(nil)
