// Package embeddings turns text into vectors through a configured provider.
package embeddings

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/fabfab/document-portal/config"
	"github.com/fabfab/document-portal/errs"
)

const googleOpenAIBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"

type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

type Options struct {
	Provider  string
	Model     string
	Dimension int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewEmbedder builds the embedder selected by cfg.Embeddings.Provider, wrapped
// in a rate limiter when EMBED_RATE_LIMIT is set.
func NewEmbedder(cfg config.Config) (Embedder, error) {
	opts := Options{
		Provider:   cfg.Embeddings.Provider,
		Model:      cfg.Embeddings.Model,
		Dimension:  cfg.Embeddings.Dimension,
		OllamaHost: cfg.OllamaHost,
	}

	var embedder Embedder
	switch opts.Provider {
	case config.ProviderOllama:
		embedder = NewOllamaEmbedder(opts)
	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, errs.Configuration("openai provider selected but OPENAI_API_KEY not set", nil)
		}
		opts.OpenAIAPIKey = cfg.OpenAIAPIKey
		opts.OpenAIBaseURL = cfg.OpenAIBaseURL
		embedder = NewOpenAIEmbedder(opts)
	case config.ProviderGoogle:
		if cfg.GoogleAPIKey == "" {
			return nil, errs.Configuration("google provider selected but GOOGLE_API_KEY not set", nil)
		}
		opts.OpenAIAPIKey = cfg.GoogleAPIKey
		opts.OpenAIBaseURL = googleOpenAIBaseURL
		embedder = NewOpenAIEmbedder(opts)
	default:
		return nil, errs.Configuration(fmt.Sprintf("unknown embedding provider: %s", opts.Provider), nil)
	}

	if cfg.Embeddings.RateLimit > 0 {
		burst := cfg.Embeddings.RateBurst
		if burst <= 0 {
			burst = 1
		}
		embedder = NewRateLimited(embedder, rate.NewLimiter(rate.Limit(cfg.Embeddings.RateLimit), burst))
	}
	return embedder, nil
}

// EmbedInBatches embeds texts batchSize at a time, checking ctx between
// batches. Provider failures and count mismatches are returned as embedding
// errors.
func EmbedInBatches(ctx context.Context, e Embedder, texts []string, batchSize int) ([][]float32, error) {
	if batchSize <= 0 {
		batchSize = len(texts)
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		if err := ctx.Err(); err != nil {
			return nil, errs.Embedding("embed batch", err)
		}

		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch, err := e.Embed(ctx, texts[start:end])
		if err != nil {
			return nil, errs.Embedding("embed batch", err)
		}
		if len(batch) != end-start {
			return nil, errs.Embedding("embed batch", fmt.Errorf("embedding count mismatch: have %d texts, %d embeddings", end-start, len(batch)))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}
