// Package llm wraps chat-completion providers behind a single Client.
package llm

import (
	"context"
	"fmt"

	"github.com/fabfab/document-portal/config"
	"github.com/fabfab/document-portal/errs"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

const (
	groqBaseURL   = "https://api.groq.com/openai/v1"
	googleBaseURL = "https://generativelanguage.googleapis.com/v1beta/openai/"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Client interface {
	Generate(ctx context.Context, messages []Message) (string, error)
}

type Options struct {
	Provider        string
	Model           string
	Temperature     float32
	MaxOutputTokens int

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
}

// NewClient builds the client for the llm block selected by LLM_PROVIDER.
// Groq and Google are reached through their OpenAI-compatible endpoints.
func NewClient(cfg config.Config) (Client, error) {
	opts := Options{
		Provider:        cfg.LLM.Provider,
		Model:           cfg.LLM.Model,
		Temperature:     cfg.LLM.Temperature,
		MaxOutputTokens: cfg.LLM.MaxOutputTokens,
		OllamaHost:      cfg.OllamaHost,
	}

	switch opts.Provider {
	case config.ProviderOllama:
		return NewOllamaClient(opts), nil
	case config.ProviderOpenAI:
		opts.OpenAIBaseURL = cfg.OpenAIBaseURL
	case config.ProviderGroq:
		opts.OpenAIBaseURL = groqBaseURL
	case config.ProviderGoogle:
		opts.OpenAIBaseURL = googleBaseURL
	default:
		return nil, errs.Configuration(fmt.Sprintf("unknown llm provider: %s", opts.Provider), nil)
	}

	opts.OpenAIAPIKey = cfg.APIKey(opts.Provider)
	if opts.OpenAIAPIKey == "" {
		return nil, errs.Configuration(fmt.Sprintf("%s provider selected but no API key set", opts.Provider), nil)
	}
	return NewOpenAIClient(opts), nil
}
