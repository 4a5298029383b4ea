package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/document-portal/errs"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("LLM_PROVIDER", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderOpenAI, cfg.LLM.Key)
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.InDelta(t, 0.2, cfg.LLM.Temperature, 1e-6)
	assert.Equal(t, "text-embedding-3-small", cfg.Embeddings.Model)
	assert.Equal(t, "data", cfg.UploadBase)
	assert.Equal(t, "faiss_index", cfg.FaissBase)
	assert.Equal(t, 3, cfg.CompareKeepSessions)
	assert.Equal(t, IndexBackendFile, cfg.IndexBackend)
}

func TestLoadSelectsLLMBlockByProviderKey(t *testing.T) {
	path := writeConfig(t, `
embedding_model:
  provider: ollama
  model_name: nomic-embed-text
  dimension: 768
llm:
  groq:
    provider: groq
    model_name: deepseek-r1-distill-llama-70b
    temperature: 0
    max_output_tokens: 1024
  openai:
    provider: openai
    model_name: gpt-4o
`)
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("LLM_PROVIDER", "groq")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ProviderGroq, cfg.LLM.Provider)
	assert.Equal(t, "deepseek-r1-distill-llama-70b", cfg.LLM.Model)
	assert.Zero(t, cfg.LLM.Temperature)
	assert.Equal(t, 1024, cfg.LLM.MaxOutputTokens)
	assert.Equal(t, ProviderOllama, cfg.Embeddings.Provider)
	assert.Equal(t, 768, cfg.Embeddings.Dimension)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("LLM_MODEL", "gpt-4.1")
	t.Setenv("EMBEDDING_DIMENSION", "1536")
	t.Setenv("SESSION_CLEANUP_INTERVAL", "15m")
	t.Setenv("INDEX_BACKEND", "Postgres")
	t.Setenv("CORS_ALLOWED_ORIGINS", " http://a.test, ,http://b.test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "gpt-4.1", cfg.LLM.Model)
	assert.Equal(t, 1536, cfg.Embeddings.Dimension)
	assert.Equal(t, 15*time.Minute, cfg.SessionCleanupInterval)
	assert.Equal(t, IndexBackendPostgres, cfg.IndexBackend)
	assert.Equal(t, []string{"http://a.test", "http://b.test"}, cfg.CORSAllowedOrigins)
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	path := writeConfig(t, "llm: [unterminated")
	_, err := LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestValidateUnknownProviderKey(t *testing.T) {
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
	t.Setenv("LLM_PROVIDER", "anthropic")

	cfg, err := Load()
	require.NoError(t, err)

	err = cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestValidateRequiresOnlySelectedProviderKey(t *testing.T) {
	cfg := Config{
		LLM:          LLMConfig{Key: ProviderGroq, Provider: ProviderGroq},
		Embeddings:   EmbeddingConfig{Provider: ProviderOllama},
		GroqAPIKey:   "gsk-test",
		IndexBackend: IndexBackendFile,
	}
	require.NoError(t, cfg.Validate())

	cfg.GroqAPIKey = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrConfiguration)
}

func TestValidatePostgresBackendNeedsDimension(t *testing.T) {
	cfg := Config{
		LLM:          LLMConfig{Provider: ProviderOllama},
		Embeddings:   EmbeddingConfig{Provider: ProviderOllama},
		IndexBackend: IndexBackendPostgres,
	}
	assert.ErrorIs(t, cfg.Validate(), errs.ErrConfiguration)

	cfg.Embeddings.Dimension = 768
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsGroqEmbeddings(t *testing.T) {
	cfg := Config{
		LLM:          LLMConfig{Provider: ProviderOllama},
		Embeddings:   EmbeddingConfig{Provider: ProviderGroq},
		GroqAPIKey:   "gsk-test",
		IndexBackend: IndexBackendFile,
	}
	assert.ErrorIs(t, cfg.Validate(), errs.ErrConfiguration)
}
