// Package config loads runtime settings from an optional YAML file, a .env
// file and the process environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/fabfab/document-portal/errs"
)

// Provider names accepted for the llm and embedding blocks.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderGroq   = "groq"
	ProviderGoogle = "google"
)

// Index backends.
const (
	IndexBackendFile     = "file"
	IndexBackendPostgres = "postgres"
)

const defaultConfigPath = "config/config.yaml"

type EmbeddingConfig struct {
	Provider  string
	Model     string
	Dimension int
	BatchSize int
	// RateLimit is the number of embedding requests per second; 0 disables throttling.
	RateLimit float64
	RateBurst int
}

type LLMConfig struct {
	// Key is the entry of the llm block selected by LLM_PROVIDER.
	Key             string
	Provider        string
	Model           string
	Temperature     float32
	MaxOutputTokens int
}

type LogConfig struct {
	Level string
	Dir   string
}

type Config struct {
	Embeddings EmbeddingConfig
	LLM        LLMConfig

	OllamaHost    string
	OpenAIAPIKey  string
	OpenAIBaseURL string
	GroqAPIKey    string
	GoogleAPIKey  string

	UploadBase             string
	FaissBase              string
	AnalysisBase           string
	CompareBase            string
	CompareKeepSessions    int
	SessionCleanupInterval time.Duration

	IndexBackend string
	PostgresDSN  string

	GraphEnabled bool
	Neo4jURI     string
	Neo4jUser    string
	Neo4jPass    string

	HTTPAddr string
	// CORSAllowedOrigins lists the origins the API answers with credentials.
	// Empty allows every origin.
	CORSAllowedOrigins []string
	Log                LogConfig

	// llmBlocks keeps every entry of the llm block so Validate can report
	// an unknown LLM_PROVIDER key.
	llmBlocks map[string]LLMBlock
}

// LLMBlock is one entry of the llm section in config.yaml.
type LLMBlock struct {
	Provider        string   `yaml:"provider"`
	ModelName       string   `yaml:"model_name"`
	Temperature     *float32 `yaml:"temperature,omitempty"`
	MaxOutputTokens int      `yaml:"max_output_tokens"`
}

// FileConfig mirrors config.yaml.
type FileConfig struct {
	EmbeddingModel struct {
		Provider  string `yaml:"provider"`
		ModelName string `yaml:"model_name"`
		Dimension int    `yaml:"dimension"`
	} `yaml:"embedding_model"`
	LLM map[string]LLMBlock `yaml:"llm"`
}

// Load reads .env (when present), the YAML file named by CONFIG_PATH (default
// config/config.yaml, optional) and environment overrides.
func Load() (Config, error) {
	_ = godotenv.Load()

	path := getEnv("CONFIG_PATH", defaultConfigPath)
	file, err := LoadFile(path)
	if err != nil {
		return Config{}, err
	}

	return fromFile(file), nil
}

// LoadFile parses a YAML config. A missing file yields the built-in defaults.
func LoadFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return defaultFileConfig(), nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg FileConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errs.Configuration("parse config "+path, err)
	}
	applyFileDefaults(&cfg)
	return &cfg, nil
}

func fromFile(file *FileConfig) Config {
	cfg := Config{
		Embeddings: EmbeddingConfig{
			Provider:  getEnv("EMBEDDING_PROVIDER", file.EmbeddingModel.Provider),
			Model:     getEnv("EMBEDDING_MODEL", file.EmbeddingModel.ModelName),
			Dimension: getEnvInt("EMBEDDING_DIMENSION", file.EmbeddingModel.Dimension),
			BatchSize: getEnvInt("EMBED_BATCH_SIZE", 64),
			RateLimit: getEnvFloat("EMBED_RATE_LIMIT", 0),
			RateBurst: getEnvInt("EMBED_RATE_BURST", 1),
		},

		OllamaHost:    getEnv("OLLAMA_HOST", "http://localhost:11434"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL: os.Getenv("OPENAI_BASE_URL"),
		GroqAPIKey:    os.Getenv("GROQ_API_KEY"),
		GoogleAPIKey:  os.Getenv("GOOGLE_API_KEY"),

		UploadBase:             getEnv("UPLOAD_BASE", "data"),
		FaissBase:              getEnv("FAISS_BASE", "faiss_index"),
		AnalysisBase:           getEnv("DATA_STORAGE_PATH", "data/document_analysis"),
		CompareBase:            getEnv("COMPARE_BASE", "data/data_compare"),
		CompareKeepSessions:    getEnvInt("COMPARE_KEEP_SESSIONS", 3),
		SessionCleanupInterval: getEnvDuration("SESSION_CLEANUP_INTERVAL", 0),

		IndexBackend: strings.ToLower(getEnv("INDEX_BACKEND", IndexBackendFile)),
		PostgresDSN:  getEnv("POSTGRES_DSN", "postgres://localhost:5432/document-portal?sslmode=disable"),

		GraphEnabled: getEnvBool("GRAPH_ENABLED", false),
		Neo4jURI:     getEnv("NEO4J_URI", "neo4j://localhost:7687"),
		Neo4jUser:    getEnv("NEO4J_USERNAME", "neo4j"),
		Neo4jPass:    getEnv("NEO4J_PASSWORD", "password"),

		HTTPAddr:           getEnv("HTTP_ADDR", ":8080"),
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS"),
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			Dir:   os.Getenv("LOG_DIR"),
		},

		llmBlocks: file.LLM,
	}

	key := getEnv("LLM_PROVIDER", ProviderOpenAI)
	cfg.LLM = LLMConfig{Key: key}
	if block, ok := file.LLM[key]; ok {
		cfg.LLM.Provider = block.Provider
		cfg.LLM.Model = block.ModelName
		cfg.LLM.MaxOutputTokens = block.MaxOutputTokens
		cfg.LLM.Temperature = 0.2
		if block.Temperature != nil {
			cfg.LLM.Temperature = *block.Temperature
		}
	}
	cfg.LLM.Model = getEnv("LLM_MODEL", cfg.LLM.Model)

	return cfg
}

// Validate reports settings that make the selected providers or backends unusable.
func (c Config) Validate() error {
	if c.llmBlocks != nil {
		if _, ok := c.llmBlocks[c.LLM.Key]; !ok {
			return errs.Configuration(fmt.Sprintf("llm provider %q not found in config", c.LLM.Key), nil)
		}
	}
	if err := c.requireKey(c.LLM.Provider); err != nil {
		return err
	}
	if c.Embeddings.Provider == ProviderGroq {
		return errs.Configuration("groq does not provide an embeddings API", nil)
	}
	if err := c.requireKey(c.Embeddings.Provider); err != nil {
		return err
	}
	if c.Embeddings.Dimension < 0 {
		return errs.Configuration(fmt.Sprintf("embedding dimension must not be negative, got %d", c.Embeddings.Dimension), nil)
	}
	switch c.IndexBackend {
	case IndexBackendFile:
	case IndexBackendPostgres:
		if c.Embeddings.Dimension <= 0 {
			return errs.Configuration("postgres index backend requires EMBEDDING_DIMENSION", nil)
		}
	default:
		return errs.Configuration(fmt.Sprintf("unknown index backend %q", c.IndexBackend), nil)
	}
	if c.CompareKeepSessions < 0 {
		return errs.Configuration("COMPARE_KEEP_SESSIONS must not be negative", nil)
	}
	return nil
}

// APIKey returns the credential for provider, or "" when it needs none.
func (c Config) APIKey(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return c.OpenAIAPIKey
	case ProviderGroq:
		return c.GroqAPIKey
	case ProviderGoogle:
		return c.GoogleAPIKey
	default:
		return ""
	}
}

func (c Config) requireKey(provider string) error {
	switch provider {
	case ProviderOllama:
		return nil
	case ProviderOpenAI, ProviderGroq, ProviderGoogle:
		if c.APIKey(provider) == "" {
			return errs.Configuration(fmt.Sprintf("%s provider selected but %s_API_KEY not set", provider, strings.ToUpper(provider)), nil)
		}
		return nil
	default:
		return errs.Configuration(fmt.Sprintf("unsupported provider %q", provider), nil)
	}
}

func defaultFileConfig() *FileConfig {
	cfg := &FileConfig{}
	applyFileDefaults(cfg)
	return cfg
}

func applyFileDefaults(cfg *FileConfig) {
	if cfg.EmbeddingModel.Provider == "" {
		cfg.EmbeddingModel.Provider = ProviderOpenAI
	}
	if cfg.EmbeddingModel.ModelName == "" {
		cfg.EmbeddingModel.ModelName = "text-embedding-3-small"
	}
	if len(cfg.LLM) == 0 {
		cfg.LLM = map[string]LLMBlock{
			ProviderOpenAI: {Provider: ProviderOpenAI, ModelName: "gpt-4o-mini", MaxOutputTokens: 2048},
			ProviderGroq:   {Provider: ProviderGroq, ModelName: "llama-3.3-70b-versatile", MaxOutputTokens: 2048},
			ProviderGoogle: {Provider: ProviderGoogle, ModelName: "gemini-2.0-flash", MaxOutputTokens: 2048},
			ProviderOllama: {Provider: ProviderOllama, ModelName: "llama3.1:8b", MaxOutputTokens: 2048},
		}
	}
	for key, block := range cfg.LLM {
		if block.Provider == "" {
			block.Provider = key
		}
		if block.MaxOutputTokens == 0 {
			block.MaxOutputTokens = 2048
		}
		cfg.LLM[key] = block
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v == "true" || v == "1"
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
