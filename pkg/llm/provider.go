package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/Jerson-masa/ETER/pkg/config"
)

// Provider produces a single completion for a conversation. Implementations
// must honor context cancellation so callers can bound generation latency.
type Provider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Message is a single chat message in provider-neutral form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Roles understood by all supported providers.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Config selects and configures a completion provider.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	APIURL   string
}

// LoadConfig reads provider configuration from LLM_* env vars. GROQ_API_KEY
// is accepted as a shorthand for an OpenAI-compatible Groq deployment.
func LoadConfig() Config {
	cfg := Config{
		Provider: config.GetEnv("LLM_PROVIDER", "openai"),
		Model:    config.GetEnv("LLM_MODEL", ""),
		APIKey:   config.GetEnv("LLM_API_KEY", ""),
		APIURL:   config.GetEnv("LLM_API_URL", ""),
	}
	if cfg.APIKey == "" {
		if groqKey := config.GetEnv("GROQ_API_KEY", ""); groqKey != "" {
			cfg.Provider = "openai"
			cfg.APIKey = groqKey
			if cfg.APIURL == "" {
				cfg.APIURL = "https://api.groq.com/openai/v1"
			}
			if cfg.Model == "" {
				cfg.Model = "llama3-8b-8192"
			}
		}
	}
	return cfg
}

// Configured reports whether the config carries enough to reach a provider.
// Ollama runs without an API key; everything else needs one.
func (c Config) Configured() bool {
	if strings.EqualFold(c.Provider, "ollama") {
		return c.Model != ""
	}
	return c.APIKey != "" && c.Model != ""
}

// NewProvider builds the provider named by cfg.Provider.
func NewProvider(cfg Config) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "ollama":
		return NewOllamaProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.Provider)
	}
}
