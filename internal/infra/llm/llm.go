// Package llm is the generative text client used by enrichment. Two
// providers are supported: Gemini through the official SDK and any
// OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrMissingCredentials is returned when no API key is configured.
var ErrMissingCredentials = errors.New("llm api key is not configured")

const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

// Request is one prompt/response call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	// JSON asks the provider for a JSON response body.
	JSON bool
}

// Client generates text.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
	Close() error
}

// Config selects and configures a provider.
type Config struct {
	Provider    string        `yaml:"provider"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	BaseURL     string        `yaml:"base_url"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the default provider settings.
func DefaultConfig() Config {
	return Config{
		Provider:    ProviderGemini,
		Model:       "gemini-1.5-flash",
		Temperature: 0.4,
		Timeout:     30 * time.Second,
	}
}

// New builds the configured client.
func New(ctx context.Context, cfg Config) (Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrMissingCredentials
	}
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGemini:
		return NewGemini(ctx, cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// ExtractJSON strips markdown code fences some models wrap JSON in.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
