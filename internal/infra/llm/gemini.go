package llm

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini calls the Gemini API through the generative-ai-go SDK.
type Gemini struct {
	cfg    Config
	client *genai.Client
	log    *slog.Logger
}

// NewGemini creates a Gemini client.
func NewGemini(ctx context.Context, cfg Config) (*Gemini, error) {
	if cfg.Model == "" {
		cfg.Model = DefaultConfig().Model
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithEndpoint(cfg.BaseURL))
	}

	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &Gemini{
		cfg:    cfg,
		client: client,
		log:    slog.Default().With("component", "llm", "provider", ProviderGemini),
	}, nil
}

// Generate runs one prompt.
func (g *Gemini) Generate(ctx context.Context, req Request) (string, error) {
	model := g.client.GenerativeModel(g.cfg.Model)
	model.SetTemperature(g.cfg.Temperature)
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(req.System)}}
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate failed: %w", err)
	}

	out, reason := responseText(resp)
	if out == "" {
		g.log.Warn("Gemini returned no text", "model", g.cfg.Model, "reason", reason)
		return "", fmt.Errorf("gemini returned no text: %s", reason)
	}
	return out, nil
}

// responseText returns the text of the first candidate with content. When
// there is none, reason says why: a blocked prompt or the finish reason.
func responseText(resp *genai.GenerateContentResponse) (string, string) {
	if resp == nil {
		return "", "empty response"
	}
	if fb := resp.PromptFeedback; fb != nil && fb.BlockReason != genai.BlockReasonUnspecified {
		return "", fmt.Sprintf("prompt blocked: %v", fb.BlockReason)
	}

	reason := "no candidates"
	for _, cand := range resp.Candidates {
		reason = fmt.Sprintf("finish reason: %v", cand.FinishReason)
		if cand.Content == nil {
			continue
		}
		var b strings.Builder
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
		if out := strings.TrimSpace(b.String()); out != "" {
			return out, ""
		}
	}
	return "", reason
}

// Close releases the SDK connection.
func (g *Gemini) Close() error {
	return g.client.Close()
}
