package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/vietddude/placepipe/internal/core/domain"
	"github.com/vietddude/placepipe/internal/infra/llm"
)

const faqSchema = `{
  "type": "object",
  "required": ["faq"],
  "properties": {
    "faq": {
      "type": "array",
      "minItems": 1,
      "maxItems": 8,
      "items": {
        "type": "object",
        "required": ["question", "answer"],
        "properties": {
          "question": {"type": "string", "minLength": 1},
          "answer": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

var compiledFAQSchema = jsonschema.MustCompileString("faq.json", faqSchema)

const systemPrompt = "You write short, factual copy for a local business directory. " +
	"Never invent phone numbers, prices or opening hours."

func locality(p domain.Place) string {
	switch {
	case p.RoadAddress != "":
		return p.RoadAddress
	case p.LotAddress != "":
		return p.LotAddress
	}
	parts := make([]string, 0, 3)
	for _, s := range []string{p.Region, p.Subregion, p.Neighborhood} {
		if s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		return "Korea"
	}
	return strings.Join(parts, " ")
}

func category(p domain.Place) string {
	if p.Category == "" {
		return "local business"
	}
	return p.Category
}

// DefaultSummary is written when generation fails.
func DefaultSummary(p domain.Place) string {
	return fmt.Sprintf("%s is a %s located in %s.", p.Name, category(p), locality(p))
}

func summaryRequest(p domain.Place, maxTokens int) llm.Request {
	return llm.Request{
		System: systemPrompt,
		Prompt: fmt.Sprintf(
			"Write a two or three sentence description of %q, a %s at %s. Plain text only.",
			p.Name, category(p), locality(p),
		),
		MaxTokens: maxTokens,
	}
}

func faqRequest(p domain.Place, maxTokens int) llm.Request {
	return llm.Request{
		System: systemPrompt,
		Prompt: fmt.Sprintf(
			`Write 3 to 5 questions a visitor might ask about %q, a %s at %s, with short answers. `+
				`Respond with JSON: {"faq": [{"question": "...", "answer": "..."}]}`,
			p.Name, category(p), locality(p),
		),
		MaxTokens: maxTokens,
		JSON:      true,
	}
}

// parseFAQ validates a model response and returns the compact faq array.
func parseFAQ(raw string) (string, error) {
	var doc any
	if err := json.Unmarshal([]byte(llm.ExtractJSON(raw)), &doc); err != nil {
		return "", fmt.Errorf("faq is not json: %w", err)
	}
	if err := compiledFAQSchema.Validate(doc); err != nil {
		return "", fmt.Errorf("faq does not match schema: %w", err)
	}

	out, err := json.Marshal(doc.(map[string]any)["faq"])
	if err != nil {
		return "", fmt.Errorf("marshal faq: %w", err)
	}
	return string(out), nil
}
