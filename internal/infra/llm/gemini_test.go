package llm

import (
	"strings"
	"testing"

	"github.com/google/generative-ai-go/genai"
)

func TestResponseText(t *testing.T) {
	tests := []struct {
		name       string
		resp       *genai.GenerateContentResponse
		wantText   string
		wantReason string
	}{
		{
			name:       "nil response",
			resp:       nil,
			wantReason: "empty response",
		},
		{
			name: "joins text parts",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
				Content: &genai.Content{Parts: []genai.Part{genai.Text(" hello "), genai.Text("world ")}},
			}}},
			wantText: "hello world",
		},
		{
			name: "skips empty candidate",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
				{FinishReason: genai.FinishReasonSafety},
				{Content: &genai.Content{Parts: []genai.Part{genai.Text("second")}}},
			}},
			wantText: "second",
		},
		{
			name: "blocked prompt",
			resp: &genai.GenerateContentResponse{
				PromptFeedback: &genai.PromptFeedback{BlockReason: genai.BlockReasonSafety},
			},
			wantReason: "prompt blocked",
		},
		{
			name: "candidate without content",
			resp: &genai.GenerateContentResponse{Candidates: []*genai.Candidate{
				{FinishReason: genai.FinishReasonSafety},
			}},
			wantReason: "finish reason",
		},
		{
			name:       "no candidates",
			resp:       &genai.GenerateContentResponse{},
			wantReason: "no candidates",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			text, reason := responseText(tt.resp)
			if text != tt.wantText {
				t.Errorf("text = %q, want %q", text, tt.wantText)
			}
			if !strings.HasPrefix(reason, tt.wantReason) {
				t.Errorf("reason = %q, want prefix %q", reason, tt.wantReason)
			}
		})
	}
}
