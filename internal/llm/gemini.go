package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiResponder calls Google's Gemini models. The assembled prompt is
// sent as the system instruction and the query as the user turn.
type GeminiResponder struct {
	client *genai.Client
	model  string
}

// NewGeminiResponder creates a client authenticated with apiKey
func NewGeminiResponder(ctx context.Context, apiKey, model string) (*GeminiResponder, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiResponder{client: client, model: model}, nil
}

// GenerateResponse implements Responder
func (g *GeminiResponder) GenerateResponse(ctx context.Context, prompt, query string) (string, error) {
	model := g.client.GenerativeModel(g.model)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(prompt)},
	}

	resp, err := model.GenerateContent(ctx, genai.Text(query))
	if err != nil {
		return "", fmt.Errorf("gemini request failed: %w", err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", ErrEmptyResponse
	}

	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if t, ok := part.(genai.Text); ok {
			text.WriteString(string(t))
		}
	}
	if text.Len() == 0 {
		return "", ErrEmptyResponse
	}
	return text.String(), nil
}

// Close releases the underlying client
func (g *GeminiResponder) Close() error {
	return g.client.Close()
}
