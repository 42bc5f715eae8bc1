package llm

import "context"

const (
	mockPrefix     = "[MOCK AI RESPONSE] based on context: "
	mockContextLen = 200
)

// MockResponder answers deterministically from the prompt without any
// network call. It is the default provider for local runs and tests.
type MockResponder struct{}

// NewMockResponder creates a mock responder
func NewMockResponder() *MockResponder {
	return &MockResponder{}
}

// GenerateResponse echoes the first characters of the prompt
func (m *MockResponder) GenerateResponse(ctx context.Context, prompt, query string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	runes := []rune(prompt)
	if len(runes) > mockContextLen {
		runes = runes[:mockContextLen]
	}
	return mockPrefix + string(runes) + "...", nil
}
