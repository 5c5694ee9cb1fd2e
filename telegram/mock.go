package telegram

import (
	"context"
	"log/slog"
)

// MockProvider is a mock Telegram provider for local development.
type MockProvider struct {
	logger *slog.Logger
}

// NewMockProvider creates a new mock Telegram provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{
		logger: logger,
	}
}

// Send logs the message instead of sending it.
func (m *MockProvider) Send(ctx context.Context, text string, rich bool) error {
	m.logger.Info("MOCK TELEGRAM MESSAGE",
		"rich", rich,
		"text_length", len(text),
		"text", text)
	return nil
}
