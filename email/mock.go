package email

import (
	"context"
	"log/slog"
	"sync"
)

// MockProvider logs messages instead of sending them and keeps a copy.
type MockProvider struct {
	logger *slog.Logger
	sent   []Message
	mu     sync.Mutex
}

// NewMockProvider creates a new mock email provider.
func NewMockProvider(logger *slog.Logger) *MockProvider {
	return &MockProvider{logger: logger}
}

// Send records m.
func (m *MockProvider) Send(_ context.Context, msg *Message) error {
	m.logger.Info("MOCK EMAIL",
		"to", msg.To,
		"subject", msg.Subject,
		"tags", msg.Tags,
		"html_bytes", len(msg.HTML),
		"text_bytes", len(msg.Text))

	m.mu.Lock()
	m.sent = append(m.sent, *msg)
	m.mu.Unlock()
	return nil
}

// Sent returns the captured messages.
func (m *MockProvider) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.sent...)
}
