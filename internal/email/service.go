// Package email delivers account notifications. Delivery is a collaborator:
// callers never fail an auth operation because a notification did not send.
package email

import (
	"context"
	"sync"

	"github.com/kuitang/gatehouse/internal/obs"
)

// EmailService sends a templated email.
type EmailService interface {
	Send(ctx context.Context, to, templateName string, data any) error
}

// SentEmail represents a captured email for testing.
type SentEmail struct {
	To       string
	Template string
	Data     any
}

// MockEmailService captures emails and logs them instead of sending.
type MockEmailService struct {
	mu     sync.Mutex
	Emails []SentEmail
}

// NewMockEmailService creates a new mock email service.
func NewMockEmailService() *MockEmailService {
	return &MockEmailService{Emails: make([]SentEmail, 0)}
}

// Send captures the email. Links are logged so a developer running with
// --no-email can follow them.
func (m *MockEmailService) Send(ctx context.Context, to, templateName string, data any) error {
	m.mu.Lock()
	m.Emails = append(m.Emails, SentEmail{
		To:       to,
		Template: templateName,
		Data:     data,
	})
	m.mu.Unlock()

	logger := obs.From(ctx).With("pkg", "email", "to", to, "template", templateName)
	switch d := data.(type) {
	case PasswordResetData:
		logger.Info("mock email", "link", d.Link, "expires_in", d.ExpiresIn)
	case WelcomeData:
		logger.Info("mock email", "name", d.Name)
	case DevicePairedData:
		logger.Info("mock email", "device", d.DeviceName)
	default:
		logger.Info("mock email")
	}
	return nil
}

// LastEmail returns the most recently sent email, or the zero value.
func (m *MockEmailService) LastEmail() SentEmail {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Emails) == 0 {
		return SentEmail{}
	}
	return m.Emails[len(m.Emails)-1]
}

// Clear removes all captured emails.
func (m *MockEmailService) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Emails = make([]SentEmail, 0)
}

// Count returns the number of captured emails.
func (m *MockEmailService) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Emails)
}
