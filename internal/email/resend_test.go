package email

import (
	"context"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestRender_KnownTemplates(t *testing.T) {
	t.Parallel()

	subject, html, err := Render(TemplatePasswordReset, PasswordResetData{
		Link:      "https://example.com/reset?token=abc",
		ExpiresIn: "1 hour",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(subject, "Reset") {
		t.Fatalf("unexpected password-reset subject: %q", subject)
	}
	if !strings.Contains(html, "https://example.com/reset?token=abc") {
		t.Fatalf("password-reset html missing link: %s", html)
	}

	subject, html, err = Render(TemplateWelcome, WelcomeData{Name: "Ada"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(subject, "Welcome") || !strings.Contains(html, "Ada") {
		t.Fatalf("welcome render mismatch: %q / %s", subject, html)
	}

	_, html, err = Render(TemplateDevicePaired, DevicePairedData{DeviceName: "work laptop", PairedAt: "2026-01-01"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(html, "work laptop") {
		t.Fatalf("device html missing name: %s", html)
	}
}

func TestRender_UnknownTemplate(t *testing.T) {
	t.Parallel()
	if _, _, err := Render("nope", nil); err == nil {
		t.Fatal("expected error for unknown template")
	}
}

func testRender_EscapesUserInput(t *rapid.T) {
	name := rapid.StringMatching(`<script>[a-z]{1,10}</script>`).Draw(t, "name")

	_, html, err := Render(TemplateWelcome, WelcomeData{Name: name})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if strings.Contains(html, name) {
		t.Fatalf("user input rendered unescaped: %s", html)
	}
}

func TestRender_EscapesUserInput(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testRender_EscapesUserInput)
}

func TestMockEmailService_Captures(t *testing.T) {
	m := NewMockEmailService()
	if err := m.Send(context.Background(), "a@x.com", TemplateWelcome, WelcomeData{Name: "A"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if m.Count() != 1 || m.LastEmail().To != "a@x.com" {
		t.Fatalf("unexpected capture: %+v", m.LastEmail())
	}
	m.Clear()
	if m.Count() != 0 {
		t.Fatal("Clear did not reset")
	}
}
