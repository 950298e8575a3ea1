package email

import (
	"bytes"
	"fmt"
	"html/template"
)

// Template names as constants for type safety.
const (
	TemplatePasswordReset = "password_reset"
	TemplateWelcome       = "welcome"
	TemplateDevicePaired  = "device_paired"
)

// PasswordResetData contains data for password reset emails.
type PasswordResetData struct {
	Link      string
	ExpiresIn string
}

// WelcomeData contains data for welcome emails.
type WelcomeData struct {
	Name string
}

// DevicePairedData contains data for new-device security notices.
type DevicePairedData struct {
	DeviceName string
	PairedAt   string
}

const layout = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><title>{{.Subject}}</title></head>
<body style="font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px;">
<h1 style="font-size: 22px;">gatehouse</h1>
{{template "body" .Data}}
<hr style="border: none; border-top: 1px solid #e0e0e0; margin: 20px 0;">
<p style="color: #999; font-size: 12px;">This is an automated message. Please do not reply.</p>
</body>
</html>`

var bodies = map[string]struct {
	subject string
	body    string
}{
	TemplatePasswordReset: {
		subject: "Reset your gatehouse password",
		body: `<p>Someone asked to reset the password for this account. The link expires in <strong>{{.ExpiresIn}}</strong>.</p>
<p><a href="{{.Link}}">Choose a new password</a></p>
<p style="color: #666; font-size: 14px;">If you didn't request this, you can ignore this email.</p>`,
	},
	TemplateWelcome: {
		subject: "Welcome to gatehouse",
		body:    `<p>Welcome{{if .Name}}, {{.Name}}{{end}}! Your account is ready.</p>`,
	},
	TemplateDevicePaired: {
		subject: "A new device was connected to your account",
		body: `<p>The device <strong>{{.DeviceName}}</strong> was paired with your account at {{.PairedAt}}.</p>
<p style="color: #666; font-size: 14px;">If this wasn't you, revoke it from your device list and change your password.</p>`,
	},
}

var templates = func() map[string]*template.Template {
	out := make(map[string]*template.Template, len(bodies))
	for name, b := range bodies {
		t := template.Must(template.New("layout").Parse(layout))
		template.Must(t.New("body").Parse(b.body))
		out[name] = t
	}
	return out
}()

// Render returns the subject and HTML body for a template.
func Render(templateName string, data any) (subject, html string, err error) {
	t, ok := templates[templateName]
	if !ok {
		return "", "", fmt.Errorf("unknown email template %q", templateName)
	}
	subject = bodies[templateName].subject

	var buf bytes.Buffer
	if err := t.Execute(&buf, map[string]any{"Subject": subject, "Data": data}); err != nil {
		return "", "", fmt.Errorf("render %s: %w", templateName, err)
	}
	return subject, buf.String(), nil
}
