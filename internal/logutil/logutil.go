package logutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveFragments are matched against normalized keys (lowercase, no - or _).
var sensitiveFragments = []string{
	"token",
	"secret",
	"password",
	"apikey",
	"cookie",
	"auth",
	"signature",
	"verifier",
	"challenge",
	"code",
}

// IsSensitiveLogField reports whether a header or JSON key may carry a credential.
func IsSensitiveLogField(key string) bool {
	normalized := strings.ToLower(strings.TrimSpace(key))
	normalized = strings.ReplaceAll(normalized, "-", "")
	normalized = strings.ReplaceAll(normalized, "_", "")
	if normalized == "" {
		return false
	}
	for _, frag := range sensitiveFragments {
		if strings.Contains(normalized, frag) {
			return true
		}
	}
	return false
}

// FormatHeadersForLog returns stable, redacted header text for logs.
func FormatHeadersForLog(headers http.Header) string {
	if len(headers) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		values := headers.Values(k)
		if len(values) == 0 {
			parts = append(parts, fmt.Sprintf("%s=<empty>", strings.ToLower(k)))
			continue
		}
		if IsSensitiveLogField(k) {
			parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), redacted))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%q", strings.ToLower(k), strings.Join(values, ", ")))
	}
	return strings.Join(parts, "; ")
}

// RedactJSONForLog redacts sensitive fields from a JSON payload.
// Payloads that are not valid JSON are replaced wholesale.
func RedactJSONForLog(body []byte, maxBytes int) string {
	if len(body) == 0 {
		return ""
	}
	var payload any
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Sprintf("<%d bytes, not json>", len(body))
	}

	var redact func(v any)
	redact = func(v any) {
		switch typed := v.(type) {
		case map[string]any:
			for k, child := range typed {
				if IsSensitiveLogField(k) {
					typed[k] = redacted
					continue
				}
				redact(child)
			}
		case []any:
			for _, child := range typed {
				redact(child)
			}
		}
	}
	redact(payload)

	safe, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprintf("<%d bytes>", len(body))
	}
	return TruncateForLog(string(safe), maxBytes)
}

// TruncateForLog returns a single-line truncated preview for unstructured values.
func TruncateForLog(value string, maxChars int) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return ""
	}
	normalized := strings.ReplaceAll(trimmed, "\n", "\\n")
	if maxChars <= 0 || len(normalized) <= maxChars {
		return normalized
	}
	return normalized[:maxChars] + "... [truncated]"
}
