package logutil

import (
	"net/http"
	"strings"
	"testing"

	"pgregory.net/rapid"
)

func TestFormatHeadersForLog_RedactsCredentials(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer eyJhbGciOi")
	h.Set("Stripe-Signature", "t=1,v1=abc")
	h.Set("Content-Type", "application/json")

	got := FormatHeadersForLog(h)
	if strings.Contains(got, "eyJhbGciOi") || strings.Contains(got, "v1=abc") {
		t.Fatalf("credential leaked: %s", got)
	}
	if !strings.Contains(got, `content-type="application/json"`) {
		t.Fatalf("expected content-type to survive: %s", got)
	}
}

func TestRedactJSONForLog_NestedFields(t *testing.T) {
	body := []byte(`{"device_id":"d1","refresh_token":"rt-raw","nested":{"code_verifier":"v"},"list":[{"password":"p"}]}`)
	got := RedactJSONForLog(body, 0)
	for _, leak := range []string{"rt-raw", `"v"`, `"p"`} {
		if strings.Contains(got, leak) {
			t.Fatalf("leaked %s in %s", leak, got)
		}
	}
	if !strings.Contains(got, `"device_id":"d1"`) {
		t.Fatalf("non-sensitive field dropped: %s", got)
	}
}

func TestRedactJSONForLog_NotJSON(t *testing.T) {
	got := RedactJSONForLog([]byte("password=hunter2"), 0)
	if strings.Contains(got, "hunter2") {
		t.Fatalf("raw body leaked: %s", got)
	}
}

func testTruncateForLog_Bounded(t *rapid.T) {
	value := rapid.String().Draw(t, "value")
	max := rapid.IntRange(1, 64).Draw(t, "max")

	got := TruncateForLog(value, max)
	if strings.Contains(got, "\n") {
		t.Fatalf("newline survived: %q", got)
	}
	if len(got) > max+len("... [truncated]") {
		t.Fatalf("len=%d exceeds bound for max=%d", len(got), max)
	}
}

func TestTruncateForLog_Bounded(t *testing.T) {
	t.Parallel()
	rapid.Check(t, testTruncateForLog_Bounded)
}
