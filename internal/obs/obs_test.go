package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// logLines decodes every JSON line written to buf.
func logLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, raw := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(raw) == 0 {
			continue
		}
		var line map[string]any
		require.NoError(t, json.Unmarshal(raw, &line))
		out = append(out, line)
	}
	return out
}

func TestMiddleware_PropagatesRequestID(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	var seen Correlation
	h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = CorrelationFromContext(r.Context())
		From(r.Context()).Info("inside")
	}))

	req := httptest.NewRequest(http.MethodGet, "/auth/verify", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "req-abc", seen.RequestID)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-Id"))

	lines := logLines(t, &buf)
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, "req-abc", line["request_id"])
	}
}

func TestMiddleware_RequestIDFallbacks(t *testing.T) {
	for name, tc := range map[string]struct {
		requestID, traceparent string
		want                   func(t *testing.T, got string)
	}{
		"trace id": {
			traceparent: "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
			want: func(t *testing.T, got string) {
				assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", got)
			},
		},
		"forged header": {
			requestID: "abc\n{\"level\":\"ERROR\"}",
			want: func(t *testing.T, got string) {
				assert.True(t, strings.HasPrefix(got, "req-"), got)
			},
		},
		"oversized header": {
			requestID: strings.Repeat("a", maxRequestIDLen+1),
			want: func(t *testing.T, got string) {
				assert.True(t, strings.HasPrefix(got, "req-"), got)
			},
		},
		"all-zero trace": {
			traceparent: "00-00000000000000000000000000000000-00f067aa0ba902b7-01",
			want: func(t *testing.T, got string) {
				assert.True(t, strings.HasPrefix(got, "req-"), got)
			},
		},
	} {
		t.Run(name, func(t *testing.T) {
			var seen Correlation
			h := Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = CorrelationFromContext(r.Context())
			}))
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.requestID != "" {
				req.Header.Set("X-Request-Id", tc.requestID)
			}
			if tc.traceparent != "" {
				req.Header.Set("traceparent", tc.traceparent)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			tc.want(t, seen.RequestID)
		})
	}
}

func TestMiddleware_LogsRoutePrincipalAndOmitsQuery(t *testing.T) {
	var buf bytes.Buffer
	restore := SetOutputForTests(&buf)
	defer restore()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /cli/auth/poll", func(w http.ResponseWriter, r *http.Request) {
		// Stands in for the auth middleware.
		WithUser(r.Context(), "user-1", "dev-1")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	req := httptest.NewRequest(http.MethodGet, "/cli/auth/poll?code_verifier=secret", nil)
	Middleware(mux).ServeHTTP(httptest.NewRecorder(), req)

	assert.NotContains(t, buf.String(), "secret")
	lines := logLines(t, &buf)
	require.Len(t, lines, 1)
	line := lines[0]
	assert.Equal(t, "request", line["msg"])
	assert.Equal(t, "WARN", line["level"])
	assert.Equal(t, "GET /cli/auth/poll", line["route"])
	assert.Equal(t, float64(http.StatusTooManyRequests), line["status"])
	assert.Equal(t, "user-1", line["user_id"])
	assert.Equal(t, "dev-1", line["device_id"])
}

func TestMiddleware_LevelsByOutcome(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{}"))
	})
	mux.HandleFunc("POST /billing/webhook", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		w.WriteHeader(http.StatusOK)
	})

	for _, tc := range []struct {
		method, path, level, route string
		status                     int
	}{
		{http.MethodGet, "/healthz", "DEBUG", "GET /healthz", http.StatusOK},
		{http.MethodPost, "/auth/login", "INFO", "POST /auth/login", http.StatusOK},
		{http.MethodPost, "/billing/webhook", "ERROR", "POST /billing/webhook", http.StatusInternalServerError},
		{http.MethodGet, "/nowhere", "INFO", "GET (unmatched)", http.StatusNotFound},
	} {
		var buf bytes.Buffer
		restore := SetOutputForTests(&buf)
		Middleware(mux).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(tc.method, tc.path, nil))
		restore()

		lines := logLines(t, &buf)
		require.Len(t, lines, 1, tc.path)
		assert.Equal(t, tc.level, lines[0]["level"], tc.path)
		assert.Equal(t, tc.route, lines[0]["route"], tc.path)
		assert.Equal(t, float64(tc.status), lines[0]["status"], tc.path)
	}
}

func TestWithUser_AddsFields(t *testing.T) {
	ctx := WithUser(httptest.NewRequest(http.MethodGet, "/", nil).Context(), "user-1", "dev-1")
	corr := CorrelationFromContext(ctx)
	assert.Equal(t, "user-1", corr.UserID)
	assert.Equal(t, "dev-1", corr.DeviceID)
}
