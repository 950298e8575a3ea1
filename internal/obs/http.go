package obs

import (
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxRequestIDLen = 64

// principal is filled in by the auth middleware further down the chain so the
// access line can name who made the request.
type principal struct {
	mu       sync.Mutex
	userID   string
	deviceID string
}

type principalContextKey struct{}

func (p *principal) set(userID, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.userID, p.deviceID = userID, deviceID
}

func (p *principal) get() (userID, deviceID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.userID, p.deviceID
}

// statusWriter remembers the status and body size a handler produced.
// Flush and friends are reached through Unwrap by http.ResponseController.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status != 0 {
		return
	}
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

// Middleware tags each request with a request ID (the caller's X-Request-Id
// when well formed, else the W3C trace ID, else a fresh one), echoes it back,
// and logs one "request" line when the handler returns. The line names the
// matched route pattern rather than the raw path, and never the query string:
// OAuth callbacks and CLI polls carry secrets there.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		traceID := traceIDFrom(r.Header.Get("traceparent"))
		requestID := cleanRequestID(r.Header.Get("X-Request-Id"))
		if requestID == "" {
			requestID = traceID
		}
		if requestID == "" {
			requestID = newRequestID()
		}
		w.Header().Set("X-Request-Id", requestID)

		who := &principal{}
		ctx := context.WithValue(r.Context(), principalContextKey{}, who)
		ctx = WithCorrelation(ctx, Correlation{RequestID: requestID, TraceID: traceID})
		req := r.WithContext(ctx)
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, req)

		logRequest(req, sw, who, time.Since(start))
	})
}

func logRequest(r *http.Request, sw *statusWriter, who *principal, elapsed time.Duration) {
	status := sw.status
	if status == 0 {
		status = http.StatusOK
	}
	// ServeMux records the matched pattern on the request it was handed.
	route := r.Pattern
	if route == "" {
		route = r.Method + " (unmatched)"
	}
	attrs := []any{
		"route", route,
		"status", status,
		"ms", elapsed.Milliseconds(),
		"bytes", sw.size,
	}
	if userID, deviceID := who.get(); userID != "" {
		attrs = append(attrs, "user_id", userID)
		if deviceID != "" {
			attrs = append(attrs, "device_id", deviceID)
		}
	}

	level := slog.LevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status == http.StatusTooManyRequests:
		level = slog.LevelWarn
	case route == "GET /healthz":
		level = slog.LevelDebug
	}
	From(r.Context()).With("pkg", "http").Log(r.Context(), level, "request", attrs...)
}

// cleanRequestID accepts a caller-supplied ID only if it is short and made of
// characters that cannot forge log structure.
func cleanRequestID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > maxRequestIDLen {
		return ""
	}
	for _, ch := range id {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9', ch == '-', ch == '_', ch == '.':
		default:
			return ""
		}
	}
	return id
}

// traceIDFrom extracts the trace ID of a W3C traceparent header
// (version-traceid-parentid-flags).
func traceIDFrom(traceparent string) string {
	parts := strings.Split(strings.TrimSpace(traceparent), "-")
	if len(parts) != 4 || len(parts[1]) != 32 {
		return ""
	}
	id := strings.ToLower(parts[1])
	if _, err := hex.DecodeString(id); err != nil || strings.Trim(id, "0") == "" {
		return ""
	}
	return id
}
