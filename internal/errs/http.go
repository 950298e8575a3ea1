package errs

import (
	"encoding/json"
	"net/http"

	"github.com/kuitang/gatehouse/internal/obs"
)

// ErrorResponse is the only error shape the API emits.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		obs.Pkg("errs").Warn("json encode failed", "error", err)
	}
}

// WriteError maps err to its HTTP status and writes {"error": msg}.
// Internal errors are logged with their cause and rendered generically.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	code := CodeOf(err)
	status := HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		obs.From(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
	}
	if code == Unauthenticated {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gatehouse"`)
	}
	WriteJSON(w, status, ErrorResponse{Error: MessageOf(err)})
}
