package auth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kuitang/gatehouse/internal/errs"
	"github.com/kuitang/gatehouse/internal/obs"
)

const maxAuthBodyBytes = 8 << 10

// Handler provides HTTP handlers for authentication routes.
type Handler struct {
	sessions   *SessionService
	resets     *PasswordResets
	middleware *Middleware
	validate   *validator.Validate
}

// NewHandler creates a new auth handler.
func NewHandler(sessions *SessionService, resets *PasswordResets, middleware *Middleware) *Handler {
	return &Handler{
		sessions:   sessions,
		resets:     resets,
		middleware: middleware,
		validate:   NewValidator(),
	}
}

// RegisterRoutes registers all auth routes on the given mux. limit wraps the
// credential endpoints with rate limiting.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, limit func(http.Handler) http.Handler) {
	mux.Handle("POST /auth/register", limit(http.HandlerFunc(h.HandleRegister)))
	mux.Handle("POST /auth/login", limit(http.HandlerFunc(h.HandleLogin)))
	mux.Handle("GET /auth/verify", h.middleware.RequireAuth(http.HandlerFunc(h.HandleVerify)))

	mux.Handle("POST /auth/password/reset", limit(http.HandlerFunc(h.HandlePasswordResetRequest)))
	mux.Handle("POST /auth/password/reset/confirm", limit(http.HandlerFunc(h.HandlePasswordResetConfirm)))

	mux.Handle("GET /users/me", h.middleware.RequireAuth(http.HandlerFunc(h.HandleMe)))
}

type credentialsRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	Password string `json:"password" validate:"required,max=1024"`
}

// HandleRegister creates a password account.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := ValidatePasswordStrength(req.Password); err != nil {
		errs.WriteError(w, r, err)
		return
	}

	resp, err := h.sessions.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusCreated, resp)
}

// HandleLogin signs in with email and password.
func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !h.decode(w, r, &req) {
		return
	}

	resp, err := h.sessions.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			obs.From(r.Context()).Info("login failed")
		}
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, resp)
}

type verifyResponse struct {
	Valid     bool      `json:"valid"`
	UserID    string    `json:"user_id"`
	Scope     Scope     `json:"scope"`
	DeviceID  string    `json:"device_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleVerify reports the claims of the presented bearer token.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	c := ClaimsFromContext(r.Context())
	errs.WriteJSON(w, http.StatusOK, verifyResponse{
		Valid:     true,
		UserID:    c.UserID,
		Scope:     c.Scope,
		DeviceID:  c.DeviceID,
		ExpiresAt: c.ExpiresAt,
	})
}

// HandleMe returns the unified user + entitlement payload.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	resp, err := h.sessions.Me(r.Context(), GetUserID(r.Context()))
	if errors.Is(err, ErrUserNotFound) {
		// The token outlived its account.
		errs.WriteError(w, r, ErrInvalidToken)
		return
	}
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, resp)
}

type resetRequest struct {
	Email string `json:"email" validate:"required,email,max=320"`
}

type statusResponse struct {
	Status string `json:"status"`
}

// HandlePasswordResetRequest always answers 200 so the response does not
// reveal whether the address has an account.
func (h *Handler) HandlePasswordResetRequest(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.resets.Request(r.Context(), req.Email); err != nil {
		obs.From(r.Context()).Error("password reset request failed", "error", err)
	}
	errs.WriteJSON(w, http.StatusOK, statusResponse{Status: "if the account exists, a reset email was sent"})
}

type resetConfirmRequest struct {
	Token    string `json:"token" validate:"required,max=256"`
	Password string `json:"password" validate:"required,max=1024"`
}

// HandlePasswordResetConfirm sets a new password from a reset token.
func (h *Handler) HandlePasswordResetConfirm(w http.ResponseWriter, r *http.Request) {
	var req resetConfirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.resets.Confirm(r.Context(), req.Token, req.Password); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, statusResponse{Status: "password updated"})
}

// decode reads a bounded JSON body into v and validates it, writing a 400 on
// failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxAuthBodyBytes)).Decode(v); err != nil {
		errs.WriteError(w, r, errs.Wrap(errs.InvalidArgument, "invalid request body", err))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		errs.WriteError(w, r, errs.Wrap(errs.InvalidArgument, "invalid request: "+describeValidation(err), err))
		return false
	}
	return true
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "validation failed"
	}
	fe := verrs[0]
	return fe.Field() + " failed " + fe.Tag()
}

// NewValidator returns a validator that reports fields by their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
