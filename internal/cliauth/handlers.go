package cliauth

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/errs"
)

const maxCLIBodyBytes = 8 << 10

// Handler serves the /cli routes.
type Handler struct {
	coordinator *Coordinator
	middleware  *auth.Middleware
	validate    *validator.Validate
}

// NewHandler creates the CLI pairing handler.
func NewHandler(coordinator *Coordinator, middleware *auth.Middleware) *Handler {
	return &Handler{coordinator: coordinator, middleware: middleware, validate: auth.NewValidator()}
}

// RegisterRoutes mounts the CLI routes. pollLimit wraps the poll endpoint and
// credentialLimit wraps token refresh.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, pollLimit, credentialLimit func(http.Handler) http.Handler) {
	mw := h.middleware
	mux.Handle("POST /cli/devices", mw.OptionalAuth(http.HandlerFunc(h.HandleRegisterDevice)))
	mux.Handle("GET /cli/devices", mw.RequireAuth(http.HandlerFunc(h.HandleListDevices)))
	mux.Handle("POST /cli/devices/{id}/revoke", mw.RequireAuth(http.HandlerFunc(h.HandleRevokeDevice)))

	mux.HandleFunc("POST /cli/auth/start", h.HandleStart)
	mux.Handle("GET /cli/auth/verify", mw.RequireScope(auth.ScopeWeb, http.HandlerFunc(h.HandleDescribe)))
	mux.Handle("POST /cli/auth/complete", mw.RequireScope(auth.ScopeWeb, http.HandlerFunc(h.HandleComplete)))
	mux.Handle("GET /cli/auth/poll", pollLimit(http.HandlerFunc(h.HandlePoll)))
	mux.Handle("POST /cli/auth/refresh", credentialLimit(http.HandlerFunc(h.HandleRefresh)))
	mux.Handle("POST /cli/auth/logout", mw.RequireScope(auth.ScopeCLI, http.HandlerFunc(h.HandleLogout)))
}

type registerDeviceRequest struct {
	Fingerprint string `json:"device_fingerprint" validate:"required,max=256"`
	Name        string `json:"device_name" validate:"max=512"`
}

// HandleRegisterDevice registers an installation. With a bearer token the
// device is bound to that account immediately; otherwise it stays
// provisional until a flow for it is completed.
func (h *Handler) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var req registerDeviceRequest
	if !h.decode(w, r, &req) {
		return
	}
	device, err := h.coordinator.RegisterDevice(r.Context(), auth.GetUserID(r.Context()), req.Fingerprint, req.Name)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusCreated, device)
}

type devicesResponse struct {
	Devices []*Device `json:"devices"`
}

// HandleListDevices lists the caller's devices, newest first.
func (h *Handler) HandleListDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := h.coordinator.ListDevices(r.Context(), auth.GetUserID(r.Context()))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, devicesResponse{Devices: devices})
}

// HandleRevokeDevice revokes one of the caller's devices.
func (h *Handler) HandleRevokeDevice(w http.ResponseWriter, r *http.Request) {
	if err := h.coordinator.RevokeDevice(r.Context(), auth.GetUserID(r.Context()), r.PathValue("id")); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type startRequest struct {
	DeviceID            string `json:"device_id" validate:"required,max=64"`
	CodeChallenge       string `json:"code_challenge" validate:"required,max=128"`
	CodeChallengeMethod string `json:"code_challenge_method" validate:"omitempty,eq=S256"`
}

// HandleStart opens a pairing flow.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !h.decode(w, r, &req) {
		return
	}
	flow, err := h.coordinator.StartFlow(r.Context(), req.DeviceID, req.CodeChallenge, req.CodeChallengeMethod)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusCreated, flow)
}

// HandleDescribe backs the verification page.
func (h *Handler) HandleDescribe(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		errs.WriteError(w, r, errs.New(errs.InvalidArgument, "state is required"))
		return
	}
	desc, err := h.coordinator.DescribeFlow(r.Context(), state)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, desc)
}

type completeRequest struct {
	State string `json:"state" validate:"required,max=128"`
}

type completeResponse struct {
	Status FlowStatus `json:"status"`
	Device *Device    `json:"device"`
}

// HandleComplete approves a flow on behalf of the signed-in user.
func (h *Handler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if !h.decode(w, r, &req) {
		return
	}
	device, err := h.coordinator.CompleteFlow(r.Context(), auth.GetUserID(r.Context()), req.State)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, completeResponse{Status: FlowCompleted, Device: device})
}

// HandlePoll answers the CLI's poll. Pending flows get 200 with
// status=pending so pollers can loop on a single success code.
func (h *Handler) HandlePoll(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	flowID, verifier := q.Get("flow_id"), q.Get("code_verifier")
	if flowID == "" || verifier == "" {
		errs.WriteError(w, r, errs.New(errs.InvalidArgument, "flow_id and code_verifier are required"))
		return
	}
	result, err := h.coordinator.Poll(r.Context(), flowID, verifier)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	errs.WriteJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required,max=256"`
	DeviceID     string `json:"device_id" validate:"max=64"`
}

// HandleRefresh rotates a refresh token.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !h.decode(w, r, &req) {
		return
	}
	tokens, err := h.coordinator.Refresh(r.Context(), req.DeviceID, req.RefreshToken)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	errs.WriteJSON(w, http.StatusOK, tokens)
}

// HandleLogout drops the calling device's refresh tokens. The device itself
// stays paired.
func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	c := auth.ClaimsFromContext(r.Context())
	if err := h.coordinator.RevokeRefreshTokens(r.Context(), c.DeviceID); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCLIBodyBytes)).Decode(v); err != nil {
		errs.WriteError(w, r, errs.Wrap(errs.InvalidArgument, "invalid request body", err))
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		msg := "invalid request"
		if errors.As(err, &verrs) && len(verrs) > 0 {
			msg += ": " + verrs[0].Field() + " failed " + verrs[0].Tag()
		}
		errs.WriteError(w, r, errs.Wrap(errs.InvalidArgument, msg, err))
		return false
	}
	return true
}
