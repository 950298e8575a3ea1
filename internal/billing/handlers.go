package billing

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"

	"github.com/kuitang/gatehouse/internal/errs"
	"github.com/kuitang/gatehouse/internal/logutil"
	"github.com/kuitang/gatehouse/internal/obs"
)

// maxWebhookBytes matches Stripe's documented upper bound for event payloads.
const maxWebhookBytes = 64 << 10

// CurrentUserFunc returns the authenticated caller set by the auth middleware.
type CurrentUserFunc func(ctx context.Context) (userID, email string, ok bool)

// Handler serves webhook, checkout and invite administration routes.
type Handler struct {
	processor   *WebhookProcessor
	checkout    CheckoutService
	invites     *Invites
	adminAPIKey string
	currentUser CurrentUserFunc
	validate    *validator.Validate
}

// NewHandler creates a billing handler. An empty adminAPIKey disables /admin routes.
func NewHandler(processor *WebhookProcessor, checkout CheckoutService, invites *Invites, adminAPIKey string, currentUser CurrentUserFunc) *Handler {
	return &Handler{
		processor:   processor,
		checkout:    checkout,
		invites:     invites,
		adminAPIKey: adminAPIKey,
		currentUser: currentUser,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// RegisterRoutes registers billing routes. requireAuth wraps routes that need a bearer.
func (h *Handler) RegisterRoutes(mux *http.ServeMux, requireAuth func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /webhooks/payment-provider", h.HandleWebhook)
	mux.Handle("POST /billing/checkout", requireAuth(http.HandlerFunc(h.HandleCheckout)))
	if h.checkout.IsMock() {
		mux.Handle("POST /billing/mock-checkout", requireAuth(http.HandlerFunc(h.HandleMockCheckoutComplete)))
	}
	if h.adminAPIKey != "" {
		mux.HandleFunc("POST /admin/invites", h.HandleCreateInvite)
		mux.HandleFunc("POST /admin/invites/{id}/revoke", h.HandleRevokeInvite)
	}
}

// HandleWebhook verifies and applies a Stripe delivery.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	logger := obs.From(r.Context())

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		errs.WriteError(w, r, errs.Wrap(errs.Unprocessable, "webhook payload too large", err))
		return
	}
	logger.Debug("webhook received",
		"headers", logutil.FormatHeadersForLog(r.Header),
		"body", logutil.RedactJSONForLog(payload, 2048),
	)

	outcome, err := h.processor.Handle(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, map[string]string{"status": outcome.String()})
}

type checkoutResponse struct {
	URL string `json:"url"`
}

// HandleCheckout starts a hosted checkout for the caller.
func (h *Handler) HandleCheckout(w http.ResponseWriter, r *http.Request) {
	userID, email, ok := h.currentUser(r.Context())
	if !ok {
		errs.WriteError(w, r, errs.New(errs.Unauthenticated, "authentication required"))
		return
	}
	checkoutURL, err := h.checkout.CreateCheckoutSession(r.Context(), userID, email)
	if err != nil {
		errs.WriteError(w, r, errs.Wrap(errs.Unavailable, "payment provider unavailable", err))
		return
	}
	errs.WriteJSON(w, http.StatusOK, checkoutResponse{URL: checkoutURL})
}

// HandleMockCheckoutComplete simulates the provider confirming a checkout by
// feeding a synthetic event through the same ledger as real webhooks. Only a
// POST to the returned checkout URL completes it; a GET changes nothing.
func (h *Handler) HandleMockCheckoutComplete(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := h.currentUser(r.Context())
	if !ok {
		errs.WriteError(w, r, errs.New(errs.Unauthenticated, "authentication required"))
		return
	}
	payload, event, err := mockCheckoutEvent(userID, h.processor.clock.Now())
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	outcome, err := h.processor.Apply(r.Context(), event, payload)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	errs.WriteJSON(w, http.StatusOK, map[string]string{"status": outcome.String()})
}

func mockCheckoutEvent(userID string, created time.Time) ([]byte, stripe.Event, error) {
	payload, err := json.Marshal(map[string]any{
		"id":      "evt_mock_" + uuid.NewString(),
		"object":  "event",
		"type":    "checkout.session.completed",
		"created": created.Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":                  "cs_mock_" + uuid.NewString(),
				"object":              "checkout.session",
				"mode":                "subscription",
				"client_reference_id": userID,
				"customer":            "cus_mock_" + userID,
			},
		},
	})
	if err != nil {
		return nil, stripe.Event{}, fmt.Errorf("marshal mock event: %w", err)
	}
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, stripe.Event{}, fmt.Errorf("unmarshal mock event: %w", err)
	}
	return payload, event, nil
}

type createInviteRequest struct {
	Email    string `json:"email" validate:"required,email,max=320"`
	TTLHours int    `json:"ttl_hours" validate:"gte=0,lte=8760"`
}

// HandleCreateInvite creates an invite. Requires the admin API key as bearer.
func (h *Handler) HandleCreateInvite(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(r) {
		errs.WriteError(w, r, errs.New(errs.Unauthenticated, "invalid admin credentials"))
		return
	}

	var req createInviteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		errs.WriteError(w, r, errs.New(errs.InvalidArgument, "invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		errs.WriteError(w, r, errs.Wrap(errs.InvalidArgument, "invalid invite request", err))
		return
	}

	inv, err := h.invites.Create(r.Context(), req.Email, time.Duration(req.TTLHours)*time.Hour)
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	obs.From(r.Context()).Info("invite created", "invite_id", inv.ID)
	errs.WriteJSON(w, http.StatusCreated, inv)
}

// HandleRevokeInvite revokes an invite by id.
func (h *Handler) HandleRevokeInvite(w http.ResponseWriter, r *http.Request) {
	if !h.authorizeAdmin(r) {
		errs.WriteError(w, r, errs.New(errs.Unauthenticated, "invalid admin credentials"))
		return
	}
	if err := h.invites.Revoke(r.Context(), r.PathValue("id")); err != nil {
		errs.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authorizeAdmin(r *http.Request) bool {
	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" || h.adminAPIKey == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminAPIKey)) == 1
}
