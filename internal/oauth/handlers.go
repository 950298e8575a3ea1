package oauth

import (
	"errors"
	"net/http"
	"net/url"
	"strconv"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/errs"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/redirect"
	"github.com/kuitang/gatehouse/internal/urlutil"
)

// Handler serves the OAuth redirect endpoints.
type Handler struct {
	flow   *Flow
	policy *redirect.Policy
}

// NewHandler creates the OAuth handler. Landing routes come from policy.
func NewHandler(flow *Flow, policy *redirect.Policy) *Handler {
	return &Handler{flow: flow, policy: policy}
}

// RegisterRoutes registers the OAuth routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /auth/oauth/{provider}", h.HandleStart)
	mux.HandleFunc("GET /auth/oauth/{provider}/callback", h.HandleCallback)
}

// HandleStart redirects the browser to the provider.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	provider := auth.Provider(r.PathValue("provider"))
	authURL, err := h.flow.Initiate(r.Context(), provider, r.URL.Query().Get("redirect_uri"))
	if err != nil {
		errs.WriteError(w, r, err)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback finishes sign-in and lands the browser on the frontend with
// the session in the query string.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := obs.From(ctx)
	provider := auth.Provider(r.PathValue("provider"))
	q := r.URL.Query()

	if providerErr := q.Get("error"); providerErr != "" {
		// The user declined or the provider failed; spend the state anyway.
		origin, err := h.flow.states.Consume(ctx, provider, q.Get("state"))
		if err != nil {
			errs.WriteError(w, r, err)
			return
		}
		logger.Info("oauth provider returned error", "provider", string(provider), "error", providerErr)
		h.redirectLogin(w, r, origin, "oauth_denied")
		return
	}

	result, err := h.flow.Callback(ctx, provider, q.Get("code"), q.Get("state"))
	switch {
	case err == nil:
	case errors.Is(err, ErrInvalidOrExpiredState), errors.Is(err, ErrUnknownProvider):
		errs.WriteError(w, r, err)
		return
	case errors.Is(err, auth.ErrAccountExists):
		h.redirectLogin(w, r, h.flow.FrontendOrigin(), "account_exists")
		return
	case errors.Is(err, ErrEmailNotVerified):
		h.redirectLogin(w, r, h.flow.FrontendOrigin(), "email_not_verified")
		return
	case errors.Is(err, ErrCodeExchangeFailed):
		logger.Warn("oauth code exchange failed", "provider", string(provider), "error", err)
		h.redirectLogin(w, r, h.flow.FrontendOrigin(), "oauth_failed")
		return
	default:
		errs.WriteError(w, r, err)
		return
	}

	s := result.Session
	route := redirect.RouteWelcome
	if !s.IsNewUser {
		route = h.policy.Target(redirect.RouteRoot, true, !s.PaymentRequired)
	}
	http.Redirect(w, r, urlutil.WithQuery(result.RedirectOrigin, route, url.Values{
		"token":            {s.Token},
		"user_id":          {s.User.ID},
		"email":            {s.User.Email},
		"is_new_user":      {strconv.FormatBool(s.IsNewUser)},
		"payment_required": {strconv.FormatBool(s.PaymentRequired)},
	}), http.StatusFound)
}

func (h *Handler) redirectLogin(w http.ResponseWriter, r *http.Request, origin, reason string) {
	http.Redirect(w, r, urlutil.WithQuery(origin, redirect.RouteLogin, url.Values{"error": {reason}}), http.StatusFound)
}
