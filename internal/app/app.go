// Package app composes the gatehouse services into one http.Handler.
package app

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"time"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/billing"
	"github.com/kuitang/gatehouse/internal/cliauth"
	"github.com/kuitang/gatehouse/internal/config"
	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/errs"
	"github.com/kuitang/gatehouse/internal/oauth"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/ratelimit"
	"github.com/kuitang/gatehouse/internal/redirect"
)

// DefaultSweepInterval is how often expired OAuth states and CLI flows are
// cleaned up.
const DefaultSweepInterval = time.Minute

// Deps are the collaborators chosen by the caller: real or mock.
type Deps struct {
	Store      *db.Store
	SigningKey ed25519.PrivateKey
	KeyID      string
	Hasher     auth.PasswordHasher
	Clock      auth.Clock
	Mailer     email.EmailService
	Checkout   billing.CheckoutService
	// Providers are the OAuth identity providers by name.
	Providers map[auth.Provider]oauth.Client
	// MockProviders get their consent routes mounted.
	MockProviders []*oauth.LocalMockProvider
	Limiter       *ratelimit.RateLimiter
	Policy        *redirect.Policy
}

// App is the wired server.
type App struct {
	handler     http.Handler
	store       *db.Store
	users       *auth.UserStore
	issuer      *auth.TokenIssuer
	middleware  *auth.Middleware
	states      *oauth.StateLedger
	coordinator *cliauth.Coordinator
	invites     *billing.Invites
	sweepEvery  time.Duration
	// ownLimiter is set when New created the limiter and Close must stop it.
	ownLimiter *ratelimit.RateLimiter
}

// New wires every service described by cfg over deps.
func New(cfg *config.Config, deps Deps) (*App, error) {
	if deps.Store == nil {
		return nil, errors.New("app: store is required")
	}
	if deps.Clock == nil {
		deps.Clock = wallClock{}
	}
	if deps.Hasher == nil {
		deps.Hasher = auth.Argon2Hasher{}
	}
	if deps.Policy == nil {
		deps.Policy = redirect.Default()
	}
	var ownLimiter *ratelimit.RateLimiter
	if deps.Limiter == nil {
		ownLimiter = ratelimit.NewRateLimiter(cfg.RateLimitConfig)
		deps.Limiter = ownLimiter
	}

	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: deps.SigningKey,
		KeyID:      deps.KeyID,
		Issuer:     cfg.BaseURL,
		WebTTL:     cfg.WebTokenTTL,
		CLITTL:     cfg.CLIAccessTokenTTL,
		Clock:      deps.Clock,
	})
	if err != nil {
		return nil, err
	}

	store := deps.Store
	users := auth.NewUserStore(store, deps.Hasher, deps.Clock)
	resolver := billing.NewResolver(store, deps.Clock)
	invites := billing.NewInvites(store, deps.Clock)
	sessions := auth.NewSessionService(users, issuer, resolver, deps.Mailer)
	resets := auth.NewPasswordResets(store, users, deps.Mailer, cfg.FrontendURL, deps.Clock)

	coordinator := cliauth.NewCoordinator(cliauth.Config{
		FrontendURL: cfg.FrontendURL,
		FlowTTL:     cfg.CLIFlowTTL,
		RefreshTTL:  cfg.CLIRefreshTokenTTL,
	}, store, users, issuer, deps.Mailer, deps.Clock)
	middleware := auth.NewMiddleware(issuer, coordinator)

	states := oauth.NewStateLedger(store, deps.Clock, cfg.OAuthStateTTL)
	flow := oauth.NewFlow(oauth.FlowConfig{
		BaseURL:                cfg.BaseURL,
		FrontendURL:            cfg.FrontendURL,
		AllowedRedirectOrigins: cfg.AllowedRedirectOrigins,
	}, states, sessions, deps.Providers)

	processor := billing.NewWebhookProcessor(cfg.StripeWebhookSecret, billing.NewLedger(store, deps.Clock), deps.Clock)
	currentUser := func(ctx context.Context) (string, string, bool) {
		userID := auth.GetUserID(ctx)
		if userID == "" {
			return "", "", false
		}
		u, err := users.GetByID(ctx, userID)
		if err != nil {
			return "", "", false
		}
		return u.ID, u.Email, true
	}

	clientKey := func(r *http.Request) string { return ratelimit.ClientIP(r, cfg.TrustProxy) }
	credentialLimit := ratelimit.Middleware(deps.Limiter, ratelimit.TierCredential, clientKey)
	pollLimit := ratelimit.Middleware(deps.Limiter, ratelimit.TierPoll, clientKey)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		errs.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	auth.NewHandler(sessions, resets, middleware).RegisterRoutes(mux, credentialLimit)
	oauth.NewHandler(flow, deps.Policy).RegisterRoutes(mux)
	for _, p := range deps.MockProviders {
		p.RegisterRoutes(mux)
	}
	cliauth.NewHandler(coordinator, middleware).RegisterRoutes(mux, pollLimit, credentialLimit)
	if deps.Checkout != nil {
		billing.NewHandler(processor, deps.Checkout, invites, cfg.AdminAPIKey, currentUser).
			RegisterRoutes(mux, middleware.RequireAuth)
	}

	sweepEvery := cfg.SweepInterval
	if sweepEvery <= 0 {
		sweepEvery = DefaultSweepInterval
	}
	return &App{
		handler:     obs.Middleware(mux),
		store:       store,
		users:       users,
		issuer:      issuer,
		middleware:  middleware,
		states:      states,
		coordinator: coordinator,
		invites:     invites,
		sweepEvery:  sweepEvery,
		ownLimiter:  ownLimiter,
	}, nil
}

// Close releases background resources owned by the App.
func (a *App) Close() {
	if a.ownLimiter != nil {
		a.ownLimiter.Stop()
	}
}

// Handler returns the root handler.
func (a *App) Handler() http.Handler { return a.handler }

// Issuer exposes the token issuer.
func (a *App) Issuer() *auth.TokenIssuer { return a.issuer }

// Coordinator exposes the CLI pairing coordinator.
func (a *App) Coordinator() *cliauth.Coordinator { return a.coordinator }

// Invites exposes invite administration.
func (a *App) Invites() *billing.Invites { return a.invites }

// Users exposes the credential store.
func (a *App) Users() *auth.UserStore { return a.users }

// Sweep runs one cleanup pass.
func (a *App) Sweep(ctx context.Context) error {
	logger := obs.From(ctx)
	states, err := a.states.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	flows, tokens, err := a.coordinator.Sweep(ctx)
	if err != nil {
		return err
	}
	if states+flows+tokens > 0 {
		logger.Info("sweep", "oauth_states", states, "cli_flows", flows, "refresh_tokens", tokens)
	}
	return nil
}

// RunSweeper sweeps on a ticker until ctx is done.
func (a *App) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Sweep(ctx); err != nil && ctx.Err() == nil {
				obs.Pkg("app").Error("sweep failed", "error", err)
			}
		}
	}
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }
