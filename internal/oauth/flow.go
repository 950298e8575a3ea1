package oauth

import (
	"context"
	"errors"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/urlutil"
)

// Result is the outcome of a successful callback.
type Result struct {
	Session *auth.SessionResponse
	// RedirectOrigin is the frontend origin recorded when the flow started.
	RedirectOrigin string
}

// FlowConfig configures a Flow.
type FlowConfig struct {
	// BaseURL is this server's public URL; provider callbacks land on it.
	BaseURL string
	// FrontendURL is the default landing origin and is always allowed.
	FrontendURL string
	// AllowedRedirectOrigins are further origins a flow may land on.
	AllowedRedirectOrigins []string
}

// Flow runs the browser authorization code flow for every configured
// provider.
type Flow struct {
	states    *StateLedger
	sessions  *auth.SessionService
	providers map[auth.Provider]Client
	baseURL   string
	frontend  string
	allowed   *urlutil.OriginAllowlist
}

// NewFlow creates a Flow. providers maps each enabled provider to its client.
func NewFlow(cfg FlowConfig, states *StateLedger, sessions *auth.SessionService, providers map[auth.Provider]Client) *Flow {
	frontend, err := urlutil.Origin(cfg.FrontendURL)
	if err != nil {
		frontend = urlutil.BuildAbsolute(cfg.FrontendURL, "")
	}
	origins := append([]string{cfg.FrontendURL}, cfg.AllowedRedirectOrigins...)
	return &Flow{
		states:    states,
		sessions:  sessions,
		providers: providers,
		baseURL:   urlutil.BuildAbsolute(cfg.BaseURL, ""),
		frontend:  frontend,
		allowed:   urlutil.NewOriginAllowlist(origins...),
	}
}

// FrontendOrigin is where browsers land when no redirect was requested.
func (f *Flow) FrontendOrigin() string { return f.frontend }

// CallbackURL is the redirect URI registered with provider.
func (f *Flow) CallbackURL(provider auth.Provider) string {
	return f.baseURL + "/auth/oauth/" + string(provider) + "/callback"
}

// Initiate records a state for provider and returns the provider URL to send
// the browser to. redirectURI picks the frontend origin to land on after the
// callback and must be on the allowlist; empty means FrontendURL.
func (f *Flow) Initiate(ctx context.Context, provider auth.Provider, redirectURI string) (string, error) {
	client, ok := f.providers[provider]
	if !ok {
		return "", ErrUnknownProvider
	}
	origin := f.frontend
	if redirectURI != "" {
		allowed, ok := f.allowed.Allows(redirectURI)
		if !ok {
			return "", ErrRedirectNotAllowed
		}
		origin = allowed
	}

	state, err := f.states.Create(ctx, provider, origin)
	if err != nil {
		return "", err
	}
	obs.From(ctx).Info("oauth flow started", "provider", string(provider))
	return client.GetAuthURL(state, f.CallbackURL(provider)), nil
}

// Callback completes a flow. The state is spent before the code is sent to
// the provider, so a forged or replayed callback never reaches the exchange.
func (f *Flow) Callback(ctx context.Context, provider auth.Provider, code, state string) (*Result, error) {
	client, ok := f.providers[provider]
	if !ok {
		return nil, ErrUnknownProvider
	}
	origin, err := f.states.Consume(ctx, provider, state)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return nil, exchangeFailed("missing code", nil)
	}

	identity, err := client.ExchangeCode(ctx, code, f.CallbackURL(provider))
	if err != nil {
		return nil, err
	}
	user, created, err := f.sessions.Users().UpsertOAuthUser(ctx, *identity)
	if err != nil {
		if errors.Is(err, auth.ErrAccountExists) {
			obs.From(ctx).Info("oauth email already registered", "provider", string(provider))
		}
		return nil, err
	}
	if created {
		f.sessions.WelcomeNewUser(ctx, user)
	}

	session, err := f.sessions.Start(ctx, user, created)
	if err != nil {
		return nil, err
	}
	return &Result{Session: session, RedirectOrigin: origin}, nil
}
