package oauth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"html/template"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kuitang/gatehouse/internal/auth"
)

const mockCodeTTL = 10 * time.Minute

// LocalMockProvider is a self-contained identity provider for local
// development. It serves a consent page where the developer types the email
// to sign in as, which makes "Sign in with Google/GitHub" work under
// --no-oidc.
type LocalMockProvider struct {
	provider auth.Provider
	baseURL  string
	clock    auth.Clock

	mu        sync.Mutex
	callbacks map[string]string      // state -> callback URL
	codes     map[string]pendingCode // code -> pending sign-in
}

type pendingCode struct {
	email     string
	createdAt time.Time
}

// NewLocalMockProvider creates a mock for provider whose consent page is
// served under baseURL.
func NewLocalMockProvider(provider auth.Provider, baseURL string, clock auth.Clock) *LocalMockProvider {
	if clock == nil {
		clock = systemClock{}
	}
	return &LocalMockProvider{
		provider:  provider,
		baseURL:   strings.TrimRight(baseURL, "/"),
		clock:     clock,
		callbacks: make(map[string]string),
		codes:     make(map[string]pendingCode),
	}
}

// SetBaseURL updates the base URL. Used in test setups where the server URL
// isn't known at construction time.
func (p *LocalMockProvider) SetBaseURL(baseURL string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.baseURL = strings.TrimRight(baseURL, "/")
}

func (p *LocalMockProvider) authorizePath() string {
	return "/auth/mock-oidc/" + string(p.provider) + "/authorize"
}

// GetAuthURL remembers where to send the browser back for state and returns
// the local consent page.
func (p *LocalMockProvider) GetAuthURL(state, callbackURL string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.callbacks[state] = callbackURL
	return p.baseURL + p.authorizePath() + "?state=" + url.QueryEscape(state)
}

// ExchangeCode redeems a code issued by the consent page. Codes work once.
func (p *LocalMockProvider) ExchangeCode(_ context.Context, code, _ string) (*auth.OAuthIdentity, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pending, ok := p.codes[code]
	if !ok {
		return nil, exchangeFailed("unknown mock code", nil)
	}
	delete(p.codes, code)
	if p.clock.Now().Sub(pending.createdAt) > mockCodeTTL {
		return nil, exchangeFailed("mock code expired", nil)
	}

	return &auth.OAuthIdentity{
		Provider: p.provider,
		Subject:  "mock-" + strings.ToLower(pending.email),
		Email:    pending.email,
		Name:     "Test User",
	}, nil
}

// RegisterRoutes registers the consent page and its form handler.
func (p *LocalMockProvider) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET "+p.authorizePath(), p.handleAuthorize)
	mux.HandleFunc("POST "+p.authorizePath(), p.handleConsent)
}

var consentPage = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html><head><title>Mock {{.Provider}} Sign-In</title>
<style>
body { font-family: system-ui; max-width: 400px; margin: 80px auto; padding: 0 20px; }
.note { background: #fff3cd; border: 1px solid #ffc107; border-radius: 8px; padding: 12px; margin: 16px 0; font-size: 0.9em; }
input[type=email] { width: 100%; padding: 10px; border: 1px solid #ccc; border-radius: 6px; box-sizing: border-box; }
button { width: 100%; padding: 10px; background: #4285F4; color: white; border: none; border-radius: 6px; margin-top: 12px; }
</style></head>
<body>
<h1>Mock {{.Provider}} Sign-In</h1>
<div class="note">This is a local mock. In production, this redirects to {{.Provider}}.</div>
<form method="POST" action="{{.Action}}">
<input type="hidden" name="state" value="{{.State}}">
<label for="email">Sign in as:</label><br><br>
<input type="email" id="email" name="email" value="test@example.com" required autofocus>
<button type="submit">Sign In</button>
</form>
</body></html>`))

func (p *LocalMockProvider) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	state := r.URL.Query().Get("state")
	if state == "" {
		http.Error(w, "Missing state parameter", http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = consentPage.Execute(w, map[string]string{
		"Provider": string(p.provider),
		"Action":   p.authorizePath(),
		"State":    state,
	})
}

func (p *LocalMockProvider) handleConsent(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}
	state := r.FormValue("state")
	email := strings.TrimSpace(r.FormValue("email"))
	if state == "" || email == "" {
		http.Error(w, "Missing state or email", http.StatusBadRequest)
		return
	}

	callbackURL := p.popCallback(state)
	if callbackURL == "" {
		http.Error(w, "Unknown state", http.StatusBadRequest)
		return
	}

	codeBytes := make([]byte, 32)
	if _, err := rand.Read(codeBytes); err != nil {
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	code := hex.EncodeToString(codeBytes)

	p.mu.Lock()
	p.codes[code] = pendingCode{email: email, createdAt: p.clock.Now()}
	p.mu.Unlock()

	q := url.Values{"code": {code}, "state": {state}}
	http.Redirect(w, r, callbackURL+"?"+q.Encode(), http.StatusFound)
}

func (p *LocalMockProvider) popCallback(state string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	cb := p.callbacks[state]
	delete(p.callbacks, state)
	return cb
}
