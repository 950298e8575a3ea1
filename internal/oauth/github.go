package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"

	"github.com/kuitang/gatehouse/internal/auth"
)

// GitHubAPIURL is the public GitHub REST API.
const GitHubAPIURL = "https://api.github.com"

// GitHubClient signs users in with a GitHub OAuth app. GitHub is not an OIDC
// provider, so the identity comes from the REST API.
type GitHubClient struct {
	oauthConfig oauth2.Config
	apiURL      string
}

// NewGitHubClient creates a GitHub client against github.com.
func NewGitHubClient(clientID, clientSecret string) *GitHubClient {
	return &GitHubClient{
		oauthConfig: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     github.Endpoint,
			Scopes:       []string{"read:user", "user:email"},
		},
		apiURL: GitHubAPIURL,
	}
}

// GetAuthURL returns the GitHub authorization URL.
func (c *GitHubClient) GetAuthURL(state, callbackURL string) string {
	cfg := c.oauthConfig
	cfg.RedirectURL = callbackURL
	return cfg.AuthCodeURL(state)
}

type githubUser struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

type githubEmail struct {
	Email    string `json:"email"`
	Primary  bool   `json:"primary"`
	Verified bool   `json:"verified"`
}

// ExchangeCode trades the code for a token and reads the user's id and
// primary verified email.
func (c *GitHubClient) ExchangeCode(ctx context.Context, code, callbackURL string) (*auth.OAuthIdentity, error) {
	cfg := c.oauthConfig
	cfg.RedirectURL = callbackURL

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, exchangeFailed("token exchange", err)
	}
	httpClient := cfg.Client(ctx, token)

	var user githubUser
	if err := c.getJSON(ctx, httpClient, "/user", &user); err != nil {
		return nil, exchangeFailed("fetch user", err)
	}
	if user.ID == 0 {
		return nil, exchangeFailed("github user has no id", nil)
	}

	// The profile email is public and may be unverified; /user/emails is
	// authoritative.
	var emails []githubEmail
	if err := c.getJSON(ctx, httpClient, "/user/emails", &emails); err != nil {
		return nil, exchangeFailed("fetch emails", err)
	}
	primary := ""
	for _, e := range emails {
		if e.Primary && e.Verified {
			primary = e.Email
			break
		}
	}
	if primary == "" {
		return nil, ErrEmailNotVerified
	}

	name := user.Name
	if name == "" {
		name = user.Login
	}
	return &auth.OAuthIdentity{
		Provider: auth.ProviderGitHub,
		Subject:  strconv.FormatInt(user.ID, 10),
		Email:    primary,
		Name:     name,
	}, nil
}

func (c *GitHubClient) getJSON(ctx context.Context, httpClient *http.Client, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(c.apiURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	return json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(out)
}
