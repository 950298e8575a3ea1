package oauth

import (
	"context"
	"fmt"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/kuitang/gatehouse/internal/auth"
)

// GoogleIssuer is Google's OIDC issuer URL.
const GoogleIssuer = "https://accounts.google.com"

// OIDCClient signs users in through an OpenID Connect provider and trusts
// only verified ID tokens.
type OIDCClient struct {
	provider    auth.Provider
	verifier    *oidc.IDTokenVerifier
	oauthConfig oauth2.Config
}

// NewGoogleClient creates a client for Google sign-in. It fetches Google's
// discovery document, so ctx bounds a network call.
func NewGoogleClient(ctx context.Context, clientID, clientSecret string) (*OIDCClient, error) {
	return NewOIDCClient(ctx, auth.ProviderGoogle, GoogleIssuer, clientID, clientSecret)
}

// NewOIDCClient creates a client for any discovery-capable OIDC issuer.
// Identities it returns are attributed to provider.
func NewOIDCClient(ctx context.Context, provider auth.Provider, issuer, clientID, clientSecret string) (*OIDCClient, error) {
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}
	return &OIDCClient{
		provider: provider,
		verifier: p.Verifier(&oidc.Config{ClientID: clientID}),
		oauthConfig: oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     p.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
	}, nil
}

// GetAuthURL returns the provider authorization URL.
func (c *OIDCClient) GetAuthURL(state, callbackURL string) string {
	cfg := c.oauthConfig
	cfg.RedirectURL = callbackURL
	return cfg.AuthCodeURL(state)
}

// ExchangeCode performs the token exchange, verifies the ID token and
// extracts the identity. Unverified emails are refused.
func (c *OIDCClient) ExchangeCode(ctx context.Context, code, callbackURL string) (*auth.OAuthIdentity, error) {
	cfg := c.oauthConfig
	cfg.RedirectURL = callbackURL

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, exchangeFailed("token exchange", err)
	}
	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, exchangeFailed("missing id_token in token response", nil)
	}
	idToken, err := c.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, exchangeFailed("id_token verification failed", err)
	}

	var claims struct {
		Sub               string `json:"sub"`
		Email             string `json:"email"`
		EmailVerified     bool   `json:"email_verified"`
		Name              string `json:"name"`
		PreferredUsername string `json:"preferred_username"`
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, exchangeFailed("failed to parse claims", err)
	}
	if claims.Sub == "" || claims.Email == "" {
		return nil, exchangeFailed("id_token lacks sub or email", nil)
	}
	if !claims.EmailVerified {
		return nil, ErrEmailNotVerified
	}
	name := claims.Name
	if name == "" {
		name = claims.PreferredUsername
	}
	return &auth.OAuthIdentity{
		Provider: c.provider,
		Subject:  claims.Sub,
		Email:    claims.Email,
		Name:     name,
	}, nil
}
