package main

import (
	"context"
	"flag"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/billing"
	"github.com/kuitang/gatehouse/internal/config"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/oauth"
)

func TestBuildDeps_TestModeUsesMocks(t *testing.T) {
	flags, err := config.ParseFlags(flag.NewFlagSet("server", flag.ContinueOnError), []string{"--test"})
	require.NoError(t, err)
	t.Setenv("MASTER_KEY", "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	cfg, err := config.LoadConfig(flags)
	require.NoError(t, err)

	deps, err := buildDeps(context.Background(), cfg)
	require.NoError(t, err)

	assert.IsType(t, &email.MockEmailService{}, deps.Mailer)
	assert.True(t, deps.Checkout.IsMock())
	assert.Equal(t, localWebhookSecret, cfg.StripeWebhookSecret)
	require.Len(t, deps.MockProviders, 2)
	assert.IsType(t, &oauth.LocalMockProvider{}, deps.Providers[auth.ProviderGoogle])
	assert.IsType(t, &oauth.LocalMockProvider{}, deps.Providers[auth.ProviderGitHub])
}

func TestBuildDeps_RealCollaborators(t *testing.T) {
	cfg := &config.Config{
		BaseURL:             "https://api.gatehouse.test",
		FrontendURL:         "https://app.gatehouse.test",
		GitHubClientID:      "gh-id",
		GitHubClientSecret:  "gh-secret",
		ResendAPIKey:        "re_test",
		ResendFromEmail:     "noreply@gatehouse.test",
		StripeSecretKey:     "sk_test_x",
		StripeWebhookSecret: "whsec_x",
		StripePriceID:       "price_x",
	}
	deps, err := buildDeps(context.Background(), cfg)
	require.NoError(t, err)

	assert.IsType(t, &email.ResendEmailService{}, deps.Mailer)
	assert.IsType(t, &billing.StripeCheckout{}, deps.Checkout)
	assert.Empty(t, deps.MockProviders)
	assert.IsType(t, &oauth.GitHubClient{}, deps.Providers[auth.ProviderGitHub])
	assert.NotContains(t, deps.Providers, auth.ProviderGoogle)
	assert.Equal(t, "whsec_x", cfg.StripeWebhookSecret)
}

func TestRun_RejectsInvalidConfig(t *testing.T) {
	t.Setenv("MASTER_KEY", "")
	err := run([]string{"--test"})
	require.Error(t, err)
	var verr *config.ValidationError
	assert.ErrorAs(t, err, &verr)
}
