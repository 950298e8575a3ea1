// Command server runs the gatehouse API: accounts, OAuth sign-in, CLI device
// pairing and payment entitlements.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kuitang/gatehouse/internal/app"
	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/billing"
	"github.com/kuitang/gatehouse/internal/config"
	"github.com/kuitang/gatehouse/internal/crypto"
	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/oauth"
	"github.com/kuitang/gatehouse/internal/obs"
	"github.com/kuitang/gatehouse/internal/redirect"
)

const (
	// keyVersion selects the derived signing and database keys.
	keyVersion = 1

	// localWebhookSecret signs webhooks in --no-billing mode so the endpoint
	// can be exercised with the Stripe CLI.
	localWebhookSecret = "whsec_gatehouse_local"

	shutdownTimeout = 10 * time.Second
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags, err := config.ParseFlags(flag.NewFlagSet("server", flag.ContinueOnError), args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}
	cfg, err := config.LoadConfig(flags)
	if err != nil {
		return err
	}
	obs.Init()
	logger := obs.Pkg("main")
	cfg.PrintStartupSummary()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	masterKey, err := crypto.ParseMasterKey(cfg.MasterKey)
	if err != nil {
		return err
	}
	store, err := db.Open(cfg.DatabasePath, crypto.DatabaseKey(masterKey, keyVersion))
	if err != nil {
		return err
	}
	defer store.Close()

	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		return err
	}
	deps.Store = store
	deps.SigningKey, deps.KeyID = crypto.SigningKey(masterKey, keyVersion)

	a, err := app.New(cfg, deps)
	if err != nil {
		return err
	}
	defer a.Close()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		a.RunSweeper(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// buildDeps picks real or mock collaborators according to cfg. Store and
// signing key are filled in by the caller.
func buildDeps(ctx context.Context, cfg *config.Config) (app.Deps, error) {
	deps := app.Deps{
		Providers: map[auth.Provider]oauth.Client{},
		Policy:    redirect.Default(),
	}

	if cfg.NoEmail {
		deps.Mailer = email.NewMockEmailService()
	} else {
		deps.Mailer = email.NewResendEmailService(cfg.ResendAPIKey, cfg.ResendFromEmail)
	}

	if cfg.NoBilling {
		if cfg.StripeWebhookSecret == "" {
			cfg.StripeWebhookSecret = localWebhookSecret
		}
		deps.Checkout = billing.NewMockCheckout(cfg.BaseURL)
	} else {
		deps.Checkout = billing.NewStripeCheckout(billing.Config{
			SecretKey:     cfg.StripeSecretKey,
			WebhookSecret: cfg.StripeWebhookSecret,
			PriceID:       cfg.StripePriceID,
			SuccessURL:    cfg.FrontendURL + redirect.DefaultSuccessRoute + "?checkout=success",
			CancelURL:     cfg.FrontendURL + redirect.RoutePayment,
		})
	}

	if cfg.NoOIDC {
		for _, p := range []auth.Provider{auth.ProviderGoogle, auth.ProviderGitHub} {
			mock := oauth.NewLocalMockProvider(p, cfg.BaseURL, nil)
			deps.Providers[p] = mock
			deps.MockProviders = append(deps.MockProviders, mock)
		}
		return deps, nil
	}
	if cfg.GoogleClientID != "" {
		google, err := oauth.NewGoogleClient(ctx, cfg.GoogleClientID, cfg.GoogleClientSecret)
		if err != nil {
			return app.Deps{}, fmt.Errorf("google oidc: %w", err)
		}
		deps.Providers[auth.ProviderGoogle] = google
	}
	if cfg.GitHubClientID != "" {
		deps.Providers[auth.ProviderGitHub] = oauth.NewGitHubClient(cfg.GitHubClientID, cfg.GitHubClientSecret)
	}
	return deps, nil
}
