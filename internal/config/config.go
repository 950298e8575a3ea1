// Package config loads the gatehouse server configuration from CLI flags and
// environment variables, validates required fields, and provides defaults.
//
// CLI flags control which collaborators are mocked (--no-email, --no-oidc,
// --no-billing, --test). Environment variables provide secrets and tuning.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/gatehouse/internal/ratelimit"
)

// Config holds all server configuration.
type Config struct {
	// Server settings
	ListenAddr  string
	BaseURL     string // public URL of this API, used for OAuth callbacks and CLI verification links
	FrontendURL string // where browsers land after OAuth
	TrustProxy  bool   // honor Fly-Client-IP / X-Forwarded-For for rate limiting

	// Database and keys
	MasterKey    string // 64 hex characters (32 bytes); signing and DB keys are derived from it
	DatabasePath string

	// Token and flow lifetimes
	WebTokenTTL        time.Duration
	CLIAccessTokenTTL  time.Duration
	CLIRefreshTokenTTL time.Duration
	OAuthStateTTL      time.Duration
	CLIFlowTTL         time.Duration
	SweepInterval      time.Duration

	// Allowed browser redirect targets for GET /auth/oauth/{provider}?redirect_uri=
	AllowedRedirectOrigins []string

	// Rate limiting
	RateLimitConfig ratelimit.Config

	// Mock service flags (controlled by CLI flags, not env vars)
	NoOIDC    bool
	NoEmail   bool
	NoBilling bool

	// OAuth providers
	GoogleClientID     string
	GoogleClientSecret string
	GitHubClientID     string
	GitHubClientSecret string

	// Resend Email
	ResendAPIKey    string
	ResendFromEmail string

	// Stripe
	StripeSecretKey     string
	StripeWebhookSecret string
	StripePriceID       string

	// Bearer key for /admin endpoints; empty disables them.
	AdminAPIKey string
}

// Flags are the values accepted on the command line.
type Flags struct {
	NoEmail   bool
	NoOIDC    bool
	NoBilling bool
	Addr      string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// ParseFlags registers and parses the server flags on fs.
func ParseFlags(fs *flag.FlagSet, args []string) (Flags, error) {
	var f Flags
	var testMode bool
	fs.BoolVar(&f.NoEmail, "no-email", false, "Log emails to console instead of sending them")
	fs.BoolVar(&f.NoOIDC, "no-oidc", false, "Use the local mock OAuth provider")
	fs.BoolVar(&f.NoBilling, "no-billing", false, "Use mock billing (no Stripe calls)")
	fs.BoolVar(&testMode, "test", false, "Shorthand for --no-email --no-oidc --no-billing")
	fs.StringVar(&f.Addr, "addr", "", "Listen address (default :8080, overrides LISTEN_ADDR env var)")
	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	if testMode {
		f.NoEmail = true
		f.NoOIDC = true
		f.NoBilling = true
	}
	return f, nil
}

// LoadConfig loads configuration from environment variables and flag values.
func LoadConfig(f Flags) (*Config, error) {
	cfg := &Config{
		NoEmail:   f.NoEmail,
		NoOIDC:    f.NoOIDC,
		NoBilling: f.NoBilling,
	}

	cfg.ListenAddr = getEnvOrDefault("LISTEN_ADDR", ":8080")
	if f.Addr != "" {
		cfg.ListenAddr = f.Addr
	}
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("BASE_URL")), "/")
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost" + cfg.ListenAddr
	}
	cfg.FrontendURL = strings.TrimRight(getEnvOrDefault("FRONTEND_URL", cfg.BaseURL), "/")
	cfg.TrustProxy = parseBoolOrDefault("TRUST_PROXY", false)

	cfg.MasterKey = os.Getenv("MASTER_KEY")
	cfg.DatabasePath = getEnvOrDefault("DATABASE_PATH", "/data/gatehouse.db")

	cfg.WebTokenTTL = parseDurationOrDefault("WEB_TOKEN_TTL", time.Hour)
	cfg.CLIAccessTokenTTL = parseDurationOrDefault("CLI_ACCESS_TOKEN_TTL", 15*time.Minute)
	cfg.CLIRefreshTokenTTL = parseDurationOrDefault("CLI_REFRESH_TOKEN_TTL", 30*24*time.Hour)
	cfg.OAuthStateTTL = parseDurationOrDefault("OAUTH_STATE_TTL", 10*time.Minute)
	cfg.CLIFlowTTL = parseDurationOrDefault("CLI_FLOW_TTL", 10*time.Minute)
	cfg.SweepInterval = parseDurationOrDefault("SWEEP_INTERVAL", time.Minute)

	cfg.AllowedRedirectOrigins = []string{cfg.FrontendURL}
	for _, origin := range strings.Split(os.Getenv("ALLOWED_REDIRECT_ORIGINS"), ",") {
		if origin = strings.TrimRight(strings.TrimSpace(origin), "/"); origin != "" {
			cfg.AllowedRedirectOrigins = append(cfg.AllowedRedirectOrigins, origin)
		}
	}

	cfg.RateLimitConfig = ratelimit.Config{
		CredentialRPS:   parseFloat64OrDefault("RATE_LIMIT_RPS", 1),
		CredentialBurst: parseIntOrDefault("RATE_LIMIT_BURST", 10),
		PollRPS:         parseFloat64OrDefault("RATE_LIMIT_POLL_RPS", 2),
		PollBurst:       parseIntOrDefault("RATE_LIMIT_POLL_BURST", 10),
		CleanupInterval: parseDurationOrDefault("RATE_LIMIT_CLEANUP_INTERVAL", time.Hour),
	}

	cfg.GoogleClientID = os.Getenv("GOOGLE_CLIENT_ID")
	cfg.GoogleClientSecret = os.Getenv("GOOGLE_CLIENT_SECRET")
	cfg.GitHubClientID = os.Getenv("GITHUB_CLIENT_ID")
	cfg.GitHubClientSecret = os.Getenv("GITHUB_CLIENT_SECRET")

	cfg.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.ResendFromEmail = getEnvOrDefault("RESEND_FROM_EMAIL", "noreply@gatehouse.dev")

	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	cfg.StripePriceID = os.Getenv("STRIPE_PRICE_ID")

	cfg.AdminAPIKey = os.Getenv("ADMIN_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that all required configuration is present and valid.
// When mocks are NOT active for a collaborator, its secrets are required.
func (c *Config) Validate() error {
	var errs []string

	if !c.NoOIDC {
		if c.GoogleClientID == "" && c.GitHubClientID == "" {
			errs = append(errs, "GOOGLE_CLIENT_ID or GITHUB_CLIENT_ID is required (set env var or use --no-oidc)")
		}
		if c.GoogleClientID != "" && c.GoogleClientSecret == "" {
			errs = append(errs, "GOOGLE_CLIENT_SECRET is required when GOOGLE_CLIENT_ID is set")
		}
		if c.GitHubClientID != "" && c.GitHubClientSecret == "" {
			errs = append(errs, "GITHUB_CLIENT_SECRET is required when GITHUB_CLIENT_ID is set")
		}
	}

	if !c.NoEmail && c.ResendAPIKey == "" {
		errs = append(errs, "RESEND_API_KEY is required (set env var or use --no-email)")
	}

	if !c.NoBilling {
		if c.StripeSecretKey == "" {
			errs = append(errs, "STRIPE_SECRET_KEY is required (set env var or use --no-billing)")
		}
		if c.StripeWebhookSecret == "" {
			errs = append(errs, "STRIPE_WEBHOOK_SECRET is required (set env var or use --no-billing)")
		}
		if c.StripePriceID == "" {
			errs = append(errs, "STRIPE_PRICE_ID is required (set env var or use --no-billing)")
		}
	}

	// Losing MASTER_KEY makes the database unreadable and invalidates every token.
	if c.MasterKey == "" {
		errs = append(errs, "MASTER_KEY is required (generate with: openssl rand -hex 32)")
	} else if len(c.MasterKey) != 64 {
		errs = append(errs, "MASTER_KEY must be 64 hex characters (32 bytes)")
	}

	for _, ttl := range []struct {
		name string
		val  time.Duration
	}{
		{"WEB_TOKEN_TTL", c.WebTokenTTL},
		{"CLI_ACCESS_TOKEN_TTL", c.CLIAccessTokenTTL},
		{"CLI_REFRESH_TOKEN_TTL", c.CLIRefreshTokenTTL},
		{"OAUTH_STATE_TTL", c.OAuthStateTTL},
		{"CLI_FLOW_TTL", c.CLIFlowTTL},
	} {
		if ttl.val <= 0 {
			errs = append(errs, ttl.name+" must be positive")
		}
	}
	if c.CLIRefreshTokenTTL > 0 && c.CLIRefreshTokenTTL <= c.CLIAccessTokenTTL {
		errs = append(errs, "CLI_REFRESH_TOKEN_TTL must exceed CLI_ACCESS_TOKEN_TTL")
	}

	for _, origin := range c.AllowedRedirectOrigins {
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Sprintf("redirect origin %q must be an absolute URL", origin))
		}
	}

	if c.RateLimitConfig.CredentialRPS <= 0 {
		errs = append(errs, "RATE_LIMIT_RPS must be positive")
	}
	if c.RateLimitConfig.CredentialBurst <= 0 {
		errs = append(errs, "RATE_LIMIT_BURST must be positive")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// IsDevelopment returns true if any mock collaborator is enabled.
func (c *Config) IsDevelopment() bool {
	return c.NoOIDC || c.NoEmail || c.NoBilling
}

// PrintStartupSummary prints a human-readable summary of the configuration to stderr.
func (c *Config) PrintStartupSummary() {
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "gatehouse server starting...")

	if c.NoOIDC {
		fmt.Fprintln(os.Stderr, "  OAuth:   Mock provider (--no-oidc)")
	} else {
		var providers []string
		if c.GoogleClientID != "" {
			providers = append(providers, "google")
		}
		if c.GitHubClientID != "" {
			providers = append(providers, "github")
		}
		fmt.Fprintf(os.Stderr, "  OAuth:   %s\n", strings.Join(providers, ", "))
	}

	if c.NoEmail {
		fmt.Fprintln(os.Stderr, "  Email:   Mock (--no-email)")
	} else {
		fmt.Fprintf(os.Stderr, "  Email:   Resend (from: %s)\n", c.ResendFromEmail)
	}

	if c.NoBilling {
		fmt.Fprintln(os.Stderr, "  Billing: Mock (--no-billing)")
	} else {
		fmt.Fprintln(os.Stderr, "  Billing: Stripe")
	}

	fmt.Fprintf(os.Stderr, "  DB:      %s\n", c.DatabasePath)
	fmt.Fprintf(os.Stderr, "  Listen:  %s\n", c.ListenAddr)
	fmt.Fprintf(os.Stderr, "  Base:    %s\n", c.BaseURL)
	fmt.Fprintf(os.Stderr, "  Web:     %s\n", c.FrontendURL)
	fmt.Fprintln(os.Stderr, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseBoolOrDefault(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// MustLoadConfig loads configuration and panics if validation fails.
func MustLoadConfig(f Flags) *Config {
	cfg, err := LoadConfig(f)
	if err != nil {
		var validationErr *ValidationError
		if errors.As(err, &validationErr) {
			panic(fmt.Sprintf("Configuration validation failed:\n  - %s", strings.Join(validationErr.Errors, "\n  - ")))
		}
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	return cfg
}
