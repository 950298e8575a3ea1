package cliauth

import (
	"strings"
	"time"

	"github.com/kuitang/gatehouse/internal/auth"
	"github.com/kuitang/gatehouse/internal/db"
	"github.com/kuitang/gatehouse/internal/email"
)

// Defaults for Config.
const (
	DefaultFlowTTL      = 10 * time.Minute
	DefaultRefreshTTL   = 30 * 24 * time.Hour
	DefaultPollInterval = 5 * time.Second
)

// Config configures a Coordinator.
type Config struct {
	// FrontendURL hosts the /cli/verify page the human opens.
	FrontendURL  string
	FlowTTL      time.Duration
	RefreshTTL   time.Duration
	PollInterval time.Duration
}

// Coordinator owns devices, authorization flows and refresh tokens.
type Coordinator struct {
	store  *db.Store
	users  *auth.UserStore
	issuer *auth.TokenIssuer
	mailer email.EmailService
	clock  auth.Clock
	cfg    Config
}

// NewCoordinator creates a Coordinator. mailer may be nil.
func NewCoordinator(cfg Config, store *db.Store, users *auth.UserStore, issuer *auth.TokenIssuer, mailer email.EmailService, clock auth.Clock) *Coordinator {
	if cfg.FlowTTL <= 0 {
		cfg.FlowTTL = DefaultFlowTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	cfg.FrontendURL = strings.TrimRight(cfg.FrontendURL, "/")
	if clock == nil {
		clock = systemClock{}
	}
	return &Coordinator{store: store, users: users, issuer: issuer, mailer: mailer, clock: clock, cfg: cfg}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
