package auth

import (
	"context"
	"time"

	"github.com/kuitang/gatehouse/internal/billing"
	"github.com/kuitang/gatehouse/internal/email"
	"github.com/kuitang/gatehouse/internal/obs"
)

// EntitlementResolver is the slice of billing.Resolver sessions need.
type EntitlementResolver interface {
	Resolve(ctx context.Context, userID string) (*billing.Entitlement, error)
	ResolveAfterLogin(ctx context.Context, userID string) (*billing.Entitlement, error)
}

// SessionResponse bundles everything a client needs to render after sign-in,
// so no second round trip is required.
type SessionResponse struct {
	Token           string               `json:"token"`
	ExpiresAt       time.Time            `json:"expires_at"`
	User            *User                `json:"user"`
	Entitlement     *billing.Entitlement `json:"entitlement"`
	PaymentRequired bool                 `json:"payment_required"`
	IsNewUser       bool                 `json:"is_new_user"`
}

// MeResponse is the unified user + entitlement payload of GET /users/me.
type MeResponse struct {
	User            *User                `json:"user"`
	Entitlement     *billing.Entitlement `json:"entitlement"`
	PaymentRequired bool                 `json:"payment_required"`
}

// SessionService turns verified identities into session responses.
type SessionService struct {
	users        *UserStore
	issuer       *TokenIssuer
	entitlements EntitlementResolver
	mailer       email.EmailService
}

// NewSessionService wires the session collaborators.
func NewSessionService(users *UserStore, issuer *TokenIssuer, entitlements EntitlementResolver, mailer email.EmailService) *SessionService {
	return &SessionService{users: users, issuer: issuer, entitlements: entitlements, mailer: mailer}
}

// Users exposes the credential store.
func (s *SessionService) Users() *UserStore { return s.users }

// Issuer exposes the token issuer.
func (s *SessionService) Issuer() *TokenIssuer { return s.issuer }

// Register creates a local account and signs it in.
func (s *SessionService) Register(ctx context.Context, emailAddr, password string) (*SessionResponse, error) {
	u, err := s.users.Register(ctx, emailAddr, password)
	if err != nil {
		return nil, err
	}
	s.sendWelcome(ctx, u)
	return s.Start(ctx, u, true)
}

// Login verifies a password and signs the account in.
func (s *SessionService) Login(ctx context.Context, emailAddr, password string) (*SessionResponse, error) {
	u, err := s.users.VerifyLogin(ctx, emailAddr, password)
	if err != nil {
		return nil, err
	}
	return s.Start(ctx, u, false)
}

// Start issues a web session for an already-authenticated user, claims any
// invites for the address and resolves the entitlement.
func (s *SessionService) Start(ctx context.Context, u *User, isNew bool) (*SessionResponse, error) {
	ent, err := s.entitlements.ResolveAfterLogin(ctx, u.ID)
	if err != nil {
		return nil, err
	}
	token, expiresAt, err := s.issuer.Issue(u.ID, ScopeWeb)
	if err != nil {
		return nil, err
	}
	obs.From(ctx).Info("session issued", "user_id", u.ID, "provider", string(u.Provider), "new_user", isNew)
	return &SessionResponse{
		Token:           token,
		ExpiresAt:       expiresAt,
		User:            u,
		Entitlement:     ent,
		PaymentRequired: ent.PaymentRequired,
		IsNewUser:       isNew,
	}, nil
}

// Me returns the caller's account and current entitlement.
func (s *SessionService) Me(ctx context.Context, userID string) (*MeResponse, error) {
	u, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	ent, err := s.entitlements.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &MeResponse{User: u, Entitlement: ent, PaymentRequired: ent.PaymentRequired}, nil
}

// WelcomeNewUser sends the welcome email for accounts created outside Register.
func (s *SessionService) WelcomeNewUser(ctx context.Context, u *User) {
	s.sendWelcome(ctx, u)
}

func (s *SessionService) sendWelcome(ctx context.Context, u *User) {
	if s.mailer == nil {
		return
	}
	if err := s.mailer.Send(ctx, u.Email, email.TemplateWelcome, email.WelcomeData{Name: u.Name}); err != nil {
		obs.From(ctx).Warn("welcome email failed", "user_id", u.ID, "error", err)
	}
}
