package domain

import (
	"context"
	"time"
)

// Tier is a subscription level. It controls how many journal entries
// the owner may keep.
type Tier string

const (
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Identity is the signed-in user as seen by the rest of the client.
// It is owned and written exclusively by the session manager; every
// other component reads a snapshot copy.
type Identity struct {
	UserID string
	Email  string
	Tier   Tier
}

// SessionPhase describes how far session resolution has progressed.
// Route content must not be rendered while the phase is PhaseResolving.
type SessionPhase int

const (
	PhaseUnauthenticated SessionPhase = iota
	PhaseResolving
	PhaseAuthenticated
)

func (p SessionPhase) String() string {
	switch p {
	case PhaseUnauthenticated:
		return "unauthenticated"
	case PhaseResolving:
		return "resolving"
	case PhaseAuthenticated:
		return "authenticated"
	}
	return "unknown"
}

// Session is an identity-provider session: the token pair plus the
// claims the client needs without another round trip.
type Session struct {
	AccessToken  string
	RefreshToken string
	UserID       string
	Email        string
	ExpiresAt    time.Time
}

// Expired reports whether the access token has passed its expiry.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// AuthEventKind is the closed set of auth-state notifications the
// identity provider emits.
type AuthEventKind int

const (
	AuthInitialSession AuthEventKind = iota
	AuthSignedIn
	AuthTokenRefreshed
	AuthSignedOut
)

func (k AuthEventKind) String() string {
	switch k {
	case AuthInitialSession:
		return "INITIAL_SESSION"
	case AuthSignedIn:
		return "SIGNED_IN"
	case AuthTokenRefreshed:
		return "TOKEN_REFRESHED"
	case AuthSignedOut:
		return "SIGNED_OUT"
	}
	return "UNKNOWN"
}

// AuthEvent is a single auth-state notification. Session is nil when
// the event carries no session (sign-out, expired initial check).
type AuthEvent struct {
	Kind    AuthEventKind
	Session *Session
}

// AuthProvider is the boundary to the external identity provider.
type AuthProvider interface {
	// GetSession returns the current session, or (nil, nil) when none
	// exists. It may refresh an expired session as a side effect.
	GetSession(ctx context.Context) (*Session, error)
	SignInWithPassword(ctx context.Context, email, password string) (*Session, error)
	SignUp(ctx context.Context, email, password string) (*Session, error)
	// SignInWithRedirect begins a redirect-based OAuth flow and returns
	// the authorization URL to send the user to. The resulting session
	// arrives later through the callback fragment, not from this call.
	SignInWithRedirect(ctx context.Context, provider, redirectTo string) (string, error)
	SignOut(ctx context.Context) error
	// Subscribe registers a listener for auth-state notifications.
	// Events are delivered in emission order. The returned function
	// removes the listener.
	Subscribe(fn func(AuthEvent)) (unsubscribe func())
}

// ProfileStore is the boundary to the user profile / tier table.
type ProfileStore interface {
	// GetTier returns ErrNotFound when no profile row exists yet.
	GetTier(ctx context.Context, ownerID string) (Tier, error)
	SetTier(ctx context.Context, ownerID string, tier Tier) error
	// CreateDefaultProfile inserts a free-tier profile row for the
	// owner. It is an idempotent upsert keyed by owner id.
	CreateDefaultProfile(ctx context.Context, ownerID string) error
}
