package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

const defaultRewriteDelay = 200 * time.Millisecond

// Snapshot is a read-only copy of the session state. Identity is nil
// unless Phase is PhaseAuthenticated.
type Snapshot struct {
	Phase    domain.SessionPhase
	Identity *domain.Identity
}

// Config wires a Manager.
type Config struct {
	Provider domain.AuthProvider
	Profiles domain.ProfileStore
	Fragment domain.Fragment

	// Retry bounds the OAuth-callback session poll. Zero value means
	// DefaultRetryPolicy.
	Retry RetryPolicy
	// RewriteDelay is the debounce before the callback fragment is
	// rewritten to the canonical post-login location.
	RewriteDelay time.Duration
	// Sleep replaces the real clock in tests.
	Sleep  func(context.Context, time.Duration) error
	Logger *slog.Logger
}

// Manager is the single source of truth for who is logged in. It
// bridges the initial session check, the provider's auth-state
// notifications, and the OAuth-callback ambiguity window, and exposes
// the result as snapshots. All writes to the identity happen here;
// consumers only ever read.
type Manager struct {
	provider     domain.AuthProvider
	profiles     domain.ProfileStore
	fragment     domain.Fragment
	retry        RetryPolicy
	rewriteDelay time.Duration
	sleep        func(context.Context, time.Duration) error
	logger       *slog.Logger

	runCtx context.Context

	mu           sync.Mutex
	phase        domain.SessionPhase
	identity     *domain.Identity
	lookupSeq    uint64
	polling      bool
	listeners    map[int]func(Snapshot)
	nextListener int
}

// New creates a Manager in the resolving phase. Call Start to begin
// session resolution.
func New(cfg Config) *Manager {
	m := &Manager{
		provider:     cfg.Provider,
		profiles:     cfg.Profiles,
		fragment:     cfg.Fragment,
		retry:        cfg.Retry,
		rewriteDelay: cfg.RewriteDelay,
		sleep:        cfg.Sleep,
		logger:       cfg.Logger,
		runCtx:       context.Background(),
		phase:        domain.PhaseResolving,
		listeners:    make(map[int]func(Snapshot)),
	}
	if m.retry.MaxAttempts <= 0 {
		m.retry = DefaultRetryPolicy
	}
	if m.rewriteDelay <= 0 {
		m.rewriteDelay = defaultRewriteDelay
	}
	if m.sleep == nil {
		m.sleep = realSleep
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Start subscribes to provider notifications and kicks off the initial
// session resolution in the background. The returned stop function
// removes the subscription.
func (m *Manager) Start(ctx context.Context) (stop func()) {
	m.runCtx = ctx
	unsub := m.provider.Subscribe(m.applyEvent)
	go m.Resolve(ctx)
	return unsub
}

// Resolve runs the initial session resolution to completion: either
// the single page-load session check, or, when the fragment carries
// OAuth-callback markers, the bounded poll for the session the
// provider may still be exchanging. Start runs it in a goroutine;
// tests may call it directly.
func (m *Manager) Resolve(ctx context.Context) {
	if IsOAuthCallback(m.fragment.Read()) {
		m.resolveCallback(ctx)
		return
	}

	s, err := m.provider.GetSession(ctx)
	if err != nil {
		m.logger.Warn("initial session check failed", "error", err)
	}
	if s != nil {
		m.setAuthenticated(identityFromSession(s))
		return
	}

	// Only settle to unauthenticated if no auth event won the race
	// while the check was in flight.
	m.mu.Lock()
	if m.phase != domain.PhaseResolving {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// resolveCallback polls for a session during the OAuth-callback
// ambiguity window. An immediate empty result is not final: the
// provider may still be exchanging the redirect token.
func (m *Manager) resolveCallback(ctx context.Context) {
	m.mu.Lock()
	m.polling = true
	m.mu.Unlock()

	found, err := m.retry.Poll(ctx, m.sleep, func(attempt int) bool {
		if m.Snapshot().Phase == domain.PhaseAuthenticated {
			// A provider notification beat the poll.
			return true
		}
		s, gerr := m.provider.GetSession(ctx)
		if gerr != nil {
			m.logger.Warn("callback session poll failed", "attempt", attempt, "error", gerr)
			return false
		}
		if s == nil {
			return false
		}
		m.setAuthenticated(identityFromSession(s))
		return true
	})
	m.mu.Lock()
	m.polling = false
	if err != nil {
		m.mu.Unlock()
		return
	}
	if !found && m.phase != domain.PhaseAuthenticated {
		// Exhaustion is not a fault the caller can act on; treat as
		// signed out rather than leaving the UI stuck resolving.
		m.logger.Warn("session resolution exhausted, treating as signed out",
			"attempts", m.retry.MaxAttempts)
		m.clearLocked()
		snap := m.snapshotLocked()
		m.mu.Unlock()
		m.notify(snap)
		return
	}
	m.mu.Unlock()

	m.rewriteCallbackFragment(ctx)
}

// rewriteCallbackFragment replaces the callback markers with the
// canonical post-login location. The short debounce keeps it from
// interfering with the provider's own fragment parsing.
func (m *Manager) rewriteCallbackFragment(ctx context.Context) {
	if err := m.sleep(ctx, m.rewriteDelay); err != nil {
		return
	}
	if m.Snapshot().Phase != domain.PhaseAuthenticated {
		return
	}
	if !IsOAuthCallback(m.fragment.Read()) {
		return
	}
	m.fragment.Write(string(domain.PageDashboard))
}

// applyEvent applies one provider notification. Events are applied in
// arrival order; a later event always wins over the results of work
// still in flight for an earlier one.
func (m *Manager) applyEvent(ev domain.AuthEvent) {
	if ev.Session != nil {
		m.setAuthenticated(identityFromSession(ev.Session))
		return
	}

	m.mu.Lock()
	if m.polling {
		// The callback poll is still in flight; an empty session now is
		// not final. The poll settles the transition: exhaustion clears,
		// a found session supersedes.
		m.mu.Unlock()
		return
	}
	if m.phase == domain.PhaseUnauthenticated {
		m.mu.Unlock()
		return
	}
	m.lookupSeq++
	m.clearLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// setAuthenticated transitions to the authenticated phase. Applying
// the same identity twice is a no-op. Each transition starts a fresh
// tier lookup; lookups for superseded identities discard their result.
func (m *Manager) setAuthenticated(id domain.Identity) {
	m.mu.Lock()
	if m.phase == domain.PhaseAuthenticated && m.identity != nil &&
		m.identity.UserID == id.UserID && m.identity.Email == id.Email {
		m.mu.Unlock()
		return
	}

	tier := domain.TierFree
	if m.identity != nil && m.identity.UserID == id.UserID {
		tier = m.identity.Tier
	}
	m.identity = &domain.Identity{UserID: id.UserID, Email: id.Email, Tier: tier}
	m.phase = domain.PhaseAuthenticated
	m.lookupSeq++
	seq := m.lookupSeq
	userID := id.UserID
	snap := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snap)
	go m.lookupTier(seq, userID)
}

// lookupTier resolves the subscription tier for the identity tagged by
// seq. A missing profile row is created and defaulted, not retried;
// transient failures degrade to the free tier so the session is never
// blocked on a secondary lookup.
func (m *Manager) lookupTier(seq uint64, userID string) {
	ctx := m.runCtx
	tier, err := m.profiles.GetTier(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if cerr := m.profiles.CreateDefaultProfile(ctx, userID); cerr != nil {
			m.logger.Warn("create default profile failed", "user_id", userID, "error", cerr)
		}
		tier = domain.TierFree
	case err != nil:
		m.logger.Warn("profile lookup degraded, defaulting tier", "user_id", userID, "error", err)
		tier = domain.TierFree
	}

	m.mu.Lock()
	if m.lookupSeq != seq || m.identity == nil || m.identity.UserID != userID {
		// Superseded by a newer auth event; a stale lookup never wins.
		m.mu.Unlock()
		return
	}
	if m.identity.Tier == tier {
		m.mu.Unlock()
		return
	}
	m.identity = &domain.Identity{UserID: userID, Email: m.identity.Email, Tier: tier}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// Login signs in with email and password and returns the resulting
// identity. The tier resolves asynchronously and arrives through a
// later snapshot.
func (m *Manager) Login(ctx context.Context, email, password string) (domain.Identity, error) {
	s, err := m.provider.SignInWithPassword(ctx, email, password)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidCredentials) {
			return domain.Identity{}, domain.ErrInvalidCredentials
		}
		return domain.Identity{}, fmt.Errorf("sign in: %w", err)
	}
	if s == nil || s.Email == "" {
		return domain.Identity{}, domain.ErrSignInFailed
	}
	id := identityFromSession(s)
	m.setAuthenticated(id)
	return id, nil
}

// SignUp creates an account, ensures a default free-tier profile row
// exists for it, and signs the user in.
func (m *Manager) SignUp(ctx context.Context, email, password string) (domain.Identity, error) {
	s, err := m.provider.SignUp(ctx, email, password)
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrSignUpFailed, err)
	}
	if s == nil || s.Email == "" {
		return domain.Identity{}, domain.ErrSignUpFailed
	}
	if err := m.profiles.CreateDefaultProfile(ctx, s.UserID); err != nil {
		// Non-fatal: the next tier lookup creates the row if missing.
		m.logger.Warn("create default profile on signup failed", "user_id", s.UserID, "error", err)
	}
	id := identityFromSession(s)
	m.setAuthenticated(id)
	return id, nil
}

// SignInWithOAuth initiates a redirect-based sign-in and returns the
// authorization URL. The session itself arrives later, through the
// callback fragment and the retry loop in Resolve.
func (m *Manager) SignInWithOAuth(ctx context.Context, provider string) (string, error) {
	redirectTo := "#" + string(domain.PageDashboard)
	u, err := m.provider.SignInWithRedirect(ctx, provider, redirectTo)
	if err != nil {
		return "", domain.ErrOAuthInitiationFailed
	}
	return u, nil
}

// Logout signs out remotely and always clears the local identity, even
// when the remote call fails: stale local state is worse than a
// dangling remote session.
func (m *Manager) Logout(ctx context.Context) {
	if err := m.provider.SignOut(ctx); err != nil {
		m.logger.Warn("remote sign-out failed, clearing local session anyway", "error", err)
	}
	m.mu.Lock()
	m.lookupSeq++
	m.polling = false
	m.clearLocked()
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
}

// UpdateTier upserts the tier remotely and applies it locally only
// after the remote write succeeds.
func (m *Manager) UpdateTier(ctx context.Context, tier domain.Tier) error {
	m.mu.Lock()
	if m.identity == nil {
		m.mu.Unlock()
		return domain.ErrNotAuthenticated
	}
	userID := m.identity.UserID
	m.mu.Unlock()

	if err := m.profiles.SetTier(ctx, userID, tier); err != nil {
		return err
	}

	m.mu.Lock()
	if m.identity == nil || m.identity.UserID != userID {
		m.mu.Unlock()
		return nil
	}
	// Invalidate any in-flight lookup so it cannot overwrite the tier
	// we just confirmed.
	m.lookupSeq++
	m.identity = &domain.Identity{UserID: userID, Email: m.identity.Email, Tier: tier}
	snap := m.snapshotLocked()
	m.mu.Unlock()
	m.notify(snap)
	return nil
}

// RefreshTier re-reads the tier from the store. Billing results arrive
// out of band with arbitrary delay, so callers re-read rather than
// assume a local update.
func (m *Manager) RefreshTier() {
	m.mu.Lock()
	if m.identity == nil {
		m.mu.Unlock()
		return
	}
	m.lookupSeq++
	seq := m.lookupSeq
	userID := m.identity.UserID
	m.mu.Unlock()
	go m.lookupTier(seq, userID)
}

// Snapshot returns a copy of the current session state.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

// OnChange registers a listener invoked after every state transition.
// The returned function removes it.
func (m *Manager) OnChange(fn func(Snapshot)) (remove func()) {
	m.mu.Lock()
	id := m.nextListener
	m.nextListener++
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Manager) snapshotLocked() Snapshot {
	snap := Snapshot{Phase: m.phase}
	if m.identity != nil {
		id := *m.identity
		snap.Identity = &id
	}
	return snap
}

func (m *Manager) clearLocked() {
	m.phase = domain.PhaseUnauthenticated
	m.identity = nil
}

func (m *Manager) notify(snap Snapshot) {
	m.mu.Lock()
	fns := make([]func(Snapshot), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func identityFromSession(s *domain.Session) domain.Identity {
	return domain.Identity{UserID: s.UserID, Email: s.Email, Tier: domain.TierFree}
}

// IsOAuthCallback reports whether the raw fragment carries OAuth
// redirect markers: an access token, a recovery marker, an auth code,
// or a provider error.
func IsOAuthCallback(fragment string) bool {
	return strings.Contains(fragment, "access_token") ||
		strings.Contains(fragment, "type=recovery") ||
		strings.Contains(fragment, "code=") ||
		strings.Contains(fragment, "error")
}
