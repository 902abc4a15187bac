// Package supabase contains the HTTP adapters for the hosted Supabase
// project: the GoTrue auth client and the PostgREST table clients. All
// the rest of the client talks to these through the boundaries defined
// in the domain package.
package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bxxmzilla1/calliope/internal/domain"
)

// CredentialStore persists the session token pair between runs so the
// client stays signed in, the way the hosted JS client uses browser
// storage.
type CredentialStore interface {
	Save(ctx context.Context, s *domain.Session) error
	// Load returns domain.ErrNotFound when nothing is persisted.
	Load(ctx context.Context) (*domain.Session, error)
	Clear(ctx context.Context) error
}

// AuthClient is the GoTrue client. It owns the provider-side session
// and emits auth-state notifications the way the hosted client does.
type AuthClient struct {
	baseURL string
	anonKey string
	http    *http.Client
	store   CredentialStore
	logger  *slog.Logger
	now     func() time.Time

	mu           sync.Mutex
	current      *domain.Session
	listeners    map[int]func(domain.AuthEvent)
	nextListener int
}

// NewAuthClient creates an AuthClient for the project at baseURL.
// store may be nil to disable persistence.
func NewAuthClient(baseURL, anonKey string, hc *http.Client, store CredentialStore, logger *slog.Logger) *AuthClient {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthClient{
		baseURL:   trimSlash(baseURL),
		anonKey:   anonKey,
		http:      hc,
		store:     store,
		logger:    logger,
		now:       time.Now,
		listeners: make(map[int]func(domain.AuthEvent)),
	}
}

// Subscribe registers an auth-state listener. Events are delivered
// synchronously in emission order.
func (c *AuthClient) Subscribe(fn func(domain.AuthEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextListener
	c.nextListener++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// Restore loads a persisted session and exchanges its refresh token
// for a fresh one, emitting InitialSession on success. Call it once at
// startup, before the session manager begins resolving.
func (c *AuthClient) Restore(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	saved, err := c.store.Load(ctx)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load persisted session: %w", err)
	}

	s := saved
	if saved.Expired(c.now()) {
		s, err = c.refresh(ctx, saved.RefreshToken)
		if err != nil {
			// The refresh token is dead; drop the stale credentials.
			c.logger.Warn("persisted session refresh failed", "error", err)
			if cerr := c.store.Clear(ctx); cerr != nil {
				c.logger.Warn("clear persisted session failed", "error", cerr)
			}
			return nil
		}
	}
	c.setSession(ctx, s)
	c.emit(domain.AuthEvent{Kind: domain.AuthInitialSession, Session: s})
	return nil
}

// GetSession returns the current session, refreshing it first when the
// access token has expired. It returns (nil, nil) when no session
// exists.
func (c *AuthClient) GetSession(ctx context.Context) (*domain.Session, error) {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()
	if cur == nil {
		return nil, nil
	}
	if !cur.Expired(c.now()) {
		s := *cur
		return &s, nil
	}

	s, err := c.refresh(ctx, cur.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}
	c.setSession(ctx, s)
	c.emit(domain.AuthEvent{Kind: domain.AuthTokenRefreshed, Session: s})
	out := *s
	return &out, nil
}

// AccessToken returns the current session's access token, or "" when
// signed out. Data clients use it to authorize requests as the user.
func (c *AuthClient) AccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.AccessToken
}

// SignInWithPassword performs the password grant. Rejected credentials
// surface as domain.ErrInvalidCredentials.
func (c *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*domain.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var tr tokenResponse
	status, err := c.post(ctx, "/auth/v1/token?grant_type=password", "", body, &tr)
	if err != nil {
		return nil, err
	}
	if status == http.StatusBadRequest || status == http.StatusUnauthorized {
		return nil, domain.ErrInvalidCredentials
	}
	if status >= 400 {
		return nil, fmt.Errorf("password grant: unexpected status %d", status)
	}

	s := c.sessionFromToken(&tr)
	c.setSession(ctx, s)
	c.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: s})
	return s, nil
}

// SignUp registers a new account. When the project signs new users in
// immediately, the returned session is usable right away.
func (c *AuthClient) SignUp(ctx context.Context, email, password string) (*domain.Session, error) {
	body := map[string]string{"email": email, "password": password}
	var tr tokenResponse
	status, err := c.post(ctx, "/auth/v1/signup", "", body, &tr)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("%w: status %d", domain.ErrSignUpFailed, status)
	}
	if tr.AccessToken == "" {
		// Email confirmation is on; no session until the user confirms.
		return nil, fmt.Errorf("%w: confirmation required", domain.ErrSignUpFailed)
	}

	s := c.sessionFromToken(&tr)
	c.setSession(ctx, s)
	c.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: s})
	return s, nil
}

// SignInWithRedirect builds the authorization URL for a redirect-based
// OAuth flow. The resulting session arrives later through the callback
// fragment.
func (c *AuthClient) SignInWithRedirect(ctx context.Context, provider, redirectTo string) (string, error) {
	if provider == "" {
		return "", fmt.Errorf("%w: provider is required", domain.ErrOAuthInitiationFailed)
	}
	q := url.Values{}
	q.Set("provider", provider)
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return c.baseURL + "/auth/v1/authorize?" + q.Encode(), nil
}

// SignOut revokes the session remotely and always clears the local one,
// even when the revoke call fails.
func (c *AuthClient) SignOut(ctx context.Context) error {
	c.mu.Lock()
	cur := c.current
	c.mu.Unlock()

	var remoteErr error
	if cur != nil {
		status, err := c.post(ctx, "/auth/v1/logout", cur.AccessToken, nil, nil)
		if err != nil {
			remoteErr = err
		} else if status >= 400 && status != http.StatusUnauthorized {
			remoteErr = fmt.Errorf("logout: unexpected status %d", status)
		}
	}

	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.Clear(ctx); err != nil {
			c.logger.Warn("clear persisted session failed", "error", err)
		}
	}
	c.emit(domain.AuthEvent{Kind: domain.AuthSignedOut})
	return remoteErr
}

// HandleCallbackFragment completes a redirect-based sign-in from the
// token parameters the provider placed in the fragment. The token is
// validated against the user endpoint before the session is accepted.
func (c *AuthClient) HandleCallbackFragment(ctx context.Context, fragment string) error {
	_, query, found := cutCallbackQuery(fragment)
	if !found {
		return fmt.Errorf("%w: no token parameters in fragment", domain.ErrOAuthInitiationFailed)
	}
	vals, err := url.ParseQuery(query)
	if err != nil {
		return fmt.Errorf("parse callback fragment: %w", err)
	}
	access := vals.Get("access_token")
	if access == "" {
		if e := vals.Get("error_description"); e != "" {
			return fmt.Errorf("%w: %s", domain.ErrOAuthInitiationFailed, e)
		}
		return fmt.Errorf("%w: no access token in fragment", domain.ErrOAuthInitiationFailed)
	}

	s := &domain.Session{
		AccessToken:  access,
		RefreshToken: vals.Get("refresh_token"),
	}
	if v := vals.Get("expires_in"); v != "" {
		if secs, perr := strconv.ParseInt(v, 10, 64); perr == nil {
			s.ExpiresAt = c.now().Add(time.Duration(secs) * time.Second)
		}
	}
	s.UserID, s.Email, _ = claimsFromToken(access)

	// Confirm the token is live before trusting it.
	var user struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	}
	status, err := c.getBearer(ctx, "/auth/v1/user", access, &user)
	if err != nil {
		return fmt.Errorf("validate callback token: %w", err)
	}
	if status >= 400 {
		return fmt.Errorf("validate callback token: status %d", status)
	}
	if user.ID != "" {
		s.UserID = user.ID
	}
	if user.Email != "" {
		s.Email = user.Email
	}

	c.setSession(ctx, s)
	c.emit(domain.AuthEvent{Kind: domain.AuthSignedIn, Session: s})
	return nil
}

func (c *AuthClient) refresh(ctx context.Context, refreshToken string) (*domain.Session, error) {
	if refreshToken == "" {
		return nil, errors.New("no refresh token")
	}
	body := map[string]string{"refresh_token": refreshToken}
	var tr tokenResponse
	status, err := c.post(ctx, "/auth/v1/token?grant_type=refresh_token", "", body, &tr)
	if err != nil {
		return nil, err
	}
	if status >= 400 {
		return nil, fmt.Errorf("refresh grant: status %d", status)
	}
	return c.sessionFromToken(&tr), nil
}

func (c *AuthClient) setSession(ctx context.Context, s *domain.Session) {
	c.mu.Lock()
	c.current = s
	c.mu.Unlock()
	if c.store != nil && s != nil {
		if err := c.store.Save(ctx, s); err != nil {
			c.logger.Warn("persist session failed", "error", err)
		}
	}
}

func (c *AuthClient) emit(ev domain.AuthEvent) {
	c.mu.Lock()
	fns := make([]func(domain.AuthEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		fns = append(fns, fn)
	}
	c.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	User         struct {
		ID    string `json:"id"`
		Email string `json:"email"`
	} `json:"user"`
}

func (c *AuthClient) sessionFromToken(tr *tokenResponse) *domain.Session {
	s := &domain.Session{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		UserID:       tr.User.ID,
		Email:        tr.User.Email,
	}
	if tr.ExpiresIn > 0 {
		s.ExpiresAt = c.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	if s.UserID == "" || s.Email == "" {
		sub, email, exp := claimsFromToken(tr.AccessToken)
		if s.UserID == "" {
			s.UserID = sub
		}
		if s.Email == "" {
			s.Email = email
		}
		if s.ExpiresAt.IsZero() {
			s.ExpiresAt = exp
		}
	}
	return s
}

func (c *AuthClient) post(ctx context.Context, path, bearer string, body, out any) (int, error) {
	return c.do(ctx, http.MethodPost, path, bearer, body, out)
}

func (c *AuthClient) getBearer(ctx context.Context, path, bearer string, out any) (int, error) {
	return c.do(ctx, http.MethodGet, path, bearer, nil, out)
}

func (c *AuthClient) do(ctx context.Context, method, path, bearer string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("apikey", c.anonKey)
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("auth request: %w", err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 400 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// cutCallbackQuery returns the key=value portion of a callback
// fragment. Providers append tokens either as the whole fragment or
// after the path's '?'.
func cutCallbackQuery(fragment string) (path, query string, found bool) {
	if before, after, ok := strings.Cut(fragment, "?"); ok {
		return before, after, true
	}
	if strings.Contains(fragment, "=") {
		return "", fragment, true
	}
	return fragment, "", false
}

func trimSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}
