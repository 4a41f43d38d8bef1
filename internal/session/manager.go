package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sendrec/streamgate/internal/auth"
	"github.com/sendrec/streamgate/internal/metrics"
)

const DefaultTTL = time.Hour

// Credential is whatever the request presented to prove it holds a grant.
// Token is kept only when it verified, so it can be carried into rewritten
// manifest URIs. FromCookie reports that the session id came from a verified
// cookie rather than the token.
type Credential struct {
	SessionID  string
	Token      string
	FromCookie bool
}

type Manager struct {
	store  Store
	secret string
	ttl    time.Duration
	clock  clock.Clock
}

func NewManager(store Store, secret string, ttl time.Duration, clk clock.Clock) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{store: store, secret: secret, ttl: ttl, clock: clk}
}

func (m *Manager) TTL() time.Duration { return m.ttl }

// Grant allocates a session and commits it to the store before returning.
func (m *Manager) Grant(ctx context.Context) (*Session, error) {
	now := m.clock.Now()
	s := &Session{
		ID:        NewID(),
		GrantedAt: now,
		ExpiresAt: now.Add(m.ttl),
		MediaOK:   true,
	}
	if err := m.store.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	metrics.SessionsIssued.Inc()
	return s, nil
}

func (m *Manager) CredentialFromRequest(r *http.Request) Credential {
	var cred Credential
	if cookie, err := r.Cookie(CookieName); err == nil {
		if id, ok := VerifyCookieValue(m.secret, cookie.Value); ok {
			cred.SessionID = id
			cred.FromCookie = true
		}
	}

	raw := r.URL.Query().Get("token")
	if raw == "" {
		return cred
	}
	claims, err := auth.ValidateStreamToken(m.secret, raw, m.clock.Now)
	if err != nil {
		return cred
	}
	if cred.SessionID == "" {
		cred.SessionID = claims.SessionID
	}
	if cred.SessionID == claims.SessionID {
		cred.Token = raw
	}
	return cred
}

// Lookup returns the live, media-enabled session the credential names.
func (m *Manager) Lookup(ctx context.Context, cred Credential) (*Session, error) {
	if cred.SessionID == "" {
		return nil, ErrNotFound
	}
	s, err := m.store.Get(ctx, cred.SessionID)
	if err != nil {
		return nil, err
	}
	if !s.ValidAt(m.clock.Now()) {
		return nil, ErrExpired
	}
	return s, nil
}

// Touch slides expiry forward once less than half the lifetime remains and
// reports whether it did. Callers holding a cookie must re-issue it when the
// expiry moved, or the browser drops it at the old MaxAge.
func (m *Manager) Touch(ctx context.Context, s *Session) (bool, error) {
	now := m.clock.Now()
	if s.ExpiresAt.Sub(now) >= m.ttl/2 {
		return false, nil
	}
	next := now.Add(m.ttl)
	if err := m.store.Extend(ctx, s.ID, next); err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrExpired) {
			return false, nil
		}
		return false, err
	}
	s.ExpiresAt = next
	return true, nil
}

func (m *Manager) IssueToken(s *Session) (string, error) {
	return auth.GenerateStreamToken(m.secret, s.ID, m.clock.Now(), s.ExpiresAt.Sub(m.clock.Now()))
}

func (m *Manager) CookieValue(s *Session) string {
	return SignCookieValue(m.secret, s.ID)
}

type CookieOptions struct {
	Secure bool
	// CrossSite issues SameSite=None cookies for players embedded on another site.
	CrossSite bool
}

// SetCookie writes the session cookie with a MaxAge matching the session's
// remaining lifetime.
func (m *Manager) SetCookie(w http.ResponseWriter, s *Session, opts CookieOptions) {
	sameSite := http.SameSiteLaxMode
	secure := opts.Secure
	if opts.CrossSite {
		sameSite = http.SameSiteNoneMode
		secure = true
	}
	ttl := int(m.ttl / time.Second)
	maxAge := int(s.ExpiresAt.Sub(m.clock.Now()) / time.Second)
	if maxAge <= 0 || maxAge > ttl {
		maxAge = ttl
	}
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    m.CookieValue(s),
		Path:     "/",
		HttpOnly: true,
		Secure:   secure,
		SameSite: sameSite,
		MaxAge:   maxAge,
	})
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}
