package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

const testSecret = "session-test-secret"

type failingStore struct {
	Store
	err error
}

func (f *failingStore) Create(context.Context, *Session) error { return f.err }

func newTestManager(t *testing.T) (*Manager, *clock.Mock) {
	t.Helper()
	clk := newMockClock()
	return NewManager(newTestMemoryStore(t, clk), testSecret, time.Hour, clk), clk
}

func TestManager_GrantCommitsBeforeReturning(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	s, err := m.Grant(ctx)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	if !s.MediaOK {
		t.Error("expected granted session to allow media")
	}
	if !s.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("expected expiry %v, got %v", epoch.Add(time.Hour), s.ExpiresAt)
	}
	if _, err := m.Lookup(ctx, Credential{SessionID: s.ID}); err != nil {
		t.Errorf("expected granted session to be visible, got %v", err)
	}
}

func TestManager_GrantSurfacesStoreFailure(t *testing.T) {
	clk := newMockClock()
	m := NewManager(&failingStore{err: errors.New("disk full")}, testSecret, time.Hour, clk)

	if _, err := m.Grant(context.Background()); err == nil {
		t.Error("expected error when store commit fails")
	}
}

func TestManager_LookupEmptyCredential(t *testing.T) {
	m, _ := newTestManager(t)

	if _, err := m.Lookup(context.Background(), Credential{}); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestManager_LookupAfterExpiry(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()

	s, _ := m.Grant(ctx)
	clk.Add(61 * time.Minute)

	if _, err := m.Lookup(ctx, Credential{SessionID: s.ID}); err == nil {
		t.Error("expected expired session to be rejected")
	}
}

func TestManager_CredentialFromCookie(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := m.Grant(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: m.CookieValue(s)})

	cred := m.CredentialFromRequest(req)
	if cred.SessionID != s.ID {
		t.Errorf("expected session id %s, got %s", s.ID, cred.SessionID)
	}
	if cred.Token != "" {
		t.Errorf("expected no token, got %s", cred.Token)
	}
	if !cred.FromCookie {
		t.Error("expected credential to be marked as cookie-borne")
	}
}

func TestManager_CredentialIgnoresForgedCookie(t *testing.T) {
	m, _ := newTestManager(t)

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "forged.0000"})

	if cred := m.CredentialFromRequest(req); cred.SessionID != "" {
		t.Errorf("expected forged cookie to be ignored, got %s", cred.SessionID)
	}
}

func TestManager_CredentialFromToken(t *testing.T) {
	m, _ := newTestManager(t)
	s, _ := m.Grant(context.Background())
	token, err := m.IssueToken(s)
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/stream?token="+token, nil)
	cred := m.CredentialFromRequest(req)
	if cred.SessionID != s.ID {
		t.Errorf("expected session id %s, got %s", s.ID, cred.SessionID)
	}
	if cred.Token != token {
		t.Error("expected verified token to be retained")
	}
	if cred.FromCookie {
		t.Error("expected token credential not to be marked as cookie-borne")
	}
}

func TestManager_CredentialDropsTokenForOtherSession(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	first, _ := m.Grant(ctx)
	second, _ := m.Grant(ctx)
	token, _ := m.IssueToken(second)

	req := httptest.NewRequest(http.MethodGet, "/stream?token="+token, nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: m.CookieValue(first)})

	cred := m.CredentialFromRequest(req)
	if cred.SessionID != first.ID {
		t.Errorf("expected cookie session to win, got %s", cred.SessionID)
	}
	if cred.Token != "" {
		t.Error("expected mismatched token to be dropped")
	}
}

func TestManager_TouchSlidesExpiryPastHalfLife(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()
	s, _ := m.Grant(ctx)

	clk.Add(10 * time.Minute)
	extended, err := m.Touch(ctx, s)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if extended {
		t.Error("expected no extension before half-life")
	}
	if !s.ExpiresAt.Equal(epoch.Add(time.Hour)) {
		t.Errorf("expected no extension before half-life, got %v", s.ExpiresAt)
	}

	clk.Add(25 * time.Minute)
	extended, err = m.Touch(ctx, s)
	if err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !extended {
		t.Error("expected extension past half-life")
	}
	want := clk.Now().Add(time.Hour)
	if !s.ExpiresAt.Equal(want) {
		t.Errorf("expected expiry %v, got %v", want, s.ExpiresAt)
	}
	stored, _ := m.Lookup(ctx, Credential{SessionID: s.ID})
	if !stored.ExpiresAt.Equal(want) {
		t.Errorf("expected stored expiry %v, got %v", want, stored.ExpiresAt)
	}
}

func TestManager_SetCookieTracksExtendedExpiry(t *testing.T) {
	m, clk := newTestManager(t)
	ctx := context.Background()
	s, _ := m.Grant(ctx)

	clk.Add(40 * time.Minute)
	if _, err := m.Touch(ctx, s); err != nil {
		t.Fatalf("touch: %v", err)
	}

	rec := httptest.NewRecorder()
	m.SetCookie(rec, s, CookieOptions{})
	cookie := findCookie(rec.Result().Cookies(), CookieName)
	if cookie == nil {
		t.Fatal("expected session cookie")
	}
	if cookie.MaxAge != int(time.Hour/time.Second) {
		t.Errorf("expected MaxAge 3600 after extension, got %d", cookie.MaxAge)
	}
	if cookie.SameSite != http.SameSiteLaxMode || cookie.Secure {
		t.Errorf("expected lax non-secure cookie, got samesite=%v secure=%v", cookie.SameSite, cookie.Secure)
	}
}
