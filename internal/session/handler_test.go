package session

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"
)

func newTestHandler(t *testing.T, cfg HandlerConfig) (*Handler, *Manager) {
	t.Helper()
	m, _ := newTestManager(t)
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://gate.example.com"
	}
	return NewHandler(m, cfg), m
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestInit_SetsSessionCookie(t *testing.T) {
	handler, m := newTestHandler(t, HandlerConfig{SecureCookies: true})

	req := httptest.NewRequest(http.MethodPost, "/session/init", nil)
	rec := httptest.NewRecorder()
	handler.Init(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp initResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Error("expected success=true")
	}

	cookie := findCookie(rec.Result().Cookies(), CookieName)
	if cookie == nil {
		t.Fatal("expected session cookie to be set")
	}
	if !cookie.HttpOnly || !cookie.Secure {
		t.Error("expected HttpOnly and Secure cookie")
	}
	if cookie.SameSite != http.SameSiteLaxMode {
		t.Errorf("expected SameSite=Lax, got %v", cookie.SameSite)
	}
	if cookie.MaxAge != int(time.Hour/time.Second) {
		t.Errorf("expected MaxAge 3600, got %d", cookie.MaxAge)
	}

	id, ok := VerifyCookieValue(testSecret, cookie.Value)
	if !ok {
		t.Fatal("expected cookie value to carry a valid signature")
	}
	if _, err := m.Lookup(req.Context(), Credential{SessionID: id}); err != nil {
		t.Errorf("expected session to be committed before response, got %v", err)
	}
}

func TestInit_CrossSiteCookie(t *testing.T) {
	handler, _ := newTestHandler(t, HandlerConfig{CrossSite: true})

	rec := httptest.NewRecorder()
	handler.Init(rec, httptest.NewRequest(http.MethodPost, "/session/init", nil))

	cookie := findCookie(rec.Result().Cookies(), CookieName)
	if cookie == nil {
		t.Fatal("expected session cookie")
	}
	if cookie.SameSite != http.SameSiteNoneMode || !cookie.Secure {
		t.Errorf("expected SameSite=None; Secure, got samesite=%v secure=%v", cookie.SameSite, cookie.Secure)
	}
}

func TestInit_ReusesLiveSession(t *testing.T) {
	handler, m := newTestHandler(t, HandlerConfig{})
	s, _ := m.Grant(t.Context())

	req := httptest.NewRequest(http.MethodPost, "/session/init", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: m.CookieValue(s)})
	rec := httptest.NewRecorder()
	handler.Init(rec, req)

	cookie := findCookie(rec.Result().Cookies(), CookieName)
	if cookie == nil {
		t.Fatal("expected cookie to be refreshed")
	}
	if id, _ := VerifyCookieValue(testSecret, cookie.Value); id != s.ID {
		t.Errorf("expected existing session %s to be reused, got %s", s.ID, id)
	}
}

func TestInit_StoreFailureReturns500(t *testing.T) {
	clk := newMockClock()
	m := NewManager(&failingStore{err: errors.New("write failed")}, testSecret, time.Hour, clk)
	handler := NewHandler(m, HandlerConfig{BaseURL: "https://gate.example.com"})

	rec := httptest.NewRecorder()
	handler.Init(rec, httptest.NewRequest(http.MethodPost, "/session/init", nil))

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rec.Code)
	}
	if findCookie(rec.Result().Cookies(), CookieName) != nil {
		t.Error("expected no cookie when the grant was not committed")
	}
}

func TestToken_ReturnsBoundTokenAndStreamURL(t *testing.T) {
	handler, m := newTestHandler(t, HandlerConfig{})

	body := `{"url":"https://cdn.example.com/v/master.m3u8"}`
	req := httptest.NewRequest(http.MethodPost, "/session/token", strings.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Token(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp tokenResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("expected non-empty token")
	}

	streamURL, err := url.Parse(resp.StreamURL)
	if err != nil {
		t.Fatalf("parse stream url: %v", err)
	}
	if streamURL.Host != "gate.example.com" || streamURL.Path != "/stream" {
		t.Errorf("unexpected stream url %s", resp.StreamURL)
	}
	if got := streamURL.Query().Get("url"); got != "https://cdn.example.com/v/master.m3u8" {
		t.Errorf("expected url param to round-trip, got %q", got)
	}
	if streamURL.Query().Get("token") != resp.Token {
		t.Error("expected stream url to carry the token")
	}

	tokenReq := httptest.NewRequest(http.MethodGet, "/stream?token="+url.QueryEscape(resp.Token), nil)
	cred := m.CredentialFromRequest(tokenReq)
	if _, err := m.Lookup(tokenReq.Context(), cred); err != nil {
		t.Errorf("expected token to resolve to a live session, got %v", err)
	}
}

func TestToken_EmptyBodyAllowed(t *testing.T) {
	handler, _ := newTestHandler(t, HandlerConfig{})

	rec := httptest.NewRecorder()
	handler.Token(rec, httptest.NewRequest(http.MethodPost, "/session/token", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", rec.Code)
	}
}

func TestToken_InvalidBody(t *testing.T) {
	handler, _ := newTestHandler(t, HandlerConfig{})

	req := httptest.NewRequest(http.MethodPost, "/session/token", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	handler.Token(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", rec.Code)
	}
}
