package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/sendrec/streamgate/internal/httputil"
)

const maxNegotiationBody = 8 << 10

type HandlerConfig struct {
	BaseURL       string
	StreamPath    string
	SecureCookies bool
	// CrossSite issues SameSite=None cookies for players embedded on another site.
	CrossSite bool
}

type Handler struct {
	manager *Manager
	cfg     HandlerConfig
}

func NewHandler(m *Manager, cfg HandlerConfig) *Handler {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Handler{manager: m, cfg: cfg}
}

type initResponse struct {
	Success bool `json:"success"`
}

type tokenRequest struct {
	URL string `json:"url"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	StreamURL string `json:"streamUrl"`
}

// Init grants a cookie session. The cookie is only set after the store has
// committed the record.
func (h *Handler) Init(w http.ResponseWriter, r *http.Request) {
	s, ok := h.ensureSession(w, r)
	if !ok {
		return
	}
	h.setCookie(w, s)
	httputil.WriteJSON(w, http.StatusOK, initResponse{Success: true})
}

// Token issues a stream token bound to the caller's session, granting one first if needed.
func (h *Handler) Token(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	body := http.MaxBytesReader(w, r.Body, maxNegotiationBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.URL == "" {
		req.URL = r.URL.Query().Get("url")
	}

	s, ok := h.ensureSession(w, r)
	if !ok {
		return
	}

	token, err := h.manager.IssueToken(s)
	if err != nil {
		slog.Error("session: failed to issue stream token", "session_id", s.ID, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "session_failed", "could not issue token")
		return
	}

	h.setCookie(w, s)
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		StreamURL: h.streamURL(req.URL, token),
	})
}

func (h *Handler) ensureSession(w http.ResponseWriter, r *http.Request) (*Session, bool) {
	cred := h.manager.CredentialFromRequest(r)
	if s, err := h.manager.Lookup(r.Context(), cred); err == nil {
		return s, true
	}

	s, err := h.manager.Grant(r.Context())
	if err != nil {
		slog.Error("session: negotiation failed", "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "session_failed", "could not establish session")
		return nil, false
	}
	return s, true
}

func (h *Handler) streamURL(target, token string) string {
	q := url.Values{}
	if target != "" {
		q.Set("url", target)
	}
	q.Set("token", token)
	return h.cfg.BaseURL + h.cfg.StreamPath + "?" + q.Encode()
}

func (h *Handler) setCookie(w http.ResponseWriter, s *Session) {
	h.manager.SetCookie(w, s, CookieOptions{Secure: h.cfg.SecureCookies, CrossSite: h.cfg.CrossSite})
}
