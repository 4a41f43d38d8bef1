// Package stream serves GET /stream: every request is classified, then either
// answered with a rewritten HLS playlist or proxied to the origin with its
// Range header intact. Rewritten playlist entries point back at this handler,
// so segments and variant playlists are classified exactly like the first
// request.
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/sendrec/streamgate/internal/classifier"
	"github.com/sendrec/streamgate/internal/httputil"
	"github.com/sendrec/streamgate/internal/manifest"
	"github.com/sendrec/streamgate/internal/metrics"
	"github.com/sendrec/streamgate/internal/session"
	"github.com/sendrec/streamgate/internal/upstream"
)

// Headers copied from the origin response to the client.
var proxiedHeaders = []string{
	"Content-Range",
	"Accept-Ranges",
	"Content-Length",
	"Content-Type",
}

type Sessions interface {
	CredentialFromRequest(r *http.Request) session.Credential
	Lookup(ctx context.Context, cred session.Credential) (*session.Session, error)
	Touch(ctx context.Context, s *session.Session) (bool, error)
	SetCookie(w http.ResponseWriter, s *session.Session, opts session.CookieOptions)
}

type Origin interface {
	Resolve(ctx context.Context, raw string) (*upstream.Target, error)
	FetchManifest(ctx context.Context, t *upstream.Target) (*upstream.Playlist, error)
	OpenMedia(ctx context.Context, t *upstream.Target, rangeHeader string) (*http.Response, error)
	ReadPlaylist(t *upstream.Target, resp *http.Response) (*upstream.Playlist, error)
}

type CountryLookup interface {
	Country(ip string) string
}

type Config struct {
	// StreamPath is the path rewritten playlist entries point at.
	StreamPath     string
	TrustedProxies []*net.IPNet
	RewriteTagURIs bool
	// Cookies must match the options the negotiation endpoints issue with.
	Cookies session.CookieOptions
}

type Handler struct {
	sessions   Sessions
	classifier *classifier.Classifier
	origin     Origin
	geo        CountryLookup
	cfg        Config
}

// NewHandler wires the stream pipeline. geo may be nil.
func NewHandler(sessions Sessions, cls *classifier.Classifier, origin Origin, geo CountryLookup, cfg Config) *Handler {
	if cfg.StreamPath == "" {
		cfg.StreamPath = "/stream"
	}
	return &Handler{sessions: sessions, classifier: cls, origin: origin, geo: geo, cfg: cfg}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientAddr := httputil.ClientIP(r, h.cfg.TrustedProxies)

	cred := h.sessions.CredentialFromRequest(r)
	sess, err := h.sessions.Lookup(ctx, cred)
	if err != nil && !errors.Is(err, session.ErrNotFound) && !errors.Is(err, session.ErrExpired) {
		slog.Error("stream: session lookup failed", "client", clientAddr, "error", err)
	}

	decision := h.classifier.Classify(classifier.FromHTTP(r, clientAddr, sess != nil))
	if !decision.Allowed {
		h.deny(w, r, clientAddr, decision.Denial)
		return
	}

	raw := r.URL.Query().Get("url")
	if raw == "" {
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "url parameter is required")
		return
	}
	target, err := h.origin.Resolve(ctx, raw)
	if err != nil {
		h.rejectTarget(w, clientAddr, err)
		return
	}

	extended, err := h.sessions.Touch(ctx, sess)
	if err != nil {
		slog.Warn("stream: failed to extend session", "session_id", sess.ID, "error", err)
	}
	if extended && cred.FromCookie {
		h.sessions.SetCookie(w, sess, h.cfg.Cookies)
	}

	if manifest.IsManifestPath(target.Logical) {
		h.serveManifest(w, r, target, cred.Token)
		return
	}
	h.proxyMedia(w, r, target, cred.Token)
}

func (h *Handler) serveManifest(w http.ResponseWriter, r *http.Request, target *upstream.Target, token string) {
	pl, err := h.origin.FetchManifest(r.Context(), target)
	if err != nil {
		h.upstreamFailed(w, r, target, err)
		return
	}
	h.writeManifest(w, target, pl, token)
}

func (h *Handler) proxyMedia(w http.ResponseWriter, r *http.Request, target *upstream.Target, token string) {
	resp, err := h.origin.OpenMedia(r.Context(), target, r.Header.Get("Range"))
	if err != nil {
		h.upstreamFailed(w, r, target, err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	// Origins that serve playlists without an .m3u8 suffix still get rewritten.
	if resp.StatusCode == http.StatusOK && manifest.IsManifestContentType(resp.Header.Get("Content-Type")) {
		pl, err := h.origin.ReadPlaylist(target, resp)
		if err != nil {
			h.upstreamFailed(w, r, target, err)
			return
		}
		h.writeManifest(w, target, pl, token)
		return
	}

	for _, key := range proxiedHeaders {
		if values, ok := resp.Header[key]; ok {
			w.Header()[key] = values
		}
	}
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(resp.StatusCode)

	n, err := io.Copy(w, resp.Body)
	metrics.BytesProxied.Add(float64(n))
	if err != nil && r.Context().Err() == nil {
		slog.Warn("stream: media copy interrupted", "url", target.Logical.Redacted(), "bytes", n, "error", err)
	}
}

// writeManifest resolves references against the playlist's own base, which
// is the redirect target when the origin redirected.
func (h *Handler) writeManifest(w http.ResponseWriter, target *upstream.Target, pl *upstream.Playlist, token string) {
	out, n := manifest.Rewrite(pl.Text, pl.Base, manifest.StreamLink(h.cfg.StreamPath, token), manifest.Options{
		RewriteTagURIs: h.cfg.RewriteTagURIs,
	})
	metrics.ManifestsRewritten.Inc()
	slog.Debug("stream: manifest rewritten", "url", target.Logical.Redacted(), "references", n)

	w.Header().Set("Content-Type", manifest.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(out)))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, out)
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request, clientAddr string, d *classifier.Denial) {
	metrics.ClassifierDenials.WithLabelValues(string(d.Reason)).Inc()
	slog.Warn("stream: request denied",
		"client", clientAddr,
		"reason", d.Reason,
		"country", h.country(clientAddr),
		"method", r.Method,
		"user_agent", r.Header.Get("User-Agent"),
		"referer", r.Header.Get("Referer"),
		"origin", r.Header.Get("Origin"),
		"accept", r.Header.Get("Accept"),
		"sec_fetch_dest", r.Header.Get("Sec-Fetch-Dest"),
		"sec_fetch_site", r.Header.Get("Sec-Fetch-Site"),
		"range", r.Header.Get("Range"),
	)
	if d.Status == http.StatusMethodNotAllowed {
		w.Header().Set("Allow", http.MethodGet)
	}
	httputil.WriteError(w, d.Status, string(d.Reason), d.Message)
}

func (h *Handler) rejectTarget(w http.ResponseWriter, clientAddr string, err error) {
	switch {
	case errors.Is(err, upstream.ErrHostNotAllowed):
		slog.Warn("stream: upstream host rejected", "client", clientAddr, "error", err)
		httputil.WriteError(w, http.StatusForbidden, "upstream_forbidden", "upstream host not allowed")
	case errors.Is(err, upstream.ErrInvalidURL), errors.Is(err, upstream.ErrUnsupportedScheme):
		httputil.WriteError(w, http.StatusBadRequest, "bad_request", "invalid url parameter")
	default:
		slog.Error("stream: failed to resolve upstream", "client", clientAddr, "error", err)
		httputil.WriteError(w, http.StatusInternalServerError, "upstream_failed", "could not resolve upstream")
	}
}

func (h *Handler) upstreamFailed(w http.ResponseWriter, r *http.Request, target *upstream.Target, err error) {
	if r.Context().Err() != nil {
		slog.Debug("stream: client went away before upstream answered", "url", target.Logical.Redacted())
		return
	}
	slog.Error("stream: upstream fetch failed", "url", target.Logical.Redacted(), "error", err)
	httputil.WriteError(w, http.StatusInternalServerError, "upstream_failed", fmt.Sprintf("upstream fetch failed for %s", target.Logical.Host))
}

func (h *Handler) country(addr string) string {
	if h.geo == nil {
		return ""
	}
	return h.geo.Country(addr)
}
