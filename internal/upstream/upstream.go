// Package upstream fetches playlists and media from the origins the gateway
// protects. It owns origin resolution (host allow-list, s3:// presigning),
// upstream timeouts and the browser identity presented to origins.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sendrec/streamgate/internal/metrics"
	"github.com/sendrec/streamgate/internal/storage"
)

const (
	DefaultTimeout          = 15 * time.Second
	DefaultMaxManifestBytes = 5 << 20
	DefaultPresignExpiry    = 15 * time.Minute
	DefaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

	maxRedirects = 10
)

var (
	ErrInvalidURL        = errors.New("invalid upstream url")
	ErrUnsupportedScheme = errors.New("unsupported upstream scheme")
	ErrHostNotAllowed    = errors.New("upstream host not allowed")
	ErrBadStatus         = errors.New("unexpected upstream status")
	ErrManifestTooLarge  = errors.New("manifest exceeds size limit")
)

// StatusError reports an origin response outside 200/206.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream %s returned %d", e.URL, e.StatusCode)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrBadStatus
}

type Presigner interface {
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

type Config struct {
	// Timeout bounds dialing and the wait for response headers. Body
	// streaming is bounded only by the client staying connected.
	Timeout          time.Duration
	UserAgent        string
	AllowedHosts     []string
	// AllowedBuckets lists the buckets s3:// targets may name. Unlike
	// AllowedHosts, an empty list admits none.
	AllowedBuckets   []string
	MaxManifestBytes int64
	PresignExpiry    time.Duration
}

// Target is a resolved origin. Logical is the address playlists are resolved
// against; Fetch is what is actually requested, and differs for presigned
// s3:// objects.
type Target struct {
	Logical *url.URL
	Fetch   string
}

type Client struct {
	http      *http.Client
	cfg       Config
	hosts     []string
	buckets   map[string]bool
	presigner Presigner
}

// New builds a client. presigner may be nil, in which case s3:// targets
// are rejected.
func New(cfg Config, presigner Presigner) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxManifestBytes <= 0 {
		cfg.MaxManifestBytes = DefaultMaxManifestBytes
	}
	if cfg.PresignExpiry <= 0 {
		cfg.PresignExpiry = DefaultPresignExpiry
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.Timeout, KeepAlive: 30 * time.Second}).DialContext
	transport.TLSHandshakeTimeout = cfg.Timeout
	transport.ResponseHeaderTimeout = cfg.Timeout

	c := &Client{cfg: cfg, presigner: presigner, buckets: make(map[string]bool)}
	for _, h := range cfg.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			c.hosts = append(c.hosts, strings.TrimPrefix(h, "."))
		}
	}
	for _, b := range cfg.AllowedBuckets {
		if b = strings.TrimSpace(b); b != "" {
			c.buckets[b] = true
		}
	}
	c.http = &http.Client{Transport: transport, CheckRedirect: c.checkRedirect}
	return c
}

func (c *Client) Resolve(ctx context.Context, raw string) (*Target, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	switch u.Scheme {
	case "http", "https":
		if u.Host == "" {
			return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
		}
		if !c.hostAllowed(u.Hostname()) {
			return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, u.Hostname())
		}
		return &Target{Logical: u, Fetch: u.String()}, nil
	case storage.Scheme:
		if c.presigner == nil {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
		}
		bucket, key, err := storage.SplitLocation(u)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
		}
		if !c.buckets[bucket] {
			return nil, fmt.Errorf("%w: bucket %s", ErrHostNotAllowed, bucket)
		}
		signed, err := c.presigner.PresignGet(ctx, bucket, key, c.cfg.PresignExpiry)
		if err != nil {
			return nil, fmt.Errorf("presign %s: %w", u.Redacted(), err)
		}
		return &Target{Logical: u, Fetch: signed}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
}

// Playlist is a fetched manifest and the location its references resolve
// against.
type Playlist struct {
	Text string
	Base *url.URL
}

// FetchManifest downloads a playlist as text, following redirects. The whole
// exchange, body included, is bounded by the configured timeout.
func (c *Client) FetchManifest(ctx context.Context, t *Target) (*Playlist, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	resp, err := c.do(ctx, t, "")
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("manifest", "error").Inc()
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.UpstreamRequests.WithLabelValues("manifest", "error").Inc()
		return nil, &StatusError{URL: t.Logical.Redacted(), StatusCode: resp.StatusCode}
	}

	pl, err := c.ReadPlaylist(t, resp)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("manifest", "error").Inc()
		return nil, err
	}
	metrics.UpstreamRequests.WithLabelValues("manifest", "ok").Inc()
	return pl, nil
}

// OpenMedia issues a GET carrying rangeHeader and returns the open response
// when the origin answers 200 or 206. The caller closes the body; cancelling
// ctx aborts the transfer.
func (c *Client) OpenMedia(ctx context.Context, t *Target, rangeHeader string) (*http.Response, error) {
	resp, err := c.do(ctx, t, rangeHeader)
	if err != nil {
		metrics.UpstreamRequests.WithLabelValues("media", "error").Inc()
		return nil, err
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		_ = resp.Body.Close()
		metrics.UpstreamRequests.WithLabelValues("media", "error").Inc()
		return nil, &StatusError{URL: t.Logical.Redacted(), StatusCode: resp.StatusCode}
	}
	metrics.UpstreamRequests.WithLabelValues("media", "ok").Inc()
	return resp, nil
}

// ReadPlaylist reads a playlist body up to the configured size limit. The
// base is the final URL after redirects, except for s3:// targets, whose
// references resolve against the logical object location rather than the
// presigned URL.
func (c *Client) ReadPlaylist(t *Target, resp *http.Response) (*Playlist, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxManifestBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if int64(len(data)) > c.cfg.MaxManifestBytes {
		return nil, ErrManifestTooLarge
	}
	return &Playlist{Text: string(data), Base: playlistBase(t, resp)}, nil
}

func playlistBase(t *Target, resp *http.Response) *url.URL {
	if t.Logical.Scheme == storage.Scheme || resp.Request == nil || resp.Request.URL == nil {
		return t.Logical
	}
	return resp.Request.URL
}

func (c *Client) do(ctx context.Context, t *Target, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.Fetch, nil)
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "*/*")
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", t.Logical.Redacted(), err)
	}
	return resp, nil
}

func (c *Client) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if !c.hostAllowed(req.URL.Hostname()) {
		return fmt.Errorf("%w: redirect to %s", ErrHostNotAllowed, req.URL.Hostname())
	}
	return nil
}

// hostAllowed matches configured hosts exactly or as a parent domain. An
// empty allow-list admits every host.
func (c *Client) hostAllowed(host string) bool {
	if len(c.hosts) == 0 {
		return true
	}
	host = strings.ToLower(host)
	for _, h := range c.hosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}
