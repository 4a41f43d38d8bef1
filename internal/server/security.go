package server

import (
	"net/http"
	"strings"
)

type SecurityConfig struct {
	BaseURL string
}

// securityHeaders locks down gateway responses. The gateway serves JSON,
// playlists and media, never documents, so nothing may be framed or executed.
func securityHeaders(cfg SecurityConfig) func(http.Handler) http.Handler {
	strictTransport := strings.HasPrefix(cfg.BaseURL, "https://")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'; sandbox")
			w.Header().Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")

			if strictTransport {
				w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
			}

			next.ServeHTTP(w, r)
		})
	}
}
