package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sendrec/streamgate/internal/httputil"
	"github.com/sendrec/streamgate/internal/ratelimit"
	"github.com/sendrec/streamgate/internal/session"
)

const StreamPath = "/stream"

type Pinger interface {
	Ping(ctx context.Context) error
}

type Config struct {
	Pinger         Pinger
	BaseURL        string
	AllowedOrigins []string
	Sessions       *session.Handler
	Stream         http.Handler
	// Guard counts connections on the stream path. Nil disables it.
	Guard *ratelimit.ConnectionGuard
	// NegotiationLimiter throttles /session/*. Nil disables it.
	NegotiationLimiter *ratelimit.Limiter
}

type Server struct {
	router   chi.Router
	pinger   Pinger
	sessions *session.Handler
	stream   http.Handler
	guard    *ratelimit.ConnectionGuard
	limiter  *ratelimit.Limiter
}

func New(cfg Config) *Server {
	r := chi.NewRouter()
	r.Use(slogMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Range"},
		ExposedHeaders:   []string{"Content-Range", "Accept-Ranges", "Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(securityHeaders(SecurityConfig{BaseURL: cfg.BaseURL}))

	s := &Server{
		router:   r,
		pinger:   cfg.Pinger,
		sessions: cfg.Sessions,
		stream:   cfg.Stream,
		guard:    cfg.Guard,
		limiter:  cfg.NegotiationLimiter,
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.Handler())

	if s.sessions != nil {
		s.router.Route("/session", func(r chi.Router) {
			if s.limiter != nil {
				r.Use(s.limiter.Middleware)
			}
			r.Post("/init", s.sessions.Init)
			r.Post("/token", s.sessions.Token)
		})
	}

	if s.stream != nil {
		s.router.Group(func(r chi.Router) {
			if s.guard != nil {
				r.Use(s.guard.Middleware)
			}
			// HEAD is routed so the classifier can reject it with a reason.
			r.Method(http.MethodGet, StreamPath, s.stream)
			r.Method(http.MethodHead, StreamPath, s.stream)
		})
	}

	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusNotFound, "not_found", "no such endpoint")
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method", "method not allowed")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.pinger != nil {
		if err := s.pinger.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"unhealthy","error":"session store unreachable"}`))
			return
		}
	}
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}
