package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sendrec/streamgate/internal/classifier"
	"github.com/sendrec/streamgate/internal/database"
	"github.com/sendrec/streamgate/internal/geoip"
	"github.com/sendrec/streamgate/internal/httputil"
	"github.com/sendrec/streamgate/internal/metrics"
	"github.com/sendrec/streamgate/internal/ratelimit"
	"github.com/sendrec/streamgate/internal/server"
	"github.com/sendrec/streamgate/internal/session"
	"github.com/sendrec/streamgate/internal/storage"
	"github.com/sendrec/streamgate/internal/stream"
	"github.com/sendrec/streamgate/internal/upstream"
)

type config struct {
	Port           string
	BaseURL        string
	AllowedOrigins []string
	SessionSecret  string
	SessionTTL     time.Duration
	SessionBackend string
	DatabaseURL    string
	RedisAddr      string
	RedisPassword  string

	RateWindow         time.Duration
	RateMaxConnections int
	RateMaxClients     int

	UpstreamTimeout      time.Duration
	UpstreamAllowedHosts []string
	UpstreamUserAgent    string
	MaxManifestBytes     int64
	RewriteTagURIs       bool

	S3Endpoint       string
	S3PublicEndpoint string
	S3Region         string
	S3AccessKey      string
	S3SecretKey      string
	S3AllowedBuckets []string

	GeoIPPath      string
	TrustedProxies []string
	LogFormat      string
}

func loadConfig() (config, error) {
	cfg := config{
		Port:           getEnv("PORT", "8080"),
		BaseURL:        getEnv("BASE_URL", "http://localhost:8080"),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS"),
		SessionSecret:  os.Getenv("SESSION_SECRET"),
		SessionTTL:     getEnvDuration("SESSION_TTL", session.DefaultTTL),
		SessionBackend: getEnv("SESSION_BACKEND", session.BackendMemory),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RedisPassword:  os.Getenv("REDIS_PASSWORD"),

		RateWindow:         getEnvDuration("RATE_WINDOW", ratelimit.DefaultWindow),
		RateMaxConnections: int(getEnvInt64("RATE_MAX_CONNECTIONS", ratelimit.DefaultMaxConnections)),
		RateMaxClients:     int(getEnvInt64("RATE_MAX_CLIENTS", ratelimit.DefaultMaxClients)),

		UpstreamTimeout:      getEnvDuration("UPSTREAM_TIMEOUT", upstream.DefaultTimeout),
		UpstreamAllowedHosts: getEnvList("UPSTREAM_ALLOWED_HOSTS"),
		UpstreamUserAgent:    getEnv("UPSTREAM_USER_AGENT", upstream.DefaultUserAgent),
		MaxManifestBytes:     getEnvInt64("MAX_MANIFEST_BYTES", upstream.DefaultMaxManifestBytes),
		RewriteTagURIs:       getEnv("REWRITE_TAG_URIS", "false") == "true",

		S3Endpoint:       os.Getenv("S3_ENDPOINT"),
		S3PublicEndpoint: os.Getenv("S3_PUBLIC_ENDPOINT"),
		S3Region:         getEnv("S3_REGION", "eu-central-1"),
		S3AccessKey:      os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:      os.Getenv("S3_SECRET_KEY"),
		S3AllowedBuckets: getEnvList("S3_ALLOWED_BUCKETS"),

		GeoIPPath:      os.Getenv("GEOIP_DB_PATH"),
		TrustedProxies: getEnvList("TRUSTED_PROXIES"),
		LogFormat:      getEnv("LOG_FORMAT", "text"),
	}

	if cfg.SessionSecret == "" {
		return cfg, errors.New("SESSION_SECRET is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return cfg, errors.New("ALLOWED_ORIGINS is required")
	}
	if cfg.SessionBackend == session.BackendPostgres && cfg.DatabaseURL == "" {
		return cfg, errors.New("DATABASE_URL is required for the postgres session backend")
	}
	if cfg.SessionBackend == session.BackendRedis && cfg.RedisAddr == "" {
		return cfg, errors.New("REDIS_ADDR is required for the redis session backend")
	}
	if cfg.S3Endpoint != "" && len(cfg.S3AllowedBuckets) == 0 {
		return cfg, errors.New("S3_ALLOWED_BUCKETS is required when S3_ENDPOINT is set")
	}
	return cfg, nil
}

func newLogger(format string, w io.Writer) *slog.Logger {
	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, nil))
	}
	return slog.New(slog.NewTextHandler(w, nil))
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}
	slog.SetDefault(newLogger(cfg.LogFormat, os.Stdout))

	trusted, err := httputil.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		log.Fatalf("TRUSTED_PROXIES: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	clk := clock.New()
	storeCfg := session.StoreConfig{
		Backend: cfg.SessionBackend,
		Redis:   session.RedisConfig{Addr: cfg.RedisAddr, Password: cfg.RedisPassword},
	}

	if cfg.SessionBackend == session.BackendPostgres {
		db, err := database.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("database connection failed: %v", err)
		}
		defer db.Close()

		if err := db.Migrate(cfg.DatabaseURL); err != nil {
			log.Fatalf("database migration failed: %v", err)
		}
		slog.Info("database migrations applied")
		storeCfg.DB = db.Pool
	}

	store, err := session.NewStore(backgroundCtx, storeCfg, clk)
	if err != nil {
		log.Fatalf("session store initialization failed: %v", err)
	}
	defer func() { _ = store.Close() }()
	slog.Info("session store ready", "backend", cfg.SessionBackend)

	var presigner upstream.Presigner
	if cfg.S3Endpoint != "" {
		s3, err := storage.New(ctx, storage.Config{
			Endpoint:       cfg.S3Endpoint,
			PublicEndpoint: cfg.S3PublicEndpoint,
			Region:         cfg.S3Region,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
		})
		if err != nil {
			log.Fatalf("storage initialization failed: %v", err)
		}
		presigner = s3
		slog.Info("s3 origins enabled", "endpoint", cfg.S3Endpoint)
	}

	geo, err := geoip.New(cfg.GeoIPPath)
	if err != nil {
		log.Fatalf("geoip initialization failed: %v", err)
	}
	defer func() { _ = geo.Close() }()
	if geo.Enabled() {
		slog.Info("geoip lookups enabled", "path", cfg.GeoIPPath)
	}

	clientKey := func(r *http.Request) string { return httputil.ClientIP(r, trusted) }
	guard, err := ratelimit.NewConnectionGuard(ratelimit.GuardConfig{
		Window:         cfg.RateWindow,
		MaxConnections: cfg.RateMaxConnections,
		MaxClients:     cfg.RateMaxClients,
	}, clk, clientKey)
	if err != nil {
		log.Fatalf("connection guard initialization failed: %v", err)
	}
	metrics.RegisterGuardClients(prometheus.DefaultRegisterer, guard.Tracked)
	negotiationLimiter := ratelimit.NewLimiter(1, 10, clk, clientKey)
	defer negotiationLimiter.Close()

	manager := session.NewManager(store, cfg.SessionSecret, cfg.SessionTTL, clk)
	secureCookies := strings.HasPrefix(cfg.BaseURL, "https://")
	cookies := session.CookieOptions{
		Secure:    secureCookies,
		CrossSite: secureCookies && crossSite(cfg.BaseURL, cfg.AllowedOrigins),
	}
	sessionHandler := session.NewHandler(manager, session.HandlerConfig{
		BaseURL:       cfg.BaseURL,
		StreamPath:    server.StreamPath,
		SecureCookies: cookies.Secure,
		CrossSite:     cookies.CrossSite,
	})

	streamHandler := stream.NewHandler(
		manager,
		classifier.New(classifier.Config{AllowedOrigins: cfg.AllowedOrigins}),
		upstream.New(upstream.Config{
			Timeout:          cfg.UpstreamTimeout,
			UserAgent:        cfg.UpstreamUserAgent,
			AllowedHosts:     cfg.UpstreamAllowedHosts,
			AllowedBuckets:   cfg.S3AllowedBuckets,
			MaxManifestBytes: cfg.MaxManifestBytes,
		}, presigner),
		geo,
		stream.Config{
			StreamPath:     server.StreamPath,
			TrustedProxies: trusted,
			RewriteTagURIs: cfg.RewriteTagURIs,
			Cookies:        cookies,
		},
	)

	srv := server.New(server.Config{
		Pinger:             manager,
		BaseURL:            cfg.BaseURL,
		AllowedOrigins:     cfg.AllowedOrigins,
		Sessions:           sessionHandler,
		Stream:             streamHandler,
		Guard:              guard,
		NegotiationLimiter: negotiationLimiter,
	})

	// No WriteTimeout: media responses stream for as long as the player reads.
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("streamgate listening", "port", cfg.Port, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	<-shutdownCh
	slog.Info("shutting down")
	backgroundCancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown failed: %v", err)
	}
	slog.Info("shutdown complete")
}

// crossSite reports whether any front-end origin is on a different site
// than the gateway, which requires SameSite=None cookies.
func crossSite(baseURL string, origins []string) bool {
	site := registrable(hostOf(baseURL))
	for _, o := range origins {
		if registrable(hostOf(o)) != site {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	raw = strings.TrimPrefix(strings.TrimPrefix(strings.ToLower(raw), "https://"), "http://")
	if i := strings.IndexAny(raw, ":/"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}

// registrable approximates the site of host as its last two labels.
func registrable(host string) string {
	labels := strings.Split(host, ".")
	if len(labels) <= 2 {
		return host
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
