package ratelimit

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sendrec/streamgate/internal/metrics"
)

const (
	DefaultWindow         = 10 * time.Second
	DefaultMaxConnections = 20
	DefaultMaxClients     = 10000
)

type GuardConfig struct {
	Window         time.Duration
	MaxConnections int
	// MaxClients caps how many addresses are tracked; the least recently
	// seen address is evicted first.
	MaxClients int
}

// connWindow holds the instants of recent connections, oldest first.
type connWindow struct {
	times []time.Time
}

func (cw *connWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(cw.times) && !cw.times[i].After(cutoff) {
		i++
	}
	if i > 0 {
		cw.times = append(cw.times[:0], cw.times[i:]...)
	}
}

// ConnectionGuard counts connections per client address over a sliding
// window. Every call records a connection, admitted or not, so a client that
// keeps hammering stays blocked until it backs off for a full window.
type ConnectionGuard struct {
	mu      sync.Mutex
	clients *lru.Cache[string, *connWindow]
	window  time.Duration
	max     int
	clock   clock.Clock
	key     KeyFunc
}

func NewConnectionGuard(cfg GuardConfig, clk clock.Clock, key KeyFunc) (*ConnectionGuard, error) {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultMaxConnections
	}
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = DefaultMaxClients
	}
	if clk == nil {
		clk = clock.New()
	}
	if key == nil {
		key = RemoteAddrKey
	}
	clients, err := lru.New[string, *connWindow](cfg.MaxClients)
	if err != nil {
		return nil, err
	}
	return &ConnectionGuard{
		clients: clients,
		window:  cfg.Window,
		max:     cfg.MaxConnections,
		clock:   clk,
		key:     key,
	}, nil
}

// Admit records a connection from addr and reports whether it is within the limit.
func (g *ConnectionGuard) Admit(addr string) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	cw, ok := g.clients.Get(addr)
	if !ok {
		cw = &connWindow{}
		g.clients.Add(addr, cw)
	}
	cw.prune(now.Add(-g.window))
	cw.times = append(cw.times, now)

	// Denied attempts stay recorded, but the slice never needs to hold
	// more than one instant beyond the limit to keep denying.
	if len(cw.times) > g.max+1 {
		cw.times = append(cw.times[:0], cw.times[len(cw.times)-g.max-1:]...)
	}
	return len(cw.times) <= g.max
}

// count returns the connections addr has in the current window.
func (g *ConnectionGuard) count(addr string) int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	cw, ok := g.clients.Peek(addr)
	if !ok {
		return 0
	}
	cw.prune(now.Add(-g.window))
	return len(cw.times)
}

// Tracked reports how many client addresses currently hold a window.
func (g *ConnectionGuard) Tracked() int {
	return g.clients.Len()
}

func (g *ConnectionGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		addr := g.key(r)
		if !g.Admit(addr) {
			metrics.RateLimited.Inc()
			slog.Info("ratelimit: connection window exceeded",
				"client", addr,
				"path", r.URL.Path,
				"window", g.window.String(),
				"max", g.max,
			)
			writeLimited(w, g.window)
			return
		}
		next.ServeHTTP(w, r)
	})
}
