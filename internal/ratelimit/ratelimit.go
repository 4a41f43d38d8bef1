package ratelimit

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sendrec/streamgate/internal/httputil"
)

// KeyFunc maps a request to the client identity a limit is applied to.
type KeyFunc func(r *http.Request) string

func RemoteAddrKey(r *http.Request) string {
	return httputil.ClientIP(r, nil)
}

type visitor struct {
	tokens   float64
	lastSeen time.Time
}

// Limiter is a per-client token bucket guarding the negotiation endpoints.
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     float64
	burst    float64
	clock    clock.Clock
	key      KeyFunc
	stop     chan struct{}
	stopOnce sync.Once
}

func NewLimiter(requestsPerSecond float64, burst int, clk clock.Clock, key KeyFunc) *Limiter {
	if clk == nil {
		clk = clock.New()
	}
	if key == nil {
		key = RemoteAddrKey
	}
	l := &Limiter{
		visitors: make(map[string]*visitor),
		rate:     requestsPerSecond,
		burst:    float64(burst),
		clock:    clk,
		key:      key,
		stop:     make(chan struct{}),
	}
	go l.cleanup()
	return l
}

func (l *Limiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	v, exists := l.visitors[ip]
	if !exists {
		l.visitors[ip] = &visitor{tokens: l.burst - 1, lastSeen: now}
		return true
	}

	elapsed := now.Sub(v.lastSeen).Seconds()
	v.lastSeen = now
	v.tokens += elapsed * l.rate
	if v.tokens > l.burst {
		v.tokens = l.burst
	}

	if v.tokens < 1 {
		return false
	}

	v.tokens--
	return true
}

func (l *Limiter) cleanup() {
	ticker := l.clock.Ticker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := l.clock.Now()
			l.mu.Lock()
			for ip, v := range l.visitors {
				if now.Sub(v.lastSeen) > 10*time.Minute {
					delete(l.visitors, ip)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *Limiter) Close() {
	l.stopOnce.Do(func() { close(l.stop) })
}

func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.allow(l.key(r)) {
			writeLimited(w, 10*time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeLimited(w http.ResponseWriter, retryAfter time.Duration) {
	seconds := int(retryAfter / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	httputil.WriteError(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
}
