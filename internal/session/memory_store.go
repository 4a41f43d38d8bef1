package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	clock    clock.Clock
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewMemoryStore starts a sweeper that drops expired records every interval.
func NewMemoryStore(clk clock.Clock, sweepInterval time.Duration) *MemoryStore {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	st := &MemoryStore{
		sessions: make(map[string]Session),
		clock:    clk,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go st.sweepLoop(ctx, sweepInterval)
	return st
}

func (st *MemoryStore) Create(_ context.Context, s *Session) error {
	st.mu.Lock()
	st.sessions[s.ID] = *s
	st.mu.Unlock()
	return nil
}

func (st *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	st.mu.RLock()
	s, ok := st.sessions[id]
	st.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if !st.clock.Now().Before(s.ExpiresAt) {
		return nil, ErrExpired
	}
	return &s, nil
}

func (st *MemoryStore) Extend(_ context.Context, id string, expiresAt time.Time) error {
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !st.clock.Now().Before(s.ExpiresAt) {
		return ErrExpired
	}
	if expiresAt.After(s.ExpiresAt) {
		s.ExpiresAt = expiresAt
		st.sessions[id] = s
	}
	return nil
}

func (st *MemoryStore) Ping(context.Context) error { return nil }

func (st *MemoryStore) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.sessions)
}

func (st *MemoryStore) Close() error {
	st.cancel()
	<-st.done
	return nil
}

// Sweep removes expired records and reports how many were dropped.
func (st *MemoryStore) Sweep() int {
	now := st.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()

	removed := 0
	for id, s := range st.sessions {
		if !now.Before(s.ExpiresAt) {
			delete(st.sessions, id)
			removed++
		}
	}
	return removed
}

func (st *MemoryStore) sweepLoop(ctx context.Context, interval time.Duration) {
	defer close(st.done)
	ticker := st.clock.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := st.Sweep(); n > 0 {
				slog.Debug("session: swept expired sessions", "count", n)
			}
		}
	}
}
