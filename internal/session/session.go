package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrExpired  = errors.New("session expired")
)

// Session is the server-side grant a player must hold to pull media.
type Session struct {
	ID        string    `json:"id"`
	GrantedAt time.Time `json:"grantedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	MediaOK   bool      `json:"mediaOk"`
}

func (s *Session) ValidAt(now time.Time) bool {
	return s != nil && s.MediaOK && now.Before(s.ExpiresAt)
}

// Store owns every session record. Create must not return until the record is
// visible to Get from any goroutine or replica sharing the backend.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	Extend(ctx context.Context, id string, expiresAt time.Time) error
	Ping(ctx context.Context) error
	Close() error
}

func NewID() string {
	return uuid.NewString()
}
