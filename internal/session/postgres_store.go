package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jackc/pgx/v5"
	"github.com/sendrec/streamgate/internal/database"
)

type PostgresStore struct {
	db    database.DBTX
	clock clock.Clock
}

func NewPostgresStore(db database.DBTX, clk clock.Clock) *PostgresStore {
	return &PostgresStore{db: db, clock: clk}
}

// Create commits the grant in its own statement, so it is durable before the
// negotiation response is written.
func (st *PostgresStore) Create(ctx context.Context, s *Session) error {
	_, err := st.db.Exec(ctx,
		`INSERT INTO stream_sessions (id, granted_at, expires_at, media_ok) VALUES ($1, $2, $3, $4)`,
		s.ID, s.GrantedAt, s.ExpiresAt, s.MediaOK,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (st *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	s := Session{ID: id}
	err := st.db.QueryRow(ctx,
		`SELECT granted_at, expires_at, media_ok FROM stream_sessions WHERE id = $1`,
		id,
	).Scan(&s.GrantedAt, &s.ExpiresAt, &s.MediaOK)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select session: %w", err)
	}
	if !st.clock.Now().Before(s.ExpiresAt) {
		return nil, ErrExpired
	}
	return &s, nil
}

func (st *PostgresStore) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	tag, err := st.db.Exec(ctx,
		`UPDATE stream_sessions SET expires_at = $2 WHERE id = $1 AND expires_at > $3 AND expires_at < $2`,
		id, expiresAt, st.clock.Now(),
	)
	if err != nil {
		return fmt.Errorf("extend session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		slog.Debug("session: extend matched no live row", "session_id", id)
	}
	return nil
}

// DeleteExpired removes every record whose expiry has passed.
func (st *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := st.db.Exec(ctx, `DELETE FROM stream_sessions WHERE expires_at <= $1`, st.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (st *PostgresStore) Ping(ctx context.Context) error {
	if p, ok := st.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (st *PostgresStore) Close() error { return nil }

// StartCleanupLoop runs DeleteExpired on interval until ctx is cancelled.
func (st *PostgresStore) StartCleanupLoop(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := st.clock.Ticker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				slog.Info("session: cleanup shutting down")
				return
			case <-ticker.C:
				n, err := st.DeleteExpired(ctx)
				if err != nil {
					slog.Error("session: cleanup failed", "error", err)
					continue
				}
				if n > 0 {
					slog.Info("session: purged expired sessions", "count", n)
				}
			}
		}
	}()
}
