package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix   = "streamgate:session:"
	maxExtendRetries = 50
)

// RedisStore keeps sessions as JSON values whose key TTL equals the
// remaining session lifetime, so expiry needs no sweeper.
type RedisStore struct {
	client *redis.Client
	clock  clock.Clock
}

type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
}

func NewRedisStore(ctx context.Context, cfg RedisConfig, clk clock.Clock) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client, clock: clk}, nil
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (st *RedisStore) Create(ctx context.Context, s *Session) error {
	return st.put(ctx, s)
}

func (st *RedisStore) Get(ctx context.Context, id string) (*Session, error) {
	return st.get(ctx, st.client, id)
}

// Extend runs under WATCH so a concurrent extend that lands between the read
// and the write aborts the transaction and is retried against the new value.
func (st *RedisStore) Extend(ctx context.Context, id string, expiresAt time.Time) error {
	key := redisKey(id)
	for i := 0; i < maxExtendRetries; i++ {
		err := st.client.Watch(ctx, func(tx *redis.Tx) error {
			s, err := st.get(ctx, tx, id)
			if err != nil {
				return err
			}
			if !expiresAt.After(s.ExpiresAt) {
				return nil
			}
			s.ExpiresAt = expiresAt
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return st.set(ctx, pipe, s)
			})
			return err
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("extend session: %d conflicting writers", maxExtendRetries)
}

func (st *RedisStore) Ping(ctx context.Context) error {
	return st.client.Ping(ctx).Err()
}

func (st *RedisStore) Close() error {
	return st.client.Close()
}

func (st *RedisStore) put(ctx context.Context, s *Session) error {
	return st.set(ctx, st.client, s)
}

func (st *RedisStore) get(ctx context.Context, c redis.Cmdable, id string) (*Session, error) {
	raw, err := c.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !st.clock.Now().Before(s.ExpiresAt) {
		return nil, ErrExpired
	}
	return &s, nil
}

// set writes s with a key TTL of its remaining lifetime. Inside a pipeline
// the command error surfaces from Exec, not here.
func (st *RedisStore) set(ctx context.Context, c redis.Cmdable, s *Session) error {
	ttl := s.ExpiresAt.Sub(st.clock.Now())
	if ttl <= 0 {
		return ErrExpired
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := c.Set(ctx, redisKey(s.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}
