// Package session provides the Redis-backed store for browser sessions.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tablero/api/internal/util"
)

// csrfSecretBytes is the entropy of the per-session CSRF secret.
const csrfSecretBytes = 32

// ErrNotFound is returned when no session exists for an identifier.
var ErrNotFound = errors.New("session not found or expired")

// User is the point-in-time snapshot captured at login. It does not
// track later profile or role changes; those take effect on the next
// authentication.
type User struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	TeamID *int64 `json:"team_id"`
}

// Session is the server-held state for one browser context.
type Session struct {
	ID         string    `json:"-"`
	User       User      `json:"user"`
	CSRFSecret string    `json:"csrf_secret"`
	CreatedAt  time.Time `json:"created_at"`
}

// CSRFToken returns the token the client must echo back on mutating
// requests. One token per session lifetime; never rotated per-request.
func (s Session) CSRFToken() string {
	return s.CSRFSecret
}

// RedisStore implements session storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed session store.
func NewRedisStore(redisURL string, ttl time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "sess:", ttl: ttl}, nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{client: client, prefix: "sess:", ttl: ttl}
}

func (s *RedisStore) key(sessionID string) string {
	return s.prefix + sessionID
}

// Create establishes a session for user under a freshly generated
// identifier. Callers must destroy any identifier the browser presented
// before authentication so a pre-set cookie can never name a logged-in
// session (fixation defense).
func (s *RedisStore) Create(ctx context.Context, user User) (Session, error) {
	session := Session{
		ID:         util.NewToken(16),
		User:       user,
		CSRFSecret: util.NewToken(csrfSecretBytes),
		CreatedAt:  time.Now(),
	}

	jsonData, err := json.Marshal(session)
	if err != nil {
		return Session{}, fmt.Errorf("marshal session: %w", err)
	}

	if err := s.client.Set(ctx, s.key(session.ID), jsonData, s.ttl).Err(); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	return session, nil
}

// Get retrieves a session by identifier.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (Session, error) {
	jsonData, err := s.client.Get(ctx, s.key(sessionID)).Result()
	if err == redis.Nil {
		return Session{}, ErrNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	var session Session
	if err := json.Unmarshal([]byte(jsonData), &session); err != nil {
		return Session{}, fmt.Errorf("unmarshal session: %w", err)
	}
	session.ID = sessionID
	return session, nil
}

// Destroy deletes a session. Destroying an unknown identifier is not an
// error.
func (s *RedisStore) Destroy(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
