// Package auth resolves connection tokens to user identities. The
// authentication service (outside this subsystem) writes a Redis hash per
// issued token; the gateway only ever reads them. A connection presenting
// no token, or an unknown one, is a guest: it may receive public broadcasts
// but cannot send.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenPrefix is the Redis key prefix for issued connection tokens.
const TokenPrefix = "authtoken:"

// User is the identity a token resolves to.
type User struct {
	ID   int64  `redis:"id"`
	Name string `redis:"name"`
}

// Store reads token identities from Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates an auth store connected to Redis at the given address.
func NewStore(redisAddr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{Addr: redisAddr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("auth: redis connection failed: %w", err)
	}

	return &Store{client: client}, nil
}

// Resolve returns the user identity for a token, or nil when the token is
// empty, unknown, or expired.
func (s *Store) Resolve(ctx context.Context, token string) (*User, error) {
	if token == "" {
		return nil, nil
	}

	var u User
	if err := s.client.HGetAll(ctx, TokenPrefix+token).Scan(&u); err != nil {
		return nil, fmt.Errorf("auth: resolve token: %w", err)
	}
	if u.ID == 0 {
		return nil, nil // not found
	}
	return &u, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
