// Package session provides Redis-backed storage for refresh tokens and for
// the per-session terms gate cache.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"tosgate/internal/store"
	"tosgate/internal/tos"
)

// TokenData holds the data stored for each refresh token
type TokenData struct {
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisStore implements refresh token storage and the gate cache using Redis
type RedisStore struct {
	client     *redis.Client
	prefix     string
	gatePrefix string
	defaultTTL time.Duration
	userLookup func(context.Context, string) (store.User, error)
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
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

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:     client,
		prefix:     "refresh:",
		gatePrefix: "tosgate:",
		defaultTTL: 30 * 24 * time.Hour,
	}
}

// WithUserLookup resolves the full user record (role included) when a refresh
// token is redeemed. Without it only the user ID is returned.
func (s *RedisStore) WithUserLookup(lookup func(context.Context, string) (store.User, error)) *RedisStore {
	s.userLookup = lookup
	return s
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) gateKey(sessionKey, documentID string) string {
	return s.gatePrefix + sessionKey + ":" + documentID
}

// SaveRefreshSession stores a refresh token with expiration
func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data := TokenData{
		UserID:    userID,
		CreatedAt: time.Now(),
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := s.ttl(expiresAt)
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

// LookupRefreshSession retrieves a refresh token and returns user info
func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if errors.Is(err, redis.Nil) {
		return store.User{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}

	if s.userLookup != nil {
		return s.userLookup(ctx, data.UserID)
	}
	return store.User{ID: data.UserID, Role: "viewer"}, nil
}

// RevokeRefreshSession deletes a refresh token
func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// Get returns the cached gate state for a session and document.
func (s *RedisStore) Get(ctx context.Context, sessionKey, documentID string) (tos.CacheEntry, bool, error) {
	raw, err := s.client.Get(ctx, s.gateKey(sessionKey, documentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return tos.CacheEntry{}, false, nil
	}
	if err != nil {
		return tos.CacheEntry{}, false, fmt.Errorf("read gate cache: %w", err)
	}
	var entry tos.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return tos.CacheEntry{}, false, fmt.Errorf("decode gate cache: %w", err)
	}
	return entry, true, nil
}

// Put caches gate state until the session expires.
func (s *RedisStore) Put(ctx context.Context, sessionKey, documentID string, entry tos.CacheEntry, expiresAt time.Time) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode gate cache: %w", err)
	}
	ttl := s.ttl(expiresAt)
	if ttl <= 0 {
		return s.Delete(ctx, sessionKey, documentID)
	}
	if err := s.client.Set(ctx, s.gateKey(sessionKey, documentID), payload, ttl).Err(); err != nil {
		return fmt.Errorf("write gate cache: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, sessionKey, documentID string) error {
	if err := s.client.Del(ctx, s.gateKey(sessionKey, documentID)).Err(); err != nil {
		return fmt.Errorf("delete gate cache: %w", err)
	}
	return nil
}

// ttl is the remaining lifetime of a session; zero or negative once it has
// ended. An unknown expiry gets the default lifetime.
func (s *RedisStore) ttl(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return s.defaultTTL
	}
	return time.Until(expiresAt)
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
