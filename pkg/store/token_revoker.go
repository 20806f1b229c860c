package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// TokenRevoker tracks revoked tokens until expiry.
type TokenRevoker interface {
	Revoke(tokenID string, ttl time.Duration) error
	IsRevoked(tokenID string) (bool, error)
}

// UserTokenRevoker revokes every token of a user issued at or before a cutoff.
type UserTokenRevoker interface {
	RevokeUser(userID string, cutoff time.Time) error
	RevokedAfter(userID string) (time.Time, error)
}

// MemoryTokenRevoker keeps revoked tokens in-memory (single instance only).
type MemoryTokenRevoker struct {
	mu      sync.Mutex
	tokens  map[string]time.Time
	cutoffs map[string]time.Time
}

// NewMemoryTokenRevoker builds an in-memory revoker.
func NewMemoryTokenRevoker() *MemoryTokenRevoker {
	return &MemoryTokenRevoker{
		tokens:  make(map[string]time.Time),
		cutoffs: make(map[string]time.Time),
	}
}

// Revoke marks a token as revoked until its expiry.
func (r *MemoryTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	r.mu.Lock()
	r.tokens[tokenID] = time.Now().Add(ttl)
	r.mu.Unlock()
	return nil
}

// IsRevoked checks if the token is revoked.
func (r *MemoryTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expiry, ok := r.tokens[tokenID]
	if !ok {
		return false, nil
	}
	if time.Now().After(expiry) {
		delete(r.tokens, tokenID)
		return false, nil
	}
	return true, nil
}

// RevokeUser records cutoff unless a newer one is already stored.
func (r *MemoryTokenRevoker) RevokeUser(userID string, cutoff time.Time) error {
	if userID == "" || cutoff.IsZero() {
		return errors.New("user id and cutoff required")
	}
	cutoff = cutoff.UTC()
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.cutoffs[userID]; ok && !cutoff.After(cur) {
		return nil
	}
	r.cutoffs[userID] = cutoff
	return nil
}

// RevokedAfter returns the user cutoff, or zero when none is set.
func (r *MemoryTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cutoffs[userID], nil
}

// revokeUserScript keeps the larger of the stored and incoming cutoffs.
var revokeUserScript = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

// RedisTokenRevoker stores revoked tokens and user cutoffs in Redis with TTL.
type RedisTokenRevoker struct {
	client    *redis.Client
	cutoffTTL time.Duration
}

// NewRedisTokenRevoker builds a Redis-backed revoker. cutoffTTL should cover
// the longest token lifetime.
func NewRedisTokenRevoker(addr, password string, cutoffTTL time.Duration) *RedisTokenRevoker {
	return NewRedisTokenRevokerWithClient(redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	}), cutoffTTL)
}

// NewRedisTokenRevokerWithClient reuses an existing client.
func NewRedisTokenRevokerWithClient(client *redis.Client, cutoffTTL time.Duration) *RedisTokenRevoker {
	if cutoffTTL <= 0 {
		cutoffTTL = 24 * time.Hour
	}
	return &RedisTokenRevoker{client: client, cutoffTTL: cutoffTTL}
}

// Revoke marks a token as revoked until expiry.
func (r *RedisTokenRevoker) Revoke(tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err()
}

// IsRevoked checks if the token is revoked.
func (r *RedisTokenRevoker) IsRevoked(tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	res, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, err
	}
	return res > 0, nil
}

// RevokeUser records cutoff unless a newer one is already stored.
func (r *RedisTokenRevoker) RevokeUser(userID string, cutoff time.Time) error {
	if userID == "" || cutoff.IsZero() {
		return errors.New("user id and cutoff required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return revokeUserScript.Run(ctx, r.client,
		[]string{userCutoffKey(userID)},
		cutoff.UTC().UnixMilli(),
		r.cutoffTTL.Milliseconds(),
	).Err()
}

// RevokedAfter returns the user cutoff, or zero when none is set.
func (r *RedisTokenRevoker) RevokedAfter(userID string) (time.Time, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	raw, err := r.client.Get(ctx, userCutoffKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// Close releases the Redis client.
func (r *RedisTokenRevoker) Close() error {
	return r.client.Close()
}

func revocationKey(tokenID string) string {
	return "medscribe:revoked:" + tokenID
}

func userCutoffKey(userID string) string {
	return "medscribe:revoked_user:" + userID
}
