// Package coordination holds the per-conversation debounce tokens shared by the ingress and the workers.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrUnavailable reports that the coordination store could not be reached
var ErrUnavailable = errors.New("coordination store unavailable")

// TokenStore reads and writes the latest debounce token of a conversation
type TokenStore interface {
	// GetToken returns the stored token; ok is false when none is stored
	GetToken(ctx context.Context, conversationID string) (token string, ok bool, err error)
	SetToken(ctx context.Context, conversationID, token string) error
}

// RedisTokenStore keeps tokens as plain string keys with an expiry
type RedisTokenStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func NewRedisTokenStore(client *redis.Client, prefix string, ttl time.Duration) *RedisTokenStore {
	return &RedisTokenStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisTokenStore) key(conversationID string) string {
	return s.prefix + conversationID
}

func (s *RedisTokenStore) GetToken(ctx context.Context, conversationID string) (string, bool, error) {
	token, err := s.client.Get(ctx, s.key(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return token, true, nil
}

func (s *RedisTokenStore) SetToken(ctx context.Context, conversationID, token string) error {
	if err := s.client.Set(ctx, s.key(conversationID), token, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// MemoryTokenStore is an in-process TokenStore for tests and single-node runs
type MemoryTokenStore struct {
	mu     sync.RWMutex
	tokens map[string]string
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{tokens: make(map[string]string)}
}

func (s *MemoryTokenStore) GetToken(ctx context.Context, conversationID string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[conversationID]
	return t, ok, nil
}

func (s *MemoryTokenStore) SetToken(ctx context.Context, conversationID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[conversationID] = token
	return nil
}

// NewToken renders t as a debounce token
func NewToken(t time.Time) string {
	return fmt.Sprintf("%d", t.UnixNano())
}
