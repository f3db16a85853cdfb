package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rickgao/tickmux/internal/api"
)

// DefaultRedisKey is the key the token is stored under.
const DefaultRedisKey = "tickmux:access_token"

// Store persists the current token.
type Store interface {
	Load(ctx context.Context) (api.Token, bool, error)
	Save(ctx context.Context, tok api.Token) error
	Delete(ctx context.Context) error
}

// MemoryStore keeps the token in process memory.
type MemoryStore struct {
	mu  sync.Mutex
	tok api.Token
	ok  bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (api.Token, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tok, s.ok, nil
}

func (s *MemoryStore) Save(_ context.Context, tok api.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok, s.ok = tok, true
	return nil
}

func (s *MemoryStore) Delete(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tok, s.ok = api.Token{}, false
	return nil
}

// RedisStore keeps the token in Redis so restarts and sibling instances
// reuse it. Entries expire with the token.
type RedisStore struct {
	client redis.Cmdable
	key    string
	now    func() time.Time
}

// NewRedisStore creates a store on client. An empty key uses DefaultRedisKey.
func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key, now: time.Now}
}

type storedToken struct {
	Token     string    `json:"token"`
	Type      string    `json:"token_type,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (s *RedisStore) Load(ctx context.Context) (api.Token, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return api.Token{}, false, nil
	}
	if err != nil {
		return api.Token{}, false, fmt.Errorf("redis get %s: %w", s.key, err)
	}

	var st storedToken
	if err := json.Unmarshal(data, &st); err != nil {
		return api.Token{}, false, fmt.Errorf("decode cached token: %w", err)
	}
	return api.Token{Value: st.Token, Type: st.Type, ExpiresAt: st.ExpiresAt}, true, nil
}

func (s *RedisStore) Save(ctx context.Context, tok api.Token) error {
	data, err := json.Marshal(storedToken{Token: tok.Value, Type: tok.Type, ExpiresAt: tok.ExpiresAt})
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}

	var ttl time.Duration
	if !tok.ExpiresAt.IsZero() {
		ttl = tok.ExpiresAt.Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}

	if err := s.client.Set(ctx, s.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", s.key, err)
	}
	return nil
}
