package session

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// SeenSet records comment ids already narrated within one monitoring session.
type SeenSet interface {
	// Add records id and reports whether it was newly added.
	Add(ctx context.Context, sessionID, id string) (bool, error)
	Contains(ctx context.Context, sessionID, id string) (bool, error)
	// Reset forgets everything recorded for sessionID.
	Reset(ctx context.Context, sessionID string) error
	Close() error
}

// MemorySeenSet is the default in-process seen set.
type MemorySeenSet struct {
	mu   sync.Mutex
	sets map[string]map[string]struct{}
}

func NewMemorySeenSet() *MemorySeenSet {
	return &MemorySeenSet{sets: make(map[string]map[string]struct{})}
}

func (m *MemorySeenSet) Add(_ context.Context, sessionID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.sets[sessionID]
	if !ok {
		set = make(map[string]struct{})
		m.sets[sessionID] = set
	}
	if _, exists := set[id]; exists {
		return false, nil
	}
	set[id] = struct{}{}
	return true, nil
}

func (m *MemorySeenSet) Contains(_ context.Context, sessionID, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sets[sessionID][id]
	return ok, nil
}

func (m *MemorySeenSet) Reset(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sets, sessionID)
	return nil
}

// Len reports how many ids are recorded for sessionID.
func (m *MemorySeenSet) Len(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sets[sessionID])
}

func (m *MemorySeenSet) Close() error { return nil }

// RedisSeenSet keeps the seen ids in a redis set per session so they can be inspected
// from outside the process. Keys expire; nothing is restored after a restart because
// every start uses a fresh session id.
type RedisSeenSet struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisSeenOption configures a RedisSeenSet.
type RedisSeenOption func(*RedisSeenSet)

// WithSeenTTL sets the expiry refreshed on every Add. Zero disables expiry.
func WithSeenTTL(ttl time.Duration) RedisSeenOption {
	return func(s *RedisSeenSet) {
		s.ttl = ttl
	}
}

// WithSeenPrefix sets the key prefix. Default is "threadvoice".
func WithSeenPrefix(prefix string) RedisSeenOption {
	return func(s *RedisSeenSet) {
		s.prefix = prefix
	}
}

func NewRedisSeenSet(client *redis.Client, opts ...RedisSeenOption) *RedisSeenSet {
	s := &RedisSeenSet{
		client: client,
		ttl:    12 * time.Hour,
		prefix: "threadvoice",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisSeenSetFromURL parses a redis:// URL and verifies the connection.
func NewRedisSeenSetFromURL(ctx context.Context, rawURL string, opts ...RedisSeenOption) (*RedisSeenSet, error) {
	redisOpts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisSeenSet(client, opts...), nil
}

func (s *RedisSeenSet) key(sessionID string) string {
	return s.prefix + ":seen:" + sessionID
}

func (s *RedisSeenSet) Add(ctx context.Context, sessionID, id string) (bool, error) {
	key := s.key(sessionID)
	pipe := s.client.TxPipeline()
	added := pipe.SAdd(ctx, key, id)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("redis sadd: %w", err)
	}
	return added.Val() == 1, nil
}

func (s *RedisSeenSet) Contains(ctx context.Context, sessionID, id string) (bool, error) {
	ok, err := s.client.SIsMember(ctx, s.key(sessionID), id).Result()
	if err != nil {
		return false, fmt.Errorf("redis sismember: %w", err)
	}
	return ok, nil
}

func (s *RedisSeenSet) Reset(ctx context.Context, sessionID string) error {
	if err := s.client.Del(ctx, s.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (s *RedisSeenSet) Close() error {
	return s.client.Close()
}
