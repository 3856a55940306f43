package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/marketplace/internal/clock"
)

// DefaultDedupTTL задаёт, сколько помнится обработанное событие.
const DefaultDedupTTL = 48 * time.Hour

// DedupStore помнит обработанные eventId.
type DedupStore interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

// RedisDedupStore хранит отметки в Redis под ключами dedup:{service}:{eventId}.
type RedisDedupStore struct {
	client  redis.UniversalClient
	service string
	ttl     time.Duration
}

// NewRedisDedupStore создаёт хранилище отметок в Redis.
func NewRedisDedupStore(client redis.UniversalClient, service string, ttl time.Duration) *RedisDedupStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &RedisDedupStore{client: client, service: service, ttl: ttl}
}

func (s *RedisDedupStore) key(eventID string) string {
	return fmt.Sprintf("dedup:%s:%s", s.service, eventID)
}

func (s *RedisDedupStore) Seen(ctx context.Context, eventID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.key(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

func (s *RedisDedupStore) Mark(ctx context.Context, eventID string) error {
	if err := s.client.Set(ctx, s.key(eventID), "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// MemoryDedupStore хранит отметки в памяти процесса, когда Redis не настроен.
type MemoryDedupStore struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	clock clock.Clock
}

// NewMemoryDedupStore создаёт хранилище отметок в памяти.
func NewMemoryDedupStore(ttl time.Duration, clk clock.Clock) *MemoryDedupStore {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &MemoryDedupStore{seen: make(map[string]time.Time), ttl: ttl, clock: clk}
}

func (s *MemoryDedupStore) Seen(_ context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires, ok := s.seen[eventID]
	if !ok {
		return false, nil
	}
	if !s.clock.Now().Before(expires) {
		delete(s.seen, eventID)
		return false, nil
	}
	return true, nil
}

func (s *MemoryDedupStore) Mark(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for id, expires := range s.seen {
		if !now.Before(expires) {
			delete(s.seen, id)
		}
	}
	s.seen[eventID] = now.Add(s.ttl)
	return nil
}

var (
	_ DedupStore = (*RedisDedupStore)(nil)
	_ DedupStore = (*MemoryDedupStore)(nil)
)
