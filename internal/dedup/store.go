package dedup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/aegis-shield/regulatory-engine/internal/config"
)

// Store tracks processed event IDs over a bounded time window so that
// redelivered events are acknowledged without reprocessing. The store is
// shared across consumer instances; MarkIfNew must be atomic so that two
// competing consumers never both claim the same event.
type Store interface {
	// MarkIfNew records the event ID and returns true if it was not already
	// present within the dedup window.
	MarkIfNew(ctx context.Context, eventID string) (bool, error)

	// Forget removes the event ID so a failed processing attempt can be
	// retried on redelivery.
	Forget(ctx context.Context, eventID string) error
}

// RedisStore implements Store on Redis using SET NX with a TTL equal to the
// dedup window. Conditional insert on a shared keyspace gives effectively-once
// semantics under horizontal scaling without distributed locks.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
	window    time.Duration
	logger    *zap.Logger
}

// NewRedisStore creates a Redis-backed dedup store
func NewRedisStore(cfg config.RedisConfig, dedupCfg config.DedupConfig, addr string, logger *zap.Logger) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: cfg.Password,
		DB:       cfg.Database,
		PoolSize: cfg.PoolSize,
	})

	return &RedisStore{
		client:    client,
		keyPrefix: dedupCfg.KeyPrefix,
		window:    dedupCfg.Window,
		logger:    logger,
	}
}

// Ping verifies connectivity to Redis
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

// Close closes the underlying Redis client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MarkIfNew records the event ID with SET NX and the window TTL
func (s *RedisStore) MarkIfNew(ctx context.Context, eventID string) (bool, error) {
	inserted, err := s.client.SetNX(ctx, s.keyPrefix+eventID, time.Now().UTC().Format(time.RFC3339Nano), s.window).Result()
	if err != nil {
		return false, fmt.Errorf("failed to mark event %s in dedup store: %w", eventID, err)
	}

	if !inserted {
		s.logger.Debug("Duplicate event suppressed",
			zap.String("event_id", eventID),
		)
	}

	return inserted, nil
}

// Forget removes the event ID from the dedup window
func (s *RedisStore) Forget(ctx context.Context, eventID string) error {
	if err := s.client.Del(ctx, s.keyPrefix+eventID).Err(); err != nil {
		return fmt.Errorf("failed to forget event %s in dedup store: %w", eventID, err)
	}
	return nil
}

// MemoryStore is an in-process Store used by tests and single-instance
// deployments. It keeps the same conditional-insert contract as RedisStore
// but the window is enforced lazily on access.
type MemoryStore struct {
	mu     sync.Mutex
	seen   map[string]time.Time
	window time.Duration
	now    func() time.Time
}

// NewMemoryStore creates an in-memory dedup store
func NewMemoryStore(window time.Duration) *MemoryStore {
	return &MemoryStore{
		seen:   make(map[string]time.Time),
		window: window,
		now:    time.Now,
	}
}

// MarkIfNew records the event ID if it is absent or its entry has expired
func (s *MemoryStore) MarkIfNew(ctx context.Context, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if markedAt, exists := s.seen[eventID]; exists && now.Sub(markedAt) < s.window {
		return false, nil
	}

	s.seen[eventID] = now
	s.prune(now)
	return true, nil
}

// Forget removes the event ID
func (s *MemoryStore) Forget(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.seen, eventID)
	return nil
}

func (s *MemoryStore) prune(now time.Time) {
	for id, markedAt := range s.seen {
		if now.Sub(markedAt) >= s.window {
			delete(s.seen, id)
		}
	}
}
