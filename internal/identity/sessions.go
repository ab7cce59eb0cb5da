package identity

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"willway-bot/internal/models"
)

// SessionStore remembers which messenger id opened a payment-page session.
// Entries are advisory; a miss falls back to the external id.
type SessionStore interface {
	Remember(ctx context.Context, sessionID string, id models.MessengerID) error
	Lookup(ctx context.Context, sessionID string) (models.MessengerID, bool)
}

type memoryEntry struct {
	id      models.MessengerID
	expires time.Time
}

// MemorySessions is the process-local store.
type MemorySessions struct {
	ttl time.Duration
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]memoryEntry
	lastSweep time.Time
}

func NewMemorySessions(ttl time.Duration) *MemorySessions {
	return &MemorySessions{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]memoryEntry),
	}
}

func (s *MemorySessions) Remember(_ context.Context, sessionID string, id models.MessengerID) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[sessionID] = memoryEntry{id: id, expires: now.Add(s.ttl)}
	if now.Sub(s.lastSweep) > time.Minute {
		for k, e := range s.entries {
			if !e.expires.After(now) {
				delete(s.entries, k)
			}
		}
		s.lastSweep = now
	}
	return nil
}

func (s *MemorySessions) Lookup(_ context.Context, sessionID string) (models.MessengerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[sessionID]
	if !ok {
		return 0, false
	}
	if !e.expires.After(s.now()) {
		delete(s.entries, sessionID)
		return 0, false
	}
	return e.id, true
}

// Len is the number of entries currently held, expired ones included.
func (s *MemorySessions) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// RedisSessions shares the map between several processes. Expiry is left to Redis.
type RedisSessions struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisSessions(rdb *redis.Client, ttl time.Duration) *RedisSessions {
	return &RedisSessions{rdb: rdb, ttl: ttl}
}

func sessionKey(sessionID string) string {
	return "payment_session:" + sessionID
}

func (s *RedisSessions) Remember(ctx context.Context, sessionID string, id models.MessengerID) error {
	if err := s.rdb.Set(ctx, sessionKey(sessionID), id.String(), s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to store payment session: %w", err)
	}
	return nil
}

func (s *RedisSessions) Lookup(ctx context.Context, sessionID string) (models.MessengerID, bool) {
	val, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		// redis.Nil and transport errors both mean "no mapping"
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, false
	}
	return models.MessengerID(id), true
}
