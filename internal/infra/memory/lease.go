package memory

import (
	"context"
	"sync"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"

	"github.com/google/uuid"
)

// LeaseStore is a process-local dispatch lease table. It only protects a
// single scheduler instance; multi-instance deployments use the Redis one.
type LeaseStore struct {
	mu    sync.Mutex
	clock func() time.Time
	held  map[string]heldLease
}

type heldLease struct {
	owner     string
	expiresAt time.Time
}

func NewLeaseStore() *LeaseStore {
	return &LeaseStore{clock: time.Now, held: make(map[string]heldLease)}
}

func (s *LeaseStore) Acquire(_ context.Context, key string, ttl time.Duration) (app.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock()
	if h, ok := s.held[key]; ok && h.expiresAt.After(now) {
		return nil, domain.ErrLeaseHeld
	}
	owner := uuid.NewString()
	s.held[key] = heldLease{owner: owner, expiresAt: now.Add(ttl)}
	return &localLease{store: s, key: key, owner: owner}, nil
}

type localLease struct {
	store *LeaseStore
	key   string
	owner string
}

func (l *localLease) Release(context.Context) error {
	l.store.mu.Lock()
	defer l.store.mu.Unlock()
	if h, ok := l.store.held[l.key]; ok && h.owner == l.owner {
		delete(l.store.held, l.key)
	}
	return nil
}
