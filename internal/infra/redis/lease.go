package redis

import (
	"context"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lease only while the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// LeaseStore hands out dispatch leases shared by every scheduler instance
// pointed at the same Redis.
type LeaseStore struct {
	client *redis.Client
}

func NewLeaseStore(client *redis.Client) *LeaseStore {
	return &LeaseStore{client: client}
}

func (s *LeaseStore) Acquire(ctx context.Context, key string, ttl time.Duration) (app.Lease, error) {
	owner := uuid.NewString()
	ok, err := s.client.SetNX(ctx, s.key(key), owner, ttl).Result()
	if err != nil {
		return nil, domain.Unavailable("acquire lease", err)
	}
	if !ok {
		return nil, domain.ErrLeaseHeld
	}
	return &lease{client: s.client, key: s.key(key), owner: owner}, nil
}

func (s *LeaseStore) key(key string) string {
	return "quiz:lease:" + key
}

type lease struct {
	client *redis.Client
	key    string
	owner  string
}

func (l *lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.owner).Err(); err != nil {
		return domain.Unavailable("release lease", err)
	}
	return nil
}
