package memory

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"quiz-engine/internal/domain"

	"golang.org/x/sync/singleflight"
)

// QuestionLoader fetches question content from the backing store.
type QuestionLoader interface {
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
}

// QuestionCache keeps questions with a TTL so retired questions stay
// readable while their sessions are still being answered.
type QuestionCache struct {
	loader QuestionLoader
	ttl    time.Duration
	clock  func() time.Time
	sf     singleflight.Group

	mu    sync.RWMutex
	rnd   *rand.Rand
	cache map[string]cachedQuestion
}

type cachedQuestion struct {
	question  domain.Question
	expiresAt time.Time
}

func NewQuestionCache(loader QuestionLoader, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		loader: loader,
		ttl:    ttl,
		clock:  time.Now,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
		cache:  make(map[string]cachedQuestion),
	}
}

func (c *QuestionCache) Put(_ context.Context, q domain.Question) error {
	c.mu.Lock()
	c.cache[q.ID] = cachedQuestion{question: cloneQuestion(q), expiresAt: c.clock().Add(c.ttlWithJitterLocked())}
	c.mu.Unlock()
	return nil
}

func (c *QuestionCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	if q, ok := c.lookup(id); ok {
		return q, nil
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		if q, ok := c.lookup(id); ok {
			return q, nil
		}
		q, err := c.loader.GetQuestion(ctx, id)
		if err != nil {
			return domain.Question{}, err
		}
		_ = c.Put(ctx, q)
		return q, nil
	})
	if err != nil {
		return domain.Question{}, err
	}
	return cloneQuestion(result.(domain.Question)), nil
}

func (c *QuestionCache) lookup(id string) (domain.Question, bool) {
	now := c.clock()
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.cache[id]
	if !ok || !entry.expiresAt.After(now) {
		return domain.Question{}, false
	}
	return cloneQuestion(entry.question), true
}

func (c *QuestionCache) ttlWithJitterLocked() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	// add up to 10% jitter to spread expirations
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
