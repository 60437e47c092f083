package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"quiz-engine/internal/domain"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// QuestionLoader fetches question content from the durable store.
type QuestionLoader interface {
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
}

// QuestionCache keeps dispatched questions in Redis and falls back to the
// loader on a miss. Questions are stored as JSON at quiz:question:{id}, so a
// retired question's explanation outlives its pool row until the TTL expires.
type QuestionCache struct {
	client *redis.Client
	loader QuestionLoader
	ttl    time.Duration
	sf     singleflight.Group

	mu  sync.Mutex
	rnd *rand.Rand
}

func NewQuestionCache(client *redis.Client, loader QuestionLoader, ttl time.Duration) *QuestionCache {
	return &QuestionCache{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *QuestionCache) Put(ctx context.Context, q domain.Question) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, c.key(q.ID), data, c.ttlWithJitter()).Err(); err != nil {
		return domain.Unavailable("cache question", err)
	}
	return nil
}

func (c *QuestionCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	if q, ok := c.lookup(ctx, id); ok {
		return q, nil
	}

	result, err, _ := c.sf.Do(id, func() (interface{}, error) {
		// another caller may have filled it meanwhile
		if q, ok := c.lookup(ctx, id); ok {
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
	return result.(domain.Question), nil
}

// lookup treats any Redis failure as a miss so the loader can still answer.
func (c *QuestionCache) lookup(ctx context.Context, id string) (domain.Question, bool) {
	raw, err := c.client.Get(ctx, c.key(id)).Bytes()
	if err != nil {
		return domain.Question{}, false
	}
	var q domain.Question
	if err := json.Unmarshal(raw, &q); err != nil {
		return domain.Question{}, false
	}
	return q, true
}

func (c *QuestionCache) key(id string) string {
	return "quiz:question:" + id
}

func (c *QuestionCache) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	jitterMax := int64(c.ttl) / 10
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
