package memory

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"quiz-engine/internal/domain"
)

type convKey struct {
	conversationID string
	participantID  string
}

// Store is an in-memory implementation of app.Store. Every operation runs
// inside one critical section, so multi-row writes commit together and
// readers never observe a half-applied answer.
type Store struct {
	mu  sync.Mutex
	rnd *rand.Rand

	questions     map[string]domain.Question
	exposures     map[string]map[string]time.Time
	sessions      map[string]domain.PollSession
	stats         map[string]domain.ParticipantStats
	convStats     map[convKey]domain.ConversationParticipantStats
	conversations map[string]domain.Conversation
	participants  map[string]domain.Participant
	auto          map[string]domain.AutoDistributionConfig
}

func NewStore() *Store {
	return NewStoreWithSeed(time.Now().UnixNano())
}

// NewStoreWithSeed is used by tests that need a reproducible selection order.
func NewStoreWithSeed(seed int64) *Store {
	return &Store{
		rnd:           rand.New(rand.NewSource(seed)),
		questions:     make(map[string]domain.Question),
		exposures:     make(map[string]map[string]time.Time),
		sessions:      make(map[string]domain.PollSession),
		stats:         make(map[string]domain.ParticipantStats),
		convStats:     make(map[convKey]domain.ConversationParticipantStats),
		conversations: make(map[string]domain.Conversation),
		participants:  make(map[string]domain.Participant),
		auto:          make(map[string]domain.AutoDistributionConfig),
	}
}

func (s *Store) AddQuestion(_ context.Context, q domain.Question) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.questions[q.ID]; ok {
		return domain.Question{}, fmt.Errorf("%w: question %s already exists", domain.ErrInvalidQuestion, q.ID)
	}
	q = cloneQuestion(q)
	s.questions[q.ID] = q
	return cloneQuestion(q), nil
}

func (s *Store) GetQuestion(_ context.Context, id string) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	if !ok {
		return domain.Question{}, fmt.Errorf("question %s: %w", id, domain.ErrNotFound)
	}
	return cloneQuestion(q), nil
}

func (s *Store) PickQuestion(_ context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := s.exposures[conversationID]
	candidates := make([]string, 0, len(s.questions))
	for id := range s.questions {
		if policy == domain.PolicyExposure {
			if _, ok := seen[id]; ok {
				continue
			}
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return domain.Question{}, domain.ErrExhausted
	}
	// map order is not uniform; sort then draw
	sort.Strings(candidates)
	return cloneQuestion(s.questions[candidates[s.rnd.Intn(len(candidates))]]), nil
}

func (s *Store) ResetExposure(_ context.Context, conversationID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.exposures[conversationID])
	delete(s.exposures, conversationID)
	return n, nil
}

func (s *Store) PoolStatus(_ context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.PoolStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := domain.PoolStatus{Total: len(s.questions)}
	if policy == domain.PolicyExposure {
		for id := range s.exposures[conversationID] {
			if _, ok := s.questions[id]; ok {
				status.Exposed++
			}
		}
	}
	status.Remaining = status.Total - status.Exposed
	return status, nil
}

func (s *Store) UpsertConversation(_ context.Context, c domain.Conversation) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.conversations[c.ID]; ok {
		c.RegisteredAt = existing.RegisteredAt
		if c.Title == "" {
			c.Title = existing.Title
		}
	}
	s.conversations[c.ID] = c
	return c, nil
}

func (s *Store) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conversations[id]
	if !ok {
		return domain.Conversation{}, fmt.Errorf("conversation %s: %w", id, domain.ErrNotFound)
	}
	return c, nil
}

func (s *Store) ListConversations(_ context.Context, kind domain.ConversationKind) ([]domain.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if kind == "" || c.Kind == kind {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpsertParticipant(_ context.Context, p domain.Participant) (domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertParticipantLocked(p), nil
}

func (s *Store) upsertParticipantLocked(p domain.Participant) domain.Participant {
	if existing, ok := s.participants[p.ID]; ok {
		p.RegisteredAt = existing.RegisteredAt
		if p.Handle == "" {
			p.Handle = existing.Handle
		}
		if p.GivenName == "" {
			p.GivenName = existing.GivenName
		}
	}
	s.participants[p.ID] = p
	return p
}

func (s *Store) Totals(_ context.Context) (domain.Totals, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := domain.Totals{
		Participants:  len(s.participants),
		Conversations: len(s.conversations),
		Questions:     len(s.questions),
	}
	for _, c := range s.conversations {
		if c.IsGroup() {
			t.Groups++
		}
	}
	for _, st := range s.stats {
		if st.Attempted > 0 {
			t.ActiveParticipants++
		}
	}
	return t, nil
}

func cloneQuestion(q domain.Question) domain.Question {
	q.Options = append([]string(nil), q.Options...)
	return q
}
