package app

import (
	"context"
	"errors"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"
)

// Selector picks the next unseen question for a conversation.
type Selector struct {
	questions        QuestionStore
	policy           domain.ExhaustionPolicy
	resetOnExhausted bool
	log              *logger.Logger
}

func NewSelector(questions QuestionStore, policy domain.ExhaustionPolicy, resetOnExhausted bool, log *logger.Logger) *Selector {
	if policy == "" {
		policy = domain.PolicyExposure
	}
	return &Selector{
		questions:        questions,
		policy:           policy,
		resetOnExhausted: resetOnExhausted,
		log:              logger.OrNop(log).With("component", "selector"),
	}
}

func (s *Selector) Policy() domain.ExhaustionPolicy {
	return s.policy
}

// SelectNext returns a question the conversation has not seen, or
// domain.ErrExhausted. Under the exposure policy with reset enabled, an
// exhausted conversation gets its history cleared and one more attempt.
// The pick has no side effects; the dispatch commit records it.
func (s *Selector) SelectNext(ctx context.Context, conversationID string) (domain.Question, error) {
	q, err := s.questions.PickQuestion(ctx, conversationID, s.policy)
	if !errors.Is(err, domain.ErrExhausted) {
		return q, err
	}
	if !s.resetOnExhausted || s.policy != domain.PolicyExposure {
		return domain.Question{}, err
	}

	cleared, err := s.questions.ResetExposure(ctx, conversationID)
	if err != nil {
		return domain.Question{}, err
	}
	s.log.Info("question pool exhausted, exposure history cleared", "conversation_id", conversationID, "cleared", cleared)
	return s.questions.PickQuestion(ctx, conversationID, s.policy)
}

// PoolStatus reports how many questions the conversation can still receive.
func (s *Selector) PoolStatus(ctx context.Context, conversationID string) (domain.PoolStatus, error) {
	return s.questions.PoolStatus(ctx, conversationID, s.policy)
}
