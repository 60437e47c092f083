package app

import (
	"context"
	"fmt"
	"time"

	"quiz-engine/internal/domain"
)

// Registry is the poll session correlation table.
type Registry struct {
	sessions SessionRegistry
	clock    func() time.Time
}

func NewRegistry(sessions SessionRegistry, clock func() time.Time) *Registry {
	if clock == nil {
		clock = time.Now
	}
	return &Registry{sessions: sessions, clock: clock}
}

// Register stores a new session. Reusing a token yields domain.ErrDuplicateSession.
func (r *Registry) Register(ctx context.Context, token, conversationID, questionID string, correctOption int) error {
	if token == "" || conversationID == "" || questionID == "" {
		return fmt.Errorf("%w: token, conversation and question are required", domain.ErrInvalidArgument)
	}
	if !domain.ValidOption(correctOption) {
		return fmt.Errorf("%w: correct option %d", domain.ErrInvalidOption, correctOption)
	}
	return r.sessions.RegisterSession(ctx, domain.PollSession{
		Token:              token,
		ConversationID:     conversationID,
		QuestionID:         questionID,
		CorrectOptionIndex: correctOption,
		CreatedAt:          r.clock(),
	})
}

// Consume answers a session once. Later attempts return domain.ErrAlreadyConsumed.
func (r *Registry) Consume(ctx context.Context, token string, chosen int) (domain.ConsumeResult, error) {
	if !domain.ValidOption(chosen) {
		return domain.ConsumeResult{}, fmt.Errorf("%w: chosen option %d", domain.ErrInvalidOption, chosen)
	}
	return r.sessions.ConsumeSession(ctx, token, chosen, r.clock())
}

// Purge drops sessions older than maxAge. Consumption already committed is
// unaffected: a purged token answers NotFound, which is still a no-op.
func (r *Registry) Purge(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	return r.sessions.PurgeSessions(ctx, r.clock().Add(-maxAge))
}
