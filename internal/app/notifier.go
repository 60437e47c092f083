package app

import (
	"context"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"
)

// Notifiers fans every event out to all members.
type Notifiers []Notifier

func (n Notifiers) PoolExhausted(ctx context.Context, conversationID string) {
	for _, x := range n {
		x.PoolExhausted(ctx, conversationID)
	}
}

func (n Notifiers) MilestoneStreak(ctx context.Context, participantID, conversationID string, streak int64) {
	for _, x := range n {
		x.MilestoneStreak(ctx, participantID, conversationID, streak)
	}
}

func (n Notifiers) NightlyLeaderboard(ctx context.Context, lb domain.Leaderboard) {
	for _, x := range n {
		x.NightlyLeaderboard(ctx, lb)
	}
}

// LogNotifier writes events to the structured log.
type LogNotifier struct {
	Log *logger.Logger
}

func (n LogNotifier) PoolExhausted(_ context.Context, conversationID string) {
	logger.OrNop(n.Log).Info("question pool exhausted", "conversation_id", conversationID)
}

func (n LogNotifier) MilestoneStreak(_ context.Context, participantID, conversationID string, streak int64) {
	logger.OrNop(n.Log).Info("streak milestone", "participant_id", participantID, "conversation_id", conversationID, "streak", streak)
}

func (n LogNotifier) NightlyLeaderboard(_ context.Context, lb domain.Leaderboard) {
	logger.OrNop(n.Log).Info("nightly leaderboard", "scope", lb.Scope.String(), "entries", len(lb.Entries))
}
