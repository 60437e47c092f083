package app

import (
	"context"
	"fmt"
	"time"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"
)

// Scorer applies judged answers to the durable statistics.
type Scorer struct {
	stats    StatsStore
	rules    domain.ScoringRules
	notifier Notifier
	log      *logger.Logger
	clock    func() time.Time
}

func NewScorer(stats StatsStore, rules domain.ScoringRules, notifier Notifier, log *logger.Logger, clock func() time.Time) *Scorer {
	if clock == nil {
		clock = time.Now
	}
	log = logger.OrNop(log)
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	return &Scorer{
		stats:    stats,
		rules:    rules,
		notifier: notifier,
		log:      log.With("component", "scorer"),
		clock:    clock,
	}
}

func (s *Scorer) Rules() domain.ScoringRules {
	return s.rules
}

// ApplyAnswer records one answer. An empty conversationID only touches the
// global row; per-conversation rows exist for group conversations only.
func (s *Scorer) ApplyAnswer(ctx context.Context, participantID, conversationID string, correct bool) (domain.ParticipantStats, error) {
	if participantID == "" {
		return domain.ParticipantStats{}, fmt.Errorf("%w: participant id required", domain.ErrInvalidArgument)
	}
	upd, err := s.stats.ApplyScore(ctx, domain.ScoreCommand{
		ParticipantID:  participantID,
		ConversationID: conversationID,
		Correct:        correct,
		Rules:          s.rules,
		At:             s.clock(),
	})
	if err != nil {
		return domain.ParticipantStats{}, err
	}
	s.celebrate(ctx, participantID, conversationID, correct, upd.Stats)
	return upd.Stats, nil
}

func (s *Scorer) ParticipantStats(ctx context.Context, participantID string) (domain.ParticipantStats, error) {
	return s.stats.ParticipantStats(ctx, participantID)
}

func (s *Scorer) ConversationStats(ctx context.Context, conversationID, participantID string) (domain.ConversationParticipantStats, error) {
	return s.stats.ConversationStats(ctx, conversationID, participantID)
}

// ResetConversation clears per-conversation rows; global stats are untouched.
func (s *Scorer) ResetConversation(ctx context.Context, conversationID string) (int, error) {
	n, err := s.stats.ResetConversationStats(ctx, conversationID)
	if err != nil {
		return 0, err
	}
	s.log.Info("conversation stats reset", "conversation_id", conversationID, "rows", n)
	return n, nil
}

func (s *Scorer) celebrate(ctx context.Context, participantID, conversationID string, correct bool, stats domain.ParticipantStats) {
	if !correct || !s.rules.MilestoneReached(stats.CurrentStreak) {
		return
	}
	s.notifier.MilestoneStreak(ctx, participantID, conversationID, stats.CurrentStreak)
}
