package app

import (
	"context"
	"time"

	"quiz-engine/internal/domain"
)

// QuestionStore is the durable question pool plus per-conversation exposure history.
type QuestionStore interface {
	AddQuestion(ctx context.Context, q domain.Question) (domain.Question, error)
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
	// PickQuestion returns a uniformly random question the conversation may
	// still receive under policy, or domain.ErrExhausted.
	PickQuestion(ctx context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.Question, error)
	ResetExposure(ctx context.Context, conversationID string) (int, error)
	PoolStatus(ctx context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.PoolStatus, error)
}

// SessionRegistry correlates dispatched question instances with their answers.
type SessionRegistry interface {
	RegisterSession(ctx context.Context, s domain.PollSession) error
	// ConsumeSession marks the session answered. Exactly one caller per token
	// succeeds; the rest get domain.ErrAlreadyConsumed.
	ConsumeSession(ctx context.Context, token string, chosen int, at time.Time) (domain.ConsumeResult, error)
	PurgeSessions(ctx context.Context, olderThan time.Time) (int, error)
}

// StatsStore owns the scoreboard rows.
type StatsStore interface {
	// ApplyScore increments the participant rows in one atomic operation.
	ApplyScore(ctx context.Context, cmd domain.ScoreCommand) (domain.ScoreUpdate, error)
	ParticipantStats(ctx context.Context, participantID string) (domain.ParticipantStats, error)
	ConversationStats(ctx context.Context, conversationID, participantID string) (domain.ConversationParticipantStats, error)
	// ResetConversationStats clears per-conversation rows; an empty id clears all.
	ResetConversationStats(ctx context.Context, conversationID string) (int, error)
}

// LeaderboardReader ranks participants inside a scope.
type LeaderboardReader interface {
	TopN(ctx context.Context, scope domain.Scope, n int) ([]domain.LeaderboardEntry, error)
	RankOf(ctx context.Context, scope domain.Scope, participantID string) (int, error)
}

// DispatchLedger holds the multi-row writes that must commit together.
type DispatchLedger interface {
	// CommitDispatch registers the session and records the exposure (or
	// retires the question) as one unit.
	CommitDispatch(ctx context.Context, c domain.DispatchCommit) error
	// SubmitAnswer consumes the session and applies the score as one unit.
	SubmitAnswer(ctx context.Context, cmd domain.AnswerCommand) (domain.ConsumeResult, domain.ScoreUpdate, error)
}

// Directory keeps conversation and participant profiles.
type Directory interface {
	UpsertConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error)
	GetConversation(ctx context.Context, id string) (domain.Conversation, error)
	ListConversations(ctx context.Context, kind domain.ConversationKind) ([]domain.Conversation, error)
	UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error)
	Totals(ctx context.Context) (domain.Totals, error)
}

// AutoDistributionStore persists scheduler configuration.
type AutoDistributionStore interface {
	SetAutoDistribution(ctx context.Context, cfg domain.AutoDistributionConfig) error
	// AutoDistribution returns the effective configuration of a conversation
	// under mode, or the global record when conversationID is empty.
	AutoDistribution(ctx context.Context, mode domain.SchedulerMode, conversationID string) (domain.AutoDistributionConfig, error)
	DueConversations(ctx context.Context, mode domain.SchedulerMode, now time.Time) ([]domain.AutoDistributionConfig, error)
}

// Store is everything a backend provides.
type Store interface {
	QuestionStore
	SessionRegistry
	StatsStore
	LeaderboardReader
	DispatchLedger
	Directory
	AutoDistributionStore
}

// QuestionCache keeps question content readable for the answer window,
// including questions the shrinking policy already retired.
type QuestionCache interface {
	Put(ctx context.Context, q domain.Question) error
	GetQuestion(ctx context.Context, id string) (domain.Question, error)
}

// Leaser hands out per-conversation dispatch leases.
type Leaser interface {
	// Acquire returns domain.ErrLeaseHeld when another holder owns key.
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// Lease is released by its holder; expiry frees it otherwise.
type Lease interface {
	Release(ctx context.Context) error
}

// Deliverer physically presents a question. It returns the platform-issued
// session token, or "" to let the engine mint one.
type Deliverer interface {
	Deliver(ctx context.Context, conversationID string, q domain.Question) (string, error)
}

// Notifier receives engine events for user-facing messaging.
type Notifier interface {
	PoolExhausted(ctx context.Context, conversationID string)
	MilestoneStreak(ctx context.Context, participantID, conversationID string, streak int64)
	NightlyLeaderboard(ctx context.Context, lb domain.Leaderboard)
}
