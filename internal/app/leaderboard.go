package app

import (
	"context"
	"fmt"
	"time"

	"quiz-engine/internal/domain"
)

const (
	DefaultLeaderboardSize = 25
	MaxLeaderboardSize     = 100
)

// Leaderboard answers ranking queries over the scoreboard rows.
type Leaderboard struct {
	reader LeaderboardReader
	clock  func() time.Time
}

func NewLeaderboard(reader LeaderboardReader, clock func() time.Time) *Leaderboard {
	if clock == nil {
		clock = time.Now
	}
	return &Leaderboard{reader: reader, clock: clock}
}

// TopN returns the first n participants of scope; n is clamped to [1, MaxLeaderboardSize].
func (l *Leaderboard) TopN(ctx context.Context, scope domain.Scope, n int) (domain.Leaderboard, error) {
	if n <= 0 {
		n = DefaultLeaderboardSize
	}
	n = min(n, MaxLeaderboardSize)
	entries, err := l.reader.TopN(ctx, scope, n)
	if err != nil {
		return domain.Leaderboard{}, err
	}
	if entries == nil {
		entries = []domain.LeaderboardEntry{}
	}
	return domain.Leaderboard{Scope: scope, Entries: entries, UpdatedAt: l.clock()}, nil
}

// RankOf returns 1 + the number of participants in scope with a strictly
// higher score, or domain.ErrNotRanked.
func (l *Leaderboard) RankOf(ctx context.Context, scope domain.Scope, participantID string) (int, error) {
	if participantID == "" {
		return 0, fmt.Errorf("%w: participant id required", domain.ErrInvalidArgument)
	}
	return l.reader.RankOf(ctx, scope, participantID)
}
