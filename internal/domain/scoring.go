package domain

import (
	"slices"
	"time"
)

// ScoringRules holds the points policy and streak settings.
type ScoringRules struct {
	CorrectPoints   int64
	IncorrectPoints int64
	// StreakStaleAfter resets the running streak before a correct answer when
	// the previous activity is older than this window. Zero disables it.
	StreakStaleAfter time.Duration
	// Milestones are the streak lengths that trigger a celebration.
	Milestones []int64
}

// DefaultScoringRules returns the +4 / -1 policy.
func DefaultScoringRules() ScoringRules {
	return ScoringRules{
		CorrectPoints:   4,
		IncorrectPoints: -1,
		Milestones:      []int64{5, 10, 25, 50, 100},
	}
}

// IsZero reports whether no rule was configured at all.
func (r ScoringRules) IsZero() bool {
	return r.CorrectPoints == 0 && r.IncorrectPoints == 0 && r.StreakStaleAfter == 0 && r.Milestones == nil
}

// Points returns the score delta for one answer.
func (r ScoringRules) Points(correct bool) int64 {
	if correct {
		return r.CorrectPoints
	}
	return r.IncorrectPoints
}

// Stale reports whether the streak lapsed between last and at.
func (r ScoringRules) Stale(last, at time.Time) bool {
	return r.StreakStaleAfter > 0 && !last.IsZero() && at.Sub(last) > r.StreakStaleAfter
}

// Apply runs one answer through the counters and the streak state machine.
// The streak is zero after any incorrect answer; a correct answer moves
// counting(n) to counting(n+1). BestStreak is a watermark over the
// post-increment value and never decreases.
func (r ScoringRules) Apply(prev ParticipantStats, correct bool, subject string, at time.Time) ParticipantStats {
	next := prev
	next.Attempted++
	next.Score += r.Points(correct)
	if correct {
		next.Correct++
		streak := prev.CurrentStreak
		if r.Stale(prev.LastActivityAt, at) {
			streak = 0
		}
		next.CurrentStreak = streak + 1
		next.BestStreak = max(prev.BestStreak, next.CurrentStreak)
	} else {
		next.Incorrect++
		next.CurrentStreak = 0
	}
	if at.After(prev.LastActivityAt) {
		next.LastActivityAt = at
	}
	if subject != "" {
		subjects := make(map[string]SubjectStats, len(prev.Subjects)+1)
		for k, v := range prev.Subjects {
			subjects[k] = v
		}
		counter := subjects[subject]
		counter.Attempted++
		if correct {
			counter.Correct++
		} else {
			counter.Incorrect++
		}
		subjects[subject] = counter
		next.Subjects = subjects
	}
	return next
}

// ApplyConversation runs one answer through a per-conversation row.
func (r ScoringRules) ApplyConversation(prev ConversationParticipantStats, correct bool) ConversationParticipantStats {
	next := prev
	next.Attempted++
	next.Score += r.Points(correct)
	if correct {
		next.Correct++
	} else {
		next.Incorrect++
	}
	return next
}

// MilestoneReached reports whether streak sits exactly on a configured
// threshold. Streaks move by one, so hitting a value is crossing it.
func (r ScoringRules) MilestoneReached(streak int64) bool {
	return streak > 0 && slices.Contains(r.Milestones, streak)
}
