package domain_test

import (
	"testing"
	"time"

	"quiz-engine/internal/domain"

	"github.com/stretchr/testify/require"
)

func TestApplyCorrectThenIncorrect(t *testing.T) {
	rules := domain.DefaultScoringRules()
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s := rules.Apply(domain.ParticipantStats{ParticipantID: "p1"}, true, "", at)
	require.Equal(t, int64(1), s.Attempted)
	require.Equal(t, int64(1), s.Correct)
	require.Equal(t, int64(0), s.Incorrect)
	require.Equal(t, int64(4), s.Score)
	require.Equal(t, int64(1), s.CurrentStreak)
	require.Equal(t, int64(1), s.BestStreak)
	require.Equal(t, at, s.LastActivityAt)

	s = rules.Apply(s, false, "", at.Add(time.Minute))
	require.Equal(t, int64(2), s.Attempted)
	require.Equal(t, int64(1), s.Correct)
	require.Equal(t, int64(1), s.Incorrect)
	require.Equal(t, int64(3), s.Score)
	require.Equal(t, int64(0), s.CurrentStreak)
	require.Equal(t, int64(1), s.BestStreak)
}

func TestStreakWatermarkUsesPostIncrementValue(t *testing.T) {
	rules := domain.DefaultScoringRules()
	at := time.Now()
	var s domain.ParticipantStats
	for i := 0; i < 3; i++ {
		s = rules.Apply(s, true, "", at)
	}
	require.Equal(t, int64(3), s.CurrentStreak)
	require.Equal(t, int64(3), s.BestStreak)

	s = rules.Apply(s, false, "", at)
	s = rules.Apply(s, true, "", at)
	require.Equal(t, int64(1), s.CurrentStreak)
	require.Equal(t, int64(3), s.BestStreak)
	require.Equal(t, s.Correct+s.Incorrect, s.Attempted)
}

func TestStaleStreakRestarts(t *testing.T) {
	rules := domain.DefaultScoringRules()
	rules.StreakStaleAfter = 24 * time.Hour
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s := rules.Apply(domain.ParticipantStats{}, true, "", at)
	s = rules.Apply(s, true, "", at.Add(time.Hour))
	require.Equal(t, int64(2), s.CurrentStreak)

	s = rules.Apply(s, true, "", at.Add(72*time.Hour))
	require.Equal(t, int64(1), s.CurrentStreak)
	require.Equal(t, int64(2), s.BestStreak)
}

func TestSubjectCounters(t *testing.T) {
	rules := domain.DefaultScoringRules()
	prev := domain.ParticipantStats{Subjects: map[string]domain.SubjectStats{"physics": {Attempted: 1, Correct: 1}}}

	next := rules.Apply(prev, false, "physics", time.Now())
	next = rules.Apply(next, true, "botany", time.Now())

	require.Equal(t, domain.SubjectStats{Attempted: 2, Correct: 1, Incorrect: 1}, next.Subjects["physics"])
	require.Equal(t, domain.SubjectStats{Attempted: 1, Correct: 1}, next.Subjects["botany"])
	require.Equal(t, domain.SubjectStats{Attempted: 1, Correct: 1}, prev.Subjects["physics"], "previous snapshot must stay untouched")
}

func TestMilestoneReached(t *testing.T) {
	rules := domain.DefaultScoringRules()
	require.True(t, rules.MilestoneReached(5))
	require.False(t, rules.MilestoneReached(6))
	require.False(t, rules.MilestoneReached(0))
}

func TestQuestionValidate(t *testing.T) {
	q := domain.Question{Body: "2+2?", Options: []string{"1", "2", "3", "4"}, CorrectOptionIndex: 3}
	require.NoError(t, q.Validate())

	q.Options = q.Options[:3]
	require.ErrorIs(t, q.Validate(), domain.ErrInvalidQuestion)

	q.Options = []string{"1", "2", "3", "4"}
	q.CorrectOptionIndex = 4
	require.ErrorIs(t, q.Validate(), domain.ErrInvalidQuestion)
}

func TestDisplayName(t *testing.T) {
	require.Equal(t, "@neet", domain.Participant{ID: "1", Handle: "neet", GivenName: "Asha"}.DisplayName())
	require.Equal(t, "Asha", domain.Participant{ID: "1", GivenName: "Asha"}.DisplayName())
	require.Equal(t, "Participant 1", domain.Participant{ID: "1"}.DisplayName())
}

func TestAutoDistributionDue(t *testing.T) {
	now := time.Now()
	cfg := domain.AutoDistributionConfig{Enabled: true, Interval: time.Minute}
	require.True(t, cfg.DueAt(now))

	cfg.LastDispatchAt = now.Add(-30 * time.Second)
	require.False(t, cfg.DueAt(now))

	cfg.LastDispatchAt = now.Add(-time.Minute)
	require.True(t, cfg.DueAt(now))

	cfg.Enabled = false
	require.False(t, cfg.DueAt(now))
}
