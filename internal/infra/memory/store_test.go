package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"quiz-engine/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConcurrentScoresLoseNothing(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	rules := domain.DefaultScoringRules()

	const workers = 64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.ApplyScore(ctx, domain.ScoreCommand{
				ParticipantID: "p1",
				Correct:       i%3 != 0,
				Rules:         rules,
				At:            time.Now(),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	st, err := store.ParticipantStats(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(workers), st.Attempted)
	require.Equal(t, st.Attempted, st.Correct+st.Incorrect)
	require.Equal(t, st.Correct*4-st.Incorrect, st.Score)
}

func TestConsumeHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	require.NoError(t, store.RegisterSession(ctx, domain.PollSession{Token: "tok", ConversationID: "c1", QuestionID: "q1", CorrectOptionIndex: 2}))

	var wins, already atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.ConsumeSession(ctx, "tok", 2, time.Now())
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, domain.ErrAlreadyConsumed):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, int32(31), already.Load())

	_, err := store.ConsumeSession(ctx, "missing", 0, time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRegisterRejectsDuplicateToken(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	ps := domain.PollSession{Token: "tok", ConversationID: "c1", QuestionID: "q1"}
	require.NoError(t, store.RegisterSession(ctx, ps))
	require.ErrorIs(t, store.RegisterSession(ctx, ps), domain.ErrDuplicateSession)
}

func TestSubmitAnswerRedeliveryDoesNotRescore(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, _ = store.UpsertConversation(ctx, domain.Conversation{ID: "g1", Kind: domain.ConversationGroup})
	require.NoError(t, store.RegisterSession(ctx, domain.PollSession{Token: "tok", ConversationID: "g1", QuestionID: "q1", CorrectOptionIndex: 1, Subject: "physics"}))

	cmd := domain.AnswerCommand{Token: "tok", Chosen: 1, Participant: domain.Participant{ID: "p1", Handle: "asha"}, Rules: domain.DefaultScoringRules(), At: time.Now()}
	res, upd, err := store.SubmitAnswer(ctx, cmd)
	require.NoError(t, err)
	require.True(t, res.Correct)
	require.Equal(t, int64(4), upd.Stats.Score)
	require.NotNil(t, upd.ConversationStats)
	require.Equal(t, int64(1), upd.ConversationStats.Attempted)
	require.Equal(t, domain.SubjectStats{Attempted: 1, Correct: 1}, upd.Stats.Subjects["physics"])

	_, _, err = store.SubmitAnswer(ctx, cmd)
	require.ErrorIs(t, err, domain.ErrAlreadyConsumed)

	st, err := store.ParticipantStats(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Attempted)
}

func TestDirectConversationSkipsConversationStats(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, _ = store.UpsertConversation(ctx, domain.Conversation{ID: "d1", Kind: domain.ConversationDirect})

	upd, err := store.ApplyScore(ctx, domain.ScoreCommand{ParticipantID: "p1", ConversationID: "d1", Correct: true, Rules: domain.DefaultScoringRules(), At: time.Now()})
	require.NoError(t, err)
	require.Nil(t, upd.ConversationStats)
	_, err = store.ConversationStats(ctx, "d1", "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExposurePolicyExhaustsDistinctQuestions(t *testing.T) {
	ctx := context.Background()
	store := NewStoreWithSeed(7)
	seedQuestions(t, store, 3)

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		q, err := store.PickQuestion(ctx, "c1", domain.PolicyExposure)
		require.NoError(t, err)
		require.False(t, seen[q.ID], "question %s repeated", q.ID)
		seen[q.ID] = true
		require.NoError(t, store.CommitDispatch(ctx, domain.DispatchCommit{
			Session: domain.PollSession{Token: fmt.Sprintf("t%d", i), ConversationID: "c1", QuestionID: q.ID, CreatedAt: time.Now()},
			Policy:  domain.PolicyExposure,
		}))
	}
	_, err := store.PickQuestion(ctx, "c1", domain.PolicyExposure)
	require.ErrorIs(t, err, domain.ErrExhausted)

	// other conversations are unaffected
	_, err = store.PickQuestion(ctx, "c2", domain.PolicyExposure)
	require.NoError(t, err)

	status, err := store.PoolStatus(ctx, "c1", domain.PolicyExposure)
	require.NoError(t, err)
	require.Equal(t, domain.PoolStatus{Total: 3, Exposed: 3, Remaining: 0}, status)

	cleared, err := store.ResetExposure(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, 3, cleared)
	_, err = store.PickQuestion(ctx, "c1", domain.PolicyExposure)
	require.NoError(t, err)
}

func TestShrinkPolicyRetiresOnCommitOnly(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedQuestions(t, store, 2)

	q, err := store.PickQuestion(ctx, "c1", domain.PolicyShrink)
	require.NoError(t, err)
	status, _ := store.PoolStatus(ctx, "c1", domain.PolicyShrink)
	require.Equal(t, 2, status.Remaining, "picking alone must not retire a question")

	require.NoError(t, store.CommitDispatch(ctx, domain.DispatchCommit{
		Session: domain.PollSession{Token: "t1", ConversationID: "c1", QuestionID: q.ID},
		Policy:  domain.PolicyShrink,
	}))
	_, err = store.GetQuestion(ctx, q.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	q2, err := store.PickQuestion(ctx, "c2", domain.PolicyShrink)
	require.NoError(t, err)
	require.NotEqual(t, q.ID, q2.ID)
}

func TestCommitDispatchFenceRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()
	fence := &domain.ScheduleFence{Mode: domain.SchedulerGlobal, At: now, Interval: time.Minute}

	require.NoError(t, store.CommitDispatch(ctx, domain.DispatchCommit{
		Session:  domain.PollSession{Token: "t1", ConversationID: "c1", QuestionID: "q1"},
		Policy:   domain.PolicyExposure,
		Schedule: fence,
	}))
	err := store.CommitDispatch(ctx, domain.DispatchCommit{
		Session:  domain.PollSession{Token: "t2", ConversationID: "c1", QuestionID: "q2"},
		Policy:   domain.PolicyExposure,
		Schedule: &domain.ScheduleFence{Mode: domain.SchedulerGlobal, At: now.Add(10 * time.Second), Interval: time.Minute},
	})
	require.ErrorIs(t, err, domain.ErrNotDue)

	// the rejected commit left nothing behind
	_, err = store.ConsumeSession(ctx, "t2", 0, now)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRanksAndTies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	rules := domain.DefaultScoringRules()
	apply := func(id string, correct, wrong int) {
		for i := 0; i < correct; i++ {
			_, _ = store.ApplyScore(ctx, domain.ScoreCommand{ParticipantID: id, Correct: true, Rules: rules, At: time.Now()})
		}
		for i := 0; i < wrong; i++ {
			_, _ = store.ApplyScore(ctx, domain.ScoreCommand{ParticipantID: id, Correct: false, Rules: rules, At: time.Now()})
		}
	}
	apply("alice", 3, 2) // 10
	apply("bob", 1, 0)   // 4
	apply("carol", 1, 0) // 4

	top, err := store.TopN(ctx, domain.GlobalScope(), 10)
	require.NoError(t, err)
	require.Len(t, top, 3)
	require.Equal(t, []string{"alice", "bob", "carol"}, []string{top[0].ParticipantID, top[1].ParticipantID, top[2].ParticipantID})
	require.Equal(t, []int{1, 2, 2}, []int{top[0].Rank, top[1].Rank, top[2].Rank})

	rank, err := store.RankOf(ctx, domain.GlobalScope(), "alice")
	require.NoError(t, err)
	require.Equal(t, 1, rank)
	rank, err = store.RankOf(ctx, domain.GlobalScope(), "carol")
	require.NoError(t, err)
	require.Equal(t, 2, rank)

	_, err = store.RankOf(ctx, domain.GlobalScope(), "dave")
	require.ErrorIs(t, err, domain.ErrNotRanked)

	top, err = store.TopN(ctx, domain.GlobalScope(), 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
}

func TestGlobalModeDueConversations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, _ = store.UpsertConversation(ctx, domain.Conversation{ID: "g1", Kind: domain.ConversationGroup})
	_, _ = store.UpsertConversation(ctx, domain.Conversation{ID: "d1", Kind: domain.ConversationDirect})
	now := time.Now()

	due, err := store.DueConversations(ctx, domain.SchedulerGlobal, now)
	require.NoError(t, err)
	require.Empty(t, due, "global record disabled by default")

	require.NoError(t, store.SetAutoDistribution(ctx, domain.AutoDistributionConfig{Enabled: true, Interval: time.Minute}))
	due, err = store.DueConversations(ctx, domain.SchedulerGlobal, now)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "g1", due[0].ConversationID)
}

func TestConversationModeDueConversations(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	_, _ = store.UpsertConversation(ctx, domain.Conversation{ID: "g1", Kind: domain.ConversationGroup})
	_, _ = store.UpsertConversation(ctx, domain.Conversation{ID: "g2", Kind: domain.ConversationGroup})
	require.NoError(t, store.SetAutoDistribution(ctx, domain.AutoDistributionConfig{ConversationID: "g2", Enabled: true, Interval: time.Minute}))

	due, err := store.DueConversations(ctx, domain.SchedulerConversation, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "g2", due[0].ConversationID)
}

func seedQuestions(t *testing.T, store *Store, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := store.AddQuestion(context.Background(), domain.Question{
			ID:      fmt.Sprintf("q%d", i),
			Body:    fmt.Sprintf("question %d", i),
			Options: []string{"a", "b", "c", "d"},
		})
		require.NoError(t, err)
	}
}

func TestShrinkCommitRejectsRetiredQuestion(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	seedQuestions(t, store, 1)

	// both conversations picked q0 before either committed
	require.NoError(t, store.CommitDispatch(ctx, domain.DispatchCommit{
		Session: domain.PollSession{Token: "t1", ConversationID: "c1", QuestionID: "q0"},
		Policy:  domain.PolicyShrink,
	}))
	err := store.CommitDispatch(ctx, domain.DispatchCommit{
		Session:  domain.PollSession{Token: "t2", ConversationID: "c2", QuestionID: "q0"},
		Policy:   domain.PolicyShrink,
		Schedule: &domain.ScheduleFence{Mode: domain.SchedulerGlobal, At: time.Now(), Interval: time.Minute},
	})
	require.ErrorIs(t, err, domain.ErrQuestionRetired)

	_, err = store.ConsumeSession(ctx, "t2", 0, time.Now())
	require.ErrorIs(t, err, domain.ErrNotFound)
	cfg, err := store.AutoDistribution(ctx, domain.SchedulerGlobal, "c2")
	require.NoError(t, err)
	require.True(t, cfg.LastDispatchAt.IsZero(), "schedule untouched by the rejected commit")
}

func TestTiesOrderByteWise(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	for _, id := range []string{"alice", "Bob"} {
		_, err := store.ApplyScore(ctx, domain.ScoreCommand{ParticipantID: id, Correct: true, Rules: domain.DefaultScoringRules(), At: time.Now()})
		require.NoError(t, err)
	}
	top, err := store.TopN(ctx, domain.GlobalScope(), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"Bob", "alice"}, []string{top[0].ParticipantID, top[1].ParticipantID})
}
