package app_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
	"quiz-engine/internal/infra/memory"

	"github.com/stretchr/testify/require"
)

func TestDispatchAndAnswer(t *testing.T) {
	ctx := context.Background()
	store, engine, _ := newTestEngine(t, app.Options{})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "g1")

	d, err := engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)
	require.NotEmpty(t, d.Token)

	out, err := engine.SubmitAnswer(ctx, domain.AnswerSubmission{
		Token:       d.Token,
		Chosen:      d.Question.CorrectOptionIndex,
		Participant: domain.Participant{ID: "p1", Handle: "asha"},
	})
	require.NoError(t, err)
	require.True(t, out.Correct)
	require.Equal(t, "explanation 0", out.Explanation)
	require.Equal(t, int64(4), out.Stats.Score)
	require.NotNil(t, out.ConversationStats)
	require.Equal(t, int64(4), out.ConversationStats.Score)

	_, err = engine.SubmitAnswer(ctx, domain.AnswerSubmission{Token: d.Token, Chosen: 0, Participant: domain.Participant{ID: "p1"}})
	require.ErrorIs(t, err, domain.ErrAlreadyConsumed)

	st, err := store.ParticipantStats(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(1), st.Attempted)
}

func TestCorrectThenIncorrect(t *testing.T) {
	ctx := context.Background()
	_, engine, _ := newTestEngine(t, app.Options{})

	_, err := engine.Scorer().ApplyAnswer(ctx, "p1", "", true)
	require.NoError(t, err)
	st, err := engine.Scorer().ApplyAnswer(ctx, "p1", "", false)
	require.NoError(t, err)

	require.Equal(t, int64(3), st.Score)
	require.Equal(t, int64(0), st.CurrentStreak)
	require.Equal(t, int64(1), st.BestStreak)
	require.Equal(t, int64(2), st.Attempted)
}

func TestExposureExhaustsAfterDistinctDispatches(t *testing.T) {
	ctx := context.Background()
	_, engine, events := newTestEngine(t, app.Options{})
	addQuestions(t, engine, 3)
	registerGroup(t, engine, "g1")

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		d, err := engine.DispatchQuestion(ctx, "g1")
		require.NoError(t, err)
		require.False(t, seen[d.Question.ID], "question %s dispatched twice", d.Question.ID)
		seen[d.Question.ID] = true
	}

	_, err := engine.DispatchQuestion(ctx, "g1")
	require.ErrorIs(t, err, domain.ErrExhausted)
	require.Equal(t, []string{"g1"}, events.exhausted())

	status, err := engine.PoolStatus(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 0, status.Remaining)
}

func TestResetOnExhaustedStartsOver(t *testing.T) {
	ctx := context.Background()
	_, engine, events := newTestEngine(t, app.Options{ResetOnExhausted: true})
	addQuestions(t, engine, 2)
	registerGroup(t, engine, "g1")

	for i := 0; i < 5; i++ {
		_, err := engine.DispatchQuestion(ctx, "g1")
		require.NoError(t, err)
	}
	require.Empty(t, events.exhausted())
}

func TestShrinkKeepsExplanationOfRetiredQuestion(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	engine := app.NewEngine(store, app.Options{
		Policy: domain.PolicyShrink,
		Cache:  memory.NewQuestionCache(store, time.Minute),
	})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "g1")

	d, err := engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)
	_, err = store.GetQuestion(ctx, d.Question.ID)
	require.ErrorIs(t, err, domain.ErrNotFound)

	out, err := engine.SubmitAnswer(ctx, domain.AnswerSubmission{Token: d.Token, Chosen: 3, Participant: domain.Participant{ID: "p1"}})
	require.NoError(t, err)
	require.False(t, out.Correct)
	require.Equal(t, "explanation 0", out.Explanation)

	_, err = engine.DispatchQuestion(ctx, "g2")
	require.ErrorIs(t, err, domain.ErrNotFound, "unregistered conversation")
	registerGroup(t, engine, "g2")
	_, err = engine.DispatchQuestion(ctx, "g2")
	require.ErrorIs(t, err, domain.ErrExhausted)
}

func TestMilestoneNotification(t *testing.T) {
	ctx := context.Background()
	rules := domain.DefaultScoringRules()
	rules.Milestones = []int64{2}
	_, engine, events := newTestEngine(t, app.Options{Rules: rules})

	for i := 0; i < 3; i++ {
		_, err := engine.Scorer().ApplyAnswer(ctx, "p1", "g1", true)
		require.NoError(t, err)
	}
	require.Equal(t, []int64{2}, events.milestones())
}

func TestInvalidOptionLeavesSessionOpen(t *testing.T) {
	ctx := context.Background()
	_, engine, _ := newTestEngine(t, app.Options{})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "g1")
	d, err := engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)

	_, err = engine.SubmitAnswer(ctx, domain.AnswerSubmission{Token: d.Token, Chosen: domain.OptionCount, Participant: domain.Participant{ID: "p1"}})
	require.ErrorIs(t, err, domain.ErrInvalidOption)

	_, err = engine.SubmitAnswer(ctx, domain.AnswerSubmission{Token: d.Token, Chosen: 0, Participant: domain.Participant{ID: "p1"}})
	require.NoError(t, err)
}

func TestStorageFailureDoesNotConsume(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{Store: memory.NewStore(), fail: true}
	engine := app.NewEngine(store, app.Options{})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "g1")
	d, err := engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)

	sub := domain.AnswerSubmission{Token: d.Token, Chosen: d.Question.CorrectOptionIndex, Participant: domain.Participant{ID: "p1"}}
	_, err = engine.SubmitAnswer(ctx, sub)
	require.ErrorIs(t, err, domain.ErrStorageUnavailable)

	store.fail = false
	out, err := engine.SubmitAnswer(ctx, sub)
	require.NoError(t, err)
	require.Equal(t, int64(1), out.Stats.Attempted)
}

func TestLeaderboardRanks(t *testing.T) {
	ctx := context.Background()
	_, engine, _ := newTestEngine(t, app.Options{})
	for _, correct := range []bool{true, true, true, false, false} {
		_, err := engine.Scorer().ApplyAnswer(ctx, "alice", "", correct)
		require.NoError(t, err)
	}
	_, err := engine.Scorer().ApplyAnswer(ctx, "bob", "", true)
	require.NoError(t, err)

	lb, err := engine.Leaderboard().TopN(ctx, domain.GlobalScope(), 0)
	require.NoError(t, err)
	require.Len(t, lb.Entries, 2)
	require.Equal(t, "alice", lb.Entries[0].ParticipantID)
	require.Equal(t, int64(10), lb.Entries[0].Score)

	rank, err := engine.Leaderboard().RankOf(ctx, domain.GlobalScope(), "bob")
	require.NoError(t, err)
	require.Equal(t, 2, rank)
}

func TestDispatchScheduledHonoursInterval(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	_, engine, _ := newTestEngine(t, app.Options{Clock: func() time.Time { return now }})
	addQuestions(t, engine, 3)
	registerGroup(t, engine, "g1")
	require.NoError(t, engine.SetAutoDistribution(ctx, domain.AutoDistributionConfig{Enabled: true, Interval: time.Hour}))

	deliverer := &recordingDeliverer{token: "platform-1"}
	d, err := engine.DispatchScheduled(ctx, "g1", deliverer)
	require.NoError(t, err)
	require.Equal(t, "platform-1", d.Token)
	require.Len(t, deliverer.sent, 1)

	_, err = engine.DispatchScheduled(ctx, "g1", deliverer)
	require.ErrorIs(t, err, domain.ErrNotDue)

	now = now.Add(time.Hour)
	deliverer.token = ""
	d, err = engine.DispatchScheduled(ctx, "g1", deliverer)
	require.NoError(t, err)
	require.NotEmpty(t, d.Token)

	cfg, err := engine.AutoDistribution(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, now, cfg.LastDispatchAt)
}

func TestFailedDeliveryCommitsNothing(t *testing.T) {
	ctx := context.Background()
	_, engine, _ := newTestEngine(t, app.Options{})
	addQuestions(t, engine, 2)
	registerGroup(t, engine, "g1")
	require.NoError(t, engine.SetAutoDistribution(ctx, domain.AutoDistributionConfig{Enabled: true}))

	_, err := engine.DispatchScheduled(ctx, "g1", &recordingDeliverer{err: errors.New("chat unreachable")})
	require.Error(t, err)

	status, err := engine.PoolStatus(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 2, status.Remaining)
	due, err := engine.DueConversations(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
}

func TestDispatchRespectsLease(t *testing.T) {
	ctx := context.Background()
	leases := memory.NewLeaseStore()
	_, engine, _ := newTestEngine(t, app.Options{Leases: leases})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "g1")

	held, err := leases.Acquire(ctx, "dispatch:g1", time.Minute)
	require.NoError(t, err)
	_, err = engine.DispatchQuestion(ctx, "g1")
	require.ErrorIs(t, err, domain.ErrLeaseHeld)

	require.NoError(t, held.Release(ctx))
	_, err = engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)
}

func TestNightlyRollover(t *testing.T) {
	ctx := context.Background()
	store, engine, events := newTestEngine(t, app.Options{})
	registerGroup(t, engine, "g1")
	registerGroup(t, engine, "quiet")
	_, err := engine.Scorer().ApplyAnswer(ctx, "p1", "g1", true)
	require.NoError(t, err)

	require.NoError(t, engine.NightlyRollover(ctx, true, time.Hour))
	require.Equal(t, []string{"g1"}, events.boards())

	_, err = store.ConversationStats(ctx, "g1", "p1")
	require.ErrorIs(t, err, domain.ErrNotFound)
	st, err := store.ParticipantStats(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, int64(4), st.Score, "global stats survive the reset")
}

func TestShrinkNeverSendsOneQuestionToTwoConversations(t *testing.T) {
	ctx := context.Background()
	_, engine, _ := newTestEngine(t, app.Options{Policy: domain.PolicyShrink})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "a")
	registerGroup(t, engine, "b")
	require.NoError(t, engine.SetAutoDistribution(ctx, domain.AutoDistributionConfig{Enabled: true, Interval: time.Hour}))

	// a manual dispatch to b lands while a's scheduled delivery is in flight
	var manual domain.Dispatch
	deliverer := deliverFunc(func(ctx context.Context, _ string, _ domain.Question) (string, error) {
		var err error
		manual, err = engine.DispatchQuestion(ctx, "b")
		return "", err
	})
	_, err := engine.DispatchScheduled(ctx, "a", deliverer)
	require.ErrorIs(t, err, domain.ErrQuestionRetired)
	require.Equal(t, "q0", manual.Question.ID)

	status, err := engine.PoolStatus(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 0, status.Total)
	cfg, err := engine.AutoDistribution(ctx, "a")
	require.NoError(t, err)
	require.True(t, cfg.LastDispatchAt.IsZero(), "a stays due for the next tick")
}

func TestDispatchSelectsAgainWhenPickWasRetired(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{Store: memory.NewStore()}
	engine := app.NewEngine(store, app.Options{Policy: domain.PolicyShrink})
	addQuestions(t, engine, 2)
	registerGroup(t, engine, "g1")

	d, err := engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)
	require.NotEqual(t, store.stolen, d.Question.ID)

	status, err := engine.PoolStatus(ctx, "g1")
	require.NoError(t, err)
	require.Equal(t, 0, status.Total)
}

func TestPoolExhaustedNotifiedOncePerEpisode(t *testing.T) {
	ctx := context.Background()
	_, engine, events := newTestEngine(t, app.Options{})
	addQuestions(t, engine, 1)
	registerGroup(t, engine, "g1")

	_, err := engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = engine.DispatchQuestion(ctx, "g1")
		require.ErrorIs(t, err, domain.ErrExhausted)
	}
	require.Equal(t, []string{"g1"}, events.exhausted())

	_, err = engine.AddQuestion(ctx, domain.Question{ID: "extra", Body: "one more", Options: []string{"a", "b", "c", "d"}})
	require.NoError(t, err)
	_, err = engine.DispatchQuestion(ctx, "g1")
	require.NoError(t, err)
	_, err = engine.DispatchQuestion(ctx, "g1")
	require.ErrorIs(t, err, domain.ErrExhausted)
	require.Equal(t, []string{"g1", "g1"}, events.exhausted())
}

func TestExplicitZeroPointsAreKept(t *testing.T) {
	ctx := context.Background()
	_, engine, _ := newTestEngine(t, app.Options{Rules: domain.ScoringRules{Milestones: []int64{5}}})

	st, err := engine.Scorer().ApplyAnswer(ctx, "p1", "", true)
	require.NoError(t, err)
	require.Equal(t, int64(0), st.Score)
	require.Equal(t, int64(1), st.Correct)

	_, defaults, _ := newTestEngine(t, app.Options{})
	st, err = defaults.Scorer().ApplyAnswer(ctx, "p1", "", true)
	require.NoError(t, err)
	require.Equal(t, int64(4), st.Score)
}

func newTestEngine(t *testing.T, opts app.Options) (*memory.Store, *app.Engine, *recordingNotifier) {
	t.Helper()
	store := memory.NewStore()
	events := &recordingNotifier{}
	opts.Notifier = events
	return store, app.NewEngine(store, opts), events
}

func addQuestions(t *testing.T, engine *app.Engine, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := engine.AddQuestion(context.Background(), domain.Question{
			ID:                 fmt.Sprintf("q%d", i),
			Body:               fmt.Sprintf("question %d", i),
			Options:            []string{"a", "b", "c", "d"},
			CorrectOptionIndex: i % domain.OptionCount,
			Explanation:        fmt.Sprintf("explanation %d", i),
		})
		require.NoError(t, err)
	}
}

func registerGroup(t *testing.T, engine *app.Engine, id string) {
	t.Helper()
	_, err := engine.RegisterConversation(context.Background(), domain.Conversation{ID: id, Kind: domain.ConversationGroup})
	require.NoError(t, err)
}

type recordingNotifier struct {
	mu        sync.Mutex
	pools     []string
	streaks   []int64
	published []string
}

func (n *recordingNotifier) PoolExhausted(_ context.Context, conversationID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pools = append(n.pools, conversationID)
}

func (n *recordingNotifier) MilestoneStreak(_ context.Context, _, _ string, streak int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.streaks = append(n.streaks, streak)
}

func (n *recordingNotifier) NightlyLeaderboard(_ context.Context, lb domain.Leaderboard) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.published = append(n.published, lb.Scope.ConversationID)
}

func (n *recordingNotifier) exhausted() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.pools...)
}

func (n *recordingNotifier) milestones() []int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]int64(nil), n.streaks...)
}

func (n *recordingNotifier) boards() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.published...)
}

type recordingDeliverer struct {
	token string
	err   error
	sent  []string
}

func (d *recordingDeliverer) Deliver(_ context.Context, _ string, q domain.Question) (string, error) {
	if d.err != nil {
		return "", d.err
	}
	d.sent = append(d.sent, q.ID)
	return d.token, nil
}

// flakyStore fails answer submission before anything is consumed.
type flakyStore struct {
	*memory.Store
	fail bool
}

func (s *flakyStore) SubmitAnswer(ctx context.Context, cmd domain.AnswerCommand) (domain.ConsumeResult, domain.ScoreUpdate, error) {
	if s.fail {
		return domain.ConsumeResult{}, domain.ScoreUpdate{}, domain.Unavailable("submit answer", errors.New("connection reset"))
	}
	return s.Store.SubmitAnswer(ctx, cmd)
}

type deliverFunc func(ctx context.Context, conversationID string, q domain.Question) (string, error)

func (f deliverFunc) Deliver(ctx context.Context, conversationID string, q domain.Question) (string, error) {
	return f(ctx, conversationID, q)
}

// racingStore retires the first picked question on behalf of another
// conversation before the caller can commit it.
type racingStore struct {
	*memory.Store
	stolen string
}

func (s *racingStore) PickQuestion(ctx context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.Question, error) {
	q, err := s.Store.PickQuestion(ctx, conversationID, policy)
	if err != nil || s.stolen != "" {
		return q, err
	}
	s.stolen = q.ID
	err = s.Store.CommitDispatch(ctx, domain.DispatchCommit{
		Session: domain.PollSession{Token: "elsewhere", ConversationID: "other", QuestionID: q.ID},
		Policy:  policy,
	})
	return q, err
}
