package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"

	"github.com/google/uuid"
)

// DefaultLeaseTTL bounds how long a crashed dispatcher can block a conversation.
const DefaultLeaseTTL = 30 * time.Second

// Options configures an Engine. Zero values fall back to defaults.
type Options struct {
	Policy           domain.ExhaustionPolicy
	ResetOnExhausted bool
	Rules            domain.ScoringRules
	SchedulerMode    domain.SchedulerMode
	Cache            QuestionCache
	Leases           Leaser
	LeaseTTL         time.Duration
	Notifier         Notifier
	Logger           *logger.Logger
	Clock            func() time.Time
	NewToken         func() string
}

// Engine is the entry point used by transports and the scheduler.
type Engine struct {
	store    Store
	selector *Selector
	registry *Registry
	scorer   *Scorer
	board    *Leaderboard
	cache    QuestionCache
	leases   Leaser
	leaseTTL time.Duration
	notifier Notifier
	mode     domain.SchedulerMode
	rules    domain.ScoringRules
	log      *logger.Logger
	clock    func() time.Time
	newToken func() string

	// exhausted holds conversations already reported as out of questions.
	exhaustedMu sync.Mutex
	exhausted   map[string]struct{}
}

func NewEngine(store Store, opts Options) *Engine {
	log := logger.OrNop(opts.Logger)
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	newToken := opts.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = LogNotifier{Log: log}
	}
	cache := opts.Cache
	if cache == nil {
		cache = storeCache{store: store}
	}
	leases := opts.Leases
	if leases == nil {
		leases = noLeases{}
	}
	leaseTTL := opts.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	mode := opts.SchedulerMode
	if mode == "" {
		mode = domain.SchedulerGlobal
	}
	rules := opts.Rules
	if rules.IsZero() {
		rules = domain.DefaultScoringRules()
	}

	return &Engine{
		store:    store,
		selector: NewSelector(store, opts.Policy, opts.ResetOnExhausted, log),
		registry: NewRegistry(store, clock),
		scorer:   NewScorer(store, rules, notifier, log, clock),
		board:    NewLeaderboard(store, clock),
		cache:    cache,
		leases:   leases,
		leaseTTL: leaseTTL,
		notifier: notifier,
		mode:     mode,
		rules:    rules,
		log:      log.With("component", "engine"),
		clock:    clock,
		newToken: newToken,

		exhausted: make(map[string]struct{}),
	}
}

func (e *Engine) Selector() *Selector       { return e.selector }
func (e *Engine) Registry() *Registry       { return e.registry }
func (e *Engine) Scorer() *Scorer           { return e.scorer }
func (e *Engine) Leaderboard() *Leaderboard { return e.board }
func (e *Engine) Notifier() Notifier        { return e.notifier }
func (e *Engine) Mode() domain.SchedulerMode {
	return e.mode
}

// AddQuestion validates and stores a question, minting an id when absent.
func (e *Engine) AddQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	if err := q.Validate(); err != nil {
		return domain.Question{}, err
	}
	if q.ID == "" {
		q.ID = uuid.NewString()
	}
	added, err := e.store.AddQuestion(ctx, q)
	if err != nil {
		return domain.Question{}, err
	}
	// a refilled pool starts a new exhaustion episode everywhere
	e.exhaustedMu.Lock()
	clear(e.exhausted)
	e.exhaustedMu.Unlock()
	return added, nil
}

// RegisterConversation creates or refreshes a conversation on first interaction.
func (e *Engine) RegisterConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	if c.ID == "" {
		return domain.Conversation{}, fmt.Errorf("%w: conversation id required", domain.ErrInvalidArgument)
	}
	switch c.Kind {
	case domain.ConversationDirect, domain.ConversationGroup:
	case "":
		c.Kind = domain.ConversationDirect
	default:
		return domain.Conversation{}, fmt.Errorf("%w: conversation kind %q", domain.ErrInvalidArgument, c.Kind)
	}
	if c.RegisteredAt.IsZero() {
		c.RegisteredAt = e.clock()
	}
	return e.store.UpsertConversation(ctx, c)
}

// RegisterParticipant creates or refreshes a participant profile.
func (e *Engine) RegisterParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	if p.ID == "" {
		return domain.Participant{}, fmt.Errorf("%w: participant id required", domain.ErrInvalidArgument)
	}
	if p.RegisteredAt.IsZero() {
		p.RegisteredAt = e.clock()
	}
	return e.store.UpsertParticipant(ctx, p)
}

func (e *Engine) Conversation(ctx context.Context, id string) (domain.Conversation, error) {
	return e.store.GetConversation(ctx, id)
}

func (e *Engine) PoolStatus(ctx context.Context, conversationID string) (domain.PoolStatus, error) {
	return e.selector.PoolStatus(ctx, conversationID)
}

func (e *Engine) Totals(ctx context.Context) (domain.Totals, error) {
	return e.store.Totals(ctx)
}

// SetAutoDistribution stores a global (empty conversation id) or per-conversation record.
func (e *Engine) SetAutoDistribution(ctx context.Context, cfg domain.AutoDistributionConfig) error {
	if cfg.Interval <= 0 {
		cfg.Interval = domain.DefaultAutoInterval
	}
	if !cfg.Global() {
		if _, err := e.store.GetConversation(ctx, cfg.ConversationID); err != nil {
			return err
		}
	}
	return e.store.SetAutoDistribution(ctx, cfg)
}

func (e *Engine) AutoDistribution(ctx context.Context, conversationID string) (domain.AutoDistributionConfig, error) {
	return e.store.AutoDistribution(ctx, e.mode, conversationID)
}

// DueConversations lists the conversations whose interval has elapsed at now.
func (e *Engine) DueConversations(ctx context.Context, now time.Time) ([]domain.AutoDistributionConfig, error) {
	return e.store.DueConversations(ctx, e.mode, now)
}

// DispatchQuestion selects a question for a manual trigger and registers its
// session. The caller presents the returned question using the token.
func (e *Engine) DispatchQuestion(ctx context.Context, conversationID string) (domain.Dispatch, error) {
	if _, err := e.store.GetConversation(ctx, conversationID); err != nil {
		return domain.Dispatch{}, err
	}
	lease, err := e.leases.Acquire(ctx, leaseKey(conversationID), e.leaseTTL)
	if err != nil {
		return domain.Dispatch{}, err
	}
	defer e.release(lease, conversationID)

	q, err := e.selectFor(ctx, conversationID)
	if err != nil {
		return domain.Dispatch{}, err
	}
	d, err := e.commit(ctx, conversationID, q, e.newToken(), nil)
	if !errors.Is(err, domain.ErrQuestionRetired) {
		return d, err
	}
	// another conversation retired the pick first; nothing was committed
	e.log.Info("picked question retired concurrently, selecting again", "conversation_id", conversationID, "question_id", q.ID)
	if q, err = e.selectFor(ctx, conversationID); err != nil {
		return domain.Dispatch{}, err
	}
	return e.commit(ctx, conversationID, q, e.newToken(), nil)
}

// DispatchScheduled runs one scheduler dispatch: re-check the interval under
// the conversation lease, select, deliver, then commit the session together
// with the exposure and the new LastDispatchAt. Nothing is committed when
// delivery fails, so the question stays in the pool.
func (e *Engine) DispatchScheduled(ctx context.Context, conversationID string, deliverer Deliverer) (domain.Dispatch, error) {
	lease, err := e.leases.Acquire(ctx, leaseKey(conversationID), e.leaseTTL)
	if err != nil {
		return domain.Dispatch{}, err
	}
	defer e.release(lease, conversationID)

	now := e.clock()
	cfg, err := e.store.AutoDistribution(ctx, e.mode, conversationID)
	if err != nil {
		return domain.Dispatch{}, err
	}
	if !cfg.DueAt(now) {
		return domain.Dispatch{}, domain.ErrNotDue
	}

	q, err := e.selectFor(ctx, conversationID)
	if err != nil {
		return domain.Dispatch{}, err
	}

	token, err := deliverer.Deliver(ctx, conversationID, q)
	if err != nil {
		return domain.Dispatch{}, fmt.Errorf("deliver question: %w", err)
	}
	if token == "" {
		token = e.newToken()
	}
	d, err := e.commit(ctx, conversationID, q, token, &domain.ScheduleFence{Mode: e.mode, At: now, Interval: cfg.Interval})
	if err != nil {
		e.log.Error("question delivered but session not registered", "conversation_id", conversationID, "question_id", q.ID, "error", err)
		return domain.Dispatch{}, err
	}
	return d, nil
}

func (e *Engine) selectFor(ctx context.Context, conversationID string) (domain.Question, error) {
	q, err := e.selector.SelectNext(ctx, conversationID)
	if errors.Is(err, domain.ErrExhausted) && e.markExhausted(conversationID) {
		e.log.Info("no question left for conversation", "conversation_id", conversationID, "policy", e.selector.Policy())
		e.notifier.PoolExhausted(ctx, conversationID)
	}
	return q, err
}

// markExhausted reports whether this is the first exhaustion since the
// conversation last received a question or the pool was refilled.
func (e *Engine) markExhausted(conversationID string) bool {
	e.exhaustedMu.Lock()
	defer e.exhaustedMu.Unlock()
	if _, ok := e.exhausted[conversationID]; ok {
		return false
	}
	e.exhausted[conversationID] = struct{}{}
	return true
}

func (e *Engine) commit(ctx context.Context, conversationID string, q domain.Question, token string, fence *domain.ScheduleFence) (domain.Dispatch, error) {
	now := e.clock()
	err := e.store.CommitDispatch(ctx, domain.DispatchCommit{
		Session: domain.PollSession{
			Token:              token,
			ConversationID:     conversationID,
			QuestionID:         q.ID,
			CorrectOptionIndex: q.CorrectOptionIndex,
			Subject:            q.Subject,
			CreatedAt:          now,
		},
		Policy:   e.selector.Policy(),
		Schedule: fence,
	})
	if err != nil {
		return domain.Dispatch{}, err
	}
	e.exhaustedMu.Lock()
	delete(e.exhausted, conversationID)
	e.exhaustedMu.Unlock()
	if err := e.cache.Put(ctx, q); err != nil {
		e.log.Warn("question cache warm failed", "question_id", q.ID, "error", err)
	}
	return domain.Dispatch{Token: token, ConversationID: conversationID, Question: q, DispatchedAt: now}, nil
}

// SubmitAnswer consumes the session and scores the participant as one unit.
// A redelivered answer returns domain.ErrAlreadyConsumed and scores nothing.
func (e *Engine) SubmitAnswer(ctx context.Context, sub domain.AnswerSubmission) (domain.AnswerOutcome, error) {
	if !domain.ValidOption(sub.Chosen) {
		return domain.AnswerOutcome{}, fmt.Errorf("%w: chosen option %d", domain.ErrInvalidOption, sub.Chosen)
	}
	if sub.Token == "" || sub.Participant.ID == "" {
		return domain.AnswerOutcome{}, fmt.Errorf("%w: session token and participant id required", domain.ErrInvalidArgument)
	}
	now := e.clock()
	participant := sub.Participant
	if participant.RegisteredAt.IsZero() {
		participant.RegisteredAt = now
	}

	res, upd, err := e.store.SubmitAnswer(ctx, domain.AnswerCommand{
		Token:       sub.Token,
		Chosen:      sub.Chosen,
		Participant: participant,
		Rules:       e.rules,
		At:          now,
	})
	if err != nil {
		return domain.AnswerOutcome{}, err
	}

	outcome := domain.AnswerOutcome{
		Token:              sub.Token,
		ConversationID:     res.ConversationID,
		QuestionID:         res.QuestionID,
		ParticipantID:      participant.ID,
		Chosen:             sub.Chosen,
		CorrectOptionIndex: res.CorrectOption,
		Correct:            res.Correct,
		Stats:              upd.Stats,
		ConversationStats:  upd.ConversationStats,
	}
	if q, err := e.cache.GetQuestion(ctx, res.QuestionID); err == nil {
		outcome.Explanation = q.Explanation
	} else if !errors.Is(err, domain.ErrNotFound) {
		e.log.Warn("explanation lookup failed", "question_id", res.QuestionID, "error", err)
	}
	e.scorer.celebrate(ctx, participant.ID, res.ConversationID, res.Correct, upd.Stats)
	return outcome, nil
}

// NightlyRollover publishes every group leaderboard, optionally resets the
// per-conversation rows and purges old sessions.
func (e *Engine) NightlyRollover(ctx context.Context, reset bool, sessionMaxAge time.Duration) error {
	groups, err := e.store.ListConversations(ctx, domain.ConversationGroup)
	if err != nil {
		return err
	}
	var errs []error
	for _, c := range groups {
		lb, err := e.board.TopN(ctx, domain.ConversationScope(c.ID), 10)
		if err != nil {
			errs = append(errs, fmt.Errorf("leaderboard %s: %w", c.ID, err))
			continue
		}
		if len(lb.Entries) > 0 {
			e.notifier.NightlyLeaderboard(ctx, lb)
		}
		if reset {
			if _, err := e.scorer.ResetConversation(ctx, c.ID); err != nil {
				errs = append(errs, fmt.Errorf("reset %s: %w", c.ID, err))
			}
		}
	}
	purged, err := e.registry.Purge(ctx, sessionMaxAge)
	if err != nil {
		errs = append(errs, fmt.Errorf("purge sessions: %w", err))
	} else if purged > 0 {
		e.log.Info("old poll sessions purged", "count", purged)
	}
	return errors.Join(errs...)
}

func (e *Engine) release(lease Lease, conversationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := lease.Release(ctx); err != nil {
		e.log.Warn("dispatch lease release failed", "conversation_id", conversationID, "error", err)
	}
}

func leaseKey(conversationID string) string {
	return "dispatch:" + conversationID
}

// storeCache reads questions straight from the store when no cache is wired.
type storeCache struct {
	store QuestionStore
}

func (c storeCache) Put(context.Context, domain.Question) error { return nil }

func (c storeCache) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	return c.store.GetQuestion(ctx, id)
}

type noLeases struct{}

func (noLeases) Acquire(context.Context, string, time.Duration) (Lease, error) {
	return noLease{}, nil
}

type noLease struct{}

func (noLease) Release(context.Context) error { return nil }
