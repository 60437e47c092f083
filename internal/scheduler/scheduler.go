package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"

	"golang.org/x/sync/errgroup"
)

// Config tunes the dispatch loop.
type Config struct {
	Tick            time.Duration
	DispatchTimeout time.Duration
	Concurrency     int
	// NightlyAt is "HH:MM" local time; empty disables the nightly job.
	NightlyAt              string
	ResetConversationStats bool
	SessionMaxAge          time.Duration
}

// Engine is the slice of app.Engine the scheduler drives.
type Engine interface {
	DueConversations(ctx context.Context, now time.Time) ([]domain.AutoDistributionConfig, error)
	DispatchScheduled(ctx context.Context, conversationID string, deliverer app.Deliverer) (domain.Dispatch, error)
	NightlyRollover(ctx context.Context, reset bool, sessionMaxAge time.Duration) error
}

// TickReport summarises one pass over the due conversations.
type TickReport struct {
	Dispatched []string
	Exhausted  []string
	Skipped    []string
	Failed     map[string]error
}

// Scheduler dispatches questions to conversations whose interval elapsed.
type Scheduler struct {
	engine    Engine
	deliverer app.Deliverer
	cfg       Config
	log       *logger.Logger
	clock     func() time.Time

	nightlyHour, nightlyMinute int
	lastNightly                time.Time
}

func New(engine Engine, deliverer app.Deliverer, cfg Config, log *logger.Logger) (*Scheduler, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = time.Minute
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	s := &Scheduler{
		engine:        engine,
		deliverer:     deliverer,
		cfg:           cfg,
		log:           logger.OrNop(log).With("component", "scheduler"),
		clock:         time.Now,
		nightlyHour:   -1,
		nightlyMinute: -1,
	}
	if cfg.NightlyAt != "" {
		at, err := time.Parse("15:04", cfg.NightlyAt)
		if err != nil {
			return nil, fmt.Errorf("nightly_at %q: %w", cfg.NightlyAt, err)
		}
		s.nightlyHour, s.nightlyMinute = at.Hour(), at.Minute()
	}
	// a process started after today's slot waits for tomorrow
	s.lastNightly = s.clock()
	return s, nil
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	s.log.Info("scheduler started", "tick", s.cfg.Tick.String(), "concurrency", s.cfg.Concurrency)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler stopped")
			return nil
		case <-ticker.C:
			now := s.clock()
			report, err := s.Tick(ctx, now)
			if err != nil {
				s.log.Warn("scheduler tick failed", "error", err)
				continue
			}
			if len(report.Dispatched)+len(report.Exhausted)+len(report.Failed) > 0 {
				s.log.Info("scheduler tick",
					"dispatched", len(report.Dispatched),
					"exhausted", len(report.Exhausted),
					"skipped", len(report.Skipped),
					"failed", len(report.Failed),
				)
			}
			s.maybeNightly(ctx, now)
		}
	}
}

// Tick dispatches to every conversation due at now. One conversation failing
// or timing out never blocks the others.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	due, err := s.engine.DueConversations(ctx, now)
	if err != nil {
		return TickReport{}, err
	}

	var (
		mu     sync.Mutex
		report = TickReport{Failed: map[string]error{}}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, cfg := range due {
		conversationID := cfg.ConversationID
		g.Go(func() error {
			err := s.dispatchOne(gctx, conversationID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				report.Dispatched = append(report.Dispatched, conversationID)
			case errors.Is(err, domain.ErrExhausted):
				report.Exhausted = append(report.Exhausted, conversationID)
			case errors.Is(err, domain.ErrNotDue), errors.Is(err, domain.ErrLeaseHeld), errors.Is(err, domain.ErrQuestionRetired):
				report.Skipped = append(report.Skipped, conversationID)
			default:
				report.Failed[conversationID] = err
				s.log.Warn("scheduled dispatch failed", "conversation_id", conversationID, "error", err)
			}
			// per-conversation errors never cancel the siblings
			return nil
		})
	}
	_ = g.Wait()
	return report, nil
}

func (s *Scheduler) dispatchOne(ctx context.Context, conversationID string) (err error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled dispatch panic", "conversation_id", conversationID, "panic", r)
			err = fmt.Errorf("dispatch panic: %v", r)
		}
	}()
	_, err = s.engine.DispatchScheduled(ctx, conversationID, s.deliverer)
	return err
}

// maybeNightly runs the rollover once per day after the configured time.
func (s *Scheduler) maybeNightly(ctx context.Context, now time.Time) {
	if !s.NightlyDue(now) {
		return
	}
	s.lastNightly = now
	if err := s.engine.NightlyRollover(ctx, s.cfg.ResetConversationStats, s.cfg.SessionMaxAge); err != nil {
		s.log.Warn("nightly rollover finished with errors", "error", err)
		return
	}
	s.log.Info("nightly rollover done", "reset", s.cfg.ResetConversationStats)
}

// NightlyDue reports whether the nightly job should run at now.
func (s *Scheduler) NightlyDue(now time.Time) bool {
	if s.nightlyHour < 0 {
		return false
	}
	slot := time.Date(now.Year(), now.Month(), now.Day(), s.nightlyHour, s.nightlyMinute, 0, 0, now.Location())
	if now.Before(slot) {
		return false
	}
	return s.lastNightly.Before(slot)
}

// RunNightly forces the nightly job, used by the one-shot CLI command.
func (s *Scheduler) RunNightly(ctx context.Context) error {
	s.lastNightly = s.clock()
	return s.engine.NightlyRollover(ctx, s.cfg.ResetConversationStats, s.cfg.SessionMaxAge)
}
