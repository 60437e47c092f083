package memory

import (
	"context"
	"fmt"
	"time"

	"quiz-engine/internal/domain"
)

func (s *Store) RegisterSession(_ context.Context, ps domain.PollSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registerLocked(ps)
}

func (s *Store) registerLocked(ps domain.PollSession) error {
	if _, ok := s.sessions[ps.Token]; ok {
		return fmt.Errorf("session %s: %w", ps.Token, domain.ErrDuplicateSession)
	}
	ps.ConsumedAt = nil
	s.sessions[ps.Token] = ps
	return nil
}

func (s *Store) ConsumeSession(_ context.Context, token string, chosen int, at time.Time) (domain.ConsumeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumeLocked(token, chosen, at)
}

func (s *Store) consumeLocked(token string, chosen int, at time.Time) (domain.ConsumeResult, error) {
	ps, ok := s.sessions[token]
	if !ok {
		return domain.ConsumeResult{}, fmt.Errorf("session %s: %w", token, domain.ErrNotFound)
	}
	if ps.Consumed() {
		return domain.ConsumeResult{}, fmt.Errorf("session %s: %w", token, domain.ErrAlreadyConsumed)
	}
	consumedAt := at
	ps.ConsumedAt = &consumedAt
	s.sessions[token] = ps
	return domain.ConsumeResult{
		Correct:        chosen == ps.CorrectOptionIndex,
		ConversationID: ps.ConversationID,
		QuestionID:     ps.QuestionID,
		Subject:        ps.Subject,
		CorrectOption:  ps.CorrectOptionIndex,
	}, nil
}

func (s *Store) PurgeSessions(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for token, ps := range s.sessions {
		if ps.CreatedAt.Before(olderThan) {
			delete(s.sessions, token)
			n++
		}
	}
	return n, nil
}

// CommitDispatch validates everything before touching state, so a rejected
// commit leaves no partial writes behind.
func (s *Store) CommitDispatch(_ context.Context, c domain.DispatchCommit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps := c.Session
	if _, ok := s.sessions[ps.Token]; ok {
		return fmt.Errorf("session %s: %w", ps.Token, domain.ErrDuplicateSession)
	}
	if c.Policy == domain.PolicyShrink {
		if _, ok := s.questions[ps.QuestionID]; !ok {
			return fmt.Errorf("question %s: %w", ps.QuestionID, domain.ErrQuestionRetired)
		}
	}
	var schedule domain.AutoDistributionConfig
	if f := c.Schedule; f != nil {
		rec, ok := s.auto[ps.ConversationID]
		if !ok && f.Mode == domain.SchedulerConversation {
			return domain.ErrNotDue
		}
		if !rec.LastDispatchAt.IsZero() && f.At.Sub(rec.LastDispatchAt) < f.Interval {
			return domain.ErrNotDue
		}
		rec.ConversationID = ps.ConversationID
		if !ok {
			rec.Interval = f.Interval
		}
		rec.LastDispatchAt = f.At
		schedule = rec
	}

	if err := s.registerLocked(ps); err != nil {
		return err
	}
	switch c.Policy {
	case domain.PolicyShrink:
		delete(s.questions, ps.QuestionID)
	default:
		seen, ok := s.exposures[ps.ConversationID]
		if !ok {
			seen = make(map[string]time.Time)
			s.exposures[ps.ConversationID] = seen
		}
		if _, ok := seen[ps.QuestionID]; !ok {
			seen[ps.QuestionID] = ps.CreatedAt
		}
	}
	if c.Schedule != nil {
		s.auto[ps.ConversationID] = schedule
	}
	return nil
}

// SubmitAnswer consumes the session and applies the score in one critical section.
func (s *Store) SubmitAnswer(_ context.Context, cmd domain.AnswerCommand) (domain.ConsumeResult, domain.ScoreUpdate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.consumeLocked(cmd.Token, cmd.Chosen, cmd.At)
	if err != nil {
		return domain.ConsumeResult{}, domain.ScoreUpdate{}, err
	}
	s.upsertParticipantLocked(cmd.Participant)
	upd := s.applyLocked(domain.ScoreCommand{
		ParticipantID:  cmd.Participant.ID,
		ConversationID: res.ConversationID,
		Subject:        res.Subject,
		Correct:        res.Correct,
		Rules:          cmd.Rules,
		At:             cmd.At,
	})
	return res, upd, nil
}
