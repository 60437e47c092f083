package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"quiz-engine/internal/domain"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
)

func (s *Store) RegisterSession(ctx context.Context, ps domain.PollSession) error {
	return classify("register session", insertSession(ctx, s.pool, ps))
}

func insertSession(ctx context.Context, q querier, ps domain.PollSession) error {
	_, err := q.Exec(ctx, `
		INSERT INTO poll_sessions (token, conversation_id, question_id, correct_option, subject, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		ps.Token, ps.ConversationID, ps.QuestionID, ps.CorrectOptionIndex, ps.Subject, ps.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("session %s: %w", ps.Token, domain.ErrDuplicateSession)
	}
	return err
}

func (s *Store) ConsumeSession(ctx context.Context, token string, chosen int, at time.Time) (domain.ConsumeResult, error) {
	res, err := consumeSession(ctx, s.pool, token, chosen, at)
	if err != nil {
		return domain.ConsumeResult{}, classify("consume session", err)
	}
	return res, nil
}

// consumeSession flips consumed_at in a single conditional update, so only
// one concurrent caller sees a row come back.
func consumeSession(ctx context.Context, q querier, token string, chosen int, at time.Time) (domain.ConsumeResult, error) {
	var (
		res     domain.ConsumeResult
		correct int
	)
	err := q.QueryRow(ctx, `
		UPDATE poll_sessions SET consumed_at = $2
		WHERE token = $1 AND consumed_at IS NULL
		RETURNING conversation_id, question_id, correct_option, subject`,
		token, at,
	).Scan(&res.ConversationID, &res.QuestionID, &correct, &res.Subject)
	if errors.Is(err, pgx.ErrNoRows) {
		var exists bool
		if err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM poll_sessions WHERE token = $1)`, token).Scan(&exists); err != nil {
			return domain.ConsumeResult{}, err
		}
		if exists {
			return domain.ConsumeResult{}, fmt.Errorf("session %s: %w", token, domain.ErrAlreadyConsumed)
		}
		return domain.ConsumeResult{}, fmt.Errorf("session %s: %w", token, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ConsumeResult{}, err
	}
	res.CorrectOption = correct
	res.Correct = chosen == correct
	return res, nil
}

func (s *Store) PurgeSessions(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM poll_sessions WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, classify("purge sessions", err)
	}
	return int(tag.RowsAffected()), nil
}

// CommitDispatch writes the schedule fence, the session and the exposure
// (or the retirement) in one transaction.
func (s *Store) CommitDispatch(ctx context.Context, c domain.DispatchCommit) error {
	ps := c.Session
	return s.inTx(ctx, "commit dispatch", func(tx pgx.Tx) error {
		if c.Schedule != nil {
			if err := advanceSchedule(ctx, tx, ps.ConversationID, *c.Schedule); err != nil {
				return err
			}
		}
		if err := insertSession(ctx, tx, ps); err != nil {
			return err
		}
		if c.Policy == domain.PolicyShrink {
			tag, err := tx.Exec(ctx, `DELETE FROM questions WHERE id = $1`, ps.QuestionID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("question %s: %w", ps.QuestionID, domain.ErrQuestionRetired)
			}
			return nil
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO question_exposures (conversation_id, question_id, exposed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (conversation_id, question_id) DO NOTHING`,
			ps.ConversationID, ps.QuestionID, ps.CreatedAt)
		return err
	})
}

// SubmitAnswer consumes the session and applies the score in one transaction.
// A failure anywhere rolls the consumption back.
func (s *Store) SubmitAnswer(ctx context.Context, cmd domain.AnswerCommand) (domain.ConsumeResult, domain.ScoreUpdate, error) {
	var (
		res domain.ConsumeResult
		upd domain.ScoreUpdate
	)
	err := s.inTx(ctx, "submit answer", func(tx pgx.Tx) error {
		var err error
		res, err = consumeSession(ctx, tx, cmd.Token, cmd.Chosen, cmd.At)
		if err != nil {
			return err
		}
		if _, err := upsertParticipant(ctx, tx, cmd.Participant); err != nil {
			return err
		}
		upd, err = applyScore(ctx, tx, domain.ScoreCommand{
			ParticipantID:  cmd.Participant.ID,
			ConversationID: res.ConversationID,
			Subject:        res.Subject,
			Correct:        res.Correct,
			Rules:          cmd.Rules,
			At:             cmd.At,
		})
		return err
	})
	if err != nil {
		return domain.ConsumeResult{}, domain.ScoreUpdate{}, err
	}
	return res, upd, nil
}
