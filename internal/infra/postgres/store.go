package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"quiz-engine/internal/domain"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
)

// Store implements app.Store on Postgres. Multi-row writes run inside one
// transaction; per-participant rows are serialised with row locks.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

func (s *Store) inTx(ctx context.Context, op string, fn func(tx pgx.Tx) error) error {
	return classify(op, s.pool.BeginFunc(ctx, fn))
}

const uniqueViolation = "23505"

var passthrough = []error{
	domain.ErrNotFound,
	domain.ErrAlreadyConsumed,
	domain.ErrDuplicateSession,
	domain.ErrExhausted,
	domain.ErrNotRanked,
	domain.ErrInvalidQuestion,
	domain.ErrInvalidArgument,
	domain.ErrNotDue,
	domain.ErrQuestionRetired,
	domain.ErrStorageUnavailable,
}

// classify maps driver errors onto domain errors. Anything unrecognised is
// reported as a transient storage failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, target := range passthrough {
		if errors.Is(err, target) {
			return err
		}
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("%s: %w", op, domain.ErrDuplicateSession)
	}
	return domain.Unavailable(op, err)
}

const questionColumns = `id, body, options, correct_option, explanation, subject`

func scanQuestion(row pgx.Row) (domain.Question, error) {
	var (
		q       domain.Question
		options []byte
	)
	if err := row.Scan(&q.ID, &q.Body, &options, &q.CorrectOptionIndex, &q.Explanation, &q.Subject); err != nil {
		return domain.Question{}, err
	}
	if err := json.Unmarshal(options, &q.Options); err != nil {
		return domain.Question{}, fmt.Errorf("unmarshal options: %w", err)
	}
	return q, nil
}

func (s *Store) AddQuestion(ctx context.Context, q domain.Question) (domain.Question, error) {
	options, err := json.Marshal(q.Options)
	if err != nil {
		return domain.Question{}, fmt.Errorf("marshal options: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO questions (`+questionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		q.ID, q.Body, options, q.CorrectOptionIndex, q.Explanation, q.Subject)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return domain.Question{}, fmt.Errorf("%w: question %s already exists", domain.ErrInvalidQuestion, q.ID)
	}
	if err != nil {
		return domain.Question{}, classify("add question", err)
	}
	return q, nil
}

func (s *Store) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	q, err := scanQuestion(s.pool.QueryRow(ctx, `SELECT `+questionColumns+` FROM questions WHERE id = $1`, id))
	if err != nil {
		return domain.Question{}, classify("get question "+id, err)
	}
	return q, nil
}

func (s *Store) PickQuestion(ctx context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions ORDER BY random() LIMIT 1`
	args := []interface{}{}
	if policy == domain.PolicyExposure {
		query = `
			SELECT ` + questionColumns + ` FROM questions q
			WHERE NOT EXISTS (
				SELECT 1 FROM question_exposures e
				WHERE e.conversation_id = $1 AND e.question_id = q.id
			)
			ORDER BY random() LIMIT 1`
		args = append(args, conversationID)
	}
	q, err := scanQuestion(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Question{}, domain.ErrExhausted
	}
	if err != nil {
		return domain.Question{}, classify("pick question", err)
	}
	return q, nil
}

func (s *Store) ResetExposure(ctx context.Context, conversationID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM question_exposures WHERE conversation_id = $1`, conversationID)
	if err != nil {
		return 0, classify("reset exposure", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) PoolStatus(ctx context.Context, conversationID string, policy domain.ExhaustionPolicy) (domain.PoolStatus, error) {
	var status domain.PoolStatus
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM questions),
			(SELECT count(*) FROM question_exposures e
			 JOIN questions q ON q.id = e.question_id
			 WHERE e.conversation_id = $1)`,
		conversationID).Scan(&status.Total, &status.Exposed)
	if err != nil {
		return domain.PoolStatus{}, classify("pool status", err)
	}
	if policy != domain.PolicyExposure {
		status.Exposed = 0
	}
	status.Remaining = status.Total - status.Exposed
	return status, nil
}

// scopeKey maps the empty (global) auto-distribution id to its row key.
func scopeKey(conversationID string) string {
	if conversationID == "" {
		return globalScopeID
	}
	return conversationID
}

const globalScopeID = "*"
