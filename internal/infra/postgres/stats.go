package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"quiz-engine/internal/domain"

	"github.com/jackc/pgx/v4"
)

func (s *Store) ApplyScore(ctx context.Context, cmd domain.ScoreCommand) (domain.ScoreUpdate, error) {
	var upd domain.ScoreUpdate
	err := s.inTx(ctx, "apply score", func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO participants (id, registered_at) VALUES ($1, $2)
			ON CONFLICT (id) DO NOTHING`, cmd.ParticipantID, cmd.At); err != nil {
			return err
		}
		var err error
		upd, err = applyScore(ctx, tx, cmd)
		return err
	})
	return upd, err
}

// applyScore locks the participant row, runs the answer through the scoring
// rules and writes the row back. Concurrent answers for the same participant
// queue on the row lock, so no increment is lost.
func applyScore(ctx context.Context, tx pgx.Tx, cmd domain.ScoreCommand) (domain.ScoreUpdate, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO participant_stats (participant_id) VALUES ($1)
		ON CONFLICT (participant_id) DO NOTHING`, cmd.ParticipantID); err != nil {
		return domain.ScoreUpdate{}, err
	}
	prev, err := scanStats(tx.QueryRow(ctx, `SELECT `+statsColumns+` FROM participant_stats WHERE participant_id = $1 FOR UPDATE`, cmd.ParticipantID))
	if err != nil {
		return domain.ScoreUpdate{}, err
	}
	next := cmd.Rules.Apply(prev, cmd.Correct, cmd.Subject, cmd.At)
	subjects, err := json.Marshal(nonNilSubjects(next.Subjects))
	if err != nil {
		return domain.ScoreUpdate{}, fmt.Errorf("marshal subjects: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		UPDATE participant_stats SET
			attempted = $2, correct = $3, incorrect = $4, score = $5,
			current_streak = $6, best_streak = $7, last_activity_at = $8, subjects = $9
		WHERE participant_id = $1`,
		next.ParticipantID, next.Attempted, next.Correct, next.Incorrect, next.Score,
		next.CurrentStreak, next.BestStreak, next.LastActivityAt, subjects); err != nil {
		return domain.ScoreUpdate{}, err
	}
	upd := domain.ScoreUpdate{Stats: next}

	// per-conversation rows exist for group conversations only
	var row domain.ConversationParticipantStats
	correct, incorrect := int64(0), int64(1)
	if cmd.Correct {
		correct, incorrect = 1, 0
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO conversation_participant_stats AS c
			(conversation_id, participant_id, attempted, correct, incorrect, score)
		SELECT $1::text, $2::text, 1, $3::bigint, $4::bigint, $5::bigint
		WHERE EXISTS (SELECT 1 FROM conversations WHERE id = $1::text AND kind = 'group')
		ON CONFLICT (conversation_id, participant_id) DO UPDATE SET
			attempted = c.attempted + 1,
			correct   = c.correct + EXCLUDED.correct,
			incorrect = c.incorrect + EXCLUDED.incorrect,
			score     = c.score + EXCLUDED.score
		RETURNING conversation_id, participant_id, attempted, correct, incorrect, score`,
		cmd.ConversationID, cmd.ParticipantID, correct, incorrect, cmd.Rules.Points(cmd.Correct),
	).Scan(&row.ConversationID, &row.ParticipantID, &row.Attempted, &row.Correct, &row.Incorrect, &row.Score)
	switch {
	case err == nil:
		upd.ConversationStats = &row
	case !errors.Is(err, pgx.ErrNoRows):
		return domain.ScoreUpdate{}, err
	}
	return upd, nil
}

const statsColumns = `participant_id, attempted, correct, incorrect, score, current_streak, best_streak, last_activity_at, subjects`

func scanStats(row pgx.Row) (domain.ParticipantStats, error) {
	var (
		st       domain.ParticipantStats
		last     *time.Time
		subjects []byte
	)
	err := row.Scan(&st.ParticipantID, &st.Attempted, &st.Correct, &st.Incorrect, &st.Score,
		&st.CurrentStreak, &st.BestStreak, &last, &subjects)
	if err != nil {
		return domain.ParticipantStats{}, err
	}
	if last != nil {
		st.LastActivityAt = *last
	}
	if len(subjects) > 0 {
		if err := json.Unmarshal(subjects, &st.Subjects); err != nil {
			return domain.ParticipantStats{}, fmt.Errorf("unmarshal subjects: %w", err)
		}
		if len(st.Subjects) == 0 {
			st.Subjects = nil
		}
	}
	return st, nil
}

func nonNilSubjects(m map[string]domain.SubjectStats) map[string]domain.SubjectStats {
	if m == nil {
		return map[string]domain.SubjectStats{}
	}
	return m
}

func (s *Store) ParticipantStats(ctx context.Context, participantID string) (domain.ParticipantStats, error) {
	st, err := scanStats(s.pool.QueryRow(ctx, `SELECT `+statsColumns+` FROM participant_stats WHERE participant_id = $1`, participantID))
	if err != nil {
		return domain.ParticipantStats{}, classify("stats for "+participantID, err)
	}
	return st, nil
}

func (s *Store) ConversationStats(ctx context.Context, conversationID, participantID string) (domain.ConversationParticipantStats, error) {
	var row domain.ConversationParticipantStats
	err := s.pool.QueryRow(ctx, `
		SELECT conversation_id, participant_id, attempted, correct, incorrect, score
		FROM conversation_participant_stats
		WHERE conversation_id = $1 AND participant_id = $2`,
		conversationID, participantID,
	).Scan(&row.ConversationID, &row.ParticipantID, &row.Attempted, &row.Correct, &row.Incorrect, &row.Score)
	if err != nil {
		return domain.ConversationParticipantStats{}, classify(fmt.Sprintf("stats for %s in %s", participantID, conversationID), err)
	}
	return row, nil
}

func (s *Store) ResetConversationStats(ctx context.Context, conversationID string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM conversation_participant_stats
		WHERE $1::text = '' OR conversation_id = $1::text`, conversationID)
	if err != nil {
		return 0, classify("reset conversation stats", err)
	}
	return int(tag.RowsAffected()), nil
}

// scopeRows selects (participant, attempted, correct, score) for a scope,
// restricted to participants with at least one attempt.
func scopeRows(scope domain.Scope) (string, []interface{}) {
	if scope.Global() {
		return `SELECT participant_id, attempted, correct, score FROM participant_stats WHERE attempted > 0`, nil
	}
	return `SELECT participant_id, attempted, correct, score FROM conversation_participant_stats
		WHERE conversation_id = $1 AND attempted > 0`, []interface{}{scope.ConversationID}
}

func (s *Store) TopN(ctx context.Context, scope domain.Scope, n int) ([]domain.LeaderboardEntry, error) {
	inner, args := scopeRows(scope)
	args = append(args, n)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT r.participant_id, r.attempted, r.correct, r.score,
			COALESCE(p.handle, ''), COALESCE(p.given_name, ''),
			rank() OVER (ORDER BY r.score DESC)
		FROM (%s) r
		LEFT JOIN participants p ON p.id = r.participant_id
		ORDER BY r.score DESC, r.participant_id COLLATE "C" ASC
		LIMIT $%d`, inner, len(args)), args...)
	if err != nil {
		return nil, classify("top n", err)
	}
	defer rows.Close()

	entries := []domain.LeaderboardEntry{}
	for rows.Next() {
		var (
			e                 domain.LeaderboardEntry
			handle, givenName string
			rank              int64
		)
		if err := rows.Scan(&e.ParticipantID, &e.Attempted, &e.Correct, &e.Score, &handle, &givenName, &rank); err != nil {
			return nil, classify("top n", err)
		}
		e.Rank = int(rank)
		e.DisplayName = domain.DisplayName(e.ParticipantID, handle, givenName)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("top n", err)
	}
	return entries, nil
}

func (s *Store) RankOf(ctx context.Context, scope domain.Scope, participantID string) (int, error) {
	inner, args := scopeRows(scope)
	args = append(args, participantID)
	var rank int64
	err := s.pool.QueryRow(ctx, fmt.Sprintf(`
		WITH r AS (%s)
		SELECT 1 + (SELECT count(*) FROM r o WHERE o.score > self.score)
		FROM r self WHERE self.participant_id = $%d`, inner, len(args)), args...).Scan(&rank)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotRanked
	}
	if err != nil {
		return 0, classify("rank of "+participantID, err)
	}
	return int(rank), nil
}
