package postgres

import (
	"context"

	"quiz-engine/internal/domain"

	"github.com/jackc/pgx/v4"
)

func (s *Store) UpsertConversation(ctx context.Context, c domain.Conversation) (domain.Conversation, error) {
	var out domain.Conversation
	err := s.pool.QueryRow(ctx, `
		INSERT INTO conversations (id, kind, title, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			kind  = EXCLUDED.kind,
			title = COALESCE(NULLIF(EXCLUDED.title, ''), conversations.title)
		RETURNING id, kind, title, registered_at`,
		c.ID, string(c.Kind), c.Title, c.RegisteredAt,
	).Scan(&out.ID, &out.Kind, &out.Title, &out.RegisteredAt)
	if err != nil {
		return domain.Conversation{}, classify("upsert conversation", err)
	}
	return out, nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (domain.Conversation, error) {
	var c domain.Conversation
	err := s.pool.QueryRow(ctx, `SELECT id, kind, title, registered_at FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.Kind, &c.Title, &c.RegisteredAt)
	if err != nil {
		return domain.Conversation{}, classify("get conversation "+id, err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, kind domain.ConversationKind) ([]domain.Conversation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, kind, title, registered_at FROM conversations
		WHERE $1::text = '' OR kind = $1::text
		ORDER BY id`, string(kind))
	if err != nil {
		return nil, classify("list conversations", err)
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.Kind, &c.Title, &c.RegisteredAt); err != nil {
			return nil, classify("list conversations", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list conversations", err)
	}
	return out, nil
}

func (s *Store) UpsertParticipant(ctx context.Context, p domain.Participant) (domain.Participant, error) {
	out, err := upsertParticipant(ctx, s.pool, p)
	if err != nil {
		return domain.Participant{}, classify("upsert participant", err)
	}
	return out, nil
}

// upsertParticipant keeps the stored profile fields the caller left empty.
func upsertParticipant(ctx context.Context, q querier, p domain.Participant) (domain.Participant, error) {
	var out domain.Participant
	err := q.QueryRow(ctx, `
		INSERT INTO participants (id, handle, given_name, registered_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			handle     = COALESCE(NULLIF(EXCLUDED.handle, ''), participants.handle),
			given_name = COALESCE(NULLIF(EXCLUDED.given_name, ''), participants.given_name)
		RETURNING id, handle, given_name, registered_at`,
		p.ID, p.Handle, p.GivenName, p.RegisteredAt,
	).Scan(&out.ID, &out.Handle, &out.GivenName, &out.RegisteredAt)
	return out, err
}

func (s *Store) Totals(ctx context.Context) (domain.Totals, error) {
	var t domain.Totals
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT count(*) FROM participants),
			(SELECT count(*) FROM conversations),
			(SELECT count(*) FROM conversations WHERE kind = 'group'),
			(SELECT count(*) FROM questions),
			(SELECT count(*) FROM participant_stats WHERE attempted > 0)`,
	).Scan(&t.Participants, &t.Conversations, &t.Groups, &t.Questions, &t.ActiveParticipants)
	if err != nil {
		return domain.Totals{}, classify("totals", err)
	}
	return t, nil
}

var _ querier = (pgx.Tx)(nil)
