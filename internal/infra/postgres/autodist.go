package postgres

import (
	"context"
	"errors"
	"time"

	"quiz-engine/internal/domain"

	"github.com/jackc/pgx/v4"
)

func (s *Store) SetAutoDistribution(ctx context.Context, cfg domain.AutoDistributionConfig) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auto_distribution (scope_id, enabled, interval_ms)
		VALUES ($1, $2, $3)
		ON CONFLICT (scope_id) DO UPDATE SET
			enabled     = EXCLUDED.enabled,
			interval_ms = EXCLUDED.interval_ms`,
		scopeKey(cfg.ConversationID), cfg.Enabled, cfg.Interval.Milliseconds())
	return classify("set auto distribution", err)
}

func (s *Store) AutoDistribution(ctx context.Context, mode domain.SchedulerMode, conversationID string) (domain.AutoDistributionConfig, error) {
	global, _, err := loadSchedule(ctx, s.pool, "")
	if err != nil {
		return domain.AutoDistributionConfig{}, classify("auto distribution", err)
	}
	if conversationID == "" {
		return global, nil
	}
	rec, found, err := loadSchedule(ctx, s.pool, conversationID)
	if err != nil {
		return domain.AutoDistributionConfig{}, classify("auto distribution", err)
	}
	if mode == domain.SchedulerGlobal {
		var isGroup bool
		err := s.pool.QueryRow(ctx, `SELECT kind = 'group' FROM conversations WHERE id = $1`, conversationID).Scan(&isGroup)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return domain.AutoDistributionConfig{}, classify("auto distribution", err)
		}
		return domain.AutoDistributionConfig{
			ConversationID: conversationID,
			Enabled:        global.Enabled && isGroup,
			Interval:       global.Interval,
			LastDispatchAt: rec.LastDispatchAt,
		}, nil
	}
	if !found {
		return domain.AutoDistributionConfig{ConversationID: conversationID, Interval: domain.DefaultAutoInterval}, nil
	}
	return rec, nil
}

// loadSchedule reads one record; a missing record comes back disabled with
// the default interval.
func loadSchedule(ctx context.Context, q querier, conversationID string) (domain.AutoDistributionConfig, bool, error) {
	cfg := domain.AutoDistributionConfig{ConversationID: conversationID, Interval: domain.DefaultAutoInterval}
	var (
		intervalMs int64
		last       *time.Time
	)
	err := q.QueryRow(ctx, `
		SELECT enabled, interval_ms, last_dispatch_at
		FROM auto_distribution WHERE scope_id = $1`, scopeKey(conversationID),
	).Scan(&cfg.Enabled, &intervalMs, &last)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, false, nil
	}
	if err != nil {
		return domain.AutoDistributionConfig{}, false, err
	}
	cfg.Interval = time.Duration(intervalMs) * time.Millisecond
	if last != nil {
		cfg.LastDispatchAt = *last
	}
	return cfg, true, nil
}

const (
	dueGlobalSQL = `
		SELECT c.id, g.interval_ms, a.last_dispatch_at
		FROM conversations c
		JOIN auto_distribution g ON g.scope_id = '*' AND g.enabled
		LEFT JOIN auto_distribution a ON a.scope_id = c.id
		WHERE c.kind = 'group'
		  AND (a.last_dispatch_at IS NULL
		       OR a.last_dispatch_at <= $1::timestamptz - g.interval_ms * interval '1 millisecond')
		ORDER BY c.id`

	dueConversationSQL = `
		SELECT a.scope_id, a.interval_ms, a.last_dispatch_at
		FROM auto_distribution a
		JOIN conversations c ON c.id = a.scope_id
		WHERE a.enabled
		  AND (a.last_dispatch_at IS NULL
		       OR a.last_dispatch_at <= $1::timestamptz - a.interval_ms * interval '1 millisecond')
		ORDER BY a.scope_id`
)

func (s *Store) DueConversations(ctx context.Context, mode domain.SchedulerMode, now time.Time) ([]domain.AutoDistributionConfig, error) {
	query := dueConversationSQL
	if mode == domain.SchedulerGlobal {
		query = dueGlobalSQL
	}
	rows, err := s.pool.Query(ctx, query, now)
	if err != nil {
		return nil, classify("due conversations", err)
	}
	defer rows.Close()

	var due []domain.AutoDistributionConfig
	for rows.Next() {
		var (
			cfg        = domain.AutoDistributionConfig{Enabled: true}
			intervalMs int64
			last       *time.Time
		)
		if err := rows.Scan(&cfg.ConversationID, &intervalMs, &last); err != nil {
			return nil, classify("due conversations", err)
		}
		cfg.Interval = time.Duration(intervalMs) * time.Millisecond
		if last != nil {
			cfg.LastDispatchAt = *last
		}
		due = append(due, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("due conversations", err)
	}
	return due, nil
}

// advanceSchedule moves LastDispatchAt to the fence time, or fails with
// domain.ErrNotDue when another dispatch already claimed this interval.
func advanceSchedule(ctx context.Context, tx pgx.Tx, conversationID string, f domain.ScheduleFence) error {
	query := `
		INSERT INTO auto_distribution AS a (scope_id, enabled, interval_ms, last_dispatch_at)
		VALUES ($1, FALSE, $2, $3)
		ON CONFLICT (scope_id) DO UPDATE SET last_dispatch_at = EXCLUDED.last_dispatch_at
		WHERE a.last_dispatch_at IS NULL
		   OR a.last_dispatch_at <= EXCLUDED.last_dispatch_at - $2::bigint * interval '1 millisecond'
		RETURNING a.scope_id`
	if f.Mode == domain.SchedulerConversation {
		query = `
			UPDATE auto_distribution SET last_dispatch_at = $3
			WHERE scope_id = $1
			  AND (last_dispatch_at IS NULL
			       OR last_dispatch_at <= $3::timestamptz - $2::bigint * interval '1 millisecond')
			RETURNING scope_id`
	}
	var scope string
	err := tx.QueryRow(ctx, query, conversationID, f.Interval.Milliseconds(), f.At).Scan(&scope)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotDue
	}
	return err
}
