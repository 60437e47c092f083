package migrations

import (
	"context"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `
				CREATE INDEX IF NOT EXISTS participant_stats_score_idx
					ON participant_stats (score DESC, participant_id) WHERE attempted > 0;
				CREATE INDEX IF NOT EXISTS conversation_participant_stats_score_idx
					ON conversation_participant_stats (conversation_id, score DESC, participant_id);
			`)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `
				DROP INDEX IF EXISTS conversation_participant_stats_score_idx;
				DROP INDEX IF EXISTS participant_stats_score_idx;
			`)
			return err
		},
	)
}
