package migrations

import (
	"context"
	_ "embed"

	"github.com/uptrace/bun"
)

//go:embed 20250301000001_create_engine_tables.sql
var createEngineTablesSQL string

func init() {
	Migrations.MustRegister(
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, createEngineTablesSQL)
			return err
		},
		func(ctx context.Context, db *bun.DB) error {
			_, err := db.ExecContext(ctx, `DROP TABLE IF EXISTS
				auto_distribution,
				conversation_participant_stats,
				participant_stats,
				poll_sessions,
				question_exposures,
				participants,
				conversations,
				questions`)
			return err
		},
	)
}
