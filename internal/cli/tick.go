package cli

import (
	"errors"
	"time"

	"quiz-engine/internal/config"
	"quiz-engine/internal/logger"

	"github.com/spf13/cobra"
)

var errTickNeedsBroker = errors.New("tick dispatches through amqp; set amqp.url or pass --nightly")

// NewTickCmd runs a single scheduler pass, for cron-driven deployments.
func NewTickCmd(configPath *string) *cobra.Command {
	var nightly bool
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Dispatch to every due conversation once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Log.Mode)
			if err != nil {
				return err
			}
			defer log.Sync()

			rt, err := buildRuntime(cmd.Context(), cfg, log)
			if err != nil {
				return err
			}
			defer rt.Close()

			// a one-shot process has no websocket clients, so questions
			// only reach anyone through the broker
			sched, err := rt.newScheduler(rt.deliverer())
			if err != nil {
				return err
			}
			if rt.publisher == nil {
				if !nightly {
					return errTickNeedsBroker
				}
				log.Warn("amqp.url not set, skipping dispatch")
			} else {
				report, err := sched.Tick(cmd.Context(), time.Now())
				if err != nil {
					return err
				}
				log.Info("tick done",
					"dispatched", report.Dispatched,
					"exhausted", report.Exhausted,
					"skipped", report.Skipped,
					"failed", len(report.Failed),
				)
			}
			if nightly {
				return sched.RunNightly(cmd.Context())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&nightly, "nightly", false, "also run the nightly leaderboard rollover")
	return cmd
}
