package cli

import (
	"context"
	"fmt"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/config"
	"quiz-engine/internal/infra/amqp"
	"quiz-engine/internal/infra/memory"
	"quiz-engine/internal/infra/postgres"
	redisinfra "quiz-engine/internal/infra/redis"
	"quiz-engine/internal/logger"
	"quiz-engine/internal/scheduler"
	transport "quiz-engine/internal/transport/http"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
)

// runtime holds the wired engine and everything that must be closed with it.
type runtime struct {
	cfg       config.Config
	log       *logger.Logger
	engine    *app.Engine
	hub       *transport.Hub
	publisher *amqp.Publisher
	closers   []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func buildRuntime(ctx context.Context, cfg config.Config, log *logger.Logger) (*runtime, error) {
	rt := &runtime{cfg: cfg, log: log, hub: transport.NewHub()}

	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	mode, err := cfg.SchedulerMode()
	if err != nil {
		return nil, err
	}

	var store app.Store
	if cfg.UsePostgres() {
		if err := runMigrations(ctx, cfg.Postgres.URL, log); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
		pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		rt.closers = append(rt.closers, pool.Close)
		store = postgres.NewStore(pool)
		log.Info("using postgres store")
	} else {
		store = memory.NewStore()
		log.Info("using in-memory store")
	}

	cacheTTL := config.TTLDuration(cfg.Quiz.QuestionCacheTTL, 10*time.Minute)
	var (
		cache  app.QuestionCache
		leases app.Leaser
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			rt.Close()
			return nil, fmt.Errorf("ping redis: %w", err)
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		cache = redisinfra.NewQuestionCache(client, store, cacheTTL)
		leases = redisinfra.NewLeaseStore(client)
	} else {
		cache = memory.NewQuestionCache(store, cacheTTL)
		leases = memory.NewLeaseStore()
	}

	notifiers := app.Notifiers{app.LogNotifier{Log: log}, rt.hub}
	if cfg.AMQP.URL != "" {
		exchange := cfg.AMQP.Exchange
		if exchange == "" {
			exchange = "quiz.events"
		}
		pub, err := amqp.Dial(cfg.AMQP.URL, exchange, log)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("dial amqp: %w", err)
		}
		rt.closers = append(rt.closers, pub.Close)
		rt.publisher = pub
		notifiers = append(notifiers, pub)
	}

	rt.engine = app.NewEngine(store, app.Options{
		Policy:           policy,
		ResetOnExhausted: cfg.Quiz.ResetOnExhausted,
		Rules:            cfg.ScoringRules(),
		SchedulerMode:    mode,
		Cache:            cache,
		Leases:           leases,
		LeaseTTL:         config.TTLDuration(cfg.Scheduler.LeaseTTL, time.Minute),
		Notifier:         notifiers,
		Logger:           log,
	})

	return rt, nil
}

// deliverer is the broker when one is configured; otherwise the websocket
// hub, which fails deliveries to conversations without connected clients.
func (r *runtime) deliverer() app.Deliverer {
	if r.publisher != nil {
		return r.publisher
	}
	return r.hub
}

func (r *runtime) newScheduler(deliverer app.Deliverer) (*scheduler.Scheduler, error) {
	return scheduler.New(r.engine, deliverer, scheduler.Config{
		Tick:                   config.TTLDuration(r.cfg.Scheduler.Tick, time.Minute),
		DispatchTimeout:        config.TTLDuration(r.cfg.Scheduler.DispatchTimeout, 30*time.Second),
		Concurrency:            r.cfg.Scheduler.Concurrency,
		NightlyAt:              r.cfg.Scheduler.NightlyAt,
		ResetConversationStats: r.cfg.Scheduler.ResetConversationStats,
		SessionMaxAge:          config.TTLDuration(r.cfg.Sessions.MaxAge, 7*24*time.Hour),
	}, r.log)
}
