package config

import (
	"fmt"
	"os"
	"time"

	"quiz-engine/internal/domain"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Mode string `yaml:"mode"`
	} `yaml:"log"`
	Storage struct {
		// Driver is "memory" or "postgres".
		Driver string `yaml:"driver"`
	} `yaml:"storage"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	AMQP struct {
		URL      string `yaml:"url"`
		Exchange string `yaml:"exchange"`
	} `yaml:"amqp"`
	Quiz struct {
		Policy           string `yaml:"policy"`
		ResetOnExhausted bool   `yaml:"reset_on_exhausted"`
		QuestionCacheTTL string `yaml:"question_cache_ttl"`
	} `yaml:"quiz"`
	Scoring struct {
		CorrectPoints    *int64  `yaml:"correct_points"`
		IncorrectPoints  *int64  `yaml:"incorrect_points"`
		StreakStaleAfter string  `yaml:"streak_stale_after"`
		Milestones       []int64 `yaml:"milestones"`
	} `yaml:"scoring"`
	Sessions struct {
		MaxAge string `yaml:"max_age"`
	} `yaml:"sessions"`
	Scheduler struct {
		Enabled                bool   `yaml:"enabled"`
		Mode                   string `yaml:"mode"`
		Tick                   string `yaml:"tick"`
		DispatchTimeout        string `yaml:"dispatch_timeout"`
		Concurrency            int    `yaml:"concurrency"`
		LeaseTTL               string `yaml:"lease_ttl"`
		NightlyAt              string `yaml:"nightly_at"`
		ResetConversationStats bool   `yaml:"reset_conversation_stats"`
	} `yaml:"scheduler"`
}

// Load reads YAML config from path and validates the enumerations.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch c.Storage.Driver {
	case "", "memory":
	case "postgres":
		if c.Postgres.URL == "" {
			return fmt.Errorf("storage driver postgres needs postgres.url")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if _, err := c.Policy(); err != nil {
		return err
	}
	if _, err := c.SchedulerMode(); err != nil {
		return err
	}
	return nil
}

// UsePostgres reports whether the durable store is selected.
func (c Config) UsePostgres() bool {
	return c.Storage.Driver == "postgres"
}

func (c Config) Policy() (domain.ExhaustionPolicy, error) {
	return domain.ParsePolicy(c.Quiz.Policy)
}

func (c Config) SchedulerMode() (domain.SchedulerMode, error) {
	return domain.ParseSchedulerMode(c.Scheduler.Mode)
}

// ScoringRules starts from the +4 / -1 defaults and applies overrides.
func (c Config) ScoringRules() domain.ScoringRules {
	rules := domain.DefaultScoringRules()
	if c.Scoring.CorrectPoints != nil {
		rules.CorrectPoints = *c.Scoring.CorrectPoints
	}
	if c.Scoring.IncorrectPoints != nil {
		rules.IncorrectPoints = *c.Scoring.IncorrectPoints
	}
	rules.StreakStaleAfter = TTLDuration(c.Scoring.StreakStaleAfter, 0)
	if len(c.Scoring.Milestones) > 0 {
		rules.Milestones = c.Scoring.Milestones
	}
	return rules
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
