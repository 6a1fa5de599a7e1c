package config

import (
	"log"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	Port   int    `envconfig:"PORT" default:"8080"`

	Discord struct {
		Token   string `envconfig:"DISCORD_TOKEN" required:"true"`
		GuildID string `envconfig:"DISCORD_GUILD_ID" required:"true"`
	} `envconfig:""`

	Categories struct {
		Proposed  int64 `envconfig:"PROPOSED_CHANNEL_CATEGORY_ID" required:"true"`
		Permanent int64 `envconfig:"PERMANENT_CHANNEL_CATEGORY_ID" required:"true"`
	} `envconfig:""`

	Reports struct {
		ProposedChannelID  int64 `envconfig:"PROPOSED_ACTIVITY_REPORT_CHANNEL_ID" required:"true"`
		PermanentChannelID int64 `envconfig:"PERMANENT_ACTIVITY_REPORT_CHANNEL_ID" required:"true"`
	} `envconfig:""`

	Stats struct {
		RefreshIntervalMinutes int     `envconfig:"STATS_REFRESH_INTERVAL_MINUTES" required:"true"`
		RecalcMonthLimit       int     `envconfig:"STATS_RECALCULATION_MONTH_LIMIT" required:"true"`
		WindowDays             int     `envconfig:"ACTIVITY_WINDOW_DAYS" default:"7"`
		PromotionThreshold     float64 `envconfig:"PROMOTION_SCORE_THRESHOLD" required:"true"`
	} `envconfig:""`

	Limits struct {
		MaxProposedChannels int `envconfig:"MAX_PROPOSED_CHANNELS" required:"true"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN" required:"true"`

	RedisAddr string `envconfig:"REDIS_ADDR" required:"true"`

	RabbitURL string `envconfig:"RABBITMQ_URL"`

	Queues struct {
		Recalc string `envconfig:"RECALC_QUEUE_KEY" default:"recalc_jobs"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Неполный или некорректный конфиг
// фатален: процесс завершается до запуска планировщика.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	if err := validate(cfg); err != nil {
		log.Fatalf("некорректный конфиг: %v", err)
	}
	return cfg
}

func validate(cfg AppConfig) error {
	if cfg.Stats.RefreshIntervalMinutes < 1 {
		return errValue("STATS_REFRESH_INTERVAL_MINUTES", "должен быть не меньше 1")
	}
	if cfg.Stats.RecalcMonthLimit < 1 {
		return errValue("STATS_RECALCULATION_MONTH_LIMIT", "должен быть не меньше 1")
	}
	if cfg.Stats.WindowDays < 1 {
		return errValue("ACTIVITY_WINDOW_DAYS", "должен быть не меньше 1")
	}
	if cfg.Stats.PromotionThreshold < 0 {
		return errValue("PROMOTION_SCORE_THRESHOLD", "не может быть отрицательным")
	}
	if cfg.Limits.MaxProposedChannels < 1 {
		return errValue("MAX_PROPOSED_CHANNELS", "должен быть не меньше 1")
	}
	return nil
}

type configError struct {
	name   string
	reason string
}

func (e configError) Error() string { return e.name + ": " + e.reason }

func errValue(name, reason string) error { return configError{name: name, reason: reason} }
