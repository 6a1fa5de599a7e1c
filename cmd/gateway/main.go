package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"agora-bot/internal/adapters/counters"
	"agora-bot/internal/adapters/discord"
	"agora-bot/internal/adapters/repo"
	"agora-bot/internal/domain"
	"agora-bot/internal/infra/config"
	"agora-bot/internal/infra/db"
	applog "agora-bot/internal/infra/log"
	"agora-bot/internal/infra/metrics"
	"agora-bot/internal/infra/queue"
	"agora-bot/internal/usecase/lifecycle"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.StartServer(ctx, logger.With().Str("component", "metrics").Logger(), ":9090")

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось создать Discord-клиент")
	}
	session.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages

	repoAdapter := repo.NewPostgres(pool)
	counterStore := counters.NewRedisStore(redisClient, cfg.Stats.WindowDays)
	platform := discord.NewGateway(session, cfg.Discord.GuildID, cfg.Categories.Permanent, logger.With().Str("component", "discord").Logger())

	var recalcQueue domain.RecalcQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitRecalcQueue(cfg.RabbitURL, cfg.Queues.Recalc)
		if err != nil {
			logger.Fatal().Err(err).Msg("gateway: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		recalcQueue = rabbit
	} else {
		recalcQueue = queue.NewRedisRecalcQueue(redisClient, cfg.Queues.Recalc)
	}

	lifecycleSvc := lifecycle.NewService(repoAdapter, platform, cfg.Stats.PromotionThreshold, cfg.Limits.MaxProposedChannels, logger.With().Str("component", "lifecycle").Logger())

	ingest := discord.NewIngest(
		counterStore,
		[]int64{cfg.Categories.Proposed, cfg.Categories.Permanent},
		[]int64{cfg.Reports.ProposedChannelID, cfg.Reports.PermanentChannelID},
		logger.With().Str("component", "ingest").Logger(),
	)
	commands := discord.NewCommands(session, cfg.Discord.GuildID, lifecycleSvc, recalcQueue, cfg.Stats.RecalcMonthLimit, logger.With().Str("component", "commands").Logger())

	session.AddHandler(ingest.HandleMessageCreate)
	session.AddHandler(commands.HandleInteraction)

	if err := session.Open(); err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось открыть сессию Discord")
	}
	defer session.Close()

	if err := commands.Register(); err != nil {
		logger.Fatal().Err(err).Msg("gateway: не удалось зарегистрировать команды")
	}

	logger.Info().Msg("gateway: запущен")
	<-ctx.Done()
	logger.Info().Msg("gateway: остановка")
}
