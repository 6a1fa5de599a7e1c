package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"agora-bot/internal/adapters/counters"
	"agora-bot/internal/adapters/discord"
	"agora-bot/internal/adapters/repo"
	"agora-bot/internal/domain"
	"agora-bot/internal/infra/config"
	"agora-bot/internal/infra/db"
	httpinfra "agora-bot/internal/infra/http"
	applog "agora-bot/internal/infra/log"
	"agora-bot/internal/infra/metrics"
	"agora-bot/internal/infra/queue"
	"agora-bot/internal/usecase/engine"
	"agora-bot/internal/usecase/lifecycle"
	"agora-bot/internal/usecase/recalc"
	"agora-bot/internal/usecase/reconcile"
	"agora-bot/internal/usecase/scoring"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine: нет подключения к БД")
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	session, err := discordgo.New("Bot " + cfg.Discord.Token)
	if err != nil {
		logger.Fatal().Err(err).Msg("engine: не удалось создать Discord-клиент")
	}

	repoAdapter := repo.NewPostgres(pool)
	counterStore := counters.NewRedisStore(redisClient, cfg.Stats.WindowDays)
	gateway := discord.NewGateway(session, cfg.Discord.GuildID, cfg.Categories.Permanent, logger.With().Str("component", "discord").Logger())

	var recalcQueue domain.RecalcQueue
	if cfg.RabbitURL != "" {
		rabbit, err := queue.NewRabbitRecalcQueue(cfg.RabbitURL, cfg.Queues.Recalc)
		if err != nil {
			logger.Fatal().Err(err).Msg("engine: не удалось инициализировать очередь RabbitMQ")
		}
		defer rabbit.Close()
		recalcQueue = rabbit
	} else {
		recalcQueue = queue.NewRedisRecalcQueue(redisClient, cfg.Queues.Recalc)
	}

	scoringSvc := scoring.NewService(repoAdapter, counterStore, repoAdapter, recalcQueue, logger.With().Str("component", "scoring").Logger())
	lifecycleSvc := lifecycle.NewService(repoAdapter, gateway, cfg.Stats.PromotionThreshold, cfg.Limits.MaxProposedChannels, logger.With().Str("component", "lifecycle").Logger())
	reconciler := reconcile.NewService(repoAdapter, gateway, logger.With().Str("component", "reconcile").Logger())
	recalcSvc := recalc.NewService(repoAdapter, counterStore, repoAdapter, gateway, cfg.Stats.RecalcMonthLimit, cfg.Stats.WindowDays, logger.With().Str("component", "recalc").Logger())

	eng := engine.New(engine.Config{
		Interval:           time.Duration(cfg.Stats.RefreshIntervalMinutes) * time.Minute,
		ProposedCategoryID: cfg.Categories.Proposed,
		PermanentCategory:  cfg.Categories.Permanent,
		ProposedReportID:   cfg.Reports.ProposedChannelID,
		PermanentReportID:  cfg.Reports.PermanentChannelID,
	}, scoringSvc, lifecycleSvc, reconciler, recalcSvc, recalcQueue, repoAdapter, gateway, logger.With().Str("component", "engine").Logger())

	go eng.Run(ctx)
	go eng.RunRecalcWorker(ctx)

	srv := httpinfra.NewServer(logger.With().Str("component", "http").Logger(), eng)
	go func() {
		if err := srv.Start(fmt.Sprintf(":%d", cfg.Port)); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("engine: HTTP сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("engine: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
