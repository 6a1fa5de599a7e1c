package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	TickDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_tick_duration_seconds",
		Help:    "Длительность одного тика движка",
		Buckets: prometheus.DefBuckets,
	})
	TicksSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_ticks_skipped_total",
		Help: "Тики, пропущенные из-за незавершённого предыдущего",
	})
	SnapshotBatchSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "engine_snapshot_batch_size",
		Help: "Количество снапшотов в последнем батче",
	})
	PromotionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_promotions_total",
		Help: "Каналы, переведённые в постоянные",
	})
	ProposalsRejected = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "engine_proposals_rejected_total",
		Help: "Предложения, отклонённые по лимиту категории",
	})
	ReconcileOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "engine_reconcile_ops_total",
		Help: "Операции реконсиляции по ключу и исходу",
	}, []string{"logical_key", "op"})
	RecalcDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "engine_recalc_duration_seconds",
		Help:    "Длительность полного пересчёта статистики",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	})
	ActivityEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_activity_events_total",
		Help: "Учтённые события активности",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		TickDuration,
		TicksSkipped,
		SnapshotBatchSize,
		PromotionsTotal,
		ProposalsRejected,
		ReconcileOps,
		RecalcDuration,
		ActivityEvents,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// ObserveReconcile учитывает исход операции реконсиляции: create, edit, skip, fail.
func ObserveReconcile(logicalKey, op string) {
	ReconcileOps.WithLabelValues(logicalKey, op).Inc()
}
