package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
	"agora-bot/internal/usecase/lifecycle"
	"agora-bot/internal/usecase/recalc"
	"agora-bot/internal/usecase/reconcile"
	"agora-bot/internal/usecase/report"
	"agora-bot/internal/usecase/scoring"
)

// Config задаёт категории и каналы отчётов, с которыми работает движок.
type Config struct {
	Interval           time.Duration
	ProposedCategoryID int64
	PermanentCategory  int64
	ProposedReportID   int64
	PermanentReportID  int64
}

// Engine владеет тактом периодического цикла: батч баллов → оценка
// жизненного цикла → реконсиляция отчётов. Один тик в полёте: если
// предыдущий ещё идёт, новый пропускается, а не встаёт в очередь.
type Engine struct {
	cfg        Config
	scoring    *scoring.Service
	lifecycle  *lifecycle.Service
	reconciler *reconcile.Service
	recalcs    *recalc.Service
	queue      domain.RecalcQueue
	channels   domain.ChannelRepo
	mover      domain.ChannelMover
	log        zerolog.Logger

	tickMu sync.Mutex

	statusMu sync.RWMutex
	lastTick time.Time
}

// New создаёт движок.
func New(cfg Config, scoringSvc *scoring.Service, lifecycleSvc *lifecycle.Service, reconciler *reconcile.Service, recalcs *recalc.Service, queue domain.RecalcQueue, channels domain.ChannelRepo, mover domain.ChannelMover, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:        cfg,
		scoring:    scoringSvc,
		lifecycle:  lifecycleSvc,
		reconciler: reconciler,
		recalcs:    recalcs,
		queue:      queue,
		channels:   channels,
		mover:      mover,
		log:        logger,
	}
}

// Run крутит цикл тиков до отмены контекста. Ошибки тика логируются и не
// роняют цикл: сбой деградирует свежесть, но не корректность.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	e.log.Info().Dur("interval", e.cfg.Interval).Msg("engine: цикл запущен")
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine: цикл остановлен")
			return
		case <-ticker.C:
			e.TickNow(ctx)
		}
	}
}

// TickNow выполняет один тик вне расписания. Если тик уже в полёте,
// вызов пропускается.
func (e *Engine) TickNow(ctx context.Context) {
	if !e.tickMu.TryLock() {
		metrics.TicksSkipped.Inc()
		e.log.Warn().Msg("engine: предыдущий тик ещё выполняется, новый пропущен")
		return
	}
	defer e.tickMu.Unlock()

	start := time.Now()
	err := e.tick(ctx)
	metrics.TickDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.log.Warn().Err(err).Msg("engine: тик сорван, повторим на следующем интервале")
		return
	}

	e.statusMu.Lock()
	e.lastTick = time.Now().UTC()
	e.statusMu.Unlock()
}

func (e *Engine) tick(ctx context.Context) error {
	if err := e.syncTracked(ctx); err != nil {
		return fmt.Errorf("синхронизация каналов: %w", err)
	}

	snapshots, err := e.scoring.RunTick(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("подсчёт баллов: %w", err)
	}

	if _, err := e.lifecycle.EvaluateTick(ctx, snapshots); err != nil {
		return fmt.Errorf("оценка жизненного цикла: %w", err)
	}

	return e.reconcileReports(ctx, snapshots)
}

// syncTracked сверяет запись отслеживаемых каналов с фактическим составом
// категорий платформы. Каналы отчётов в статистику не входят.
func (e *Engine) syncTracked(ctx context.Context) error {
	current := make(map[int64]struct{})
	for _, categoryID := range []int64{e.cfg.ProposedCategoryID, e.cfg.PermanentCategory} {
		listed, err := e.mover.ListCategoryChannels(ctx, categoryID)
		if err != nil {
			return fmt.Errorf("выборка категории %d: %w", categoryID, err)
		}
		for _, ch := range listed {
			if ch.ID == e.cfg.ProposedReportID || ch.ID == e.cfg.PermanentReportID {
				continue
			}
			current[ch.ID] = struct{}{}
			if _, err := e.channels.UpsertChannel(ctx, ch); err != nil {
				return fmt.Errorf("upsert канала %d: %w", ch.ID, err)
			}
		}
	}

	tracked, err := e.channels.ListTracked(ctx)
	if err != nil {
		return fmt.Errorf("выборка отслеживаемых: %w", err)
	}
	for _, ch := range tracked {
		if _, ok := current[ch.ID]; ok {
			continue
		}
		if err := e.channels.RemoveChannel(ctx, ch.ID); err != nil {
			return fmt.Errorf("удаление канала %d: %w", ch.ID, err)
		}
		e.log.Info().Int64("channel", ch.ID).Msg("engine: канал исчез из категорий, снят с отслеживания")
	}
	return nil
}

func (e *Engine) reconcileReports(ctx context.Context, snapshots []domain.ScoreSnapshot) error {
	bySnapshot := make(map[int64]domain.ScoreSnapshot, len(snapshots))
	for _, snap := range snapshots {
		bySnapshot[snap.ChannelID] = snap
	}

	rowsFor := func(category domain.ChannelCategory) ([]report.Row, error) {
		channels, err := e.channels.ListByCategory(ctx, category)
		if err != nil {
			return nil, err
		}
		rows := make([]report.Row, 0, len(channels))
		for _, ch := range channels {
			rows = append(rows, report.Row{Channel: ch, Snapshot: bySnapshot[ch.ID]})
		}
		return rows, nil
	}

	proposed, err := rowsFor(domain.CategoryProposed)
	if err != nil {
		return fmt.Errorf("строки отчёта предложенных: %w", err)
	}
	if err := e.reconciler.Reconcile(ctx, report.KeyProposedActivity, e.cfg.ProposedReportID, report.RenderProposed(proposed)); err != nil {
		return fmt.Errorf("реконсиляция %s: %w", report.KeyProposedActivity, err)
	}

	permanent, err := rowsFor(domain.CategoryPermanent)
	if err != nil {
		return fmt.Errorf("строки отчёта постоянных: %w", err)
	}
	if err := e.reconciler.Reconcile(ctx, report.KeyPermanentActivity, e.cfg.PermanentReportID, report.RenderPermanent(permanent)); err != nil {
		return fmt.Errorf("реконсиляция %s: %w", report.KeyPermanentActivity, err)
	}
	return nil
}

// RunRecalcWorker читает запросы на пересчёт и выполняет их независимо от
// цикла тиков: пересчёт долгий и не должен задерживать такт.
func (e *Engine) RunRecalcWorker(ctx context.Context) {
	for {
		job, err := e.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			e.log.Error().Err(err).Msg("engine: ошибка чтения очереди пересчёта")
			time.Sleep(time.Second)
			continue
		}
		if _, err := e.recalcs.Run(ctx, job); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			e.log.Error().Err(err).Str("job_id", job.ID).Msg("engine: пересчёт завершился ошибкой")
		}
	}
}

// Status отдаёт последнее заведомо хорошее состояние движка.
func (e *Engine) Status(ctx context.Context) (domain.StatusReport, error) {
	tracked, err := e.channels.ListTracked(ctx)
	if err != nil {
		return domain.StatusReport{}, fmt.Errorf("выборка отслеживаемых: %w", err)
	}

	e.statusMu.RLock()
	lastTick := e.lastTick
	e.statusMu.RUnlock()

	return domain.StatusReport{
		LastTickAt:      lastTick,
		LastRecalc:      e.recalcs.LastOutcome(),
		TrackedChannels: len(tracked),
	}, nil
}
