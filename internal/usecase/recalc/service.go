package recalc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
	"agora-bot/internal/usecase/scoring"
)

const (
	secondsDay    = 86400
	commitTimeout = 2 * time.Minute
)

// Service пересчитывает счётчики активности из истории сообщений платформы.
//
// Пересчёт идемпотентен: результаты сперва накапливаются в памяти и только
// затем атомарно перезаписывают счётчики. Отмена во время скана не трогает
// хранилище вовсе.
type Service struct {
	channels   domain.ChannelRepo
	counters   domain.CounterStore
	snapshots  domain.SnapshotRepo
	history    domain.HistorySource
	monthLimit int
	windowDays int
	log        zerolog.Logger

	mu   sync.RWMutex
	last *domain.RecalcOutcome
}

// NewService создаёт сервис пересчёта.
func NewService(channels domain.ChannelRepo, counters domain.CounterStore, snapshots domain.SnapshotRepo, history domain.HistorySource, monthLimit, windowDays int, logger zerolog.Logger) *Service {
	return &Service{
		channels:   channels,
		counters:   counters,
		snapshots:  snapshots,
		history:    history,
		monthLimit: monthLimit,
		windowDays: windowDays,
		log:        logger,
	}
}

type staged struct {
	channelID int64
	total     int64
	buckets   map[int64]int64
}

// Run выполняет один пересчёт. Глубина окна ограничивается конфигом.
func (s *Service) Run(ctx context.Context, job domain.RecalcJob) (domain.RecalcOutcome, error) {
	months := job.MonthsBack
	if months < 1 {
		months = 1
	}
	if months > s.monthLimit {
		months = s.monthLimit
	}

	outcome := domain.RecalcOutcome{JobID: job.ID, StartedAt: time.Now().UTC()}
	s.log.Info().Str("job_id", job.ID).Int("months", months).Msg("recalc: начало пересчёта")

	since := outcome.StartedAt.AddDate(0, -months, 0)
	tracked, err := s.channels.ListTracked(ctx)
	if err != nil {
		return s.fail(outcome, fmt.Errorf("выборка каналов: %w", err))
	}

	// фаза скана: всё в память, хранилище не трогаем
	windowStart := outcome.StartedAt.Unix()/secondsDay - int64(s.windowDays) + 1
	results := make([]staged, 0, len(tracked))
	for _, ch := range tracked {
		if err := ctx.Err(); err != nil {
			s.log.Info().Str("job_id", job.ID).Msg("recalc: отменён во время скана, состояние не изменено")
			return outcome, err
		}
		timestamps, err := s.history.FetchHistory(ctx, ch.ID, since)
		if err != nil {
			outcome.Failed++
			s.log.Warn().Err(err).Int64("channel", ch.ID).Msg("recalc: не удалось прочитать историю")
			continue
		}
		entry := staged{channelID: ch.ID, buckets: make(map[int64]int64)}
		for _, ts := range timestamps {
			entry.total++
			day := ts.Unix() / secondsDay
			if day >= windowStart {
				entry.buckets[day]++
			}
		}
		results = append(results, entry)
	}

	if err := ctx.Err(); err != nil {
		return outcome, err
	}

	// фаза коммита: отвязанный контекст, чтобы отмена не оставила
	// хранилище наполовину перезаписанным
	commitCtx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()

	freshSnapshots := make([]domain.ScoreSnapshot, 0, len(results))
	computedAt := time.Now().UTC()
	for _, entry := range results {
		if err := s.counters.Reset(commitCtx, entry.channelID, entry.total, entry.buckets); err != nil {
			return s.fail(outcome, fmt.Errorf("перезапись счётчиков канала %d: %w", entry.channelID, err))
		}
		var recent int64
		for _, count := range entry.buckets {
			recent += count
		}
		freshSnapshots = append(freshSnapshots, domain.ScoreSnapshot{
			ChannelID:  entry.channelID,
			Total:      entry.total,
			Recent:     recent,
			Score:      scoring.ComputeScore(entry.total, recent),
			ComputedAt: computedAt,
		})
		outcome.Processed++
	}
	if err := s.snapshots.SaveSnapshotBatch(commitCtx, freshSnapshots); err != nil {
		return s.fail(outcome, fmt.Errorf("запись свежих снапшотов: %w", err))
	}

	outcome.FinishedAt = time.Now().UTC()
	metrics.RecalcDuration.Observe(outcome.FinishedAt.Sub(outcome.StartedAt).Seconds())
	s.setLast(outcome)
	s.log.Info().
		Str("job_id", job.ID).
		Int("processed", outcome.Processed).
		Int("failed", outcome.Failed).
		Msg("recalc: пересчёт завершён")
	return outcome, nil
}

func (s *Service) fail(outcome domain.RecalcOutcome, err error) (domain.RecalcOutcome, error) {
	outcome.FinishedAt = time.Now().UTC()
	outcome.Err = err.Error()
	s.setLast(outcome)
	return outcome, err
}

func (s *Service) setLast(outcome domain.RecalcOutcome) {
	s.mu.Lock()
	s.last = &outcome
	s.mu.Unlock()
}

// LastOutcome возвращает результат последнего завершённого пересчёта.
func (s *Service) LastOutcome() *domain.RecalcOutcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return nil
	}
	copied := *s.last
	return &copied
}
