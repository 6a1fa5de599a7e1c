package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

// staleTickLimit — сколько подряд неудачных чтений счётчиков терпим,
// прежде чем запросить полный пересчёт из истории.
const staleTickLimit = 2

// Service считает снапшоты баллов для всех отслеживаемых каналов.
type Service struct {
	channels  domain.ChannelRepo
	counters  domain.CounterStore
	snapshots domain.SnapshotRepo
	recalcs   domain.RecalcQueue
	log       zerolog.Logger

	failedTicks int
}

// NewService создаёт калькулятор баллов. recalcs может быть nil,
// тогда эскалация к пересчёту не выполняется.
func NewService(channels domain.ChannelRepo, counters domain.CounterStore, snapshots domain.SnapshotRepo, recalcs domain.RecalcQueue, logger zerolog.Logger) *Service {
	return &Service{channels: channels, counters: counters, snapshots: snapshots, recalcs: recalcs, log: logger}
}

// RunTick читает счётчики всех каналов, считает баллы и записывает снапшоты
// одним батчем. Если хоть одно чтение не удалось, тик бросается целиком и
// будет повторён на следующем интервале: контроллер жизненного цикла не
// должен видеть наполовину обновлённое поколение.
func (s *Service) RunTick(ctx context.Context, now time.Time) ([]domain.ScoreSnapshot, error) {
	tracked, err := s.channels.ListTracked(ctx)
	if err != nil {
		return nil, fmt.Errorf("выборка каналов: %w", err)
	}

	snapshots := make([]domain.ScoreSnapshot, 0, len(tracked))
	for _, ch := range tracked {
		entry, err := s.counters.Read(ctx, ch.ID)
		if err != nil {
			s.noteFailure(ctx)
			return nil, fmt.Errorf("чтение счётчиков канала %d: %w", ch.ID, err)
		}
		snapshots = append(snapshots, domain.ScoreSnapshot{
			ChannelID:  ch.ID,
			Total:      entry.Total,
			Recent:     entry.Recent,
			Score:      ComputeScore(entry.Total, entry.Recent),
			ComputedAt: now,
		})
	}

	if err := s.snapshots.SaveSnapshotBatch(ctx, snapshots); err != nil {
		s.noteFailure(ctx)
		return nil, fmt.Errorf("запись батча снапшотов: %w", err)
	}

	s.failedTicks = 0
	metrics.SnapshotBatchSize.Set(float64(len(snapshots)))
	return snapshots, nil
}

// noteFailure учитывает сорванный тик. После staleTickLimit подряд неудач
// счётчики считаются подозрительными и ставится задача на пересчёт.
func (s *Service) noteFailure(ctx context.Context) {
	s.failedTicks++
	if s.failedTicks < staleTickLimit || s.recalcs == nil {
		return
	}
	job := domain.RecalcJob{
		ID:          uuid.NewString(),
		MonthsBack:  1,
		RequestedAt: time.Now().UTC(),
	}
	if err := s.recalcs.Enqueue(ctx, job); err != nil {
		s.log.Warn().Err(err).Msg("scoring: не удалось поставить пересчёт после сорванных тиков")
		return
	}
	s.failedTicks = 0
	s.log.Warn().Str("job_id", job.ID).Msg("scoring: счётчики подозрительны, поставлен пересчёт")
}
