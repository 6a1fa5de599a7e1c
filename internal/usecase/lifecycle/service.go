package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

// ErrProposalCapReached возвращается при исчерпанном лимите предложенных каналов.
var ErrProposalCapReached = errors.New("достигнут лимит предложенных каналов")

// Service управляет жизненным циклом каналов: приёмом предложений и
// переводом в постоянные. Переход proposed → permanent необратим.
type Service struct {
	channels  domain.ChannelRepo
	mover     domain.ChannelMover
	threshold float64
	cap       int
	log       zerolog.Logger
}

// NewService создаёт контроллер жизненного цикла.
func NewService(channels domain.ChannelRepo, mover domain.ChannelMover, threshold float64, cap int, logger zerolog.Logger) *Service {
	return &Service{channels: channels, mover: mover, threshold: threshold, cap: cap, log: logger}
}

// AdmitProposal принимает новое предложение канала. Лимит применяется на
// приёме: при заполненной категории предложение отклоняется, существующие
// каналы не вытесняются.
func (s *Service) AdmitProposal(ctx context.Context, ch domain.Channel) (domain.Channel, error) {
	admitted, ok, err := s.channels.AdmitProposal(ctx, ch, s.cap)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("приём предложения: %w", err)
	}
	if !ok {
		metrics.ProposalsRejected.Inc()
		s.log.Info().Int64("channel", ch.ID).Int("cap", s.cap).Msg("lifecycle: предложение отклонено по лимиту")
		return domain.Channel{}, ErrProposalCapReached
	}
	s.log.Info().Int64("channel", admitted.ID).Msg("lifecycle: предложение принято")
	return admitted, nil
}

// EvaluateTick оценивает свежие снапшоты тика и переводит предложенные
// каналы, чей балл превысил порог. Вызывается строго после фиксации батча
// снапшотов; повторная оценка постоянного канала — no-op.
func (s *Service) EvaluateTick(ctx context.Context, snapshots []domain.ScoreSnapshot) ([]domain.Channel, error) {
	byChannel := make(map[int64]domain.ScoreSnapshot, len(snapshots))
	for _, snap := range snapshots {
		byChannel[snap.ChannelID] = snap
	}

	proposed, err := s.channels.ListByCategory(ctx, domain.CategoryProposed)
	if err != nil {
		return nil, fmt.Errorf("выборка предложенных: %w", err)
	}

	var promoted []domain.Channel
	for _, ch := range proposed {
		snap, ok := byChannel[ch.ID]
		if !ok || snap.Score <= s.threshold {
			continue
		}
		if err := s.promote(ctx, ch); err != nil {
			s.log.Warn().Err(err).Int64("channel", ch.ID).Msg("lifecycle: перевод не удался, повторим на следующем тике")
			continue
		}
		ch.Category = domain.CategoryPermanent
		promoted = append(promoted, ch)
		metrics.PromotionsTotal.Inc()
		s.log.Info().
			Int64("channel", ch.ID).
			Float64("score", snap.Score).
			Float64("threshold", s.threshold).
			Msg("lifecycle: канал переведён в постоянные")
	}
	return promoted, nil
}

// PromoteNow выполняет ручной перевод канала оператором, минуя порог.
// Возвращает false, если канал уже постоянный.
func (s *Service) PromoteNow(ctx context.Context, channelID int64) (bool, error) {
	ch, err := s.channels.GetChannel(ctx, channelID)
	if err != nil {
		return false, fmt.Errorf("получение канала: %w", err)
	}
	if ch.Category == domain.CategoryPermanent {
		return false, nil
	}
	if err := s.promote(ctx, ch); err != nil {
		return false, err
	}
	metrics.PromotionsTotal.Inc()
	s.log.Info().Int64("channel", channelID).Msg("lifecycle: канал переведён вручную")
	return true, nil
}

// promote сначала физически перемещает канал на платформе, затем помечает
// его постоянным в БД. Внешний вызов повторяется с экспоненциальной паузой;
// таймаут трактуется как неуспех, не как успех.
func (s *Service) promote(ctx context.Context, ch domain.Channel) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	err := backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return s.mover.MoveToPermanent(callCtx, ch.ID)
	}, policy)
	if err != nil {
		return fmt.Errorf("перемещение канала: %w", err)
	}

	changed, err := s.channels.PromoteChannel(ctx, ch.ID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("отметка о переводе: %w", err)
	}
	if !changed {
		// канал уже был постоянным: конкурентный тик исключён
		// generation-lock'ом, так что это просто повторная оценка
		s.log.Debug().Int64("channel", ch.ID).Msg("lifecycle: канал уже постоянный")
	}
	return nil
}
