package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

const callTimeout = 10 * time.Second

// Service поддерживает ровно одно живое сообщение-отчёт на логический ключ.
//
// Указатель в БД перезаписывается только после подтверждённого успеха
// внешнего вызова: сорванная реконсиляция оставляет прежний указатель и
// будет повторена на следующем тике.
type Service struct {
	embeds    domain.EmbedRepo
	messenger domain.Messenger
	log       zerolog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex

	newBackoff func() backoff.BackOff
}

// NewService создаёт реконсилятор.
func NewService(embeds domain.EmbedRepo, messenger domain.Messenger, logger zerolog.Logger) *Service {
	return &Service{
		embeds:     embeds,
		messenger:  messenger,
		log:        logger,
		locks:      make(map[string]*sync.Mutex),
		newBackoff: func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// keyLock возвращает мьютекс логического ключа. Конкурентные реконсиляции
// одного ключа сериализуются, разные ключи идут независимо.
func (s *Service) keyLock(logicalKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[logicalKey]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[logicalKey] = lock
	}
	return lock
}

func contentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Reconcile приводит внешнее сообщение ключа в соответствие с content.
// Совпадение хэша пропускает внешний вызов целиком; not-found на правке
// означает устаревший указатель и ведёт к пересозданию сообщения.
func (s *Service) Reconcile(ctx context.Context, logicalKey string, channelID int64, content string) error {
	lock := s.keyLock(logicalKey)
	lock.Lock()
	defer lock.Unlock()

	hash := contentHash(content)

	ptr, found, err := s.embeds.GetEmbedPointer(ctx, logicalKey)
	if err != nil {
		return fmt.Errorf("чтение указателя %s: %w", logicalKey, err)
	}

	if found && ptr.Location != nil {
		if ptr.ContentHash == hash {
			metrics.ObserveReconcile(logicalKey, "skip")
			return nil
		}
		err := s.retryCall(ctx, "edit_message", logicalKey, func(callCtx context.Context) error {
			return s.messenger.EditMessage(callCtx, *ptr.Location, content)
		})
		switch {
		case err == nil:
			ptr.ContentHash = hash
			ptr.LastUpdatedAt = time.Now().UTC()
			if err := s.embeds.SaveEmbedPointer(ctx, ptr); err != nil {
				return fmt.Errorf("сохранение указателя %s: %w", logicalKey, err)
			}
			metrics.ObserveReconcile(logicalKey, "edit")
			return nil
		case errors.Is(err, domain.ErrMessageNotFound):
			// сообщение удалили извне: пересоздаём, а не падаем
			s.log.Info().Str("logical_key", logicalKey).Msg("reconcile: сообщение пропало, пересоздаём")
		default:
			metrics.ObserveReconcile(logicalKey, "fail")
			return fmt.Errorf("правка сообщения %s: %w", logicalKey, err)
		}
	}

	var loc domain.MessageLocation
	err = s.retryCall(ctx, "create_message", logicalKey, func(callCtx context.Context) error {
		var callErr error
		loc, callErr = s.messenger.CreateMessage(callCtx, channelID, content)
		return callErr
	})
	if err != nil {
		metrics.ObserveReconcile(logicalKey, "fail")
		return fmt.Errorf("создание сообщения %s: %w", logicalKey, err)
	}

	// лишнее сообщение от прежнего подтверждённого указателя подчищаем,
	// чтобы на ключ не осталось двух живых отчётов
	if ptr.Location != nil && *ptr.Location != loc {
		cleanupCtx, cancel := context.WithTimeout(ctx, callTimeout)
		if err := s.messenger.DeleteMessage(cleanupCtx, *ptr.Location); err != nil && !errors.Is(err, domain.ErrMessageNotFound) {
			s.log.Warn().Err(err).Str("logical_key", logicalKey).Msg("reconcile: не удалось удалить лишнее сообщение")
		}
		cancel()
	}

	ptr.LogicalKey = logicalKey
	ptr.Location = &loc
	ptr.ContentHash = hash
	ptr.LastUpdatedAt = time.Now().UTC()
	if err := s.embeds.SaveEmbedPointer(ctx, ptr); err != nil {
		return fmt.Errorf("сохранение указателя %s: %w", logicalKey, err)
	}
	metrics.ObserveReconcile(logicalKey, "create")
	return nil
}

// retryCall выполняет внешний вызов с ограниченным экспоненциальным
// повтором. Not-found не повторяется: это не сбой, а устаревший указатель.
func (s *Service) retryCall(ctx context.Context, operation, logicalKey string, call func(context.Context) error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(s.newBackoff(), 4), ctx)
	return backoff.Retry(func() error {
		callCtx, cancel := context.WithTimeout(ctx, callTimeout)
		defer cancel()
		err := call(callCtx)
		if errors.Is(err, domain.ErrMessageNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			s.log.Warn().Err(err).Str("logical_key", logicalKey).Str("operation", operation).Msg("reconcile: временная ошибка внешнего вызова")
		}
		return err
	}, policy)
}
