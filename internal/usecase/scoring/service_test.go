package scoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
)

type stubChannels struct {
	tracked []domain.Channel
}

func (s *stubChannels) UpsertChannel(context.Context, domain.Channel) (domain.Channel, error) {
	return domain.Channel{}, nil
}
func (s *stubChannels) GetChannel(context.Context, int64) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrChannelNotFound
}
func (s *stubChannels) ListByCategory(context.Context, domain.ChannelCategory) ([]domain.Channel, error) {
	return nil, nil
}
func (s *stubChannels) ListTracked(context.Context) ([]domain.Channel, error) {
	return s.tracked, nil
}
func (s *stubChannels) CountByCategory(context.Context, domain.ChannelCategory) (int, error) {
	return 0, nil
}
func (s *stubChannels) AdmitProposal(_ context.Context, ch domain.Channel, _ int) (domain.Channel, bool, error) {
	return ch, true, nil
}
func (s *stubChannels) PromoteChannel(context.Context, int64, time.Time) (bool, error) {
	return false, nil
}
func (s *stubChannels) RemoveChannel(context.Context, int64) error { return nil }

type stubCounters struct {
	entries map[int64]domain.CounterEntry
	readErr error
}

func (s *stubCounters) Increment(context.Context, int64, time.Time) error { return nil }
func (s *stubCounters) Read(_ context.Context, channelID int64) (domain.CounterEntry, error) {
	if s.readErr != nil {
		return domain.CounterEntry{}, s.readErr
	}
	return s.entries[channelID], nil
}
func (s *stubCounters) Reset(context.Context, int64, int64, map[int64]int64) error { return nil }
func (s *stubCounters) Clear(context.Context, int64) error                         { return nil }
func (s *stubCounters) TrackedChannels(context.Context) ([]int64, error)           { return nil, nil }

type stubSnapshots struct {
	batches [][]domain.ScoreSnapshot
	saveErr error
}

func (s *stubSnapshots) SaveSnapshotBatch(_ context.Context, snapshots []domain.ScoreSnapshot) error {
	if s.saveErr != nil {
		return s.saveErr
	}
	s.batches = append(s.batches, snapshots)
	return nil
}
func (s *stubSnapshots) LatestSnapshots(context.Context) (map[int64]domain.ScoreSnapshot, error) {
	return nil, nil
}

type stubQueue struct {
	jobs []domain.RecalcJob
}

func (s *stubQueue) Enqueue(_ context.Context, job domain.RecalcJob) error {
	s.jobs = append(s.jobs, job)
	return nil
}
func (s *stubQueue) Pop(context.Context) (domain.RecalcJob, error) {
	return domain.RecalcJob{}, errors.New("пусто")
}

func TestRunTickWritesBatch(t *testing.T) {
	channels := &stubChannels{tracked: []domain.Channel{{ID: 1}, {ID: 2}}}
	counters := &stubCounters{entries: map[int64]domain.CounterEntry{
		1: {ChannelID: 1, Total: 100, Recent: 50},
		2: {ChannelID: 2, Total: 10, Recent: 0},
	}}
	snapshots := &stubSnapshots{}
	service := NewService(channels, counters, snapshots, nil, zerolog.Nop())

	now := time.Now().UTC()
	batch, err := service.RunTick(context.Background(), now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("ожидали 2 снапшота, получили %d", len(batch))
	}
	if batch[0].Score != 70 {
		t.Fatalf("ожидали балл 70, получили %v", batch[0].Score)
	}
	if len(snapshots.batches) != 1 {
		t.Fatalf("ожидали один батч, получили %d", len(snapshots.batches))
	}
	if !batch[0].ComputedAt.Equal(now) {
		t.Fatalf("снапшот должен нести время тика")
	}
}

func TestRunTickAbandonsOnReadError(t *testing.T) {
	channels := &stubChannels{tracked: []domain.Channel{{ID: 1}}}
	counters := &stubCounters{readErr: errors.New("redis недоступен")}
	snapshots := &stubSnapshots{}
	service := NewService(channels, counters, snapshots, nil, zerolog.Nop())

	if _, err := service.RunTick(context.Background(), time.Now()); err == nil {
		t.Fatalf("ожидали ошибку тика")
	}
	if len(snapshots.batches) != 0 {
		t.Fatalf("сорванный тик не должен писать снапшоты")
	}
}

func TestRunTickEscalatesToRecalc(t *testing.T) {
	channels := &stubChannels{tracked: []domain.Channel{{ID: 1}}}
	counters := &stubCounters{readErr: errors.New("redis недоступен")}
	queue := &stubQueue{}
	service := NewService(channels, counters, &stubSnapshots{}, queue, zerolog.Nop())

	// первый сорванный тик терпим
	_, _ = service.RunTick(context.Background(), time.Now())
	if len(queue.jobs) != 0 {
		t.Fatalf("после первой неудачи пересчёт ставиться не должен")
	}
	// вторая подряд неудача эскалирует
	_, _ = service.RunTick(context.Background(), time.Now())
	if len(queue.jobs) != 1 {
		t.Fatalf("ожидали одну задачу пересчёта, получили %d", len(queue.jobs))
	}
	if queue.jobs[0].ID == "" {
		t.Fatalf("задача пересчёта должна иметь идентификатор")
	}
}
