package recalc

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
)

type fakeChannels struct {
	tracked []domain.Channel
}

func (f *fakeChannels) UpsertChannel(_ context.Context, ch domain.Channel) (domain.Channel, error) {
	return ch, nil
}
func (f *fakeChannels) GetChannel(context.Context, int64) (domain.Channel, error) {
	return domain.Channel{}, domain.ErrChannelNotFound
}
func (f *fakeChannels) ListByCategory(context.Context, domain.ChannelCategory) ([]domain.Channel, error) {
	return nil, nil
}
func (f *fakeChannels) ListTracked(context.Context) ([]domain.Channel, error) {
	return f.tracked, nil
}
func (f *fakeChannels) CountByCategory(context.Context, domain.ChannelCategory) (int, error) {
	return 0, nil
}
func (f *fakeChannels) AdmitProposal(_ context.Context, ch domain.Channel, _ int) (domain.Channel, bool, error) {
	return ch, true, nil
}
func (f *fakeChannels) PromoteChannel(context.Context, int64, time.Time) (bool, error) {
	return false, nil
}
func (f *fakeChannels) RemoveChannel(context.Context, int64) error { return nil }

type resetCall struct {
	total   int64
	buckets map[int64]int64
}

type fakeCounters struct {
	mu     sync.Mutex
	resets map[int64]resetCall
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{resets: make(map[int64]resetCall)}
}

func (f *fakeCounters) Increment(context.Context, int64, time.Time) error { return nil }
func (f *fakeCounters) Read(context.Context, int64) (domain.CounterEntry, error) {
	return domain.CounterEntry{}, nil
}
func (f *fakeCounters) Reset(_ context.Context, channelID, total int64, buckets map[int64]int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := make(map[int64]int64, len(buckets))
	for day, count := range buckets {
		copied[day] = count
	}
	f.resets[channelID] = resetCall{total: total, buckets: copied}
	return nil
}
func (f *fakeCounters) Clear(context.Context, int64) error               { return nil }
func (f *fakeCounters) TrackedChannels(context.Context) ([]int64, error) { return nil, nil }

type fakeSnapshots struct {
	mu      sync.Mutex
	batches [][]domain.ScoreSnapshot
}

func (f *fakeSnapshots) SaveSnapshotBatch(_ context.Context, snapshots []domain.ScoreSnapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, snapshots)
	return nil
}
func (f *fakeSnapshots) LatestSnapshots(context.Context) (map[int64]domain.ScoreSnapshot, error) {
	return nil, nil
}

type fakeHistory struct {
	mu         sync.Mutex
	timestamps map[int64][]time.Time
	sinceSeen  map[int64]time.Time
	errFor     map[int64]error
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{
		timestamps: make(map[int64][]time.Time),
		sinceSeen:  make(map[int64]time.Time),
		errFor:     make(map[int64]error),
	}
}

func (f *fakeHistory) FetchHistory(_ context.Context, channelID int64, since time.Time) ([]time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinceSeen[channelID] = since
	if err := f.errFor[channelID]; err != nil {
		return nil, err
	}
	return f.timestamps[channelID], nil
}

func TestRunRebuildsCountersFromHistory(t *testing.T) {
	now := time.Now().UTC()
	channels := &fakeChannels{tracked: []domain.Channel{{ID: 1}}}
	history := newFakeHistory()
	history.timestamps[1] = []time.Time{
		now.Add(-1 * time.Hour),        // внутри окна recent
		now.Add(-2 * time.Hour),        // внутри окна recent
		now.AddDate(0, 0, -30),         // только в total
		now.AddDate(0, 0, -30).Add(-1), // только в total
	}
	counters := newFakeCounters()
	snapshots := &fakeSnapshots{}
	service := NewService(channels, counters, snapshots, history, 6, 7, zerolog.Nop())

	outcome, err := service.Run(context.Background(), domain.RecalcJob{ID: "job-1", MonthsBack: 2})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if outcome.Processed != 1 || outcome.Failed != 0 {
		t.Fatalf("неожиданный итог: %+v", outcome)
	}

	call, ok := counters.resets[1]
	if !ok {
		t.Fatalf("счётчики канала 1 должны быть перезаписаны")
	}
	if call.total != 4 {
		t.Fatalf("ожидали total=4, получили %d", call.total)
	}
	var recent int64
	for _, count := range call.buckets {
		recent += count
	}
	if recent != 2 {
		t.Fatalf("ожидали recent=2, получили %d", recent)
	}

	if len(snapshots.batches) != 1 || len(snapshots.batches[0]) != 1 {
		t.Fatalf("ожидали один батч со свежим снапшотом")
	}
	snap := snapshots.batches[0][0]
	if snap.Total != 4 || snap.Recent != 2 {
		t.Fatalf("снапшот должен отражать пересчитанные счётчики: %+v", snap)
	}
}

func TestRunIsDeterministic(t *testing.T) {
	now := time.Now().UTC()
	channels := &fakeChannels{tracked: []domain.Channel{{ID: 1}, {ID: 2}}}
	history := newFakeHistory()
	history.timestamps[1] = []time.Time{now.Add(-time.Hour), now.AddDate(0, 0, -20)}
	history.timestamps[2] = []time.Time{now.Add(-2 * time.Hour)}

	run := func() map[int64]resetCall {
		counters := newFakeCounters()
		service := NewService(channels, counters, &fakeSnapshots{}, history, 6, 7, zerolog.Nop())
		if _, err := service.Run(context.Background(), domain.RecalcJob{ID: "job", MonthsBack: 1}); err != nil {
			t.Fatalf("не ожидали ошибку: %v", err)
		}
		return counters.resets
	}

	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("повторный пересчёт той же истории дал другой результат:\n%v\n%v", first, second)
	}
}

func TestRunClampsMonthsToLimit(t *testing.T) {
	channels := &fakeChannels{tracked: []domain.Channel{{ID: 1}}}
	history := newFakeHistory()
	service := NewService(channels, newFakeCounters(), &fakeSnapshots{}, history, 3, 7, zerolog.Nop())

	start := time.Now().UTC()
	if _, err := service.Run(context.Background(), domain.RecalcJob{ID: "job", MonthsBack: 24}); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	since := history.sinceSeen[1]
	limit := start.AddDate(0, -3, -1)
	if since.Before(limit) {
		t.Fatalf("глубина пересчёта должна ограничиваться лимитом: since=%v", since)
	}
}

func TestRunCancelledDuringScanWritesNothing(t *testing.T) {
	channels := &fakeChannels{tracked: []domain.Channel{{ID: 1}, {ID: 2}}}
	history := newFakeHistory()
	counters := newFakeCounters()
	snapshots := &fakeSnapshots{}
	service := NewService(channels, counters, snapshots, history, 6, 7, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := service.Run(ctx, domain.RecalcJob{ID: "job", MonthsBack: 1}); err == nil {
		t.Fatalf("ожидали ошибку отмены")
	}
	if len(counters.resets) != 0 {
		t.Fatalf("отменённый пересчёт не должен трогать счётчики")
	}
	if len(snapshots.batches) != 0 {
		t.Fatalf("отменённый пересчёт не должен писать снапшоты")
	}
}

func TestRunSkipsFailedChannels(t *testing.T) {
	channels := &fakeChannels{tracked: []domain.Channel{{ID: 1}, {ID: 2}}}
	history := newFakeHistory()
	history.timestamps[2] = []time.Time{time.Now().UTC()}
	history.errFor[1] = errors.New("api недоступен")
	counters := newFakeCounters()
	service := NewService(channels, counters, &fakeSnapshots{}, history, 6, 7, zerolog.Nop())

	outcome, err := service.Run(context.Background(), domain.RecalcJob{ID: "job", MonthsBack: 1})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if outcome.Processed != 1 || outcome.Failed != 1 {
		t.Fatalf("ожидали 1 обработанный и 1 сбойный канал, получили %+v", outcome)
	}
	if _, ok := counters.resets[1]; ok {
		t.Fatalf("сбойный канал не должен перезаписываться")
	}
	if _, ok := counters.resets[2]; !ok {
		t.Fatalf("здоровый канал должен быть пересчитан")
	}

	last := service.LastOutcome()
	if last == nil || last.JobID != "job" {
		t.Fatalf("итог последнего пересчёта должен быть доступен")
	}
}
