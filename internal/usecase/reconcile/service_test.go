package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
)

type memEmbeds struct {
	mu       sync.Mutex
	pointers map[string]domain.EmbedPointer
}

func newMemEmbeds() *memEmbeds {
	return &memEmbeds{pointers: make(map[string]domain.EmbedPointer)}
}

func (m *memEmbeds) GetEmbedPointer(_ context.Context, logicalKey string) (domain.EmbedPointer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ptr, ok := m.pointers[logicalKey]
	return ptr, ok, nil
}

func (m *memEmbeds) SaveEmbedPointer(_ context.Context, ptr domain.EmbedPointer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pointers[ptr.LogicalKey] = ptr
	return nil
}

type fakeMessenger struct {
	mu       sync.Mutex
	nextID   int64
	created  []domain.MessageLocation
	edits    int
	deletes  []domain.MessageLocation
	editErr  error
	allFail  error
	existing map[domain.MessageLocation]bool
}

func newFakeMessenger() *fakeMessenger {
	return &fakeMessenger{nextID: 100, existing: make(map[domain.MessageLocation]bool)}
}

func (f *fakeMessenger) CreateMessage(_ context.Context, channelID int64, _ string) (domain.MessageLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allFail != nil {
		return domain.MessageLocation{}, f.allFail
	}
	f.nextID++
	loc := domain.MessageLocation{ChannelID: channelID, MessageID: f.nextID}
	f.created = append(f.created, loc)
	f.existing[loc] = true
	return loc, nil
}

func (f *fakeMessenger) EditMessage(_ context.Context, loc domain.MessageLocation, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.allFail != nil {
		return f.allFail
	}
	if f.editErr != nil {
		return f.editErr
	}
	if !f.existing[loc] {
		return domain.ErrMessageNotFound
	}
	f.edits++
	return nil
}

func (f *fakeMessenger) DeleteMessage(_ context.Context, loc domain.MessageLocation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.existing[loc] {
		return domain.ErrMessageNotFound
	}
	delete(f.existing, loc)
	f.deletes = append(f.deletes, loc)
	return nil
}

func (f *fakeMessenger) externalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.created) + f.edits
}

func newTestService(embeds domain.EmbedRepo, messenger domain.Messenger) *Service {
	service := NewService(embeds, messenger, zerolog.Nop())
	service.newBackoff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	return service
}

func TestReconcileCreatesOnFirstRun(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	if err := service.Reconcile(context.Background(), "proposed_activity", 42, "отчёт v1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.created) != 1 {
		t.Fatalf("ожидали одно созданное сообщение, получили %d", len(messenger.created))
	}
	ptr, ok, _ := embeds.GetEmbedPointer(context.Background(), "proposed_activity")
	if !ok || ptr.Location == nil {
		t.Fatalf("указатель должен быть сохранён с локацией")
	}
}

func TestReconcileSkipsUnchangedContent(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	ctx := context.Background()
	if err := service.Reconcile(ctx, "proposed_activity", 42, "отчёт v1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	callsAfterCreate := messenger.externalCalls()

	// повторная реконсиляция того же содержимого не трогает внешний API
	if err := service.Reconcile(ctx, "proposed_activity", 42, "отчёт v1"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if messenger.externalCalls() != callsAfterCreate {
		t.Fatalf("неизменное содержимое не должно вызывать внешние записи")
	}
}

func TestReconcileEditsChangedContent(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	ctx := context.Background()
	_ = service.Reconcile(ctx, "proposed_activity", 42, "отчёт v1")
	if err := service.Reconcile(ctx, "proposed_activity", 42, "отчёт v2"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if messenger.edits != 1 {
		t.Fatalf("ожидали одну правку, получили %d", messenger.edits)
	}
	if len(messenger.created) != 1 {
		t.Fatalf("правка не должна создавать новое сообщение")
	}
}

func TestReconcileRecreatesAfterExternalDelete(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	ctx := context.Background()
	_ = service.Reconcile(ctx, "proposed_activity", 42, "отчёт v1")
	first := messenger.created[0]

	// сообщение удалили вне бота
	messenger.mu.Lock()
	delete(messenger.existing, first)
	messenger.mu.Unlock()

	if err := service.Reconcile(ctx, "proposed_activity", 42, "отчёт v2"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.created) != 2 {
		t.Fatalf("ожидали пересоздание сообщения")
	}
	ptr, _, _ := embeds.GetEmbedPointer(ctx, "proposed_activity")
	if ptr.Location == nil || *ptr.Location == first {
		t.Fatalf("указатель должен смотреть на новое сообщение")
	}
}

func TestReconcileConcurrentSingleCreate(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = service.Reconcile(context.Background(), "proposed_activity", 42, "отчёт v1")
		}()
	}
	wg.Wait()

	if len(messenger.created) != 1 {
		t.Fatalf("конкурентные реконсиляции создали %d сообщений вместо одного", len(messenger.created))
	}
}

func TestReconcileKeepsPointerOnRetryExhaustion(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	ctx := context.Background()
	_ = service.Reconcile(ctx, "proposed_activity", 42, "отчёт v1")
	before, _, _ := embeds.GetEmbedPointer(ctx, "proposed_activity")

	messenger.mu.Lock()
	messenger.allFail = errors.New("api timeout")
	messenger.mu.Unlock()

	if err := service.Reconcile(ctx, "proposed_activity", 42, "отчёт v2"); err == nil {
		t.Fatalf("ожидали ошибку после исчерпания повторов")
	}
	after, _, _ := embeds.GetEmbedPointer(ctx, "proposed_activity")
	if after.ContentHash != before.ContentHash || *after.Location != *before.Location {
		t.Fatalf("неудачная реконсиляция не должна трогать указатель")
	}
}

func TestReconcileDeletesExtraneousMessage(t *testing.T) {
	embeds := newMemEmbeds()
	messenger := newFakeMessenger()
	service := newTestService(embeds, messenger)

	ctx := context.Background()
	_ = service.Reconcile(ctx, "proposed_activity", 42, "отчёт v1")
	first := messenger.created[0]

	// правка отказывает как not-found, хотя сообщение живо: указатель
	// считается устаревшим, создаётся новое, а старое подчищается
	messenger.mu.Lock()
	messenger.editErr = domain.ErrMessageNotFound
	messenger.mu.Unlock()

	if err := service.Reconcile(ctx, "proposed_activity", 42, "отчёт v2"); err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(messenger.deletes) != 1 || messenger.deletes[0] != first {
		t.Fatalf("лишнее сообщение должно быть удалено")
	}
}
