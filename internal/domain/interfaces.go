package domain

import (
	"context"
	"errors"
	"time"
)

// ErrMessageNotFound сигнализирует, что внешнее сообщение больше не существует.
// Для реконсилятора это повод пересоздать сообщение, а не падать.
var ErrMessageNotFound = errors.New("сообщение не найдено")

// ErrChannelNotFound возвращается репозиторием, если канал не отслеживается.
var ErrChannelNotFound = errors.New("канал не найден")

// ChannelRepo управляет записями отслеживаемых каналов.
type ChannelRepo interface {
	UpsertChannel(ctx context.Context, ch Channel) (Channel, error)
	GetChannel(ctx context.Context, id int64) (Channel, error)
	ListByCategory(ctx context.Context, category ChannelCategory) ([]Channel, error)
	ListTracked(ctx context.Context) ([]Channel, error)
	CountByCategory(ctx context.Context, category ChannelCategory) (int, error)
	// AdmitProposal добавляет предложенный канал, если в категории осталось
	// место. Возвращает false при исчерпанном лимите; конкурентные приёмы
	// сериализуются хранилищем.
	AdmitProposal(ctx context.Context, ch Channel, cap int) (Channel, bool, error)
	// PromoteChannel переводит канал в постоянные. Возвращает false,
	// если канал уже был постоянным (повторный вызов — no-op).
	PromoteChannel(ctx context.Context, id int64, at time.Time) (bool, error)
	RemoveChannel(ctx context.Context, id int64) error
}

// SnapshotRepo хранит историю вычисленных баллов. Снапшоты только добавляются.
type SnapshotRepo interface {
	// SaveSnapshotBatch записывает все снапшоты тика в одной транзакции:
	// либо записан весь батч, либо ничего.
	SaveSnapshotBatch(ctx context.Context, snapshots []ScoreSnapshot) error
	LatestSnapshots(ctx context.Context) (map[int64]ScoreSnapshot, error)
}

// EmbedRepo управляет указателями на персистентные сообщения-отчёты.
type EmbedRepo interface {
	GetEmbedPointer(ctx context.Context, logicalKey string) (EmbedPointer, bool, error)
	SaveEmbedPointer(ctx context.Context, ptr EmbedPointer) error
}

// CounterStore — быстрое хранилище счётчиков активности.
type CounterStore interface {
	// Increment учитывает одну единицу активности. Безопасен при
	// конкурентных вызовах, потерь инкрементов быть не должно.
	Increment(ctx context.Context, channelID int64, ts time.Time) error
	Read(ctx context.Context, channelID int64) (CounterEntry, error)
	// Reset атомарно перезаписывает счётчики канала: total и бакеты окна
	// (ключ — начало суток в unix-секундах).
	Reset(ctx context.Context, channelID int64, total int64, buckets map[int64]int64) error
	Clear(ctx context.Context, channelID int64) error
	TrackedChannels(ctx context.Context) ([]int64, error)
}

// Messenger отправляет и правит сообщения-отчёты на платформе.
type Messenger interface {
	CreateMessage(ctx context.Context, channelID int64, content string) (MessageLocation, error)
	// EditMessage возвращает ErrMessageNotFound, если сообщение удалено извне.
	EditMessage(ctx context.Context, loc MessageLocation, content string) error
	DeleteMessage(ctx context.Context, loc MessageLocation) error
}

// ChannelMover физически перемещает канал между категориями платформы.
type ChannelMover interface {
	MoveToPermanent(ctx context.Context, channelID int64) error
	// ListCategoryChannels возвращает текущие текстовые каналы категории.
	ListCategoryChannels(ctx context.Context, categoryID int64) ([]Channel, error)
}

// HistorySource отдаёт временные метки сообщений канала начиная с since.
// Используется только пересчётом статистики.
type HistorySource interface {
	FetchHistory(ctx context.Context, channelID int64, since time.Time) ([]time.Time, error)
}

// RecalcQueue передаёт запросы на пересчёт от операторских команд к движку.
type RecalcQueue interface {
	Enqueue(ctx context.Context, job RecalcJob) error
	// Pop блокирующе читает запрос. Возвращает ошибку контекста при отмене.
	Pop(ctx context.Context) (RecalcJob, error)
}
