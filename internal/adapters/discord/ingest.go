package discord

import (
	"context"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

// Ingest учитывает активность: каждое подходящее сообщение в отслеживаемых
// категориях превращается в инкремент счётчиков канала.
type Ingest struct {
	counters   domain.CounterStore
	categories map[string]struct{}
	skip       map[string]struct{}
	log        zerolog.Logger
}

// NewIngest создаёт обработчик событий. categoryIDs — категории, чьи каналы
// отслеживаются; skipChannelIDs — каналы отчётов, не участвующие в статистике.
func NewIngest(counters domain.CounterStore, categoryIDs, skipChannelIDs []int64, logger zerolog.Logger) *Ingest {
	categories := make(map[string]struct{}, len(categoryIDs))
	for _, id := range categoryIDs {
		categories[formatID(id)] = struct{}{}
	}
	skip := make(map[string]struct{}, len(skipChannelIDs))
	for _, id := range skipChannelIDs {
		skip[formatID(id)] = struct{}{}
	}
	return &Ingest{counters: counters, categories: categories, skip: skip, log: logger}
}

// HandleMessageCreate регистрируется в discordgo-сессии.
func (in *Ingest) HandleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if _, skip := in.skip[m.ChannelID]; skip {
		return
	}

	channel, err := s.State.Channel(m.ChannelID)
	if err != nil {
		// канала нет в кэше состояния: не наша категория либо свежесозданный,
		// пропуск одного события не искажает статистику заметно
		return
	}
	if _, tracked := in.categories[channel.ParentID]; !tracked {
		return
	}

	channelID, err := parseID(m.ChannelID)
	if err != nil {
		return
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := in.counters.Increment(ctx, channelID, ts); err != nil {
		in.log.Warn().Err(err).Int64("channel", channelID).Msg("ingest: не удалось учесть сообщение")
		return
	}
	metrics.ActivityEvents.Inc()
}
