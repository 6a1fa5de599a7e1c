package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

// Gateway реализует исходящие порты движка поверх Discord REST API.
type Gateway struct {
	session             *discordgo.Session
	guildID             string
	permanentCategoryID int64
	log                 zerolog.Logger
}

var (
	_ domain.Messenger     = (*Gateway)(nil)
	_ domain.ChannelMover  = (*Gateway)(nil)
	_ domain.HistorySource = (*Gateway)(nil)
)

// NewGateway создаёт адаптер платформы.
func NewGateway(session *discordgo.Session, guildID string, permanentCategoryID int64, logger zerolog.Logger) *Gateway {
	return &Gateway{session: session, guildID: guildID, permanentCategoryID: permanentCategoryID, log: logger}
}

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный snowflake %q: %w", raw, err)
	}
	return id, nil
}

// isNotFound распознаёт ответ Discord об удалённом сообщении или канале.
func isNotFound(err error) bool {
	var rest *discordgo.RESTError
	if !errors.As(err, &rest) {
		return false
	}
	if rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMessage, discordgo.ErrCodeUnknownChannel:
			return true
		}
	}
	return rest.Response != nil && rest.Response.StatusCode == http.StatusNotFound
}

// CreateMessage отправляет новое сообщение-отчёт.
func (g *Gateway) CreateMessage(ctx context.Context, channelID int64, content string) (domain.MessageLocation, error) {
	start := time.Now()
	msg, err := g.session.ChannelMessageSend(formatID(channelID), content, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "message_send", formatID(channelID), start, err)
	if err != nil {
		return domain.MessageLocation{}, fmt.Errorf("отправка сообщения: %w", err)
	}
	messageID, err := parseID(msg.ID)
	if err != nil {
		return domain.MessageLocation{}, err
	}
	return domain.MessageLocation{ChannelID: channelID, MessageID: messageID}, nil
}

// EditMessage правит сообщение на месте. Удалённое извне сообщение
// транслируется в domain.ErrMessageNotFound.
func (g *Gateway) EditMessage(ctx context.Context, loc domain.MessageLocation, content string) error {
	start := time.Now()
	_, err := g.session.ChannelMessageEdit(formatID(loc.ChannelID), formatID(loc.MessageID), content, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "message_edit", formatID(loc.ChannelID), start, err)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrMessageNotFound
		}
		return fmt.Errorf("правка сообщения: %w", err)
	}
	return nil
}

// DeleteMessage удаляет сообщение.
func (g *Gateway) DeleteMessage(ctx context.Context, loc domain.MessageLocation) error {
	start := time.Now()
	err := g.session.ChannelMessageDelete(formatID(loc.ChannelID), formatID(loc.MessageID), discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "message_delete", formatID(loc.ChannelID), start, err)
	if err != nil {
		if isNotFound(err) {
			return domain.ErrMessageNotFound
		}
		return fmt.Errorf("удаление сообщения: %w", err)
	}
	return nil
}

// MoveToPermanent физически переносит канал в категорию постоянных.
func (g *Gateway) MoveToPermanent(ctx context.Context, channelID int64) error {
	start := time.Now()
	_, err := g.session.ChannelEdit(formatID(channelID), &discordgo.ChannelEdit{
		ParentID: formatID(g.permanentCategoryID),
	}, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "channel_move", formatID(channelID), start, err)
	if err != nil {
		return fmt.Errorf("перенос канала: %w", err)
	}
	return nil
}

// ListCategoryChannels возвращает текстовые каналы категории.
func (g *Gateway) ListCategoryChannels(ctx context.Context, categoryID int64) ([]domain.Channel, error) {
	start := time.Now()
	all, err := g.session.GuildChannels(g.guildID, discordgo.WithContext(ctx))
	metrics.ObserveNetworkRequest("discord", "guild_channels", g.guildID, start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка каналов гильдии: %w", err)
	}

	parent := formatID(categoryID)
	category := domain.CategoryProposed
	if categoryID == g.permanentCategoryID {
		category = domain.CategoryPermanent
	}

	var out []domain.Channel
	for _, ch := range all {
		if ch.Type != discordgo.ChannelTypeGuildText || ch.ParentID != parent {
			continue
		}
		id, err := parseID(ch.ID)
		if err != nil {
			g.log.Warn().Err(err).Str("channel", ch.ID).Msg("discord: пропускаем канал с некорректным ID")
			continue
		}
		createdAt, err := discordgo.SnowflakeTimestamp(ch.ID)
		if err != nil {
			createdAt = time.Now().UTC()
		}
		out = append(out, domain.Channel{
			ID:        id,
			Category:  category,
			Name:      ch.Name,
			CreatedAt: createdAt.UTC(),
		})
	}
	return out, nil
}

// FetchHistory постранично читает историю канала назад во времени и отдаёт
// метки сообщений не старше since. Сообщения ботов не учитываются.
func (g *Gateway) FetchHistory(ctx context.Context, channelID int64, since time.Time) ([]time.Time, error) {
	var (
		out      []time.Time
		beforeID string
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		start := time.Now()
		page, err := g.session.ChannelMessages(formatID(channelID), 100, beforeID, "", "", discordgo.WithContext(ctx))
		metrics.ObserveNetworkRequest("discord", "channel_messages", formatID(channelID), start, err)
		if err != nil {
			return nil, fmt.Errorf("чтение истории: %w", err)
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, msg := range page {
			if msg.Timestamp.Before(since) {
				return out, nil
			}
			if msg.Author != nil && msg.Author.Bot {
				continue
			}
			out = append(out, msg.Timestamp.UTC())
		}
		beforeID = page[len(page)-1].ID
	}
}
