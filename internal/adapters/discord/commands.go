package discord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"agora-bot/internal/domain"
	"agora-bot/internal/usecase/lifecycle"
)

// Commands обслуживает операторские слэш-команды: приём предложений,
// ручной перевод канала и запуск пересчёта статистики.
type Commands struct {
	session    *discordgo.Session
	guildID    string
	lifecycle  *lifecycle.Service
	recalcs    domain.RecalcQueue
	monthLimit int
	log        zerolog.Logger
}

// NewCommands создаёт обработчик команд.
func NewCommands(session *discordgo.Session, guildID string, lifecycleSvc *lifecycle.Service, recalcs domain.RecalcQueue, monthLimit int, logger zerolog.Logger) *Commands {
	return &Commands{
		session:    session,
		guildID:    guildID,
		lifecycle:  lifecycleSvc,
		recalcs:    recalcs,
		monthLimit: monthLimit,
		log:        logger,
	}
}

// Register объявляет команды гильдии.
func (c *Commands) Register() error {
	commands := []*discordgo.ApplicationCommand{
		{
			Name:        "propose_channel",
			Description: "Принять канал в категорию предложенных",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        "channel",
				Description: "Канал-кандидат",
				Required:    true,
			}},
		},
		{
			Name:        "promote_channel",
			Description: "Перевести канал из предложенных в постоянные",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionChannel,
				Name:        "channel",
				Description: "Канал для перевода",
				Required:    true,
			}},
		},
		{
			Name:        "recalculate_stats",
			Description: "Пересчитать статистику активности из истории",
			Options: []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionInteger,
				Name:        "months_back",
				Description: "Глубина окна в месяцах",
				Required:    false,
			}},
		},
	}
	for _, cmd := range commands {
		if _, err := c.session.ApplicationCommandCreate(c.session.State.User.ID, c.guildID, cmd); err != nil {
			return fmt.Errorf("регистрация команды %s: %w", cmd.Name, err)
		}
	}
	return nil
}

// HandleInteraction регистрируется в discordgo-сессии.
func (c *Commands) HandleInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	data := i.ApplicationCommandData()
	var reply string
	switch data.Name {
	case "propose_channel":
		reply = c.handlePropose(ctx, data)
	case "promote_channel":
		reply = c.handlePromote(ctx, data)
	case "recalculate_stats":
		reply = c.handleRecalc(ctx, i, data)
	default:
		return
	}

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: reply,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		c.log.Error().Err(err).Str("command", data.Name).Msg("commands: не удалось ответить на команду")
	}
}

func channelOption(data discordgo.ApplicationCommandInteractionData) (int64, string, bool) {
	for _, opt := range data.Options {
		if opt.Type != discordgo.ApplicationCommandOptionChannel {
			continue
		}
		raw, ok := opt.Value.(string)
		if !ok {
			return 0, "", false
		}
		id, err := parseID(raw)
		if err != nil {
			return 0, "", false
		}
		return id, raw, true
	}
	return 0, "", false
}

func (c *Commands) handlePropose(ctx context.Context, data discordgo.ApplicationCommandInteractionData) string {
	id, raw, ok := channelOption(data)
	if !ok {
		return "❌ Укажите канал."
	}
	createdAt, err := discordgo.SnowflakeTimestamp(raw)
	if err != nil {
		createdAt = time.Now().UTC()
	}
	_, err = c.lifecycle.AdmitProposal(ctx, domain.Channel{
		ID:        id,
		Category:  domain.CategoryProposed,
		CreatedAt: createdAt.UTC(),
	})
	if errors.Is(err, lifecycle.ErrProposalCapReached) {
		return "❌ Лимит предложенных каналов исчерпан, дождитесь обработки существующих."
	}
	if err != nil {
		c.log.Error().Err(err).Int64("channel", id).Msg("commands: приём предложения не удался")
		return "❌ Не удалось принять предложение, попробуйте позже."
	}
	return fmt.Sprintf("✅ Канал <#%d> принят в предложенные.", id)
}

func (c *Commands) handlePromote(ctx context.Context, data discordgo.ApplicationCommandInteractionData) string {
	id, _, ok := channelOption(data)
	if !ok {
		return "❌ Укажите канал."
	}
	promoted, err := c.lifecycle.PromoteNow(ctx, id)
	if err != nil {
		c.log.Error().Err(err).Int64("channel", id).Msg("commands: ручной перевод не удался")
		return "❌ Не удалось перевести канал, попробуйте позже."
	}
	if !promoted {
		return fmt.Sprintf("Канал <#%d> уже постоянный.", id)
	}
	return fmt.Sprintf("✅ Канал <#%d> переведён в постоянные.", id)
}

func (c *Commands) handleRecalc(ctx context.Context, i *discordgo.InteractionCreate, data discordgo.ApplicationCommandInteractionData) string {
	months := 1
	for _, opt := range data.Options {
		if opt.Name == "months_back" {
			months = int(opt.IntValue())
		}
	}
	if months < 1 {
		months = 1
	}
	if months > c.monthLimit {
		months = c.monthLimit
	}

	var requestedBy int64
	if i.Member != nil && i.Member.User != nil {
		if id, err := parseID(i.Member.User.ID); err == nil {
			requestedBy = id
		}
	}

	job := domain.RecalcJob{
		ID:          uuid.NewString(),
		MonthsBack:  months,
		RequestedBy: requestedBy,
		RequestedAt: time.Now().UTC(),
	}
	if err := c.recalcs.Enqueue(ctx, job); err != nil {
		c.log.Error().Err(err).Msg("commands: не удалось поставить пересчёт")
		return "❌ Не удалось поставить пересчёт, попробуйте позже."
	}
	return fmt.Sprintf("⏳ Пересчёт за %d мес. поставлен в очередь (задача `%s`).", months, job.ID)
}
