package report

import (
	"fmt"
	"sort"
	"strings"

	"agora-bot/internal/domain"
)

// Логические ключи персистентных отчётов.
const (
	KeyProposedActivity  = "proposed_activity"
	KeyPermanentActivity = "permanent_activity"
)

const topChannels = 15

// Row объединяет канал с его последним снапшотом для отчёта.
type Row struct {
	Channel  domain.Channel
	Snapshot domain.ScoreSnapshot
}

// RenderProposed строит отчёт по предложенным каналам: рейтинг по баллу.
// Вывод детерминирован, чтобы хэш содержимого не менялся без смены данных:
// равные баллы упорядочиваются по идентификатору канала.
func RenderProposed(rows []Row) string {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Snapshot.Score != sorted[j].Snapshot.Score {
			return sorted[i].Snapshot.Score > sorted[j].Snapshot.Score
		}
		return sorted[i].Channel.ID < sorted[j].Channel.ID
	})

	var b strings.Builder
	b.WriteString("📊 **Proposed Channels Activity Report**\n")
	fmt.Fprintf(&b, "Activity report for %d channels\n\n", len(sorted))

	if len(sorted) == 0 {
		b.WriteString("No channels found in this category\n")
		return finish(&b, proposedLegend)
	}

	writeSummary(&b, sorted)

	b.WriteString("🏆 **Top Channels by Activity Score**\n")
	for i, row := range sorted {
		if i >= topChannels {
			break
		}
		marker := fmt.Sprintf("%d.", i+1)
		switch i {
		case 0:
			marker = "🥇"
		case 1:
			marker = "🥈"
		case 2:
			marker = "🥉"
		}
		fmt.Fprintf(&b, "%s <#%d> - **%.1f** pts (%d total, %d recent)\n",
			marker, row.Channel.ID, row.Snapshot.Score, row.Snapshot.Total, row.Snapshot.Recent)
	}
	return finish(&b, proposedLegend)
}

// RenderPermanent строит отчёт по постоянным каналам: порядок по дате
// создания, новые сверху.
func RenderPermanent(rows []Row) string {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Channel.CreatedAt.Equal(sorted[j].Channel.CreatedAt) {
			return sorted[i].Channel.CreatedAt.After(sorted[j].Channel.CreatedAt)
		}
		return sorted[i].Channel.ID < sorted[j].Channel.ID
	})

	var b strings.Builder
	b.WriteString("📊 **Permanent Channels Activity Report**\n")
	fmt.Fprintf(&b, "Activity report for %d channels\n\n", len(sorted))

	if len(sorted) == 0 {
		b.WriteString("No channels found in this category\n")
		return finish(&b, permanentLegend)
	}

	writeSummary(&b, sorted)

	b.WriteString("📅 **Channels by Creation Date**\n")
	for i, row := range sorted {
		if i >= topChannels {
			break
		}
		fmt.Fprintf(&b, "• <#%d> - Created %s (%d total, %d recent)\n",
			row.Channel.ID, row.Channel.CreatedAt.UTC().Format("01/02"), row.Snapshot.Total, row.Snapshot.Recent)
	}
	return finish(&b, permanentLegend)
}

const (
	proposedLegend  = "**Score Formula:** (total × 0.4) + (recent × 0.6) • **Recent:** messages in last 7 days"
	permanentLegend = "**Ordering:** newest first • **Recent:** messages in last 7 days"
)

func writeSummary(b *strings.Builder, rows []Row) {
	var total, recent int64
	var scoreSum float64
	for _, row := range rows {
		total += row.Snapshot.Total
		recent += row.Snapshot.Recent
		scoreSum += row.Snapshot.Score
	}
	avg := scoreSum / float64(len(rows))
	fmt.Fprintf(b, "📈 **Summary**: %d total messages, %d recent, avg score %.1f\n\n", total, recent, avg)
}

func finish(b *strings.Builder, legend string) string {
	b.WriteString("\n📋 " + legend + "\n")
	return strings.TrimSpace(b.String())
}
