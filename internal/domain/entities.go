package domain

import "time"

// ChannelCategory обозначает стадию жизненного цикла канала.
type ChannelCategory string

const (
	// CategoryProposed — канал на испытательном сроке.
	CategoryProposed ChannelCategory = "proposed"
	// CategoryPermanent — канал переведён в постоянные. Состояние терминальное.
	CategoryPermanent ChannelCategory = "permanent"
)

// Channel описывает отслеживаемый канал сообщества.
type Channel struct {
	ID         int64
	Category   ChannelCategory
	Name       string
	CreatedAt  time.Time
	PromotedAt *time.Time
}

// CounterEntry хранит счётчики активности канала.
// Total — накопленный итог, Recent — сумма бакетов внутри скользящего окна.
type CounterEntry struct {
	ChannelID int64
	Total     int64
	Recent    int64
}

// ScoreSnapshot — одно неизменяемое вычисление балла активности.
// Score считается только из собственной пары Total/Recent.
type ScoreSnapshot struct {
	ChannelID  int64
	Total      int64
	Recent     int64
	Score      float64
	ComputedAt time.Time
}

// EmbedPointer связывает логический ключ отчёта с живым сообщением на платформе.
// На один ключ приходится не более одного живого сообщения.
type EmbedPointer struct {
	LogicalKey    string
	Location      *MessageLocation
	ContentHash   string
	LastUpdatedAt time.Time
}

// MessageLocation указывает физическое расположение сообщения.
type MessageLocation struct {
	ChannelID int64
	MessageID int64
}

// RecalcJob — запрос на пересчёт статистики из истории сообщений.
type RecalcJob struct {
	ID          string    `json:"id"`
	MonthsBack  int       `json:"months_back"`
	RequestedBy int64     `json:"requested_by"`
	RequestedAt time.Time `json:"requested_at"`
}

// RecalcOutcome фиксирует результат последнего пересчёта.
type RecalcOutcome struct {
	JobID      string    `json:"job_id"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Err        string    `json:"error,omitempty"`
}

// StatusReport отдаётся ручкой статуса: только последнее заведомо хорошее состояние.
type StatusReport struct {
	LastTickAt      time.Time      `json:"last_tick_at"`
	LastRecalc      *RecalcOutcome `json:"last_recalc,omitempty"`
	TrackedChannels int            `json:"tracked_channels"`
}
