package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool *pgxpool.Pool
}

var (
	_ domain.ChannelRepo  = (*Postgres)(nil)
	_ domain.SnapshotRepo = (*Postgres)(nil)
	_ domain.EmbedRepo    = (*Postgres)(nil)
)

// admissionLockID — ключ advisory-блокировки, сериализующей приём предложений.
const admissionLockID = 7201

// NewPostgres создаёт адаптер БД.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) connCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

// UpsertChannel сохраняет канал. Постоянный канал не может вернуться в
// предложенные: категория из аргумента применяется только к непостоянным записям.
func (p *Postgres) UpsertChannel(ctx context.Context, ch domain.Channel) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}

	var (
		out        domain.Channel
		promotedAt sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO tracked_channels (channel_id, category, name, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (channel_id) DO UPDATE SET
    category = CASE WHEN tracked_channels.category = 'permanent' THEN tracked_channels.category ELSE EXCLUDED.category END,
    name = EXCLUDED.name
RETURNING channel_id, category, name, created_at, promoted_at
`, ch.ID, string(ch.Category), ch.Name, ch.CreatedAt).Scan(&out.ID, &out.Category, &out.Name, &out.CreatedAt, &promotedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_upsert", "tracked_channels", start, err)
	if err != nil {
		return domain.Channel{}, fmt.Errorf("upsert канала: %w", err)
	}
	if promotedAt.Valid {
		ts := promotedAt.Time
		out.PromotedAt = &ts
	}
	return out, nil
}

// GetChannel возвращает канал по идентификатору.
func (p *Postgres) GetChannel(ctx context.Context, id int64) (domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		out        domain.Channel
		promotedAt sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT channel_id, category, name, created_at, promoted_at
FROM tracked_channels WHERE channel_id = $1
`, id).Scan(&out.ID, &out.Category, &out.Name, &out.CreatedAt, &promotedAt)
	metrics.ObserveNetworkRequest("postgres", "channels_get", "tracked_channels", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Channel{}, domain.ErrChannelNotFound
	}
	if err != nil {
		return domain.Channel{}, fmt.Errorf("получение канала: %w", err)
	}
	if promotedAt.Valid {
		ts := promotedAt.Time
		out.PromotedAt = &ts
	}
	return out, nil
}

// ListByCategory возвращает каналы категории в порядке создания.
func (p *Postgres) ListByCategory(ctx context.Context, category domain.ChannelCategory) ([]domain.Channel, error) {
	return p.list(ctx, `
SELECT channel_id, category, name, created_at, promoted_at
FROM tracked_channels WHERE category = $1 ORDER BY channel_id
`, string(category))
}

// ListTracked возвращает все отслеживаемые каналы в порядке создания.
func (p *Postgres) ListTracked(ctx context.Context) ([]domain.Channel, error) {
	return p.list(ctx, `
SELECT channel_id, category, name, created_at, promoted_at
FROM tracked_channels ORDER BY channel_id
`)
}

func (p *Postgres) list(ctx context.Context, query string, args ...any) ([]domain.Channel, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, query, args...)
	metrics.ObserveNetworkRequest("postgres", "channels_list", "tracked_channels", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка каналов: %w", err)
	}
	defer rows.Close()

	var out []domain.Channel
	for rows.Next() {
		var (
			ch         domain.Channel
			promotedAt sql.NullTime
		)
		if err := rows.Scan(&ch.ID, &ch.Category, &ch.Name, &ch.CreatedAt, &promotedAt); err != nil {
			return nil, fmt.Errorf("чтение канала: %w", err)
		}
		if promotedAt.Valid {
			ts := promotedAt.Time
			ch.PromotedAt = &ts
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// CountByCategory считает каналы в категории.
func (p *Postgres) CountByCategory(ctx context.Context, category domain.ChannelCategory) (int, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var count int
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT count(*) FROM tracked_channels WHERE category = $1
`, string(category)).Scan(&count)
	metrics.ObserveNetworkRequest("postgres", "channels_count", "tracked_channels", start, err)
	if err != nil {
		return 0, fmt.Errorf("подсчёт каналов: %w", err)
	}
	return count, nil
}

// AdmitProposal добавляет предложенный канал, если лимит категории не исчерпан.
// Advisory-блокировка сериализует конкурентные приёмы: при count == cap-1
// из двух одновременных запросов пройдёт ровно один.
func (p *Postgres) AdmitProposal(ctx context.Context, ch domain.Channel, cap int) (domain.Channel, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "tracked_channels", start, err)
	if err != nil {
		return domain.Channel{}, false, fmt.Errorf("начало транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, admissionLockID); err != nil {
		return domain.Channel{}, false, fmt.Errorf("блокировка приёма: %w", err)
	}

	var count int
	if err := tx.QueryRow(ctx, `
SELECT count(*) FROM tracked_channels WHERE category = 'proposed'
`).Scan(&count); err != nil {
		return domain.Channel{}, false, fmt.Errorf("подсчёт предложенных: %w", err)
	}
	if count >= cap {
		return domain.Channel{}, false, nil
	}

	if ch.CreatedAt.IsZero() {
		ch.CreatedAt = time.Now().UTC()
	}
	var out domain.Channel
	start = time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO tracked_channels (channel_id, category, name, created_at)
VALUES ($1, 'proposed', $2, $3)
ON CONFLICT (channel_id) DO UPDATE SET name = EXCLUDED.name
RETURNING channel_id, category, name, created_at
`, ch.ID, ch.Name, ch.CreatedAt).Scan(&out.ID, &out.Category, &out.Name, &out.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "proposal_admit", "tracked_channels", start, err)
	if err != nil {
		return domain.Channel{}, false, fmt.Errorf("приём предложения: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.Channel{}, false, fmt.Errorf("фиксация транзакции: %w", err)
	}
	return out, true, nil
}

// PromoteChannel переводит канал из предложенных в постоянные.
// Повторный вызов для постоянного канала возвращает false без изменений.
func (p *Postgres) PromoteChannel(ctx context.Context, id int64, at time.Time) (bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE tracked_channels SET category = 'permanent', promoted_at = $2
WHERE channel_id = $1 AND category = 'proposed'
`, id, at)
	metrics.ObserveNetworkRequest("postgres", "channels_promote", "tracked_channels", start, err)
	if err != nil {
		return false, fmt.Errorf("перевод канала: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// RemoveChannel удаляет канал из отслеживания.
func (p *Postgres) RemoveChannel(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `DELETE FROM tracked_channels WHERE channel_id = $1`, id)
	metrics.ObserveNetworkRequest("postgres", "channels_remove", "tracked_channels", start, err)
	if err != nil {
		return fmt.Errorf("удаление канала: %w", err)
	}
	return nil
}

// SaveSnapshotBatch записывает все снапшоты тика одной транзакцией.
func (p *Postgres) SaveSnapshotBatch(ctx context.Context, snapshots []domain.ScoreSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "score_snapshots", start, err)
	if err != nil {
		return fmt.Errorf("начало транзакции: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	batch := &pgx.Batch{}
	for _, snap := range snapshots {
		batch.Queue(`
INSERT INTO score_snapshots (channel_id, total_messages, recent_messages, score, computed_at)
VALUES ($1, $2, $3, $4, $5)
`, snap.ChannelID, snap.Total, snap.Recent, snap.Score, snap.ComputedAt)
	}
	start = time.Now()
	err = tx.SendBatch(ctx, batch).Close()
	metrics.ObserveNetworkRequest("postgres", "snapshots_insert", "score_snapshots", start, err)
	if err != nil {
		return fmt.Errorf("запись снапшотов: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("фиксация снапшотов: %w", err)
	}
	return nil
}

// LatestSnapshots возвращает последний снапшот каждого канала.
func (p *Postgres) LatestSnapshots(ctx context.Context) (map[int64]domain.ScoreSnapshot, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT DISTINCT ON (channel_id) channel_id, total_messages, recent_messages, score, computed_at
FROM score_snapshots
ORDER BY channel_id, computed_at DESC
`)
	metrics.ObserveNetworkRequest("postgres", "snapshots_latest", "score_snapshots", start, err)
	if err != nil {
		return nil, fmt.Errorf("выборка снапшотов: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]domain.ScoreSnapshot)
	for rows.Next() {
		var snap domain.ScoreSnapshot
		if err := rows.Scan(&snap.ChannelID, &snap.Total, &snap.Recent, &snap.Score, &snap.ComputedAt); err != nil {
			return nil, fmt.Errorf("чтение снапшота: %w", err)
		}
		out[snap.ChannelID] = snap
	}
	return out, rows.Err()
}

// GetEmbedPointer возвращает указатель по логическому ключу.
func (p *Postgres) GetEmbedPointer(ctx context.Context, logicalKey string) (domain.EmbedPointer, bool, error) {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		ptr       domain.EmbedPointer
		channelID sql.NullInt64
		messageID sql.NullInt64
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT embed_type, channel_id, message_id, content_hash, last_updated
FROM persistent_embeds WHERE embed_type = $1
`, logicalKey).Scan(&ptr.LogicalKey, &channelID, &messageID, &ptr.ContentHash, &ptr.LastUpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "embeds_get", "persistent_embeds", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.EmbedPointer{}, false, nil
	}
	if err != nil {
		return domain.EmbedPointer{}, false, fmt.Errorf("получение указателя: %w", err)
	}
	if channelID.Valid && messageID.Valid {
		ptr.Location = &domain.MessageLocation{ChannelID: channelID.Int64, MessageID: messageID.Int64}
	}
	return ptr, true, nil
}

// SaveEmbedPointer сохраняет указатель. Пишется только после подтверждённого
// успеха внешнего вызова, поэтому upsert перетирает запись целиком.
func (p *Postgres) SaveEmbedPointer(ctx context.Context, ptr domain.EmbedPointer) error {
	ctx, cancel := p.connCtx(ctx)
	defer cancel()

	var (
		channelID sql.NullInt64
		messageID sql.NullInt64
	)
	if ptr.Location != nil {
		channelID = sql.NullInt64{Int64: ptr.Location.ChannelID, Valid: true}
		messageID = sql.NullInt64{Int64: ptr.Location.MessageID, Valid: true}
	}
	if ptr.LastUpdatedAt.IsZero() {
		ptr.LastUpdatedAt = time.Now().UTC()
	}
	start := time.Now()
	_, err := p.pool.Exec(ctx, `
INSERT INTO persistent_embeds (embed_type, channel_id, message_id, content_hash, last_updated)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (embed_type) DO UPDATE SET
    channel_id = EXCLUDED.channel_id,
    message_id = EXCLUDED.message_id,
    content_hash = EXCLUDED.content_hash,
    last_updated = EXCLUDED.last_updated
`, ptr.LogicalKey, channelID, messageID, ptr.ContentHash, ptr.LastUpdatedAt)
	metrics.ObserveNetworkRequest("postgres", "embeds_upsert", "persistent_embeds", start, err)
	if err != nil {
		return fmt.Errorf("сохранение указателя: %w", err)
	}
	return nil
}
