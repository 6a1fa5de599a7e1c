package counters

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"agora-bot/internal/domain"
	"agora-bot/internal/infra/metrics"
)

const (
	keyPrefix   = "channel_stats:"
	totalField  = "total"
	bucketField = "b:"
	secondsDay  = 86400
)

// RedisStore реализует domain.CounterStore поверх Redis.
//
// Счётчики канала лежат в одном hash: поле total и суточные бакеты b:<день>.
// Recent — сумма бакетов, чьё начало попадает в окно. Срез устаревших
// бакетов выполняется лениво при чтении и инкременте, отдельного таймера нет.
type RedisStore struct {
	client     *redis.Client
	windowDays int
}

// NewRedisStore создаёт хранилище счётчиков с окном в днях.
func NewRedisStore(client *redis.Client, windowDays int) *RedisStore {
	return &RedisStore{client: client, windowDays: windowDays}
}

var _ domain.CounterStore = (*RedisStore)(nil)

func key(channelID int64) string {
	return keyPrefix + strconv.FormatInt(channelID, 10)
}

func dayOf(ts time.Time) int64 {
	return ts.Unix() / secondsDay
}

// Increment учитывает одну единицу активности. HIncrBy атомарен на стороне
// Redis, поэтому конкурентные вызовы не теряют обновлений.
func (s *RedisStore) Increment(ctx context.Context, channelID int64, ts time.Time) error {
	day := dayOf(ts)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key(channelID), totalField, 1)
	pipe.HIncrBy(ctx, key(channelID), bucketField+strconv.FormatInt(day, 10), 1)
	// ленивый срез: выталкиваем бакет, только что вышедший за окно
	expired := day - int64(s.windowDays) - 1
	pipe.HDel(ctx, key(channelID), bucketField+strconv.FormatInt(expired, 10))
	start := time.Now()
	_, err := pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "counters_increment", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return fmt.Errorf("increment counters: %w", err)
	}
	return nil
}

// Read возвращает накопленный итог и сумму бакетов внутри окна.
func (s *RedisStore) Read(ctx context.Context, channelID int64) (domain.CounterEntry, error) {
	start := time.Now()
	fields, err := s.client.HGetAll(ctx, key(channelID)).Result()
	metrics.ObserveNetworkRequest("redis", "counters_read", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return domain.CounterEntry{}, fmt.Errorf("read counters: %w", err)
	}

	entry := domain.CounterEntry{ChannelID: channelID}
	oldest := dayOf(time.Now()) - int64(s.windowDays) + 1
	var stale []string
	for field, raw := range fields {
		value, parseErr := strconv.ParseInt(raw, 10, 64)
		if parseErr != nil {
			continue
		}
		if field == totalField {
			entry.Total = value
			continue
		}
		day, parseErr := strconv.ParseInt(strings.TrimPrefix(field, bucketField), 10, 64)
		if parseErr != nil {
			continue
		}
		if day < oldest {
			stale = append(stale, field)
			continue
		}
		entry.Recent += value
	}
	if len(stale) > 0 {
		_ = s.client.HDel(ctx, key(channelID), stale...).Err()
	}
	return entry, nil
}

// Reset атомарно перезаписывает счётчики канала. TxPipeline (MULTI/EXEC)
// гарантирует, что конкурентное чтение увидит либо старое, либо новое состояние.
func (s *RedisStore) Reset(ctx context.Context, channelID int64, total int64, buckets map[int64]int64) error {
	values := make([]any, 0, 2*(len(buckets)+1))
	values = append(values, totalField, strconv.FormatInt(total, 10))
	for day, count := range buckets {
		values = append(values, bucketField+strconv.FormatInt(day, 10), strconv.FormatInt(count, 10))
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key(channelID))
	pipe.HSet(ctx, key(channelID), values...)
	start := time.Now()
	_, err := pipe.Exec(ctx)
	metrics.ObserveNetworkRequest("redis", "counters_reset", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return fmt.Errorf("reset counters: %w", err)
	}
	return nil
}

// Clear удаляет счётчики канала.
func (s *RedisStore) Clear(ctx context.Context, channelID int64) error {
	start := time.Now()
	err := s.client.Del(ctx, key(channelID)).Err()
	metrics.ObserveNetworkRequest("redis", "counters_clear", strconv.FormatInt(channelID, 10), start, err)
	if err != nil {
		return fmt.Errorf("clear counters: %w", err)
	}
	return nil
}

// TrackedChannels возвращает каналы, по которым есть счётчики.
func (s *RedisStore) TrackedChannels(ctx context.Context) ([]int64, error) {
	var (
		ids    []int64
		cursor uint64
	)
	for {
		start := time.Now()
		keys, next, err := s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		metrics.ObserveNetworkRequest("redis", "counters_scan", "channel_stats", start, err)
		if err != nil {
			return nil, fmt.Errorf("scan counters: %w", err)
		}
		for _, k := range keys {
			id, parseErr := strconv.ParseInt(strings.TrimPrefix(k, keyPrefix), 10, 64)
			if parseErr != nil {
				continue
			}
			ids = append(ids, id)
		}
		cursor = next
		if cursor == 0 {
			return ids, nil
		}
	}
}
