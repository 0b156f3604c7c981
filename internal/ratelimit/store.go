package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/config"
)

// MemoryStore — ведра в памяти процесса (x/time/rate).
// Подходит для одного экземпляра и тестов.
type MemoryStore struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	now      func() time.Time
}

// NewMemoryStore создаёт MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		limiters: make(map[string]*rate.Limiter),
		now:      time.Now,
	}
}

// Take реализует Store.
func (s *MemoryStore) Take(_ context.Context, key string, b Bucket) (time.Duration, error) {
	s.mu.Lock()
	lim, ok := s.limiters[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(b.Rate), int(math.Max(1, b.Burst)))
		s.limiters[key] = lim
	}
	s.mu.Unlock()

	r := lim.ReserveN(s.now(), 1)
	if !r.OK() {
		return 0, fmt.Errorf("ведро %q не допускает списание", key)
	}
	return r.DelayFrom(s.now()), nil
}

// rowQuerier — подмножество pgxpool.Pool / pgx.Tx.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore — ведра в таблице rate_limit_buckets.
// Пополнение считается по часам сервера БД, поэтому экземпляры
// с рассинхронизированными часами делят один лимит корректно.
type PostgresStore struct {
	db rowQuerier
}

// NewPostgresStore создаёт PostgresStore.
func NewPostgresStore(db rowQuerier) *PostgresStore {
	return &PostgresStore{db: db}
}

// Take реализует Store одним UPSERT.
func (s *PostgresStore) Take(ctx context.Context, key string, b Bucket) (time.Duration, error) {
	query := `
		INSERT INTO rate_limit_buckets AS rb (key, tokens, updated_at)
		SELECT $1::text, $3::float8 - 1, n.ts FROM (SELECT clock_timestamp() AS ts) n
		ON CONFLICT (key) DO UPDATE SET
			tokens = LEAST($3::float8,
				rb.tokens + GREATEST(0, EXTRACT(EPOCH FROM (EXCLUDED.updated_at - rb.updated_at)))::float8 * $2::float8
			) - 1,
			updated_at = EXCLUDED.updated_at
		RETURNING tokens`

	var tokens float64
	if err := s.db.QueryRow(ctx, query, key, b.Rate, b.Burst).Scan(&tokens); err != nil {
		return 0, fmt.Errorf("ошибка списания токена: %w", err)
	}
	return b.waitFor(tokens), nil
}

// takeScript — атомарное списание токена в Redis. Время берётся с сервера Redis.
// Ключ живёт, пока ведро не наполнится заново с учётом долга, плюс минута.
var takeScript = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local t = redis.call('TIME')
local now = tonumber(t[1]) + tonumber(t[2]) / 1000000
local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil or ts == nil then
	tokens = burst
	ts = now
end
tokens = math.min(burst, tokens + math.max(0, now - ts) * rate) - 1
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('EXPIRE', KEYS[1], math.ceil((burst - tokens) / rate) + 60)
return tostring(tokens)
`)

// RedisStore — ведра в Redis (хэш на ключ, Lua-скрипт).
type RedisStore struct {
	client redis.Scripter
	prefix string
}

// NewRedisStore создаёт RedisStore; ключи хранятся с префиксом prefix.
func NewRedisStore(client redis.Scripter, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

// Take реализует Store.
func (s *RedisStore) Take(ctx context.Context, key string, b Bucket) (time.Duration, error) {
	res, err := takeScript.Run(ctx, s.client, []string{s.prefix + key}, b.Rate, b.Burst).Text()
	if err != nil {
		return 0, fmt.Errorf("ошибка списания токена: %w", err)
	}
	tokens, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("некорректный ответ скрипта %q: %w", res, err)
	}
	return b.waitFor(tokens), nil
}

// NewStore создаёт Store по FI_RATE_LIMIT_BACKEND.
// Возвращаемая функция освобождает ресурсы хранилища.
func NewStore(ctx context.Context, cfg *config.Config, db rowQuerier, logger *slog.Logger) (Store, func(), error) {
	switch cfg.RateLimitBackend {
	case config.RateLimitMemory:
		logger.Warn("Rate limiter хранит состояние в памяти, лимиты не разделяются между экземплярами")
		return NewMemoryStore(), func() {}, nil
	case config.RateLimitPostgres:
		return NewPostgresStore(db), func() {}, nil
	case config.RateLimitRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("некорректный FI_REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("Redis недоступен: %w", err)
		}
		logger.Info("Rate limiter использует Redis", slog.String("addr", opts.Addr))
		return NewRedisStore(client, "fi:ratelimit:"), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("неизвестный backend rate limiter: %q", cfg.RateLimitBackend)
	}
}

// RulesFromConfig возвращает правила для внешних API сервиса.
func RulesFromConfig(cfg *config.Config) []Rule {
	return []Rule{
		{Prefix: KeyAirtableGlobal, Bucket: BucketForRPS(cfg.AirtableGlobalRPS)},
		{Prefix: KeyAirtableBasePrefix, Bucket: BucketForRPS(cfg.AirtablePerBaseRPS)},
		{Prefix: KeyLoops, Bucket: BucketForRPS(cfg.LoopsRPS)},
	}
}
