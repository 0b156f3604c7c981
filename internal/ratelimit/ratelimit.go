// Пакет ratelimit — token bucket по ключам, общий для всех исходящих
// вызовов к внешним API.
//
// Состояние ведра хранится в Store. Для нескольких процессов используется
// общее хранилище (PostgreSQL или Redis), иначе лимит соблюдается только
// в пределах процесса.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ключи ведер внешних API.
const (
	// KeyAirtableGlobal — общий лимит Airtable на токен
	KeyAirtableGlobal = "airtable:global"
	// KeyAirtableBasePrefix — префикс лимита на одну базу Airtable
	KeyAirtableBasePrefix = "airtable:base:"
	// KeyLoops — лимит API получателя
	KeyLoops = "loops:global"
)

// AirtableBaseKey возвращает ключ ведра базы Airtable.
func AirtableBaseKey(baseID string) string {
	return KeyAirtableBasePrefix + baseID
}

var waitDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "fi_ratelimit_wait_seconds",
	Help:    "Время ожидания токена rate limiter",
	Buckets: []float64{0, .005, .01, .05, .1, .25, .5, 1, 2.5, 5, 10},
}, []string{"rule"})

// Bucket — параметры token bucket.
type Bucket struct {
	// Rate — пополнение, токенов в секунду
	Rate float64
	// Burst — ёмкость ведра
	Burst float64
}

// Valid проверяет параметры ведра.
func (b Bucket) Valid() bool {
	return b.Rate > 0 && b.Burst >= 1
}

// waitFor возвращает ожидание при остатке tokens после списания (отрицательный — долг).
func (b Bucket) waitFor(tokens float64) time.Duration {
	if tokens >= 0 {
		return 0
	}
	return time.Duration(-tokens / b.Rate * float64(time.Second))
}

// Store — хранилище состояния ведер.
type Store interface {
	// Take списывает один токен из ведра key и возвращает, сколько нужно
	// подождать до его фактической доступности (0 — токен доступен сразу).
	// Списание выполняется всегда: ожидающие вызовы выстраиваются в очередь.
	Take(ctx context.Context, key string, b Bucket) (time.Duration, error)
}

// Rule — ведро для ключей с заданным префиксом (или точным значением).
type Rule struct {
	Prefix string
	Bucket Bucket
}

// Limiter — допуск вызовов по ключам.
type Limiter struct {
	store  Store
	rules  []Rule
	logger *slog.Logger
}

// NewLimiter создаёт Limiter. Для ключа применяется правило с самым длинным
// совпадающим префиксом; ключи без правила не ограничиваются.
func NewLimiter(store Store, rules []Rule, logger *slog.Logger) (*Limiter, error) {
	sorted := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if !r.Bucket.Valid() {
			return nil, fmt.Errorf("некорректное ведро для %q: rate=%v burst=%v", r.Prefix, r.Bucket.Rate, r.Bucket.Burst)
		}
		sorted = append(sorted, r)
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		return len(sorted[i].Prefix) > len(sorted[j].Prefix)
	})
	return &Limiter{
		store:  store,
		rules:  sorted,
		logger: logger.With(slog.String("component", "rate_limiter")),
	}, nil
}

// Wait ждёт токен в каждом ведре keys по порядку.
func (l *Limiter) Wait(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		rule, ok := l.ruleFor(key)
		if !ok {
			continue
		}

		wait, err := l.store.Take(ctx, key, rule.Bucket)
		if err != nil {
			return fmt.Errorf("rate limiter %q: %w", key, err)
		}
		waitDuration.WithLabelValues(rule.Prefix).Observe(wait.Seconds())
		if wait <= 0 {
			continue
		}

		l.logger.Debug("Ожидание токена",
			slog.String("key", key),
			slog.Duration("wait", wait),
		)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

func (l *Limiter) ruleFor(key string) (Rule, bool) {
	for _, r := range l.rules {
		if strings.HasPrefix(key, r.Prefix) {
			return r, true
		}
	}
	return Rule{}, false
}

// BucketForRPS — ведро на rps запросов в секунду с ёмкостью в одну секунду.
func BucketForRPS(rps float64) Bucket {
	return Bucket{Rate: rps, Burst: math.Max(1, math.Floor(rps))}
}
