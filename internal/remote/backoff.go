package remote

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff — экспоненциальная задержка: Base, 2*Base, 4*Base, ... не больше Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay возвращает задержку перед попыткой attempt (1 — первая повторная попытка).
// Подсказка retryAfter имеет приоритет, если она больше расчётной, и не ограничивается Max.
func (b Backoff) Delay(attempt int, retryAfter time.Duration) time.Duration {
	delay := b.Base
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if b.Max > 0 && delay >= b.Max {
			delay = b.Max
			break
		}
	}
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	if retryAfter > delay {
		return retryAfter
	}
	return delay
}

// ParseRetryAfter разбирает заголовок Retry-After: секунды или HTTP-дата.
// Некорректное или прошедшее значение даёт 0.
func ParseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.ParseFloat(header, 64); err == nil {
		if seconds <= 0 {
			return 0
		}
		return time.Duration(seconds * float64(time.Second))
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// SleepContext ждёт delay или отмены ctx.
func SleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
