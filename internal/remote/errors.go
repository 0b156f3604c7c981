// Пакет remote — общая инфраструктура исходящих HTTP-вызовов к внешним API:
// типизированные ошибки, экспоненциальная задержка, разбор Retry-After
// и HTTP-клиент с повторами и rate limiting.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// RateLimitError — внешний API ответил 429 или исчерпан лимит.
type RateLimitError struct {
	// Service — имя внешнего сервиса (airtable, loops, ...)
	Service string
	// RetryAfter — рекомендованная пауза (0, если заголовка не было)
	RetryAfter time.Duration
	// Limit, Remaining — значения заголовков x-ratelimit-* (-1, если их не было)
	Limit     int
	Remaining int
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: превышен лимит запросов, повтор через %s", e.Service, e.RetryAfter)
	}
	return fmt.Sprintf("%s: превышен лимит запросов", e.Service)
}

// TimeoutError — превышено время ожидания ответа внешнего API.
type TimeoutError struct {
	Service string
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: таймаут запроса: %v", e.Service, e.Err)
}

func (e *TimeoutError) Unwrap() error {
	return e.Err
}

// APIError — внешний API вернул неуспешный статус.
type APIError struct {
	Service    string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s вернул статус %d: %s", e.Service, e.StatusCode, truncate(e.Body, 512))
}

// Temporary сообщает, является ли статус временной ошибкой сервера.
func (e *APIError) Temporary() bool {
	return e.StatusCode >= 500
}

// IsRetryable сообщает, относится ли ошибка к временным (rate limit, таймаут, 5xx).
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return true
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	var api *APIError
	if errors.As(err, &api) {
		return api.Temporary()
	}
	return false
}

// RetryAfterHint возвращает рекомендованную паузу из RateLimitError (0, если её нет).
func RetryAfterHint(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter
	}
	return 0
}

// Classify возвращает класс ошибки для журналов и структурированных ошибок.
func Classify(err error) string {
	var (
		rl  *RateLimitError
		te  *TimeoutError
		api *APIError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return "rate_limit"
	case errors.As(err, &te):
		return "timeout"
	case errors.As(err, &api):
		return fmt.Sprintf("api_%d", api.StatusCode)
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "fatal"
	}
}

// wrapTransportError превращает сетевые таймауты в TimeoutError.
func wrapTransportError(service string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Service: service, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Service: service, Err: err}
	}
	return fmt.Errorf("%s: ошибка запроса: %w", service, err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
