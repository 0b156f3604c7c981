package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fi_remote_request_duration_seconds",
		Help:    "Длительность запросов к внешним API",
		Buckets: prometheus.DefBuckets,
	}, []string{"service", "outcome"})

	requestRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fi_remote_request_retries_total",
		Help: "Количество повторов запросов к внешним API",
	}, []string{"service", "class"})
)

// Waiter — допуск исходящего запроса по ключам rate limiter'а.
type Waiter interface {
	Wait(ctx context.Context, keys ...string) error
}

// Options — параметры Client.
type Options struct {
	// Service — имя сервиса в ошибках, логах и метриках
	Service string
	// BaseURL — базовый URL API без завершающего слеша
	BaseURL string
	// Headers — постоянные заголовки (авторизация и т.п.)
	Headers map[string]string
	// Timeout — таймаут одного запроса
	Timeout time.Duration
	// MaxRetries — число повторов временных ошибок внутри одного вызова
	MaxRetries int
	// Backoff — задержка между повторами
	Backoff Backoff
	// Limiter — rate limiter (nil — без ограничений)
	Limiter Waiter
	// HTTPClient — заменяет http.Client по умолчанию (тесты)
	HTTPClient *http.Client
}

// Request — описание одного вызова API.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	// Body сериализуется в JSON, если не nil
	Body any
	// RateKeys — ключи token bucket, через которые проходит каждая попытка
	RateKeys []string
}

// Response — успешный ответ API.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Decode разбирает тело ответа как JSON.
func (r *Response) Decode(out any) error {
	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("декодирование ответа: %w", err)
	}
	return nil
}

// Client — HTTP-клиент внешнего API с повторами временных ошибок.
type Client struct {
	opts       Options
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient создаёт Client.
func NewClient(opts Options, logger *slog.Logger) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Client{
		opts:       opts,
		httpClient: httpClient,
		logger:     logger.With(slog.String("component", opts.Service+"_client")),
		now:        time.Now,
	}
}

// Service возвращает имя сервиса клиента.
func (c *Client) Service() string {
	return c.opts.Service
}

// BaseURL возвращает базовый URL клиента.
func (c *Client) BaseURL() string {
	return c.opts.BaseURL
}

// Do выполняет запрос. Временные ошибки (429, таймаут, 5xx) повторяются
// до MaxRetries раз; последняя ошибка возвращается типизированной
// (RateLimitError, TimeoutError, APIError).
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("%s: сериализация запроса: %w", c.opts.Service, err)
		}
	}

	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, req, body)
		if err == nil {
			return resp, nil
		}
		if !IsRetryable(err) || attempt >= c.opts.MaxRetries || ctx.Err() != nil {
			return nil, err
		}

		delay := c.opts.Backoff.Delay(attempt+1, RetryAfterHint(err))
		requestRetries.WithLabelValues(c.opts.Service, Classify(err)).Inc()
		c.logger.Debug("Повтор запроса",
			slog.String("path", req.Path),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
		if waitErr := SleepContext(ctx, delay); waitErr != nil {
			return nil, err
		}
	}
}

func (c *Client) attempt(ctx context.Context, req Request, body []byte) (*Response, error) {
	if c.opts.Limiter != nil && len(req.RateKeys) > 0 {
		if err := c.opts.Limiter.Wait(ctx, req.RateKeys...); err != nil {
			return nil, fmt.Errorf("%s: ожидание rate limiter: %w", c.opts.Service, err)
		}
	}

	reqURL := c.opts.BaseURL + req.Path
	if len(req.Query) > 0 {
		reqURL += "?" + req.Query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, reqURL, reader)
	if err != nil {
		return nil, fmt.Errorf("%s: создание запроса: %w", c.opts.Service, err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range c.opts.Headers {
		httpReq.Header.Set(k, v)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		wrapped := wrapTransportError(c.opts.Service, err)
		requestDuration.WithLabelValues(c.opts.Service, Classify(wrapped)).Observe(time.Since(start).Seconds())
		return nil, wrapped
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		wrapped := wrapTransportError(c.opts.Service, err)
		requestDuration.WithLabelValues(c.opts.Service, Classify(wrapped)).Observe(time.Since(start).Seconds())
		return nil, wrapped
	}

	err = c.statusError(httpResp, respBody)
	outcome := "ok"
	if err != nil {
		outcome = Classify(err)
	}
	requestDuration.WithLabelValues(c.opts.Service, outcome).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &Response{StatusCode: httpResp.StatusCode, Header: httpResp.Header, Body: respBody}, nil
}

func (c *Client) statusError(resp *http.Response, body []byte) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{
			Service:    c.opts.Service,
			RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
			Limit:      headerInt(resp.Header, "X-RateLimit-Limit"),
			Remaining:  headerInt(resp.Header, "X-RateLimit-Remaining"),
		}
	}
	return &APIError{
		Service:    c.opts.Service,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

// headerInt возвращает целое значение заголовка или -1.
func headerInt(h http.Header, key string) int {
	v := strings.TrimSpace(h.Get(key))
	if v == "" {
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return -1
	}
	return n
}
