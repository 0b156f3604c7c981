// Пакет extraction — клиент извлечения структурированных полей из свободного
// текста (OpenAI-совместимый chat completions API со structured output).
// Результаты кешируются в LRU с TTL по хэшу (модель, схема, текст)
// и проверяются по JSON Schema перед использованием.
package extraction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fi_extraction_cache_hits_total",
		Help: "Количество попаданий в кеш результатов извлечения",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fi_extraction_cache_misses_total",
		Help: "Количество промахов кеша результатов извлечения",
	})
)

// ErrInvalidOutput — ответ модели не соответствует схеме. Структурная ошибка: не повторяется.
var ErrInvalidOutput = errors.New("некорректный результат извлечения")

// Result — результат извлечения.
type Result struct {
	// Fields — значения по именам Schema.Outputs
	Fields map[string]canon.Value
	// InputHash — ключ кеша (sha256 модели, схемы и текста)
	InputHash string
	// Model — модель, выполнившая извлечение
	Model string
	// Cached — результат взят из кеша
	Cached bool
}

// Options — параметры Client.
type Options struct {
	BaseURL    string
	APIKey     string
	Model      string
	CacheSize  int
	CacheTTL   time.Duration
	Timeout    time.Duration
	MaxRetries int
	Backoff    remote.Backoff
	HTTPClient *http.Client
}

// Client — клиент извлечения с кешем.
type Client struct {
	rc     *remote.Client
	model  string
	cache  *expirable.LRU[string, map[string]canon.Value]
	logger *slog.Logger
}

// New создаёт Client.
func New(opts Options, logger *slog.Logger) *Client {
	size := opts.CacheSize
	if size <= 0 {
		size = 1000
	}
	return &Client{
		rc: remote.NewClient(remote.Options{
			Service:    "extraction",
			BaseURL:    opts.BaseURL,
			Headers:    map[string]string{"Authorization": "Bearer " + opts.APIKey},
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			Backoff:    opts.Backoff,
			HTTPClient: opts.HTTPClient,
		}, logger),
		model:  opts.Model,
		cache:  expirable.NewLRU[string, map[string]canon.Value](size, nil, opts.CacheTTL),
		logger: logger.With(slog.String("component", "extraction")),
	}
}

// Model возвращает имя модели.
func (c *Client) Model() string {
	return c.model
}

// InputHash — ключ кеша для текста и схемы.
func (c *Client) InputHash(rawText string, schema *Schema) string {
	h := sha256.New()
	for _, part := range []string{c.model, schema.Name, schema.Instructions, rawText} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Extract извлекает поля schema.Outputs из rawText.
// Пустой текст даёт null во всех полях без обращения к модели.
func (c *Client) Extract(ctx context.Context, rawText string, schema *Schema) (*Result, error) {
	rawText = strings.TrimSpace(rawText)
	hash := c.InputHash(rawText, schema)
	result := &Result{InputHash: hash, Model: c.model}

	if rawText == "" {
		result.Fields = nullFields(schema)
		return result, nil
	}

	if fields, ok := c.cache.Get(hash); ok {
		cacheHitsTotal.Inc()
		result.Fields = fields
		result.Cached = true
		return result, nil
	}
	cacheMissesTotal.Inc()

	content, err := c.complete(ctx, rawText, schema)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate([]byte(content)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}

	var parsed map[string]canon.Value
	if err := json.Unmarshal([]byte(content), &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	fields := nullFields(schema)
	for _, name := range schema.Outputs {
		if v, ok := parsed[name]; ok {
			fields[name] = v
		}
	}

	c.cache.Add(hash, fields)
	result.Fields = fields
	return result, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// complete вызывает chat completions и возвращает содержимое первого ответа.
func (c *Client) complete(ctx context.Context, rawText string, schema *Schema) (string, error) {
	body := map[string]any{
		"model": c.model,
		"messages": []chatMessage{
			{Role: "system", Content: schema.Instructions},
			{Role: "user", Content: rawText},
		},
		"response_format": map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   schema.Name,
				"strict": true,
				"schema": json.RawMessage(schema.Document),
			},
		},
	}

	resp, err := c.rc.Do(ctx, remote.Request{
		Method: http.MethodPost,
		Path:   "/v1/chat/completions",
		Body:   body,
	})
	if err != nil {
		return "", fmt.Errorf("ошибка извлечения (%s): %w", schema.Name, err)
	}

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
				Refusal string `json:"refusal"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := resp.Decode(&out); err != nil {
		return "", fmt.Errorf("ошибка извлечения (%s): %w", schema.Name, err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: пустой ответ модели", ErrInvalidOutput)
	}
	if out.Choices[0].Message.Refusal != "" {
		return "", fmt.Errorf("%w: отказ модели: %s", ErrInvalidOutput, out.Choices[0].Message.Refusal)
	}
	return out.Choices[0].Message.Content, nil
}

func nullFields(schema *Schema) map[string]canon.Value {
	fields := make(map[string]canon.Value, len(schema.Outputs))
	for _, name := range schema.Outputs {
		fields[name] = canon.Null()
	}
	return fields
}
