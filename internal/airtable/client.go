// Пакет airtable — HTTP-клиент Airtable Web API: список баз, схема таблиц
// и постраничное чтение записей. Все вызовы проходят через общий
// rate limiter (глобальный ключ и ключ базы).
package airtable

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ratelimit"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
)

// pageSize — максимальный размер страницы Airtable.
const pageSize = 100

// Типы полей Airtable, значимые для опроса.
const (
	FieldTypeEmail            = "email"
	FieldTypeLastModifiedTime = "lastModifiedTime"
)

// Base — база Airtable, доступная токену.
type Base struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	PermissionLevel string `json:"permissionLevel"`
}

// Field — поле таблицы.
type Field struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Table — таблица базы.
type Table struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	PrimaryFieldID string  `json:"primaryFieldId"`
	Fields         []Field `json:"fields"`
}

// Schema — схема базы.
type Schema struct {
	Tables []Table `json:"tables"`
}

// Record — запись таблицы; ключи Fields — идентификаторы полей.
type Record struct {
	ID          string                     `json:"id"`
	CreatedTime time.Time                  `json:"createdTime"`
	Fields      map[string]json.RawMessage `json:"fields"`
}

// ListOptions — параметры чтения записей.
type ListOptions struct {
	// FilterByFormula — формула отбора (пусто — все записи)
	FilterByFormula string
	// FieldIDs — ограничение набора полей (пусто — все поля)
	FieldIDs []string
}

// Client — клиент Airtable Web API.
type Client struct {
	rc     *remote.Client
	logger *slog.Logger
}

// Options — параметры Client.
type Options struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	MaxRetries int
	Backoff    remote.Backoff
	Limiter    remote.Waiter
	HTTPClient *http.Client
}

// New создаёт Client.
func New(opts Options, logger *slog.Logger) *Client {
	return &Client{
		rc: remote.NewClient(remote.Options{
			Service:    "airtable",
			BaseURL:    opts.BaseURL,
			Headers:    map[string]string{"Authorization": "Bearer " + opts.Token},
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			Backoff:    opts.Backoff,
			Limiter:    opts.Limiter,
			HTTPClient: opts.HTTPClient,
		}, logger),
		logger: logger.With(slog.String("component", "airtable")),
	}
}

// Source возвращает тип источника.
func (c *Client) Source() string {
	return model.SourceAirtable
}

// ListIDsWithNames возвращает все базы, видимые токену.
func (c *Client) ListIDsWithNames(ctx context.Context) ([]model.RemoteSource, error) {
	var (
		out    []model.RemoteSource
		offset string
	)
	for {
		query := url.Values{}
		if offset != "" {
			query.Set("offset", offset)
		}
		resp, err := c.rc.Do(ctx, remote.Request{
			Method:   http.MethodGet,
			Path:     "/v0/meta/bases",
			Query:    query,
			RateKeys: []string{ratelimit.KeyAirtableGlobal},
		})
		if err != nil {
			return nil, fmt.Errorf("ошибка получения списка баз: %w", err)
		}

		var page struct {
			Bases  []Base `json:"bases"`
			Offset string `json:"offset"`
		}
		if err := resp.Decode(&page); err != nil {
			return nil, fmt.Errorf("ошибка получения списка баз: %w", err)
		}
		for _, b := range page.Bases {
			out = append(out, model.RemoteSource{ID: b.ID, Name: b.Name})
		}
		if page.Offset == "" {
			return out, nil
		}
		offset = page.Offset
	}
}

// GetSchema возвращает схему базы.
func (c *Client) GetSchema(ctx context.Context, baseID string) (*Schema, error) {
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:   http.MethodGet,
		Path:     "/v0/meta/bases/" + url.PathEscape(baseID) + "/tables",
		RateKeys: []string{ratelimit.KeyAirtableGlobal, ratelimit.AirtableBaseKey(baseID)},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения схемы базы %s: %w", baseID, err)
	}

	var schema Schema
	if err := resp.Decode(&schema); err != nil {
		return nil, fmt.Errorf("ошибка получения схемы базы %s: %w", baseID, err)
	}
	return &schema, nil
}

// ListRecords читает записи таблицы постранично и передаёт каждую страницу в fn.
// Ошибка fn прерывает чтение.
func (c *Client) ListRecords(ctx context.Context, baseID, tableID string, opts ListOptions, fn func([]Record) error) error {
	offset := ""
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("pageSize", strconv.Itoa(pageSize))
		query.Set("returnFieldsByFieldId", "true")
		if opts.FilterByFormula != "" {
			query.Set("filterByFormula", opts.FilterByFormula)
		}
		for _, f := range opts.FieldIDs {
			query.Add("fields[]", f)
		}
		if offset != "" {
			query.Set("offset", offset)
		}

		resp, err := c.rc.Do(ctx, remote.Request{
			Method:   http.MethodGet,
			Path:     "/v0/" + url.PathEscape(baseID) + "/" + url.PathEscape(tableID),
			Query:    query,
			RateKeys: []string{ratelimit.KeyAirtableGlobal, ratelimit.AirtableBaseKey(baseID)},
		})
		if err != nil {
			return fmt.Errorf("ошибка чтения записей %s/%s: %w", baseID, tableID, err)
		}

		var body struct {
			Records []Record `json:"records"`
			Offset  string   `json:"offset"`
		}
		if err := resp.Decode(&body); err != nil {
			return fmt.Errorf("ошибка чтения записей %s/%s: %w", baseID, tableID, err)
		}

		c.logger.Debug("Страница записей получена",
			slog.String("base_id", baseID),
			slog.String("table_id", tableID),
			slog.Int("page", page),
			slog.Int("records", len(body.Records)),
		)
		if len(body.Records) > 0 {
			if err := fn(body.Records); err != nil {
				return err
			}
		}
		if body.Offset == "" {
			return nil
		}
		offset = body.Offset
	}
}

// ModifiedSinceFormula — формула отбора записей, изменённых после since.
func ModifiedSinceFormula(since time.Time) string {
	return fmt.Sprintf("IS_AFTER(LAST_MODIFIED_TIME(), DATETIME_PARSE('%s'))", since.UTC().Format(time.RFC3339))
}
