// Пакет loops — HTTP-клиент API получателя (контакты и списки рассылки Loops).
package loops

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ratelimit"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
)

// Contact — контакт получателя. Произвольные свойства контакта — в Properties.
type Contact struct {
	ID         string
	Email      string
	Properties map[string]any
}

// UpdateResult — ответ на создание/обновление контакта.
type UpdateResult struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
	Message string `json:"message,omitempty"`
}

// MailingList — список рассылки получателя.
type MailingList struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPublic    bool   `json:"isPublic"`
}

// Client — клиент API получателя.
type Client struct {
	rc     *remote.Client
	logger *slog.Logger
}

// Options — параметры Client.
type Options struct {
	BaseURL    string
	APIKey     string
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
			Service:    "loops",
			BaseURL:    opts.BaseURL,
			Headers:    map[string]string{"Authorization": "Bearer " + opts.APIKey},
			Timeout:    opts.Timeout,
			MaxRetries: opts.MaxRetries,
			Backoff:    opts.Backoff,
			Limiter:    opts.Limiter,
			HTTPClient: opts.HTTPClient,
		}, logger),
		logger: logger.With(slog.String("component", "loops")),
	}
}

// FindContact ищет контакт по email. Отсутствие контакта — found=false, не ошибка.
func (c *Client) FindContact(ctx context.Context, email string) (*Contact, bool, error) {
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:   http.MethodGet,
		Path:     "/api/v1/contacts/find",
		Query:    url.Values{"email": {email}},
		RateKeys: []string{ratelimit.KeyLoops},
	})
	if err != nil {
		return nil, false, fmt.Errorf("ошибка поиска контакта: %w", err)
	}

	var found []map[string]any
	if err := resp.Decode(&found); err != nil {
		return nil, false, fmt.Errorf("ошибка поиска контакта: %w", err)
	}
	if len(found) == 0 {
		return nil, false, nil
	}

	props := found[0]
	contact := &Contact{Properties: props}
	if id, ok := props["id"].(string); ok {
		contact.ID = id
	}
	if e, ok := props["email"].(string); ok {
		contact.Email = e
	}
	return contact, true, nil
}

// UpdateContact создаёт или обновляет контакт. Значение nil в fields очищает свойство.
func (c *Client) UpdateContact(ctx context.Context, email string, fields map[string]any) (*UpdateResult, error) {
	body := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["email"] = email

	resp, err := c.rc.Do(ctx, remote.Request{
		Method:   http.MethodPut,
		Path:     "/api/v1/contacts/update",
		Body:     body,
		RateKeys: []string{ratelimit.KeyLoops},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка обновления контакта: %w", err)
	}

	var result UpdateResult
	if err := resp.Decode(&result); err != nil {
		return nil, fmt.Errorf("ошибка обновления контакта: %w", err)
	}
	if !result.Success {
		return &result, &remote.APIError{Service: "loops", StatusCode: resp.StatusCode, Body: result.Message}
	}
	return &result, nil
}

// SubscribeToLists подписывает контакт на списки рассылки.
func (c *Client) SubscribeToLists(ctx context.Context, email string, listIDs []string) (*UpdateResult, error) {
	lists := make(map[string]bool, len(listIDs))
	for _, id := range listIDs {
		lists[id] = true
	}
	return c.UpdateContact(ctx, email, map[string]any{"mailingLists": lists})
}

// ListMailingLists возвращает все списки рассылки.
func (c *Client) ListMailingLists(ctx context.Context) ([]MailingList, error) {
	resp, err := c.rc.Do(ctx, remote.Request{
		Method:   http.MethodGet,
		Path:     "/api/v1/lists",
		RateKeys: []string{ratelimit.KeyLoops},
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списков рассылки: %w", err)
	}

	var lists []MailingList
	if err := resp.Decode(&lists); err != nil {
		return nil, fmt.Errorf("ошибка получения списков рассылки: %w", err)
	}
	return lists, nil
}
