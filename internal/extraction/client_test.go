package extraction

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockModel возвращает клиент, которому mock-модель отвечает content.
func setupMockModel(t *testing.T, content string, calls *atomic.Int32) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		calls.Add(1)

		var req struct {
			Model          string `json:"model"`
			ResponseFormat struct {
				Type       string `json:"type"`
				JSONSchema struct {
					Name string `json:"name"`
				} `json:"json_schema"`
			} `json:"response_format"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "test-model" || req.ResponseFormat.Type != "json_schema" {
			t.Errorf("запрос модели = %+v", req)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
	t.Cleanup(server.Close)

	return New(Options{
		BaseURL:   server.URL,
		APIKey:    "k",
		Model:     "test-model",
		CacheSize: 10,
		CacheTTL:  time.Hour,
		Timeout:   2 * time.Second,
	}, testLogger())
}

func TestClient_Extract_CachesByContent(t *testing.T) {
	var calls atomic.Int32
	client := setupMockModel(t, `{"firstName":"Jane","lastName":"Doe"}`, &calls)

	first, err := client.Extract(context.Background(), "Jane Doe", NameSchema)
	if err != nil {
		t.Fatalf("Ошибка Extract: %v", err)
	}
	if first.Cached {
		t.Error("первый вызов не должен быть из кеша")
	}
	if !first.Fields["firstName"].Equal(canon.MustOf("Jane")) || !first.Fields["lastName"].Equal(canon.MustOf("Doe")) {
		t.Errorf("поля = %v", first.Fields)
	}

	second, err := client.Extract(context.Background(), "  Jane Doe ", NameSchema)
	if err != nil {
		t.Fatalf("Ошибка Extract: %v", err)
	}
	if !second.Cached || second.InputHash != first.InputHash {
		t.Errorf("повторный вызов: cached=%v hash совпадает=%v", second.Cached, second.InputHash == first.InputHash)
	}
	if calls.Load() != 1 {
		t.Errorf("вызовов модели %d, хотели 1", calls.Load())
	}
}

func TestClient_Extract_InvalidOutput(t *testing.T) {
	var calls atomic.Int32
	client := setupMockModel(t, `{"firstName":"Jane"}`, &calls)

	_, err := client.Extract(context.Background(), "Jane", NameSchema)
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("ожидается ErrInvalidOutput, получено %v", err)
	}

	// Некорректный результат не кешируется
	_, _ = client.Extract(context.Background(), "Jane", NameSchema)
	if calls.Load() != 2 {
		t.Errorf("вызовов модели %d, хотели 2", calls.Load())
	}
}

func TestClient_Extract_EmptyText(t *testing.T) {
	var calls atomic.Int32
	client := setupMockModel(t, `{}`, &calls)

	res, err := client.Extract(context.Background(), "   ", AddressSchema)
	if err != nil {
		t.Fatalf("Ошибка Extract: %v", err)
	}
	if len(res.Fields) != len(AddressSchema.Outputs) {
		t.Errorf("полей %d, хотели %d", len(res.Fields), len(AddressSchema.Outputs))
	}
	for name, v := range res.Fields {
		if !v.IsNull() {
			t.Errorf("%s = %s, хотели null", name, v)
		}
	}
	if calls.Load() != 0 {
		t.Error("пустой текст не должен отправляться модели")
	}
}

func TestSchema_Validate(t *testing.T) {
	if err := AddressSchema.Validate([]byte(`{"addressLine1":"1 Main St","addressLine2":null,"addressCity":"Burlington",
		"addressState":"VT","addressZipCode":"05401","addressCountry":"United States"}`)); err != nil {
		t.Errorf("корректный адрес отклонён: %v", err)
	}
	if err := AddressSchema.Validate([]byte(`{"addressLine1":1}`)); err == nil {
		t.Error("некорректный адрес принят")
	}
	if _, err := NewSchema("bad", "", nil, []byte(`{"type": 12}`)); err == nil {
		t.Error("некорректная схема скомпилирована")
	}
}
