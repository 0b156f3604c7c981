package airtable

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// setupMockAirtable создаёт mock HTTP-сервер Airtable.
func setupMockAirtable(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer pat-test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(server.Close)

	return New(Options{
		BaseURL: server.URL,
		Token:   "pat-test",
		Timeout: 2 * time.Second,
		Backoff: remote.Backoff{Base: time.Millisecond, Max: time.Millisecond},
	}, testLogger())
}

func TestClient_ListIDsWithNames_Paginates(t *testing.T) {
	client := setupMockAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/meta/bases" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("offset") {
		case "":
			json.NewEncoder(w).Encode(map[string]any{
				"bases":  []Base{{ID: "app1", Name: "Первая"}},
				"offset": "page2",
			})
		case "page2":
			json.NewEncoder(w).Encode(map[string]any{
				"bases": []Base{{ID: "app2", Name: "Вторая"}},
			})
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	})

	bases, err := client.ListIDsWithNames(context.Background())
	if err != nil {
		t.Fatalf("Ошибка ListIDsWithNames: %v", err)
	}
	if len(bases) != 2 || bases[0].ID != "app1" || bases[1].Name != "Вторая" {
		t.Errorf("базы = %+v", bases)
	}
}

func TestClient_GetSchema(t *testing.T) {
	client := setupMockAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/meta/bases/app1/tables" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write([]byte(`{"tables":[{"id":"tbl1","name":"People","primaryFieldId":"fld0","fields":[
			{"id":"fld0","name":"Email","type":"email"},
			{"id":"fld1","name":"Loops - firstName","type":"singleLineText"}]}]}`))
	})

	schema, err := client.GetSchema(context.Background(), "app1")
	if err != nil {
		t.Fatalf("Ошибка GetSchema: %v", err)
	}
	if len(schema.Tables) != 1 || len(schema.Tables[0].Fields) != 2 {
		t.Fatalf("схема = %+v", schema)
	}
	if schema.Tables[0].Fields[0].Type != FieldTypeEmail {
		t.Errorf("тип поля = %q", schema.Tables[0].Fields[0].Type)
	}
}

func TestClient_ListRecords(t *testing.T) {
	formula := ModifiedSinceFormula(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))

	client := setupMockAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v0/app1/tbl1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		q := r.URL.Query()
		if q.Get("returnFieldsByFieldId") != "true" {
			t.Error("ожидается returnFieldsByFieldId=true")
		}
		if q.Get("filterByFormula") != formula {
			t.Errorf("filterByFormula = %q", q.Get("filterByFormula"))
		}
		if fields := q["fields[]"]; len(fields) != 2 {
			t.Errorf("fields[] = %v", fields)
		}
		if q.Get("offset") == "" {
			w.Write([]byte(`{"records":[{"id":"rec1","createdTime":"2025-01-01T00:00:00.000Z","fields":{"fld0":"a@b.com"}}],"offset":"next"}`))
			return
		}
		w.Write([]byte(`{"records":[{"id":"rec2","createdTime":"2025-01-01T00:00:00.000Z","fields":{"fld0":"c@d.com"}}]}`))
	})

	var ids []string
	err := client.ListRecords(context.Background(), "app1", "tbl1", ListOptions{
		FilterByFormula: formula,
		FieldIDs:        []string{"fld0", "fld1"},
	}, func(page []Record) error {
		for _, r := range page {
			ids = append(ids, r.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Ошибка ListRecords: %v", err)
	}
	if strings.Join(ids, ",") != "rec1,rec2" {
		t.Errorf("записи = %v", ids)
	}
}

func TestClient_ListRecords_CallbackError(t *testing.T) {
	client := setupMockAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"records":[{"id":"rec1","fields":{}}],"offset":"next"}`))
	})

	stop := errors.New("stop")
	calls := 0
	err := client.ListRecords(context.Background(), "app1", "tbl1", ListOptions{}, func([]Record) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) {
		t.Errorf("ожидается ошибка callback, получено %v", err)
	}
	if calls != 1 {
		t.Errorf("callback вызван %d раз, хотели 1", calls)
	}
}

func TestClient_RateLimitTyped(t *testing.T) {
	client := setupMockAirtable(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := client.GetSchema(context.Background(), "app1")
	var rl *remote.RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("ожидается RateLimitError, получено %v", err)
	}
	if rl.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %s, хотели 30s", rl.RetryAfter)
	}
}
