// ignores.go — обработчики /api/v1/ignores endpoints.
package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"

	apierrors "github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/errors"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

// ListIgnores — GET /api/v1/ignores.
func (h *APIHandler) ListIgnores(w http.ResponseWriter, r *http.Request) {
	source, err := queryString(r, "source")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	ignores, err := h.ignores.List(r.Context(), source)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения списка ignore-паттернов")
		return
	}

	items := make([]ignoreDTO, 0, len(ignores))
	for _, i := range ignores {
		items = append(items, toIgnoreDTO(i))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// CreateIgnore — POST /api/v1/ignores.
// Подходящие активные источники сразу удаляются с причиной ignored_pattern.
func (h *APIHandler) CreateIgnore(w http.ResponseWriter, r *http.Request) {
	var req service.IgnoreSpec
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	res, err := h.ignores.Create(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка создания ignore-паттерна")
		return
	}

	h.logAction(r, "Создан ignore-паттерн",
		slog.Int64("ignore_id", res.Ignore.ID),
		slog.String("source", res.Ignore.Source),
		slog.String("pattern", res.Ignore.Pattern),
		slog.Int64("retired", res.Retired),
	)
	writeJSON(w, http.StatusCreated, map[string]any{
		"ignore":  toIgnoreDTO(res.Ignore),
		"retired": res.Retired,
	})
}

type importIgnoresRequest struct {
	Items []service.IgnoreSpec `json:"items"`
}

// ImportIgnores — POST /api/v1/ignores/import.
// Уже существующие паттерны пропускаются.
func (h *APIHandler) ImportIgnores(w http.ResponseWriter, r *http.Request) {
	var req importIgnoresRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	res, err := h.ignores.Import(r.Context(), req.Items)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка импорта ignore-паттернов")
		return
	}

	h.logAction(r, "Импортированы ignore-паттерны",
		slog.Int("created", res.Created),
		slog.Int("existing", res.Existing),
		slog.Int64("retired", res.Retired),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"created":  res.Created,
		"existing": res.Existing,
		"retired":  res.Retired,
	})
}

// DeleteIgnore — DELETE /api/v1/ignores/{id}.
// Ранее удалённые паттерном источники не восстанавливаются.
func (h *APIHandler) DeleteIgnore(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	if err := h.ignores.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "Ошибка удаления ignore-паттерна")
		return
	}

	h.logAction(r, "Удалён ignore-паттерн", slog.Int64("ignore_id", id))
	w.WriteHeader(http.StatusNoContent)
}
