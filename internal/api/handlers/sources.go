// sources.go — обработчики /api/v1/sync-sources endpoints.
// Просмотр реестра, принудительная пересинхронизация, удаление и восстановление, сверка.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	apierrors "github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/errors"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// ListSyncSources — GET /api/v1/sync-sources.
// Фильтры: source (тип источника), scope (active, deleted, all).
func (h *APIHandler) ListSyncSources(w http.ResponseWriter, r *http.Request) {
	source, err := queryString(r, "source")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	rawScope, err := queryString(r, "scope")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	scope, ok := model.ParseScope(rawScope)
	if !ok {
		apierrors.ValidationError(w, "Некорректный scope: допустимы active, deleted, all")
		return
	}

	sources, err := h.sources.List(r.Context(), source, scope)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения списка источников")
		return
	}

	items := make([]syncSourceDTO, 0, len(sources))
	for _, s := range sources {
		items = append(items, toSyncSourceDTO(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": items,
		"total": len(items),
	})
}

// GetSyncSource — GET /api/v1/sync-sources/{id}.
func (h *APIHandler) GetSyncSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	src, err := h.sources.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения источника")
		return
	}
	writeJSON(w, http.StatusOK, toSyncSourceDTO(src))
}

// ResyncSyncSource — POST /api/v1/sync-sources/{id}/resync.
// Сбрасывает курсор и baseline полей источника, следующий опрос прочитает все строки.
func (h *APIHandler) ResyncSyncSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	deleted, err := h.sources.ForceResync(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка пересинхронизации источника")
		return
	}

	h.logAction(r, "Источник поставлен на пересинхронизацию",
		slog.Int64("sync_source_id", id),
		slog.Int64("deleted_baselines", deleted),
	)
	writeJSON(w, http.StatusOK, map[string]any{"deletedBaselines": deleted})
}

type retireRequest struct {
	Ignore  bool   `json:"ignore"`
	Comment string `json:"comment"`
}

// RetireSyncSource — POST /api/v1/sync-sources/{id}/retire.
// С ignore=true дополнительно создаётся точный ignore-паттерн, чтобы сверка не вернула источник.
func (h *APIHandler) RetireSyncSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	var req retireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		apierrors.ValidationError(w, "Некорректный JSON: "+err.Error())
		return
	}

	if err := h.sources.Retire(r.Context(), id, req.Ignore, req.Comment); err != nil {
		h.writeServiceError(w, r, err, "Ошибка удаления источника")
		return
	}

	h.logAction(r, "Источник удалён вручную",
		slog.Int64("sync_source_id", id),
		slog.Bool("ignore", req.Ignore),
	)
	w.WriteHeader(http.StatusNoContent)
}

// RestoreSyncSource — POST /api/v1/sync-sources/{id}/restore.
func (h *APIHandler) RestoreSyncSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	if err := h.sources.Restore(r.Context(), id); err != nil {
		h.writeServiceError(w, r, err, "Ошибка восстановления источника")
		return
	}

	h.logAction(r, "Источник восстановлен", slog.Int64("sync_source_id", id))
	w.WriteHeader(http.StatusNoContent)
}

// ReconcileSyncSources — POST /api/v1/sync-sources/reconcile.
// Внеочередная сверка реестра. Результаты успешных адаптеров возвращаются
// даже если один из них завершился ошибкой.
func (h *APIHandler) ReconcileSyncSources(w http.ResponseWriter, r *http.Request) {
	results, err := h.reconciler.ReconcileAll(r.Context())
	if err != nil && len(results) == 0 {
		h.writeServiceError(w, r, err, "Ошибка сверки источников")
		return
	}

	items := make([]reconcileResultDTO, 0, len(results))
	for _, res := range results {
		if res != nil {
			items = append(items, toReconcileResultDTO(res))
		}
	}
	resp := map[string]any{"items": items}
	if err != nil {
		resp["error"] = err.Error()
	}

	h.logAction(r, "Выполнена сверка источников", slog.Int("adapters", len(items)))
	writeJSON(w, http.StatusOK, resp)
}
