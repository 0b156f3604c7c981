// maintenance.go — служебные операции: синхронизация каталога списков рассылки
// и очистка устаревших baseline.
package handlers

import (
	"log/slog"
	"net/http"
)

// SyncMailingLists — POST /api/v1/mailing-lists/sync.
func (h *APIHandler) SyncMailingLists(w http.ResponseWriter, r *http.Request) {
	synced, err := h.catalog.Sync(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка синхронизации каталога списков рассылки")
		return
	}

	h.logAction(r, "Каталог списков рассылки синхронизирован", slog.Int("synced", synced))
	writeJSON(w, http.StatusOK, map[string]any{"synced": synced})
}

// PruneBaselines — POST /api/v1/maintenance/prune.
func (h *APIHandler) PruneBaselines(w http.ResponseWriter, r *http.Request) {
	res, err := h.pruner.Prune(r.Context())
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка очистки baseline")
		return
	}

	h.logAction(r, "Очистка baseline выполнена",
		slog.Int64("field_baselines", res.FieldBaselines),
		slog.Int64("destination_baselines", res.DestinationBaselines),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"fieldBaselines":       res.FieldBaselines,
		"destinationBaselines": res.DestinationBaselines,
	})
}
