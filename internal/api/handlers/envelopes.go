// envelopes.go — обработчики /api/v1/envelopes и /api/v1/audit endpoints.
package handlers

import (
	"log/slog"
	"net/http"

	apierrors "github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/errors"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

// ListEnvelopes — GET /api/v1/envelopes.
// Фильтры: status, identity. Пагинация: limit, offset.
func (h *APIHandler) ListEnvelopes(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := bindPage(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	rawStatus, err := queryString(r, "status")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	identity, err := queryString(r, "identity")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	filter := repository.EnvelopeFilter{
		Identity: identity,
		Limit:    limit,
		Offset:   offset,
	}
	if rawStatus != "" {
		status := model.EnvelopeStatus(rawStatus)
		if !status.Valid() {
			apierrors.ValidationError(w, "Некорректный статус конверта: "+rawStatus)
			return
		}
		filter.Status = &status
	}

	envelopes, err := h.envelopes.List(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения списка конвертов")
		return
	}

	items := make([]envelopeDTO, 0, len(envelopes))
	for _, e := range envelopes {
		items = append(items, toEnvelopeDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

// GetEnvelope — GET /api/v1/envelopes/{id}.
func (h *APIHandler) GetEnvelope(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	env, err := h.envelopes.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения конверта")
		return
	}
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

// RetryEnvelope — POST /api/v1/envelopes/{id}/retry.
// Возвращает failed конверт в очередь. Для остальных состояний — 409.
func (h *APIHandler) RetryEnvelope(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}

	env, err := h.envelopes.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка повтора конверта")
		return
	}

	h.logAction(r, "Конверт возвращён в очередь",
		slog.String("envelope_id", id.String()),
		slog.String("identity", env.DestinationIdentity),
	)
	writeJSON(w, http.StatusOK, toEnvelopeDTO(env))
}

// ListAudit — GET /api/v1/audit?identity=...
// Журнал переходов значений одного получателя, новые записи первыми.
func (h *APIHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := bindPage(r)
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	identity, err := queryString(r, "identity")
	if err != nil {
		apierrors.ValidationError(w, err.Error())
		return
	}
	if identity == "" {
		apierrors.ValidationError(w, "Параметр identity обязателен")
		return
	}

	records, err := h.envelopes.Audit(r.Context(), identity, limit, offset)
	if err != nil {
		h.writeServiceError(w, r, err, "Ошибка получения журнала аудита")
		return
	}

	items := make([]auditRecordDTO, 0, len(records))
	for _, rec := range records {
		items = append(items, toAuditRecordDTO(rec))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}
