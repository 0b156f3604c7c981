// handler.go — основной обработчик admin API Field Integrator.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	apierrors "github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/errors"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/middleware"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/rbac"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

// SourceManager — операции над реестром источников.
type SourceManager interface {
	List(ctx context.Context, source string, scope model.Scope) ([]*model.SyncSource, error)
	Get(ctx context.Context, id int64) (*model.SyncSource, error)
	ForceResync(ctx context.Context, id int64) (int64, error)
	Retire(ctx context.Context, id int64, withIgnore bool, comment string) error
	Restore(ctx context.Context, id int64) error
}

// Reconciler — внеочередная сверка реестра источников.
type Reconciler interface {
	ReconcileAll(ctx context.Context) ([]*service.ReconcileResult, error)
}

// IgnoreManager — операции над ignore-паттернами.
type IgnoreManager interface {
	List(ctx context.Context, source string) ([]*model.SyncSourceIgnore, error)
	Create(ctx context.Context, spec service.IgnoreSpec) (*service.IgnoreCreateResult, error)
	Import(ctx context.Context, specs []service.IgnoreSpec) (*service.ImportResult, error)
	Delete(ctx context.Context, id int64) error
}

// EnvelopeReader — просмотр outbox и журнала аудита, повтор конвертов.
type EnvelopeReader interface {
	List(ctx context.Context, filter repository.EnvelopeFilter) ([]*model.Envelope, error)
	Get(ctx context.Context, id uuid.UUID) (*model.Envelope, error)
	Retry(ctx context.Context, id uuid.UUID) (*model.Envelope, error)
	Audit(ctx context.Context, identity string, limit, offset int) ([]*model.AuditRecord, error)
}

// CatalogSyncer — синхронизация каталога списков рассылки.
type CatalogSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// Pruner — очистка устаревших baseline.
type Pruner interface {
	Prune(ctx context.Context) (*service.PruneResult, error)
}

// Services — зависимости APIHandler.
type Services struct {
	Sources    SourceManager
	Reconciler Reconciler
	Ignores    IgnoreManager
	Envelopes  EnvelopeReader
	Catalog    CatalogSyncer
	Pruner     Pruner
}

// APIHandler — обработчик /api/v1.
type APIHandler struct {
	sources    SourceManager
	reconciler Reconciler
	ignores    IgnoreManager
	envelopes  EnvelopeReader
	catalog    CatalogSyncer
	pruner     Pruner
	logger     *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(svc Services, logger *slog.Logger) *APIHandler {
	return &APIHandler{
		sources:    svc.Sources,
		reconciler: svc.Reconciler,
		ignores:    svc.Ignores,
		envelopes:  svc.Envelopes,
		catalog:    svc.Catalog,
		pruner:     svc.Pruner,
		logger:     logger.With(slog.String("component", "api_handler")),
	}
}

// Routes регистрирует маршруты /api/v1 на r.
// Чтение доступно viewer, изменяющие операции только operator.
// Аутентификация и проверка контракта подключаются выше, в server.
func (h *APIHandler) Routes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(rbac.RoleViewer))

		r.Get("/sync-sources", h.ListSyncSources)
		r.Get("/sync-sources/{id}", h.GetSyncSource)
		r.Get("/ignores", h.ListIgnores)
		r.Get("/envelopes", h.ListEnvelopes)
		r.Get("/envelopes/{id}", h.GetEnvelope)
		r.Get("/audit", h.ListAudit)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireRole(rbac.RoleOperator))

		r.Post("/sync-sources/reconcile", h.ReconcileSyncSources)
		r.Post("/sync-sources/{id}/resync", h.ResyncSyncSource)
		r.Post("/sync-sources/{id}/retire", h.RetireSyncSource)
		r.Post("/sync-sources/{id}/restore", h.RestoreSyncSource)
		r.Post("/ignores", h.CreateIgnore)
		r.Post("/ignores/import", h.ImportIgnores)
		r.Delete("/ignores/{id}", h.DeleteIgnore)
		r.Post("/envelopes/{id}/retry", h.RetryEnvelope)
		r.Post("/mailing-lists/sync", h.SyncMailingLists)
		r.Post("/maintenance/prune", h.PruneBaselines)
	})
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// paginationDefaults нормализует параметры пагинации.
// Возвращает корректные limit и offset.
func paginationDefaults(limit *int, offset *int) (int, int) {
	l := 100
	o := 0

	if limit != nil {
		l = *limit
		if l < 1 {
			l = 1
		}
		if l > 1000 {
			l = 1000
		}
	}

	if offset != nil {
		o = *offset
		if o < 0 {
			o = 0
		}
	}

	return l, o
}

// writeServiceError переводит ошибку сервисного слоя в HTTP-ответ.
// what — описание операции для лога неожиданных ошибок.
func (h *APIHandler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	var (
		rateLimit *remote.RateLimitError
		timeout   *remote.TimeoutError
		apiErr    *remote.APIError
	)

	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, err.Error())
	case errors.Is(err, service.ErrValidation):
		apierrors.ValidationError(w, err.Error())
	case errors.Is(err, service.ErrConflict):
		apierrors.Conflict(w, err.Error())
	case errors.Is(err, service.ErrInvalidState):
		apierrors.InvalidState(w, err.Error())
	case errors.Is(err, service.ErrCatalogUnavailable):
		apierrors.CatalogUnavailable(w, err.Error())
	case errors.As(err, &rateLimit), errors.As(err, &timeout), errors.As(err, &apiErr):
		h.logger.Warn(what+": получатель недоступен",
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		apierrors.DestinationUnavailable(w, err.Error())
	default:
		h.logger.Error(what,
			slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
			slog.String("error", err.Error()),
		)
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}

// logAction фиксирует изменяющую операцию оператора.
func (h *APIHandler) logAction(r *http.Request, msg string, attrs ...slog.Attr) {
	attrs = append(attrs,
		slog.String("actor", middleware.ActorFromContext(r.Context())),
		slog.String("request_id", middleware.RequestIDFromContext(r.Context())),
	)
	h.logger.LogAttrs(r.Context(), slog.LevelInfo, msg, attrs...)
}
