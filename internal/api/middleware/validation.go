// validation.go — проверка входящих запросов по OpenAPI контракту (kin-openapi).
// Запросы к путям, отсутствующим в контракте, пропускаются: их обработает роутер.
package middleware

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"

	apierrors "github.com/hackclub/airtable-loops-field-integrator-sub000/internal/api/errors"
)

// RequestValidator возвращает middleware, проверяющий параметры и тело запроса.
// Аутентификация выполняется JWT middleware, поэтому схемы безопасности контракта здесь не проверяются.
func RequestValidator(doc *openapi3.T, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("построение маршрутизатора OpenAPI: %w", err)
	}
	log := logger.With(slog.String("component", "openapi_validator"))
	opts := &openapi3filter.Options{
		AuthenticationFunc: openapi3filter.NoopAuthenticationFunc,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route, pathParams, err := router.FindRoute(r)
			if err != nil {
				if isMethodNotAllowed(err) {
					apierrors.WriteError(w, http.StatusMethodNotAllowed, apierrors.CodeValidationError, "Метод не поддерживается")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			input := &openapi3filter.RequestValidationInput{
				Request:    r,
				PathParams: pathParams,
				Route:      route,
				Options:    opts,
			}
			if err := openapi3filter.ValidateRequest(r.Context(), input); err != nil {
				log.Debug("Запрос не прошёл проверку контракта",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("error", err.Error()),
				)
				apierrors.ValidationError(w, validationMessage(err))
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}

// isMethodNotAllowed распознаёт ошибку маршрутизатора по Reason:
// legacy router создаёт новый экземпляр RouteError, errors.Is его не находит.
func isMethodNotAllowed(err error) bool {
	var routeErr *routers.RouteError
	return errors.As(err, &routeErr) && routeErr.Reason == routers.ErrMethodNotAllowed.Error()
}

// validationMessage возвращает краткое описание ошибки без дампа схемы.
func validationMessage(err error) string {
	var reqErr *openapi3filter.RequestError
	if errors.As(err, &reqErr) {
		if reqErr.Parameter != nil {
			return fmt.Sprintf("параметр %q: %s", reqErr.Parameter.Name, reasonOf(reqErr))
		}
		if reqErr.RequestBody != nil {
			return "тело запроса: " + reasonOf(reqErr)
		}
		return reasonOf(reqErr)
	}
	return err.Error()
}

func reasonOf(e *openapi3filter.RequestError) string {
	var schemaErr *openapi3.SchemaError
	if errors.As(e.Err, &schemaErr) {
		return schemaErr.Reason
	}
	if e.Reason != "" {
		return e.Reason
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "некорректный запрос"
}
