package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/oapi-codegen/runtime"
	openapi_types "github.com/oapi-codegen/runtime/types"
)

// pathID разбирает целочисленный path-параметр {id}.
func pathID(r *http.Request) (int64, error) {
	var id int64
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		return 0, fmt.Errorf("некорректный параметр id: %w", err)
	}
	if id < 1 {
		return 0, fmt.Errorf("некорректный параметр id: %d", id)
	}
	return id, nil
}

// pathUUID разбирает path-параметр {id} в формате UUID.
func pathUUID(r *http.Request) (openapi_types.UUID, error) {
	var id openapi_types.UUID
	err := runtime.BindStyledParameterWithOptions("simple", "id", chi.URLParam(r, "id"), &id,
		runtime.BindStyledParameterOptions{ParamLocation: runtime.ParamLocationPath, Required: true})
	if err != nil {
		return id, fmt.Errorf("некорректный параметр id: %w", err)
	}
	return id, nil
}

// pageParams — параметры пагинации запроса.
type pageParams struct {
	Limit  *int
	Offset *int
}

// bindPage разбирает limit и offset из query.
func bindPage(r *http.Request) (limit, offset int, err error) {
	var p pageParams
	query := r.URL.Query()
	if err := runtime.BindQueryParameter("form", true, false, "limit", query, &p.Limit); err != nil {
		return 0, 0, fmt.Errorf("некорректный параметр limit: %w", err)
	}
	if err := runtime.BindQueryParameter("form", true, false, "offset", query, &p.Offset); err != nil {
		return 0, 0, fmt.Errorf("некорректный параметр offset: %w", err)
	}
	limit, offset = paginationDefaults(p.Limit, p.Offset)
	return limit, offset, nil
}

// queryString возвращает необязательный строковый query-параметр.
func queryString(r *http.Request, name string) (string, error) {
	var v *string
	if err := runtime.BindQueryParameter("form", true, false, name, r.URL.Query(), &v); err != nil {
		return "", fmt.Errorf("некорректный параметр %s: %w", name, err)
	}
	if v == nil {
		return "", nil
	}
	return *v, nil
}
