// Пакет openapi — встроенный OpenAPI контракт admin API.
package openapi

import (
	_ "embed"
	"fmt"
	"sync"

	"github.com/getkin/kin-openapi/openapi3"
)

//go:embed openapi.yaml
var document []byte

var defineFormats sync.Once

// Load разбирает встроенный документ. Корректность документа проверяется
// при построении маршрутизатора валидации.
func Load() (*openapi3.T, error) {
	// формат uuid в kin-openapi не проверяется, пока не зарегистрирован явно
	defineFormats.Do(func() {
		openapi3.DefineStringFormatValidator("uuid", openapi3.NewRegexpFormatValidator(openapi3.FormatOfStringForUUIDOfRFC4122))
	})
	doc, err := openapi3.NewLoader().LoadFromData(document)
	if err != nil {
		return nil, fmt.Errorf("загрузка OpenAPI документа: %w", err)
	}
	return doc, nil
}
