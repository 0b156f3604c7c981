// errors.go — ошибки бизнес-логики сервисного слоя.
package service

import (
	"errors"
	"fmt"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var (
	// ErrNotFound — ресурс не найден.
	ErrNotFound = errors.New("ресурс не найден")
	// ErrConflict — конфликт (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — ресурс уже существует")
	// ErrValidation — ошибка валидации входных данных.
	ErrValidation = errors.New("ошибка валидации")
	// ErrInvalidState — операция недопустима в текущем состоянии ресурса.
	ErrInvalidState = errors.New("недопустимое состояние ресурса")
	// ErrCatalogUnavailable — каталог списков рассылки пуст и синхронизируется другим обработчиком.
	ErrCatalogUnavailable = errors.New("каталог списков рассылки недоступен")
	// ErrStructural — некорректные данные источника; строка пропускается без повтора.
	ErrStructural = errors.New("некорректные данные источника")
)

// mapRepoError переводит ошибки репозитория в ошибки сервисного слоя.
func mapRepoError(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	case errors.Is(err, repository.ErrConflict):
		return fmt.Errorf("%s: %w", what, ErrConflict)
	case errors.Is(err, repository.ErrInvalidState):
		return fmt.Errorf("%s: %w", what, ErrInvalidState)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
