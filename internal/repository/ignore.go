package repository

import (
	"context"
	"fmt"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// IgnoreRepository — паттерны исключения источников (таблица sync_source_ignores).
type IgnoreRepository interface {
	// Create сохраняет паттерн. Повтор (source, pattern) — ErrConflict.
	Create(ctx context.Context, ig *model.SyncSourceIgnore) error
	// List возвращает паттерны типа источника (все типы, если пусто).
	List(ctx context.Context, source string) ([]*model.SyncSourceIgnore, error)
	// Delete удаляет паттерн по id.
	Delete(ctx context.Context, id int64) error
}

type ignoreRepo struct {
	db DBTX
}

// NewIgnoreRepository создаёт репозиторий ignore-паттернов.
func NewIgnoreRepository(db DBTX) IgnoreRepository {
	return &ignoreRepo{db: db}
}

func (r *ignoreRepo) Create(ctx context.Context, ig *model.SyncSourceIgnore) error {
	query := `
		INSERT INTO sync_source_ignores (source, pattern, comment)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := r.db.QueryRow(ctx, query, ig.Source, ig.Pattern, ig.Comment).Scan(&ig.ID, &ig.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: паттерн %q уже существует", ErrConflict, ig.Pattern)
		}
		return fmt.Errorf("ошибка создания ignore-паттерна: %w", err)
	}
	return nil
}

func (r *ignoreRepo) List(ctx context.Context, source string) ([]*model.SyncSourceIgnore, error) {
	query := `
		SELECT id, source, pattern, comment, created_at
		FROM sync_source_ignores
		WHERE $1 = '' OR source = $1
		ORDER BY id`

	rows, err := r.db.Query(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ignore-паттернов: %w", err)
	}
	defer rows.Close()

	var result []*model.SyncSourceIgnore
	for rows.Next() {
		ig := &model.SyncSourceIgnore{}
		if err := rows.Scan(&ig.ID, &ig.Source, &ig.Pattern, &ig.Comment, &ig.CreatedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования ignore-паттерна: %w", err)
		}
		result = append(result, ig)
	}
	return result, rows.Err()
}

func (r *ignoreRepo) Delete(ctx context.Context, id int64) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM sync_source_ignores WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("ошибка удаления ignore-паттерна: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
