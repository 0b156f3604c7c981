package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// FieldBaselineRepository — baseline значений полей источника (таблица field_value_baselines).
type FieldBaselineRepository interface {
	// Observe записывает наблюдения одного источника и возвращает для каждого
	// (в том же порядке) предыдущее значение. Ключи (RowID, FieldID) в obs не повторяются.
	// last_checked_at и checked_count обновляются всегда, last_known_value и
	// value_last_updated_at — только при изменении значения.
	Observe(ctx context.Context, syncSourceID int64, obs []model.FieldObservation, at time.Time) ([]model.ObservationResult, error)
	// Get возвращает baseline по ключу.
	Get(ctx context.Context, syncSourceID int64, rowID, fieldID string) (*model.FieldValueBaseline, error)
	// PruneStale удаляет baseline с last_checked_at раньше olderThan.
	PruneStale(ctx context.Context, olderThan time.Time) (int64, error)
	// DeleteForSource удаляет все baseline источника.
	DeleteForSource(ctx context.Context, syncSourceID int64) (int64, error)
}

type fieldBaselineRepo struct {
	db DBTX
}

// NewFieldBaselineRepository создаёт репозиторий baseline полей источника.
func NewFieldBaselineRepository(db DBTX) FieldBaselineRepository {
	return &fieldBaselineRepo{db: db}
}

func (r *fieldBaselineRepo) Observe(ctx context.Context, syncSourceID int64, obs []model.FieldObservation, at time.Time) ([]model.ObservationResult, error) {
	if len(obs) == 0 {
		return nil, nil
	}
	rowIDs := make([]string, len(obs))
	fieldIDs := make([]string, len(obs))
	values := make([]string, len(obs))
	for i, o := range obs {
		rowIDs[i] = o.RowID
		fieldIDs[i] = o.FieldID
		values[i] = o.Value.String()
	}

	// prev читает значения до upsert: все части запроса видят один снимок.
	// FOR UPDATE сериализует конкурентные наблюдения одних и тех же ключей.
	query := `
		WITH input AS (
			SELECT t.row_id, t.field_id, t.value, t.ord
			FROM unnest($2::text[], $3::text[], $4::jsonb[]) WITH ORDINALITY AS t(row_id, field_id, value, ord)
		),
		prev AS (
			SELECT b.row_id, b.field_id, b.last_known_value
			FROM field_value_baselines b
			JOIN input i ON b.row_id = i.row_id AND b.field_id = i.field_id
			WHERE b.sync_source_id = $1
			FOR UPDATE OF b
		),
		written AS (
			INSERT INTO field_value_baselines AS b (sync_source_id, row_id, field_id,
				last_known_value, last_checked_at, value_last_updated_at, checked_count)
			SELECT $1, i.row_id, i.field_id, i.value, $5, $5, 1
			FROM input i
			ON CONFLICT (sync_source_id, row_id, field_id) DO UPDATE SET
				last_checked_at = EXCLUDED.last_checked_at,
				checked_count = b.checked_count + 1,
				value_last_updated_at = CASE
					WHEN b.last_known_value = EXCLUDED.last_known_value THEN b.value_last_updated_at
					ELSE EXCLUDED.last_checked_at
				END,
				last_known_value = EXCLUDED.last_known_value
		)
		SELECT i.ord, p.row_id IS NOT NULL, COALESCE(p.last_known_value, 'null'::jsonb)
		FROM input i
		LEFT JOIN prev p ON p.row_id = i.row_id AND p.field_id = i.field_id
		ORDER BY i.ord`

	rows, err := r.db.Query(ctx, query, syncSourceID, rowIDs, fieldIDs, values, at)
	if err != nil {
		return nil, fmt.Errorf("ошибка записи baseline полей: %w", err)
	}
	defer rows.Close()

	results := make([]model.ObservationResult, 0, len(obs))
	for rows.Next() {
		var (
			ord      int64
			existed  bool
			previous canon.Value
		)
		if err := rows.Scan(&ord, &existed, &previous); err != nil {
			return nil, fmt.Errorf("ошибка сканирования baseline поля: %w", err)
		}
		results = append(results, model.ObservationResult{Existed: existed, Previous: previous})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка записи baseline полей: %w", err)
	}
	if len(results) != len(obs) {
		return nil, fmt.Errorf("ошибка записи baseline полей: получено %d результатов из %d", len(results), len(obs))
	}
	return results, nil
}

func (r *fieldBaselineRepo) Get(ctx context.Context, syncSourceID int64, rowID, fieldID string) (*model.FieldValueBaseline, error) {
	query := `
		SELECT sync_source_id, row_id, field_id, last_known_value,
			last_checked_at, value_last_updated_at, checked_count
		FROM field_value_baselines
		WHERE sync_source_id = $1 AND row_id = $2 AND field_id = $3`

	b := &model.FieldValueBaseline{}
	err := r.db.QueryRow(ctx, query, syncSourceID, rowID, fieldID).Scan(
		&b.SyncSourceID, &b.RowID, &b.FieldID, &b.LastKnownValue,
		&b.LastCheckedAt, &b.ValueLastUpdatedAt, &b.CheckedCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения baseline поля: %w", err)
	}
	return b, nil
}

func (r *fieldBaselineRepo) PruneStale(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM field_value_baselines WHERE last_checked_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки baseline полей: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *fieldBaselineRepo) DeleteForSource(ctx context.Context, syncSourceID int64) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM field_value_baselines WHERE sync_source_id = $1`, syncSourceID)
	if err != nil {
		return 0, fmt.Errorf("ошибка удаления baseline источника: %w", err)
	}
	return tag.RowsAffected(), nil
}
