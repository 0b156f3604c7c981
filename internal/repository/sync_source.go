package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// NewSyncSource — данные для создания строки реестра.
type NewSyncSource struct {
	Source              string
	SourceID            string
	DisplayName         string
	PollIntervalSeconds int
	PollJitterFraction  float64
}

// SeenUpdate — отметка о том, что источник виден в системе-источнике.
type SeenUpdate struct {
	ID          int64
	DisplayName string
}

// SyncSourceRepository — реестр отслеживаемых источников (таблица sync_sources).
type SyncSourceRepository interface {
	// ClaimDue атомарно захватывает до limit активных источников с next_poll_at <= now
	// и сразу сдвигает их next_poll_at на интервал ± jitter.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*model.SyncSource, error)
	// MarkAttempt фиксирует попытку опроса.
	MarkAttempt(ctx context.Context, id int64, at time.Time) error
	// MarkSuccess фиксирует успешный опрос, новый курсор и отпечатки полей.
	MarkSuccess(ctx context.Context, id int64, cursor string, metadata model.SourceMetadata, at time.Time) error
	// MarkFailure увеличивает счётчик ошибок, сохраняет детали и время следующего опроса.
	MarkFailure(ctx context.Context, id int64, details json.RawMessage, nextPollAt time.Time) error
	// Retire мягко удаляет источник. Существующая причина удаления не перезаписывается.
	Retire(ctx context.Context, id int64, reason model.DeletionReason, at time.Time) error
	// RetireMany мягко удаляет активные источники из ids.
	RetireMany(ctx context.Context, ids []int64, reason model.DeletionReason, at time.Time) (int64, error)
	// Restore снимает мягкое удаление.
	Restore(ctx context.Context, id int64, at time.Time) error
	// GetByID возвращает источник по id (в любом состоянии).
	GetByID(ctx context.Context, id int64) (*model.SyncSource, error)
	// List возвращает источники типа source (все типы, если пусто) в заданном scope.
	List(ctx context.Context, source string, scope model.Scope) ([]*model.SyncSource, error)
	// BulkInsert создаёт новые активные источники одним запросом.
	BulkInsert(ctx context.Context, rows []NewSyncSource, at time.Time) (int64, error)
	// BulkTouch обновляет статистику обнаружения активных источников.
	BulkTouch(ctx context.Context, updates []SeenUpdate, at time.Time) (int64, error)
	// BulkRevive восстанавливает мягко удалённые источники.
	BulkRevive(ctx context.Context, updates []SeenUpdate, at time.Time) (int64, error)
	// ResetForResync очищает курсор и отпечатки полей, назначает опрос на at.
	ResetForResync(ctx context.Context, id int64, at time.Time) error
}

type syncSourceRepo struct {
	db DBTX
}

// NewSyncSourceRepository создаёт репозиторий реестра источников.
func NewSyncSourceRepository(db DBTX) SyncSourceRepository {
	return &syncSourceRepo{db: db}
}

// syncSourceColumnsTmpl — колонки в порядке scanSyncSource; "@." заменяется на алиас таблицы.
const syncSourceColumnsTmpl = `
	@.id, @.source, @.source_id, @.display_name, COALESCE(@.poll_cursor, ''),
	@.poll_interval_seconds, @.poll_jitter_fraction, @.next_poll_at,
	@.last_poll_attempted_at, @.last_successful_poll_at, @.consecutive_failures,
	@.error_details, @.metadata, @.deleted_at, @.deleted_reason,
	@.first_seen_at, @.last_seen_at, @.seen_count, @.created_at, @.updated_at`

var syncSourceColumns = syncSourceColumnsOf("sync_sources")

func syncSourceColumnsOf(alias string) string {
	return strings.ReplaceAll(syncSourceColumnsTmpl, "@.", alias+".")
}

// scanSyncSource читает строку в порядке syncSourceColumns; extra — дополнительные колонки после них.
func scanSyncSource(row pgx.Row, extra ...any) (*model.SyncSource, error) {
	s := &model.SyncSource{}
	var (
		metadata      []byte
		deletedAt     *time.Time
		deletedReason *string
	)
	dest := []any{
		&s.ID, &s.Source, &s.SourceID, &s.DisplayName, &s.Cursor,
		&s.PollIntervalSeconds, &s.PollJitterFraction, &s.NextPollAt,
		&s.LastPollAttemptedAt, &s.LastSuccessfulPollAt, &s.ConsecutiveFailures,
		&s.ErrorDetails, &metadata, &deletedAt, &deletedReason,
		&s.FirstSeenAt, &s.LastSeenAt, &s.SeenCount, &s.CreatedAt, &s.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return nil, fmt.Errorf("ошибка разбора metadata источника %d: %w", s.ID, err)
		}
	}
	if deletedAt != nil && deletedReason != nil {
		s.Lifecycle = model.Deleted(model.DeletionReason(*deletedReason), *deletedAt)
	}
	return s, nil
}

func scopeCondition(scope model.Scope) string {
	switch scope {
	case model.ScopeIncludeDeleted:
		return "TRUE"
	case model.ScopeDeletedOnly:
		return "deleted_at IS NOT NULL"
	default:
		return "deleted_at IS NULL"
	}
}

func (r *syncSourceRepo) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*model.SyncSource, error) {
	// Строки, захваченные другим планировщиком, пропускаются (SKIP LOCKED);
	// next_poll_at сдвигается в том же запросе, до снятия блокировки
	query := `
		WITH due AS (
			SELECT id, next_poll_at AS due_at
			FROM sync_sources
			WHERE deleted_at IS NULL AND next_poll_at <= $1
			ORDER BY next_poll_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_sources s
		SET next_poll_at = $1 + make_interval(secs =>
				s.poll_interval_seconds * (1 + s.poll_jitter_fraction * (2 * random() - 1))),
			updated_at = NOW()
		FROM due
		WHERE s.id = due.id
		RETURNING ` + syncSourceColumnsOf("s") + `, due.due_at`

	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата источников: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		src   *model.SyncSource
		dueAt time.Time
	}
	var result []claimed
	for rows.Next() {
		var dueAt time.Time
		s, err := scanSyncSource(rows, &dueAt)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования источника: %w", err)
		}
		result = append(result, claimed{src: s, dueAt: dueAt})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка захвата источников: %w", err)
	}

	// RETURNING не сохраняет порядок подзапроса
	sort.SliceStable(result, func(i, j int) bool { return result[i].dueAt.Before(result[j].dueAt) })
	out := make([]*model.SyncSource, len(result))
	for i, c := range result {
		out[i] = c.src
	}
	return out, nil
}

func (r *syncSourceRepo) MarkAttempt(ctx context.Context, id int64, at time.Time) error {
	query := `UPDATE sync_sources SET last_poll_attempted_at = $2, updated_at = NOW() WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("ошибка отметки попытки опроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSourceRepo) MarkSuccess(ctx context.Context, id int64, cursor string, metadata model.SourceMetadata, at time.Time) error {
	meta, err := jsonText(metadata)
	if err != nil {
		return err
	}
	query := `
		UPDATE sync_sources
		SET last_successful_poll_at = $2, poll_cursor = NULLIF($3, ''), metadata = $4::jsonb,
			consecutive_failures = 0, error_details = NULL, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at, cursor, meta)
	if err != nil {
		return fmt.Errorf("ошибка отметки успешного опроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSourceRepo) MarkFailure(ctx context.Context, id int64, details json.RawMessage, nextPollAt time.Time) error {
	var detailsText *string
	if len(details) > 0 {
		s := string(details)
		detailsText = &s
	}
	query := `
		UPDATE sync_sources
		SET consecutive_failures = consecutive_failures + 1, error_details = $2::jsonb,
			next_poll_at = GREATEST(next_poll_at, $3), updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, detailsText, nextPollAt)
	if err != nil {
		return fmt.Errorf("ошибка отметки неудачного опроса: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSourceRepo) Retire(ctx context.Context, id int64, reason model.DeletionReason, at time.Time) error {
	query := `
		UPDATE sync_sources
		SET deleted_at = COALESCE(deleted_at, $3),
			deleted_reason = COALESCE(deleted_reason, $2),
			updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, string(reason), at)
	if err != nil {
		return fmt.Errorf("ошибка удаления источника: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSourceRepo) RetireMany(ctx context.Context, ids []int64, reason model.DeletionReason, at time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := `
		UPDATE sync_sources
		SET deleted_at = $3, deleted_reason = COALESCE(deleted_reason, $2), updated_at = NOW()
		WHERE id = ANY($1) AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, ids, string(reason), at)
	if err != nil {
		return 0, fmt.Errorf("ошибка массового удаления источников: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *syncSourceRepo) Restore(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE sync_sources
		SET deleted_at = NULL, deleted_reason = NULL, next_poll_at = $2, updated_at = NOW()
		WHERE id = $1`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: активный источник с тем же идентификатором уже существует", ErrConflict)
		}
		return fmt.Errorf("ошибка восстановления источника: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *syncSourceRepo) GetByID(ctx context.Context, id int64) (*model.SyncSource, error) {
	query := `SELECT ` + syncSourceColumns + ` FROM sync_sources WHERE id = $1`
	s, err := scanSyncSource(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения источника: %w", err)
	}
	return s, nil
}

func (r *syncSourceRepo) List(ctx context.Context, source string, scope model.Scope) ([]*model.SyncSource, error) {
	query := `
		SELECT ` + syncSourceColumns + `
		FROM sync_sources
		WHERE ($1 = '' OR source = $1) AND ` + scopeCondition(scope) + `
		ORDER BY source, source_id, id`

	rows, err := r.db.Query(ctx, query, source)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка источников: %w", err)
	}
	defer rows.Close()

	var result []*model.SyncSource
	for rows.Next() {
		s, err := scanSyncSource(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования источника: %w", err)
		}
		result = append(result, s)
	}
	return result, rows.Err()
}

func (r *syncSourceRepo) BulkInsert(ctx context.Context, rows []NewSyncSource, at time.Time) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	sources := make([]string, len(rows))
	ids := make([]string, len(rows))
	names := make([]string, len(rows))
	intervals := make([]int32, len(rows))
	jitters := make([]float64, len(rows))
	for i, row := range rows {
		sources[i] = row.Source
		ids[i] = row.SourceID
		names[i] = row.DisplayName
		intervals[i] = int32(row.PollIntervalSeconds)
		jitters[i] = row.PollJitterFraction
	}

	query := `
		INSERT INTO sync_sources (source, source_id, display_name, poll_interval_seconds,
			poll_jitter_fraction, next_poll_at, first_seen_at, last_seen_at, seen_count)
		SELECT t.source, t.source_id, t.display_name, t.interval, t.jitter, $6, $6, $6, 1
		FROM unnest($1::text[], $2::text[], $3::text[], $4::int[], $5::float8[])
			AS t(source, source_id, display_name, interval, jitter)
		ON CONFLICT (source, source_id) WHERE deleted_at IS NULL DO NOTHING`
	tag, err := r.db.Exec(ctx, query, sources, ids, names, intervals, jitters, at)
	if err != nil {
		return 0, fmt.Errorf("ошибка массового создания источников: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *syncSourceRepo) BulkTouch(ctx context.Context, updates []SeenUpdate, at time.Time) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids, names := splitSeenUpdates(updates)
	query := `
		UPDATE sync_sources s
		SET display_name = t.display_name,
			last_seen_at = $3,
			first_seen_at = COALESCE(s.first_seen_at, $3),
			seen_count = s.seen_count + 1,
			updated_at = NOW()
		FROM unnest($1::bigint[], $2::text[]) AS t(id, display_name)
		WHERE s.id = t.id AND s.deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, ids, names, at)
	if err != nil {
		return 0, fmt.Errorf("ошибка обновления статистики источников: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *syncSourceRepo) BulkRevive(ctx context.Context, updates []SeenUpdate, at time.Time) (int64, error) {
	if len(updates) == 0 {
		return 0, nil
	}
	ids, names := splitSeenUpdates(updates)
	query := `
		UPDATE sync_sources s
		SET deleted_at = NULL, deleted_reason = NULL,
			display_name = t.display_name,
			last_seen_at = $3,
			first_seen_at = COALESCE(s.first_seen_at, $3),
			seen_count = s.seen_count + 1,
			next_poll_at = $3,
			updated_at = NOW()
		FROM unnest($1::bigint[], $2::text[]) AS t(id, display_name)
		WHERE s.id = t.id AND s.deleted_at IS NOT NULL`
	tag, err := r.db.Exec(ctx, query, ids, names, at)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("%w: восстановление конфликтует с активным источником", ErrConflict)
		}
		return 0, fmt.Errorf("ошибка восстановления источников: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *syncSourceRepo) ResetForResync(ctx context.Context, id int64, at time.Time) error {
	query := `
		UPDATE sync_sources
		SET poll_cursor = NULL, metadata = metadata - 'tables', next_poll_at = $2,
			consecutive_failures = 0, error_details = NULL, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("ошибка сброса источника: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func splitSeenUpdates(updates []SeenUpdate) ([]int64, []string) {
	ids := make([]int64, len(updates))
	names := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
		names[i] = u.DisplayName
	}
	return ids, names
}
