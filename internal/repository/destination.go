package repository

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// DestinationBaselineRepository — baseline отправленных значений (таблица destination_field_baselines).
type DestinationBaselineRepository interface {
	// GetMany возвращает baseline полей получателя (включая истёкшие), ключ — имя поля.
	GetMany(ctx context.Context, identity string, fields []string) (map[string]*model.DestinationFieldBaseline, error)
	// HasAny сообщает, есть ли у получателя хотя бы один baseline.
	HasAny(ctx context.Context, identity string) (bool, error)
	// Upsert записывает отправленные значения. Время правки поля не уменьшается.
	Upsert(ctx context.Context, identity string, values map[string]model.SentValue, sentAt, expiresAt time.Time) error
	// PruneExpired удаляет baseline с expires_at <= now.
	PruneExpired(ctx context.Context, now time.Time) (int64, error)
}

type destinationBaselineRepo struct {
	db DBTX
}

// NewDestinationBaselineRepository создаёт репозиторий baseline получателя.
func NewDestinationBaselineRepository(db DBTX) DestinationBaselineRepository {
	return &destinationBaselineRepo{db: db}
}

func (r *destinationBaselineRepo) GetMany(ctx context.Context, identity string, fields []string) (map[string]*model.DestinationFieldBaseline, error) {
	result := make(map[string]*model.DestinationFieldBaseline, len(fields))
	if len(fields) == 0 {
		return result, nil
	}
	query := `
		SELECT destination_identity, field_name, last_sent_value, last_sent_at, last_modified_at, expires_at
		FROM destination_field_baselines
		WHERE destination_identity = $1 AND field_name = ANY($2)`

	rows, err := r.db.Query(ctx, query, identity, fields)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения baseline получателя: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		b := &model.DestinationFieldBaseline{}
		var modifiedAt *time.Time
		if err := rows.Scan(&b.DestinationIdentity, &b.FieldName, &b.LastSentValue, &b.LastSentAt, &modifiedAt, &b.ExpiresAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования baseline получателя: %w", err)
		}
		if modifiedAt != nil {
			b.LastModifiedAt = *modifiedAt
		}
		result[b.FieldName] = b
	}
	return result, rows.Err()
}

func (r *destinationBaselineRepo) HasAny(ctx context.Context, identity string) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM destination_field_baselines WHERE destination_identity = $1)`,
		identity,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ошибка проверки baseline получателя: %w", err)
	}
	return exists, nil
}

func (r *destinationBaselineRepo) Upsert(ctx context.Context, identity string, values map[string]model.SentValue, sentAt, expiresAt time.Time) error {
	if len(values) == 0 {
		return nil
	}
	fields := make([]string, 0, len(values))
	for f := range values {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	texts := make([]string, len(fields))
	modified := make([]*time.Time, len(fields))
	for i, f := range fields {
		sv := values[f]
		texts[i] = sv.Value.String()
		if !sv.ModifiedAt.IsZero() {
			at := sv.ModifiedAt.UTC()
			modified[i] = &at
		}
	}

	query := `
		INSERT INTO destination_field_baselines
			(destination_identity, field_name, last_sent_value, last_sent_at, last_modified_at, expires_at)
		SELECT $1, t.field_name, t.value, $5, t.modified_at, $6
		FROM unnest($2::text[], $3::jsonb[], $4::timestamptz[]) AS t(field_name, value, modified_at)
		ON CONFLICT (destination_identity, field_name) DO UPDATE SET
			last_sent_value = EXCLUDED.last_sent_value,
			last_sent_at = EXCLUDED.last_sent_at,
			last_modified_at = GREATEST(destination_field_baselines.last_modified_at, EXCLUDED.last_modified_at),
			expires_at = EXCLUDED.expires_at`
	if _, err := r.db.Exec(ctx, query, identity, fields, texts, modified, sentAt, expiresAt); err != nil {
		return fmt.Errorf("ошибка записи baseline получателя: %w", err)
	}
	return nil
}

func (r *destinationBaselineRepo) PruneExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM destination_field_baselines WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки baseline получателя: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListSubscriptionRepository — подписки на списки рассылки (таблица list_subscriptions).
type ListSubscriptionRepository interface {
	// ListForIdentity возвращает id списков, на которые подписан получатель.
	ListForIdentity(ctx context.Context, identity string) ([]string, error)
	// Create добавляет подписки и возвращает id действительно созданных.
	Create(ctx context.Context, identity string, listIDs []string, at time.Time) ([]string, error)
}

type listSubscriptionRepo struct {
	db DBTX
}

// NewListSubscriptionRepository создаёт репозиторий подписок.
func NewListSubscriptionRepository(db DBTX) ListSubscriptionRepository {
	return &listSubscriptionRepo{db: db}
}

func (r *listSubscriptionRepo) ListForIdentity(ctx context.Context, identity string) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`SELECT list_id FROM list_subscriptions WHERE destination_identity = $1 ORDER BY list_id`,
		identity,
	)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения подписок: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписки: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (r *listSubscriptionRepo) Create(ctx context.Context, identity string, listIDs []string, at time.Time) ([]string, error) {
	if len(listIDs) == 0 {
		return nil, nil
	}
	query := `
		INSERT INTO list_subscriptions (destination_identity, list_id, subscribed_at)
		SELECT $1, t.list_id, $3
		FROM unnest($2::text[]) AS t(list_id)
		ON CONFLICT (destination_identity, list_id) DO NOTHING
		RETURNING list_id`

	rows, err := r.db.Query(ctx, query, identity, listIDs, at)
	if err != nil {
		return nil, fmt.Errorf("ошибка создания подписок: %w", err)
	}
	defer rows.Close()

	var created []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования подписки: %w", err)
		}
		created = append(created, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка создания подписок: %w", err)
	}
	sort.Strings(created)
	return created, nil
}

// AuditRepository — журнал переходов значений (таблица audit_records).
type AuditRepository interface {
	// Insert добавляет записи и заполняет их ID и OccurredAt.
	Insert(ctx context.Context, records []*model.AuditRecord) error
	// ListByIdentity возвращает записи получателя, новые первыми.
	ListByIdentity(ctx context.Context, identity string, limit, offset int) ([]*model.AuditRecord, error)
}

type auditRepo struct {
	db DBTX
}

// NewAuditRepository создаёт репозиторий аудита.
func NewAuditRepository(db DBTX) AuditRepository {
	return &auditRepo{db: db}
}

func (r *auditRepo) Insert(ctx context.Context, records []*model.AuditRecord) error {
	query := `
		INSERT INTO audit_records (occurred_at, destination_identity, field_name,
			former_value, new_value, former_source_value, new_source_value, strategy,
			sync_source_id, table_id, row_id, envelope_ids, request_id, provenance)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9, $10, $11, $12, $13, $14::jsonb)
		RETURNING id, occurred_at`

	for _, rec := range records {
		if rec.OccurredAt.IsZero() {
			rec.OccurredAt = time.Now().UTC()
		}
		provenance, err := jsonText(nonNilMap(rec.Provenance))
		if err != nil {
			return err
		}
		envelopeIDs := rec.EnvelopeIDs
		if envelopeIDs == nil {
			envelopeIDs = []uuid.UUID{}
		}
		err = r.db.QueryRow(ctx, query,
			rec.OccurredAt, rec.DestinationIdentity, rec.FieldName,
			rec.FormerValue.String(), rec.NewValue.String(),
			rec.FormerSourceValue.String(), rec.NewSourceValue.String(),
			string(rec.Strategy), rec.SyncSourceID, rec.TableID, rec.RowID,
			envelopeIDs, rec.RequestID, provenance,
		).Scan(&rec.ID, &rec.OccurredAt)
		if err != nil {
			return fmt.Errorf("ошибка записи аудита поля %s: %w", rec.FieldName, err)
		}
	}
	return nil
}

func (r *auditRepo) ListByIdentity(ctx context.Context, identity string, limit, offset int) ([]*model.AuditRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, occurred_at, destination_identity, field_name,
			former_value, new_value, former_source_value, new_source_value, strategy,
			sync_source_id, table_id, row_id, envelope_ids, request_id, provenance
		FROM audit_records
		WHERE destination_identity = $1
		ORDER BY occurred_at DESC, id DESC
		LIMIT $2 OFFSET $3`

	rows, err := r.db.Query(ctx, query, identity, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения аудита: %w", err)
	}
	defer rows.Close()

	var result []*model.AuditRecord
	for rows.Next() {
		rec := &model.AuditRecord{}
		var strategy string
		if err := rows.Scan(
			&rec.ID, &rec.OccurredAt, &rec.DestinationIdentity, &rec.FieldName,
			&rec.FormerValue, &rec.NewValue, &rec.FormerSourceValue, &rec.NewSourceValue, &strategy,
			&rec.SyncSourceID, &rec.TableID, &rec.RowID, &rec.EnvelopeIDs, &rec.RequestID, &rec.Provenance,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования аудита: %w", err)
		}
		rec.Strategy = model.Strategy(strategy)
		result = append(result, rec)
	}
	return result, rows.Err()
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// MailingListRepository — локальный каталог списков рассылки (таблица mailing_lists).
type MailingListRepository interface {
	// List возвращает весь каталог.
	List(ctx context.Context) ([]*model.MailingList, error)
	// Count возвращает размер каталога.
	Count(ctx context.Context) (int, error)
	// ExistingIDs возвращает подмножество ids, присутствующих в каталоге.
	ExistingIDs(ctx context.Context, ids []string) ([]string, error)
	// Replace заменяет каталог списками lists.
	Replace(ctx context.Context, lists []*model.MailingList, at time.Time) error
}

type mailingListRepo struct {
	db DBTX
}

// NewMailingListRepository создаёт репозиторий каталога списков.
func NewMailingListRepository(db DBTX) MailingListRepository {
	return &mailingListRepo{db: db}
}

func (r *mailingListRepo) List(ctx context.Context) ([]*model.MailingList, error) {
	rows, err := r.db.Query(ctx,
		`SELECT id, name, description, is_public, synced_at FROM mailing_lists ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения каталога списков: %w", err)
	}
	defer rows.Close()

	var result []*model.MailingList
	for rows.Next() {
		l := &model.MailingList{}
		if err := rows.Scan(&l.ID, &l.Name, &l.Description, &l.IsPublic, &l.SyncedAt); err != nil {
			return nil, fmt.Errorf("ошибка сканирования списка: %w", err)
		}
		result = append(result, l)
	}
	return result, rows.Err()
}

func (r *mailingListRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM mailing_lists`).Scan(&n); err != nil {
		return 0, fmt.Errorf("ошибка подсчёта каталога списков: %w", err)
	}
	return n, nil
}

func (r *mailingListRepo) ExistingIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `SELECT id FROM mailing_lists WHERE id = ANY($1) ORDER BY id`, ids)
	if err != nil {
		return nil, fmt.Errorf("ошибка проверки списков: %w", err)
	}
	defer rows.Close()

	var result []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("ошибка сканирования списка: %w", err)
		}
		result = append(result, id)
	}
	return result, rows.Err()
}

func (r *mailingListRepo) Replace(ctx context.Context, lists []*model.MailingList, at time.Time) error {
	ids := make([]string, len(lists))
	names := make([]string, len(lists))
	descriptions := make([]string, len(lists))
	public := make([]bool, len(lists))
	for i, l := range lists {
		ids[i] = l.ID
		names[i] = l.Name
		descriptions[i] = l.Description
		public[i] = l.IsPublic
	}

	if _, err := r.db.Exec(ctx, `DELETE FROM mailing_lists WHERE NOT (id = ANY($1))`, ids); err != nil {
		return fmt.Errorf("ошибка очистки каталога списков: %w", err)
	}
	if len(lists) == 0 {
		return nil
	}

	query := `
		INSERT INTO mailing_lists (id, name, description, is_public, synced_at)
		SELECT t.id, t.name, t.description, t.is_public, $5
		FROM unnest($1::text[], $2::text[], $3::text[], $4::bool[]) AS t(id, name, description, is_public)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			is_public = EXCLUDED.is_public,
			synced_at = EXCLUDED.synced_at`
	if _, err := r.db.Exec(ctx, query, ids, names, descriptions, public, at); err != nil {
		return fmt.Errorf("ошибка записи каталога списков: %w", err)
	}
	return nil
}
