package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// EnvelopeOutcome — конечный результат отправки одного конверта.
type EnvelopeOutcome struct {
	ID       uuid.UUID
	Status   model.EnvelopeStatus
	Warnings []string
}

// EnvelopeFilter — фильтр списка конвертов.
type EnvelopeFilter struct {
	Status   *model.EnvelopeStatus
	Identity string
	Limit    int
	Offset   int
}

// EnvelopeRepository — outbox конвертов (таблица envelopes).
type EnvelopeRepository interface {
	// Create сохраняет новый конверт в состоянии queued.
	Create(ctx context.Context, env *model.Envelope) error
	// ClaimQueued захватывает до limit конвертов queued в порядке создания.
	// Захват старше lease считается брошенным и может быть перехвачен.
	ClaimQueued(ctx context.Context, worker string, limit int, now time.Time, lease time.Duration) ([]*model.Envelope, error)
	// ReleaseClaims снимает захват worker с конвертов, оставшихся в queued.
	ReleaseClaims(ctx context.Context, ids []uuid.UUID, worker string) error
	// Complete устанавливает конечные статусы; ранее завершённые конверты не изменяются.
	Complete(ctx context.Context, outcomes []EnvelopeOutcome, at time.Time) error
	// MarkFailed переводит конверты в failed с детальной ошибкой.
	MarkFailed(ctx context.Context, ids []uuid.UUID, envErr *model.EnvelopeError, at time.Time) error
	// Requeue оставляет конверты в queued с ошибкой и сдвигает next_attempt_at.
	Requeue(ctx context.Context, ids []uuid.UUID, envErr *model.EnvelopeError, nextAttemptAt time.Time) error
	// Retry переводит конверт failed обратно в queued.
	Retry(ctx context.Context, id uuid.UUID, at time.Time) error
	// GetByID возвращает конверт по id.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Envelope, error)
	// List возвращает конверты по фильтру, новые первыми.
	List(ctx context.Context, filter EnvelopeFilter) ([]*model.Envelope, error)
}

type envelopeRepo struct {
	db DBTX
}

// NewEnvelopeRepository создаёт репозиторий конвертов.
func NewEnvelopeRepository(db DBTX) EnvelopeRepository {
	return &envelopeRepo{db: db}
}

const envelopeColumnsTmpl = `
	@.id, @.destination_identity, @.payload, @.status, @.provenance, @.error,
	@.warnings, @.source_ref, @.attempts, @.next_attempt_at, @.claimed_by,
	@.claimed_at, @.created_at, @.updated_at, @.sent_at`

func envelopeColumnsOf(alias string) string {
	return strings.ReplaceAll(envelopeColumnsTmpl, "@.", alias+".")
}

func scanEnvelope(row pgx.Row) (*model.Envelope, error) {
	e := &model.Envelope{}
	var (
		payload, provenance, envErr, warnings []byte
		status                                string
	)
	if err := row.Scan(
		&e.ID, &e.DestinationIdentity, &payload, &status, &provenance, &envErr,
		&warnings, &e.SourceRef, &e.Attempts, &e.NextAttemptAt, &e.ClaimedBy,
		&e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt, &e.SentAt,
	); err != nil {
		return nil, err
	}
	e.Status = model.EnvelopeStatus(status)
	if err := json.Unmarshal(payload, &e.Payload); err != nil {
		return nil, fmt.Errorf("ошибка разбора payload конверта %s: %w", e.ID, err)
	}
	if len(provenance) > 0 {
		if err := json.Unmarshal(provenance, &e.Provenance); err != nil {
			return nil, fmt.Errorf("ошибка разбора provenance конверта %s: %w", e.ID, err)
		}
	}
	if len(envErr) > 0 {
		e.Error = &model.EnvelopeError{}
		if err := json.Unmarshal(envErr, e.Error); err != nil {
			return nil, fmt.Errorf("ошибка разбора error конверта %s: %w", e.ID, err)
		}
	}
	if len(warnings) > 0 {
		if err := json.Unmarshal(warnings, &e.Warnings); err != nil {
			return nil, fmt.Errorf("ошибка разбора warnings конверта %s: %w", e.ID, err)
		}
	}
	return e, nil
}

func (r *envelopeRepo) Create(ctx context.Context, env *model.Envelope) error {
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if env.Status == "" {
		env.Status = model.EnvelopeQueued
	}
	payload, err := jsonText(env.Payload)
	if err != nil {
		return err
	}
	provenance, err := jsonText(env.Provenance)
	if err != nil {
		return err
	}
	warnings, err := jsonText(nonNilStrings(env.Warnings))
	if err != nil {
		return err
	}

	query := `
		INSERT INTO envelopes (id, destination_identity, payload, status, provenance, warnings, source_ref)
		VALUES ($1, $2, $3::jsonb, $4, $5::jsonb, $6::jsonb, $7)
		RETURNING next_attempt_at, created_at, updated_at`

	err = r.db.QueryRow(ctx, query,
		env.ID, env.DestinationIdentity, payload, string(env.Status), provenance, warnings, env.SourceRef,
	).Scan(&env.NextAttemptAt, &env.CreatedAt, &env.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: конверт %s уже существует", ErrConflict, env.ID)
		}
		return fmt.Errorf("ошибка создания конверта: %w", err)
	}
	return nil
}

func (r *envelopeRepo) ClaimQueued(ctx context.Context, worker string, limit int, now time.Time, lease time.Duration) ([]*model.Envelope, error) {
	query := `
		WITH picked AS (
			SELECT id
			FROM envelopes
			WHERE status = 'queued' AND next_attempt_at <= $1
				AND (claimed_at IS NULL OR claimed_at < $1 - make_interval(secs => $4))
			ORDER BY created_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE envelopes e
		SET claimed_by = $2, claimed_at = $1, updated_at = NOW()
		FROM picked
		WHERE e.id = picked.id
		RETURNING ` + envelopeColumnsOf("e")

	rows, err := r.db.Query(ctx, query, now, worker, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("ошибка захвата конвертов: %w", err)
	}
	defer rows.Close()

	var result []*model.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования конверта: %w", err)
		}
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ошибка захвата конвертов: %w", err)
	}

	sort.SliceStable(result, func(i, j int) bool { return result[i].CreatedAt.Before(result[j].CreatedAt) })
	return result, nil
}

func (r *envelopeRepo) ReleaseClaims(ctx context.Context, ids []uuid.UUID, worker string) error {
	if len(ids) == 0 {
		return nil
	}
	query := `
		UPDATE envelopes
		SET claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = ANY($1) AND claimed_by = $2 AND status = 'queued'`
	if _, err := r.db.Exec(ctx, query, ids, worker); err != nil {
		return fmt.Errorf("ошибка освобождения конвертов: %w", err)
	}
	return nil
}

func (r *envelopeRepo) Complete(ctx context.Context, outcomes []EnvelopeOutcome, at time.Time) error {
	if len(outcomes) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(outcomes))
	statuses := make([]string, len(outcomes))
	warnings := make([]string, len(outcomes))
	for i, o := range outcomes {
		if !o.Status.Terminal() || !o.Status.Valid() {
			return fmt.Errorf("недопустимый конечный статус %q конверта %s", o.Status, o.ID)
		}
		w, err := jsonText(nonNilStrings(o.Warnings))
		if err != nil {
			return err
		}
		ids[i] = o.ID
		statuses[i] = string(o.Status)
		warnings[i] = w
	}

	query := `
		UPDATE envelopes e
		SET status = t.status,
			warnings = t.warnings,
			error = NULL,
			attempts = e.attempts + 1,
			claimed_by = NULL, claimed_at = NULL,
			sent_at = CASE WHEN t.status IN ('sent', 'partially_sent') THEN $4 ELSE e.sent_at END,
			updated_at = NOW()
		FROM unnest($1::uuid[], $2::text[], $3::jsonb[]) AS t(id, status, warnings)
		WHERE e.id = t.id AND e.status = 'queued'`
	if _, err := r.db.Exec(ctx, query, ids, statuses, warnings, at); err != nil {
		return fmt.Errorf("ошибка завершения конвертов: %w", err)
	}
	return nil
}

func (r *envelopeRepo) MarkFailed(ctx context.Context, ids []uuid.UUID, envErr *model.EnvelopeError, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	errText, err := jsonText(envErr)
	if err != nil {
		return err
	}
	query := `
		UPDATE envelopes
		SET status = 'failed', error = $2::jsonb, attempts = attempts + 1,
			claimed_by = NULL, claimed_at = NULL, updated_at = $3
		WHERE id = ANY($1) AND status = 'queued'`
	if _, err := r.db.Exec(ctx, query, ids, errText, at); err != nil {
		return fmt.Errorf("ошибка отметки конвертов failed: %w", err)
	}
	return nil
}

func (r *envelopeRepo) Requeue(ctx context.Context, ids []uuid.UUID, envErr *model.EnvelopeError, nextAttemptAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	errText, err := jsonText(envErr)
	if err != nil {
		return err
	}
	query := `
		UPDATE envelopes
		SET error = $2::jsonb, attempts = attempts + 1, next_attempt_at = $3,
			claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = ANY($1) AND status = 'queued'`
	if _, err := r.db.Exec(ctx, query, ids, errText, nextAttemptAt); err != nil {
		return fmt.Errorf("ошибка повторной постановки конвертов: %w", err)
	}
	return nil
}

func (r *envelopeRepo) Retry(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE envelopes
		SET status = 'queued', next_attempt_at = $2, claimed_by = NULL, claimed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`
	tag, err := r.db.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("ошибка повтора конверта: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Статус перечитывается: конверт мог быть уже повторён или не существовать
	env, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: конверт %s в статусе %s, повторить можно только failed", ErrInvalidState, id, env.Status)
}

func (r *envelopeRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Envelope, error) {
	query := `SELECT ` + envelopeColumnsOf("envelopes") + ` FROM envelopes WHERE id = $1`
	e, err := scanEnvelope(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения конверта: %w", err)
	}
	return e, nil
}

func (r *envelopeRepo) List(ctx context.Context, filter EnvelopeFilter) ([]*model.Envelope, error) {
	// Динамическое построение WHERE
	var conditions []string
	var args []any
	argNum := 1

	if filter.Status != nil {
		conditions = append(conditions, fmt.Sprintf("status = $%d", argNum))
		args = append(args, string(*filter.Status))
		argNum++
	}
	if filter.Identity != "" {
		conditions = append(conditions, fmt.Sprintf("destination_identity = $%d", argNum))
		args = append(args, filter.Identity)
		argNum++
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM envelopes
		%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d`, envelopeColumnsOf("envelopes"), where, argNum, argNum+1)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка конвертов: %w", err)
	}
	defer rows.Close()

	var result []*model.Envelope
	for rows.Next() {
		e, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("ошибка сканирования конверта: %w", err)
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
