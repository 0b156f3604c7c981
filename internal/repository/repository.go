// Пакет repository — слой доступа к данным PostgreSQL.
// Все запросы — чистый SQL через pgx, без ORM.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Ошибки слоя репозиториев.
var (
	// ErrNotFound — запись не найдена.
	ErrNotFound = errors.New("запись не найдена")
	// ErrConflict — конфликт уникальности (дублирующийся ресурс).
	ErrConflict = errors.New("конфликт — запись уже существует")
	// ErrInvalidState — операция недопустима в текущем состоянии записи.
	ErrInvalidState = errors.New("недопустимое состояние записи")
)

// DBTX — интерфейс для выполнения SQL-запросов.
// Реализуется как *pgxpool.Pool, так и pgx.Tx, что позволяет
// использовать репозитории как внутри, так и вне транзакций.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repositories — набор репозиториев поверх одного DBTX.
type Repositories struct {
	Sources              SyncSourceRepository
	Ignores              IgnoreRepository
	FieldBaselines       FieldBaselineRepository
	Envelopes            EnvelopeRepository
	DestinationBaselines DestinationBaselineRepository
	Subscriptions        ListSubscriptionRepository
	Audit                AuditRepository
	MailingLists         MailingListRepository
}

// NewRepositories создаёт все репозитории поверх db.
func NewRepositories(db DBTX) Repositories {
	return Repositories{
		Sources:              NewSyncSourceRepository(db),
		Ignores:              NewIgnoreRepository(db),
		FieldBaselines:       NewFieldBaselineRepository(db),
		Envelopes:            NewEnvelopeRepository(db),
		DestinationBaselines: NewDestinationBaselineRepository(db),
		Subscriptions:        NewListSubscriptionRepository(db),
		Audit:                NewAuditRepository(db),
		MailingLists:         NewMailingListRepository(db),
	}
}

// Transactor выполняет fn в одной транзакции над набором репозиториев.
type Transactor interface {
	InTx(ctx context.Context, fn func(repos Repositories) error) error
}

// TxRunner позволяет выполнять операции в транзакции.
type TxRunner struct {
	pool *pgxpool.Pool
}

// NewTxRunner создаёт TxRunner для управления транзакциями.
func NewTxRunner(pool *pgxpool.Pool) *TxRunner {
	return &TxRunner{pool: pool}
}

// RunInTx выполняет fn внутри транзакции.
// При ошибке fn — транзакция откатывается.
// При успехе — коммитится.
func (r *TxRunner) RunInTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("ошибка начала транзакции: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // откат после коммита — no-op

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("ошибка коммита транзакции: %w", err)
	}
	return nil
}

// InTx реализует Transactor.
func (r *TxRunner) InTx(ctx context.Context, fn func(repos Repositories) error) error {
	return r.RunInTx(ctx, func(tx pgx.Tx) error {
		return fn(NewRepositories(tx))
	})
}

// isUniqueViolation проверяет, является ли ошибка нарушением уникальности PostgreSQL.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}

// jsonText сериализует значение для JSONB-параметра.
// pgx передаёт строку в JSONB как готовый JSON-текст.
func jsonText(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("ошибка сериализации JSON: %w", err)
	}
	return string(data), nil
}

// nullableJSONText — jsonText для nullable-колонок: nil даёт SQL NULL.
func nullableJSONText(v any) (*string, error) {
	if v == nil {
		return nil, nil
	}
	s, err := jsonText(v)
	if err != nil {
		return nil, err
	}
	return &s, nil
}
