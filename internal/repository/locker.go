package repository

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Locker — неблокирующая взаимоисключающая блокировка по строковому ключу.
type Locker interface {
	// TryLock пытается взять блокировку. acquired=false — блокировку держит другой владелец.
	// При acquired=true вызывающий обязан вызвать release.
	TryLock(ctx context.Context, key string) (release func(), acquired bool, err error)
}

// AdvisoryLocker — Locker на сессионных advisory-блокировках PostgreSQL.
// Блокировка удерживается выделенным соединением пула до release;
// при обрыве соединения PostgreSQL снимает её сам.
type AdvisoryLocker struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewAdvisoryLocker создаёт AdvisoryLocker.
func NewAdvisoryLocker(pool *pgxpool.Pool, logger *slog.Logger) *AdvisoryLocker {
	return &AdvisoryLocker{
		pool:   pool,
		logger: logger.With(slog.String("component", "advisory_locker")),
	}
}

// LockKey — 64-битный ключ advisory-блокировки (FNV-1a от namespace и ключа).
func LockKey(key string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte("field-integrator"))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(key))
	return int64(h.Sum64())
}

// TryLock реализует Locker.
func (l *AdvisoryLocker) TryLock(ctx context.Context, key string) (func(), bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("ошибка получения соединения для блокировки: %w", err)
	}

	lockKey := LockKey(key)
	var acquired bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, lockKey).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("ошибка взятия блокировки %q: %w", key, err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	release := func() {
		// Контекст вызывающего мог быть уже отменён
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		var unlocked bool
		err := conn.QueryRow(unlockCtx, `SELECT pg_advisory_unlock($1)`, lockKey).Scan(&unlocked)
		if err != nil || !unlocked {
			l.logger.Warn("Не удалось снять advisory-блокировку, соединение закрывается",
				slog.String("key", key),
				slog.Bool("unlocked", unlocked),
				slog.Any("error", err),
			)
			// Закрытие соединения гарантированно снимает сессионную блокировку
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}
	return release, true, nil
}
