// sources.go — операции оператора над реестром источников:
// просмотр, принудительная полная пересинхронизация, ручное удаление и восстановление.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ignore"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

// SourceService — управление реестром источников.
type SourceService struct {
	repos  repository.Repositories
	tx     repository.Transactor
	now    func() time.Time
	logger *slog.Logger
}

// NewSourceService создаёт SourceService.
func NewSourceService(repos repository.Repositories, tx repository.Transactor, logger *slog.Logger) *SourceService {
	return &SourceService{
		repos:  repos,
		tx:     tx,
		now:    time.Now,
		logger: logger.With(slog.String("component", "source_service")),
	}
}

// List возвращает источники типа source (все, если пусто) в заданном scope.
func (s *SourceService) List(ctx context.Context, source string, scope model.Scope) ([]*model.SyncSource, error) {
	sources, err := s.repos.Sources.List(ctx, source, scope)
	if err != nil {
		return nil, fmt.Errorf("получение списка источников: %w", err)
	}
	return sources, nil
}

// Get возвращает источник по id.
func (s *SourceService) Get(ctx context.Context, id int64) (*model.SyncSource, error) {
	src, err := s.repos.Sources.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, fmt.Sprintf("источник %d", id))
	}
	return src, nil
}

// ForceResync сбрасывает курсор, отпечатки полей и baseline полей источника и
// назначает опрос немедленно: следующий опрос прочитает все строки и заново
// доставит непустые значения.
func (s *SourceService) ForceResync(ctx context.Context, id int64) (int64, error) {
	var deleted int64
	err := s.tx.InTx(ctx, func(repos repository.Repositories) error {
		src, err := repos.Sources.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if !src.Lifecycle.IsActive() {
			return fmt.Errorf("%w: источник %d удалён, сначала восстановите его", ErrInvalidState, id)
		}
		if err := repos.Sources.ResetForResync(ctx, id, s.now().UTC()); err != nil {
			return err
		}
		deleted, err = repos.FieldBaselines.DeleteForSource(ctx, id)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) {
			return 0, err
		}
		return 0, mapRepoError(err, fmt.Sprintf("пересинхронизация источника %d", id))
	}

	s.logger.Info("Назначена полная пересинхронизация источника",
		slog.Int64("sync_source_id", id),
		slog.Int64("baselines_deleted", deleted),
	)
	return deleted, nil
}

// Retire вручную удаляет источник. withIgnore дополнительно сохраняет точный
// ignore-паттерн, чтобы сверка не восстановила источник.
func (s *SourceService) Retire(ctx context.Context, id int64, withIgnore bool, comment string) error {
	err := s.tx.InTx(ctx, func(repos repository.Repositories) error {
		src, err := repos.Sources.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if err := repos.Sources.Retire(ctx, id, model.DeletionManual, s.now().UTC()); err != nil {
			return err
		}
		if !withIgnore {
			return nil
		}
		ig := &model.SyncSourceIgnore{
			Source:  src.Source,
			Pattern: ignore.ExactPattern(src.SourceID),
			Comment: comment,
		}
		if err := repos.Ignores.Create(ctx, ig); err != nil && !errors.Is(err, repository.ErrConflict) {
			return err
		}
		return nil
	})
	if err != nil {
		return mapRepoError(err, fmt.Sprintf("удаление источника %d", id))
	}

	s.logger.Info("Источник удалён оператором",
		slog.Int64("sync_source_id", id),
		slog.Bool("ignore", withIgnore),
	)
	return nil
}

// Restore снимает мягкое удаление источника.
func (s *SourceService) Restore(ctx context.Context, id int64) error {
	if err := s.repos.Sources.Restore(ctx, id, s.now().UTC()); err != nil {
		return mapRepoError(err, fmt.Sprintf("восстановление источника %d", id))
	}
	s.logger.Info("Источник восстановлен", slog.Int64("sync_source_id", id))
	return nil
}
