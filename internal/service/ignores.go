// ignores.go — управление ignore-паттернами источников.
// Новый паттерн сразу удаляет подходящие активные источники с причиной ignored_pattern.
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

// IgnoreSpec — паттерн к созданию.
type IgnoreSpec struct {
	Source  string `yaml:"source" json:"source"`
	Pattern string `yaml:"pattern" json:"pattern"`
	Comment string `yaml:"comment" json:"comment"`
}

// IgnoreCreateResult — созданный паттерн и число удалённых им источников.
type IgnoreCreateResult struct {
	Ignore  *model.SyncSourceIgnore
	Retired int64
}

// ImportResult — итог массового импорта.
type ImportResult struct {
	Created  int
	Existing int
	Retired  int64
}

// IgnoreService — ignore-паттерны.
type IgnoreService struct {
	repos  repository.Repositories
	tx     repository.Transactor
	opts   ignore.Options
	now    func() time.Time
	logger *slog.Logger
}

// NewIgnoreService создаёт IgnoreService.
func NewIgnoreService(repos repository.Repositories, tx repository.Transactor, opts ignore.Options, logger *slog.Logger) *IgnoreService {
	return &IgnoreService{
		repos:  repos,
		tx:     tx,
		opts:   opts,
		now:    time.Now,
		logger: logger.With(slog.String("component", "ignore_service")),
	}
}

// List возвращает паттерны типа source (все, если пусто).
func (s *IgnoreService) List(ctx context.Context, source string) ([]*model.SyncSourceIgnore, error) {
	items, err := s.repos.Ignores.List(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("получение ignore-паттернов: %w", err)
	}
	return items, nil
}

// Delete удаляет паттерн. Удалённые им источники не восстанавливаются
// автоматически: следующая сверка восстановит видимые.
func (s *IgnoreService) Delete(ctx context.Context, id int64) error {
	if err := s.repos.Ignores.Delete(ctx, id); err != nil {
		return mapRepoError(err, fmt.Sprintf("ignore-паттерн %d", id))
	}
	s.logger.Info("Ignore-паттерн удалён", slog.Int64("ignore_id", id))
	return nil
}

// Create проверяет и сохраняет паттерн, затем удаляет подходящие активные источники.
func (s *IgnoreService) Create(ctx context.Context, spec IgnoreSpec) (*IgnoreCreateResult, error) {
	if err := s.validate(spec); err != nil {
		return nil, err
	}

	res := &IgnoreCreateResult{Ignore: &model.SyncSourceIgnore{
		Source:  spec.Source,
		Pattern: spec.Pattern,
		Comment: spec.Comment,
	}}
	err := s.tx.InTx(ctx, func(repos repository.Repositories) error {
		if err := repos.Ignores.Create(ctx, res.Ignore); err != nil {
			return err
		}
		var err error
		res.Retired, err = s.retireMatching(ctx, repos, spec.Source, []*model.SyncSourceIgnore{res.Ignore})
		return err
	})
	if err != nil {
		return nil, mapRepoError(err, "создание ignore-паттерна")
	}

	s.logger.Info("Ignore-паттерн создан",
		slog.Int64("ignore_id", res.Ignore.ID),
		slog.String("source", spec.Source),
		slog.String("pattern", spec.Pattern),
		slog.Int64("retired", res.Retired),
	)
	return res, nil
}

// Import создаёт паттерны пакетом в одной транзакции. Уже существующие паттерны
// пропускаются; некорректный паттерн отменяет весь импорт.
func (s *IgnoreService) Import(ctx context.Context, specs []IgnoreSpec) (*ImportResult, error) {
	for i, spec := range specs {
		if err := s.validate(spec); err != nil {
			return nil, fmt.Errorf("паттерн #%d: %w", i+1, err)
		}
	}

	res := &ImportResult{}
	err := s.tx.InTx(ctx, func(repos repository.Repositories) error {
		created := make(map[string][]*model.SyncSourceIgnore)
		for _, spec := range specs {
			ig := &model.SyncSourceIgnore{Source: spec.Source, Pattern: spec.Pattern, Comment: spec.Comment}
			if err := repos.Ignores.Create(ctx, ig); err != nil {
				if errors.Is(err, repository.ErrConflict) {
					res.Existing++
					continue
				}
				return err
			}
			res.Created++
			created[spec.Source] = append(created[spec.Source], ig)
		}
		for source, patterns := range created {
			n, err := s.retireMatching(ctx, repos, source, patterns)
			if err != nil {
				return err
			}
			res.Retired += n
		}
		return nil
	})
	if err != nil {
		return nil, mapRepoError(err, "импорт ignore-паттернов")
	}

	s.logger.Info("Ignore-паттерны импортированы",
		slog.Int("created", res.Created),
		slog.Int("existing", res.Existing),
		slog.Int64("retired", res.Retired),
	)
	return res, nil
}

func (s *IgnoreService) validate(spec IgnoreSpec) error {
	if spec.Source == "" {
		return fmt.Errorf("%w: не указан тип источника", ErrValidation)
	}
	if err := ignore.ValidatePattern(spec.Pattern, s.opts.MaxPatternLength); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// retireMatching удаляет активные источники, подходящие под patterns.
func (s *IgnoreService) retireMatching(ctx context.Context, repos repository.Repositories, source string, patterns []*model.SyncSourceIgnore) (int64, error) {
	opts := s.opts
	opts.Source = source
	matcher := ignore.NewMatcher(patterns, opts, s.logger)

	active, err := repos.Sources.List(ctx, source, model.ScopeActiveOnly)
	if err != nil {
		return 0, err
	}
	var ids []int64
	for _, src := range active {
		if matcher.Match(src.SourceID) {
			ids = append(ids, src.ID)
		}
	}
	return repos.Sources.RetireMany(ctx, ids, model.DeletionIgnoredPattern, s.now().UTC())
}
