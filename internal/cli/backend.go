package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/config"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/database"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ignore"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/loops"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

// Ops — операции, доступные из командной строки.
type Ops interface {
	ForceResync(ctx context.Context, id int64) (int64, error)
	Retire(ctx context.Context, id int64, withIgnore bool, comment string) error
	Restore(ctx context.Context, id int64) error
	CreateIgnore(ctx context.Context, spec service.IgnoreSpec) (*service.IgnoreCreateResult, error)
	ListIgnores(ctx context.Context, source string) ([]*model.SyncSourceIgnore, error)
	ImportIgnores(ctx context.Context, specs []service.IgnoreSpec) (*service.ImportResult, error)
	Prune(ctx context.Context) (*service.PruneResult, error)
	SyncCatalog(ctx context.Context) (int, error)
	RetryEnvelope(ctx context.Context, id uuid.UUID) (*model.Envelope, error)
}

// Opener создаёт Ops. Возвращаемая функция освобождает ресурсы.
type Opener func(ctx context.Context) (Ops, func(), error)

// services — Ops поверх сервисного слоя и PostgreSQL сервиса.
type services struct {
	sources   *service.SourceService
	ignores   *service.IgnoreService
	envelopes *service.EnvelopeService
	pruner    *service.PrunerService
	catalog   *service.ListCatalog
}

// OpenServices подключается к базе по конфигурации FI_* и собирает сервисы.
// Миграции не применяются: их выполняет сам сервис при старте.
func OpenServices(ctx context.Context) (Ops, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("загрузка конфигурации: %w", err)
	}
	logger := config.SetupLogger(cfg)

	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		return nil, nil, err
	}

	repos := repository.NewRepositories(pool)
	tx := repository.NewTxRunner(pool)
	ignoreOpts := ignore.Options{
		MatchTimeout:     cfg.IgnoreMatchTimeout,
		MaxPatternLength: cfg.IgnoreMaxPatternLength,
	}
	loopsClient := loops.New(loops.Options{
		BaseURL: cfg.LoopsAPIURL,
		APIKey:  cfg.LoopsAPIKey,
		Timeout: cfg.RequestTimeout,
	}, logger)

	svc := &services{
		sources:   service.NewSourceService(repos, tx, logger),
		ignores:   service.NewIgnoreService(repos, tx, ignoreOpts, logger),
		envelopes: service.NewEnvelopeService(repos.Envelopes, repos.Audit, logger),
		pruner: service.NewPrunerService(
			repos.FieldBaselines, repos.DestinationBaselines,
			cfg.BaselineRetention, cfg.PruneInterval,
			logger,
		),
		catalog: service.NewListCatalog(repos.MailingLists, repository.NewAdvisoryLocker(pool, logger), loopsClient, logger),
	}

	logger.Debug("field-integratorctl подключён к PostgreSQL", slog.String("host", cfg.DBHost))
	return svc, pool.Close, nil
}

func (s *services) ForceResync(ctx context.Context, id int64) (int64, error) {
	return s.sources.ForceResync(ctx, id)
}

func (s *services) Retire(ctx context.Context, id int64, withIgnore bool, comment string) error {
	return s.sources.Retire(ctx, id, withIgnore, comment)
}

func (s *services) Restore(ctx context.Context, id int64) error {
	return s.sources.Restore(ctx, id)
}

func (s *services) CreateIgnore(ctx context.Context, spec service.IgnoreSpec) (*service.IgnoreCreateResult, error) {
	return s.ignores.Create(ctx, spec)
}

func (s *services) ListIgnores(ctx context.Context, source string) ([]*model.SyncSourceIgnore, error) {
	return s.ignores.List(ctx, source)
}

func (s *services) ImportIgnores(ctx context.Context, specs []service.IgnoreSpec) (*service.ImportResult, error) {
	return s.ignores.Import(ctx, specs)
}

func (s *services) Prune(ctx context.Context) (*service.PruneResult, error) {
	return s.pruner.Prune(ctx)
}

func (s *services) SyncCatalog(ctx context.Context) (int, error) {
	return s.catalog.Sync(ctx)
}

func (s *services) RetryEnvelope(ctx context.Context, id uuid.UUID) (*model.Envelope, error) {
	return s.envelopes.Retry(ctx, id)
}
