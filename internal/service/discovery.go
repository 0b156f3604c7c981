// discovery.go — сверка реестра источников с системой-источником.
//
// За один проход для каждого типа источника: список идентификаторов из
// системы-источника, ignore-паттерны и все локальные строки (включая удалённые)
// читаются один раз, решения принимаются в памяти (PlanReconciliation),
// изменения записываются массовыми запросами в одной транзакции.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ignore"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var discoveryActionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_discovery_actions_total",
	Help: "Количество действий сверки реестра источников",
}, []string{"source", "action"}) // action: created, touched, revived, retired_ignored, retired_disappeared, skipped

// SourceDefaults — параметры опроса новых источников.
type SourceDefaults struct {
	PollIntervalSeconds int
	PollJitterFraction  float64
}

// ReconcilePlan — решения сверки одного типа источника.
type ReconcilePlan struct {
	Create []repository.NewSyncSource
	Touch  []repository.SeenUpdate
	Revive []repository.SeenUpdate
	// RetireIgnored — активные источники, попавшие под ignore-паттерн
	RetireIgnored []int64
	// RetireDisappeared — активные источники, не видимые в системе-источнике
	RetireDisappeared []int64
	// Skipped — исключённые паттернами идентификаторы
	Skipped []string
}

// PlanReconciliation вычисляет действия сверки. local — все строки типа source
// (ScopeIncludeDeleted). Удалённые строки не удаляются повторно, поэтому
// причина удаления (в том числе manual) сохраняется.
func PlanReconciliation(source string, remote []model.RemoteSource, local []*model.SyncSource, matcher *ignore.Matcher, defaults SourceDefaults) ReconcilePlan {
	active := make(map[string]*model.SyncSource)
	deleted := make(map[string]*model.SyncSource)
	for _, s := range local {
		if s.Lifecycle.IsActive() {
			active[s.SourceID] = s
			continue
		}
		// Восстанавливается последняя удалённая строка
		prev, ok := deleted[s.SourceID]
		if !ok || deletedAt(s).After(deletedAt(prev)) {
			deleted[s.SourceID] = s
		}
	}

	var plan ReconcilePlan
	seen := make(map[string]struct{}, len(remote))
	for _, r := range remote {
		if r.ID == "" {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}

		if matcher != nil && matcher.Match(r.ID) {
			plan.Skipped = append(plan.Skipped, r.ID)
			if s, ok := active[r.ID]; ok {
				plan.RetireIgnored = append(plan.RetireIgnored, s.ID)
			}
			continue
		}

		switch {
		case active[r.ID] != nil:
			plan.Touch = append(plan.Touch, repository.SeenUpdate{ID: active[r.ID].ID, DisplayName: r.Name})
		case deleted[r.ID] != nil:
			plan.Revive = append(plan.Revive, repository.SeenUpdate{ID: deleted[r.ID].ID, DisplayName: r.Name})
		default:
			plan.Create = append(plan.Create, repository.NewSyncSource{
				Source:              source,
				SourceID:            r.ID,
				DisplayName:         r.Name,
				PollIntervalSeconds: defaults.PollIntervalSeconds,
				PollJitterFraction:  defaults.PollJitterFraction,
			})
		}
	}

	for id, s := range active {
		if _, ok := seen[id]; !ok {
			plan.RetireDisappeared = append(plan.RetireDisappeared, s.ID)
		}
	}
	return plan
}

func deletedAt(s *model.SyncSource) time.Time {
	d, _ := s.Lifecycle.Deletion()
	return d.At
}

// ReconcileResult — итог сверки одного типа источника.
type ReconcileResult struct {
	Source             string
	Remote             int
	Created            int64
	Touched            int64
	Revived            int64
	RetiredIgnored     int64
	RetiredDisappeared int64
	Skipped            int
}

// DiscoveryService — периодическая сверка реестра источников.
type DiscoveryService struct {
	adapters   []SourceAdapter
	ignores    repository.IgnoreRepository
	tx         repository.Transactor
	ignoreOpts ignore.Options
	defaults   SourceDefaults
	now        func() time.Time
	logger     *slog.Logger
	loop       periodic
}

// NewDiscoveryService создаёт DiscoveryService.
func NewDiscoveryService(
	adapters []SourceAdapter,
	ignores repository.IgnoreRepository,
	tx repository.Transactor,
	ignoreOpts ignore.Options,
	defaults SourceDefaults,
	interval time.Duration,
	logger *slog.Logger,
) *DiscoveryService {
	s := &DiscoveryService{
		adapters:   adapters,
		ignores:    ignores,
		tx:         tx,
		ignoreOpts: ignoreOpts,
		defaults:   defaults,
		now:        time.Now,
		logger:     logger.With(slog.String("component", "discovery")),
	}
	s.loop = periodic{
		name:      "Сверка реестра источников",
		interval:  interval,
		immediate: true,
		logger:    s.logger,
		run: func(ctx context.Context) {
			if _, err := s.ReconcileAll(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("Ошибка сверки реестра источников", slog.String("error", err.Error()))
			}
		},
	}
	return s
}

// Start запускает фоновую горутину.
func (s *DiscoveryService) Start(ctx context.Context) {
	s.loop.start(ctx)
}

// Stop останавливает фоновую горутину.
func (s *DiscoveryService) Stop() {
	s.loop.stop()
}

// ReconcileAll сверяет все типы источников. Ошибка одного адаптера не мешает остальным.
func (s *DiscoveryService) ReconcileAll(ctx context.Context) ([]*ReconcileResult, error) {
	var (
		results []*ReconcileResult
		errs    []error
	)
	for _, adapter := range s.adapters {
		res, err := s.Reconcile(ctx, adapter)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", adapter.Source(), err))
			continue
		}
		results = append(results, res)
	}
	return results, errors.Join(errs...)
}

// Reconcile сверяет реестр одного типа источника.
func (s *DiscoveryService) Reconcile(ctx context.Context, adapter SourceAdapter) (*ReconcileResult, error) {
	source := adapter.Source()

	remote, err := adapter.ListIDsWithNames(ctx)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка источников: %w", err)
	}
	patterns, err := s.ignores.List(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения ignore-паттернов: %w", err)
	}
	opts := s.ignoreOpts
	opts.Source = source
	matcher := ignore.NewMatcher(patterns, opts, s.logger)

	res := &ReconcileResult{Source: source, Remote: len(remote)}
	now := s.now().UTC()

	err = s.tx.InTx(ctx, func(repos repository.Repositories) error {
		local, err := repos.Sources.List(ctx, source, model.ScopeIncludeDeleted)
		if err != nil {
			return err
		}
		plan := PlanReconciliation(source, remote, local, matcher, s.defaults)
		res.Skipped = len(plan.Skipped)

		if res.Created, err = repos.Sources.BulkInsert(ctx, plan.Create, now); err != nil {
			return err
		}
		if res.Touched, err = repos.Sources.BulkTouch(ctx, plan.Touch, now); err != nil {
			return err
		}
		if res.Revived, err = repos.Sources.BulkRevive(ctx, plan.Revive, now); err != nil {
			return err
		}
		if res.RetiredIgnored, err = repos.Sources.RetireMany(ctx, plan.RetireIgnored, model.DeletionIgnoredPattern, now); err != nil {
			return err
		}
		res.RetiredDisappeared, err = repos.Sources.RetireMany(ctx, plan.RetireDisappeared, model.DeletionDisappeared, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка применения сверки: %w", err)
	}

	discoveryActionsTotal.WithLabelValues(source, "created").Add(float64(res.Created))
	discoveryActionsTotal.WithLabelValues(source, "touched").Add(float64(res.Touched))
	discoveryActionsTotal.WithLabelValues(source, "revived").Add(float64(res.Revived))
	discoveryActionsTotal.WithLabelValues(source, "retired_ignored").Add(float64(res.RetiredIgnored))
	discoveryActionsTotal.WithLabelValues(source, "retired_disappeared").Add(float64(res.RetiredDisappeared))
	discoveryActionsTotal.WithLabelValues(source, "skipped").Add(float64(res.Skipped))

	s.logger.Info("Сверка реестра источников завершена",
		slog.String("source", source),
		slog.Int("remote", res.Remote),
		slog.Int64("created", res.Created),
		slog.Int64("touched", res.Touched),
		slog.Int64("revived", res.Revived),
		slog.Int64("retired_ignored", res.RetiredIgnored),
		slog.Int64("retired_disappeared", res.RetiredDisappeared),
		slog.Int("skipped", res.Skipped),
	)
	return res, nil
}
