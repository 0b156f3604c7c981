package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var prunedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_pruned_rows_total",
	Help: "Количество удалённых при очистке строк",
}, []string{"table"})

// PruneResult — итог очистки.
type PruneResult struct {
	FieldBaselines       int64
	DestinationBaselines int64
}

// PrunerService — периодическая очистка устаревших baseline.
type PrunerService struct {
	detector  *ChangeDetector
	dest      repository.DestinationBaselineRepository
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	loop      periodic
}

// NewPrunerService создаёт PrunerService. retention — срок хранения baseline
// полей источника без проверок.
func NewPrunerService(
	fieldBaselines repository.FieldBaselineRepository,
	destBaselines repository.DestinationBaselineRepository,
	retention, interval time.Duration,
	logger *slog.Logger,
) *PrunerService {
	p := &PrunerService{
		detector:  NewChangeDetector(fieldBaselines),
		dest:      destBaselines,
		retention: retention,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "pruner")),
	}
	p.loop = periodic{
		name:     "Очистка baseline",
		interval: interval,
		logger:   p.logger,
		run: func(ctx context.Context) {
			if _, err := p.Prune(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("Ошибка очистки", slog.String("error", err.Error()))
			}
		},
	}
	return p
}

// Start запускает фоновую горутину.
func (p *PrunerService) Start(ctx context.Context) {
	p.loop.start(ctx)
}

// Stop останавливает фоновую горутину.
func (p *PrunerService) Stop() {
	p.loop.stop()
}

// Prune удаляет baseline полей источника старше retention и истёкшие baseline получателя.
func (p *PrunerService) Prune(ctx context.Context) (*PruneResult, error) {
	now := p.now().UTC()
	res := &PruneResult{}

	var err error
	if res.FieldBaselines, err = p.detector.PruneStale(ctx, now.Add(-p.retention)); err != nil {
		return nil, err
	}
	prunedRowsTotal.WithLabelValues("field_value_baselines").Add(float64(res.FieldBaselines))

	if res.DestinationBaselines, err = p.dest.PruneExpired(ctx, now); err != nil {
		return nil, fmt.Errorf("ошибка очистки baseline получателя: %w", err)
	}
	prunedRowsTotal.WithLabelValues("destination_field_baselines").Add(float64(res.DestinationBaselines))

	p.logger.Info("Очистка baseline завершена",
		slog.Int64("field_baselines", res.FieldBaselines),
		slog.Int64("destination_baselines", res.DestinationBaselines),
	)
	return res, nil
}
