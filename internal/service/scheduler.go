// scheduler.go — планировщик опросов источников.
//
// Scheduler периодически захватывает источники с наступившим next_poll_at
// (ClaimDue сразу сдвигает next_poll_at на интервал ± jitter, поэтому
// параллельные экземпляры не опрашивают одну базу дважды) и опрашивает их
// с ограничением concurrency.
//
// После успешного опроса сохраняются курсор (время старта опроса) и отпечатки
// полей. После ошибки next_poll_at сдвигается экспоненциально:
// min(interval * 2^(failures+1), MaxBackoff), но не раньше Retry-After.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_polls_total",
	Help: "Количество опросов источников",
}, []string{"result"}) // result: success, failure

// SchedulerConfig — параметры Scheduler.
type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Concurrency int
	MaxBackoff  time.Duration
}

// PollErrorDetails — структурированная ошибка опроса (колонка error_details).
type PollErrorDetails struct {
	Message    string    `json:"message"`
	Class      string    `json:"class"`
	Retryable  bool      `json:"retryable"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Scheduler — фоновый планировщик опросов.
type Scheduler struct {
	sources repository.SyncSourceRepository
	poller  SourcePoller
	cfg     SchedulerConfig
	now     func() time.Time
	logger  *slog.Logger
	loop    periodic
}

// NewScheduler создаёт Scheduler.
func NewScheduler(sources repository.SyncSourceRepository, poller SourcePoller, cfg SchedulerConfig, logger *slog.Logger) *Scheduler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	s := &Scheduler{
		sources: sources,
		poller:  poller,
		cfg:     cfg,
		now:     time.Now,
		logger:  logger.With(slog.String("component", "scheduler")),
	}
	s.loop = periodic{
		name:      "Планировщик опросов",
		interval:  cfg.Interval,
		immediate: true,
		logger:    s.logger,
		run: func(ctx context.Context) {
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("Ошибка цикла планировщика", slog.String("error", err.Error()))
			}
		},
	}
	return s
}

// Start запускает фоновую горутину.
func (s *Scheduler) Start(ctx context.Context) {
	s.loop.start(ctx)
}

// Stop останавливает фоновую горутину и ждёт завершения текущих опросов.
func (s *Scheduler) Stop() {
	s.loop.stop()
}

// RunOnce захватывает источники к опросу и опрашивает их. Возвращает число опрошенных.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	due, err := s.sources.ClaimDue(ctx, s.cfg.BatchSize, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("ошибка захвата источников: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	sem := make(chan struct{}, s.cfg.Concurrency)
	var wg sync.WaitGroup
	for _, src := range due {
		wg.Add(1)
		go func(src *model.SyncSource) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			s.pollOne(ctx, src)
		}(src)
	}
	wg.Wait()
	return len(due), nil
}

// pollOne опрашивает один источник и фиксирует результат.
func (s *Scheduler) pollOne(ctx context.Context, src *model.SyncSource) {
	logger := s.logger.With(
		slog.Int64("sync_source_id", src.ID),
		slog.String("source_id", src.SourceID),
	)

	if err := s.sources.MarkAttempt(ctx, src.ID, s.now().UTC()); err != nil {
		logger.Error("Ошибка отметки попытки опроса", slog.String("error", err.Error()))
		return
	}

	result, pollErr := s.poller.Poll(ctx, src)
	if pollErr == nil {
		pollsTotal.WithLabelValues("success").Inc()
		if err := s.sources.MarkSuccess(ctx, src.ID, result.Cursor, result.Metadata, s.now().UTC()); err != nil {
			logger.Error("Ошибка сохранения результата опроса", slog.String("error", err.Error()))
		}
		return
	}

	pollsTotal.WithLabelValues("failure").Inc()
	now := s.now().UTC()
	next := now.Add(s.failureDelay(src, pollErr))
	details, err := json.Marshal(PollErrorDetails{
		Message:    pollErr.Error(),
		Class:      remote.Classify(pollErr),
		Retryable:  remote.IsRetryable(pollErr),
		OccurredAt: now,
	})
	if err != nil {
		logger.Error("Ошибка сериализации ошибки опроса", slog.String("error", err.Error()))
		return
	}

	logger.Warn("Ошибка опроса источника",
		slog.String("error", pollErr.Error()),
		slog.Int("consecutive_failures", src.ConsecutiveFailures+1),
		slog.Time("next_poll_at", next),
	)
	// Контекст мог быть отменён во время опроса: ошибка всё равно фиксируется
	if err := s.sources.MarkFailure(context.WithoutCancel(ctx), src.ID, details, next); err != nil {
		logger.Error("Ошибка сохранения ошибки опроса", slog.String("error", err.Error()))
	}
}

// failureDelay — задержка до следующего опроса после ошибки.
func (s *Scheduler) failureDelay(src *model.SyncSource, err error) time.Duration {
	interval := src.PollInterval()
	if interval <= 0 {
		interval = time.Second
	}
	b := remote.Backoff{Base: interval, Max: s.cfg.MaxBackoff}
	return b.Delay(src.ConsecutiveFailures+2, remote.RetryAfterHint(err))
}
