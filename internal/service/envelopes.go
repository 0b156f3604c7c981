package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

// EnvelopeService — просмотр outbox и журнала аудита, ручной повтор конвертов.
type EnvelopeService struct {
	envelopes repository.EnvelopeRepository
	audit     repository.AuditRepository
	now       func() time.Time
	logger    *slog.Logger
}

// NewEnvelopeService создаёт EnvelopeService.
func NewEnvelopeService(envelopes repository.EnvelopeRepository, audit repository.AuditRepository, logger *slog.Logger) *EnvelopeService {
	return &EnvelopeService{
		envelopes: envelopes,
		audit:     audit,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "envelope_service")),
	}
}

// List возвращает конверты по фильтру.
func (s *EnvelopeService) List(ctx context.Context, filter repository.EnvelopeFilter) ([]*model.Envelope, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: недопустимый статус %q", ErrValidation, *filter.Status)
	}
	if filter.Identity != "" {
		identity, ok := NormalizeIdentity(filter.Identity)
		if !ok {
			return nil, fmt.Errorf("%w: некорректный email %q", ErrValidation, filter.Identity)
		}
		filter.Identity = identity
	}
	envs, err := s.envelopes.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("получение списка конвертов: %w", err)
	}
	return envs, nil
}

// Get возвращает конверт по id.
func (s *EnvelopeService) Get(ctx context.Context, id uuid.UUID) (*model.Envelope, error) {
	env, err := s.envelopes.GetByID(ctx, id)
	if err != nil {
		return nil, mapRepoError(err, fmt.Sprintf("конверт %s", id))
	}
	return env, nil
}

// Retry возвращает конверт failed в очередь. Статус перечитывается в репозитории:
// повторить можно только failed.
func (s *EnvelopeService) Retry(ctx context.Context, id uuid.UUID) (*model.Envelope, error) {
	if err := s.envelopes.Retry(ctx, id, s.now().UTC()); err != nil {
		return nil, mapRepoError(err, fmt.Sprintf("повтор конверта %s", id))
	}
	s.logger.Info("Конверт возвращён в очередь", slog.String("envelope_id", id.String()))
	return s.Get(ctx, id)
}

// Audit возвращает журнал аудита получателя, новые записи первыми.
func (s *EnvelopeService) Audit(ctx context.Context, identity string, limit, offset int) ([]*model.AuditRecord, error) {
	normalized, ok := NormalizeIdentity(identity)
	if !ok {
		return nil, fmt.Errorf("%w: некорректный email %q", ErrValidation, identity)
	}
	records, err := s.audit.ListByIdentity(ctx, normalized, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("получение журнала аудита: %w", err)
	}
	return records, nil
}
