package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var envelopesCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_envelopes_created_total",
	Help: "Количество созданных конвертов outbox",
}, []string{"source"})

// FieldChange — изменённое поле строки источника.
type FieldChange struct {
	SourceFieldID   string
	SourceFieldName string
	Value           canon.Value
	Former          canon.Value
	ModifiedAt      time.Time
	// Destination и Strategy задаются для производных полей;
	// для прямых полей они выводятся из SourceFieldName
	Destination string
	Strategy    model.Strategy
	Derivation  *model.Derivation
}

// RowChange — изменения одной строки источника для одного получателя.
type RowChange struct {
	SyncSourceID int64
	SourceType   string
	SourceID     string
	TableID      string
	RowID        string
	// Identity — email получателя (нормализуется при построении)
	Identity string
	Fields   []FieldChange
}

// OutboxBuilder превращает изменения строки в конверт outbox.
type OutboxBuilder struct {
	tag    string
	logger *slog.Logger
}

// NewOutboxBuilder создаёт OutboxBuilder для тега полей tag.
func NewOutboxBuilder(tag string, logger *slog.Logger) *OutboxBuilder {
	return &OutboxBuilder{
		tag:    tag,
		logger: logger.With(slog.String("component", "outbox")),
	}
}

// Build строит конверт. ok=false — ни одного распознанного поля, конверт не нужен.
func (b *OutboxBuilder) Build(rc RowChange) (*model.Envelope, bool) {
	identity, valid := NormalizeIdentity(rc.Identity)
	if !valid {
		b.logger.Warn("Некорректный идентификатор получателя, строка пропущена",
			slog.String("source_id", rc.SourceID),
			slog.String("table_id", rc.TableID),
			slog.String("row_id", rc.RowID),
		)
		return nil, false
	}

	payload := make(model.Payload)
	prov := model.Provenance{
		SourceType:   rc.SourceType,
		SyncSourceID: rc.SyncSourceID,
		SourceID:     rc.SourceID,
		TableID:      rc.TableID,
		RowID:        rc.RowID,
		Fields:       make(map[string]model.FieldProvenance),
	}

	var (
		listIDs      []string
		listSeen     = make(map[string]struct{})
		listModified time.Time
		hasLists     bool
	)

	for _, fc := range rc.Fields {
		dest, strategy, ok := b.destinationOf(fc)
		if !ok {
			continue
		}

		fp := model.FieldProvenance{
			SourceFieldID:     fc.SourceFieldID,
			SourceFieldName:   fc.SourceFieldName,
			FormerSourceValue: fc.Former,
			NewSourceValue:    fc.Value,
			Derivation:        fc.Derivation,
		}

		if IsListField(dest) {
			hasLists = true
			for _, id := range ParseListIDs(fc.Value) {
				if _, dup := listSeen[id]; dup {
					continue
				}
				listSeen[id] = struct{}{}
				listIDs = append(listIDs, id)
			}
			if fc.ModifiedAt.After(listModified) {
				listModified = fc.ModifiedAt
			}
			prov.Fields[model.MailingListsField+":"+fc.SourceFieldID] = fp
			continue
		}

		if prev, dup := payload[dest]; dup && prev.ModifiedAt.After(fc.ModifiedAt) {
			continue
		}
		payload[dest] = model.FieldUpdate{Value: fc.Value, Strategy: strategy, ModifiedAt: fc.ModifiedAt}
		prov.Fields[dest] = fp
	}

	if hasLists && len(listIDs) > 0 {
		payload[model.MailingListsField] = model.FieldUpdate{
			Value:      listValue(sortedCopy(listIDs)),
			Strategy:   model.StrategyOverride,
			ModifiedAt: listModified,
		}
	}

	if len(payload) == 0 {
		return nil, false
	}

	return &model.Envelope{
		DestinationIdentity: identity,
		Payload:             payload,
		Status:              model.EnvelopeQueued,
		Provenance:          prov,
	}, true
}

// destinationOf определяет поле получателя и стратегию.
func (b *OutboxBuilder) destinationOf(fc FieldChange) (string, model.Strategy, bool) {
	if fc.Destination != "" {
		strategy := fc.Strategy
		if strategy == "" {
			strategy = model.StrategyUpsert
		}
		return fc.Destination, strategy, true
	}

	tagged, ok := ParseTaggedField(b.tag, fc.SourceFieldName)
	if !ok || tagged.Kind != FieldDirect {
		return "", "", false
	}
	if !ValidDestinationName(tagged.Destination) {
		b.logger.Warn("Имя поля получателя должно начинаться со строчной буквы, поле пропущено",
			slog.String("field", fc.SourceFieldName),
		)
		return "", "", false
	}
	return tagged.Destination, tagged.Strategy, true
}

// Enqueue строит и сохраняет конверт. Возвращает nil, если конверт не нужен.
func (b *OutboxBuilder) Enqueue(ctx context.Context, envelopes repository.EnvelopeRepository, rc RowChange) (*model.Envelope, error) {
	env, ok := b.Build(rc)
	if !ok {
		return nil, nil
	}
	if err := envelopes.Create(ctx, env); err != nil {
		return nil, fmt.Errorf("ошибка создания конверта: %w", err)
	}
	envelopesCreatedTotal.WithLabelValues(rc.SourceType).Inc()

	b.logger.Debug("Конверт создан",
		slog.String("envelope_id", env.ID.String()),
		slog.Int("fields", len(env.Payload)),
		slog.String("row_id", rc.RowID),
	)
	return env, nil
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
