package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/airtable"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/extraction"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var (
	pollDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fi_poll_duration_seconds",
		Help:    "Длительность опроса источника",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"source", "outcome"})

	pollRecordsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fi_poll_records_total",
		Help: "Количество прочитанных при опросе записей",
	}, []string{"source", "mode"}) // mode: full, incremental

	skippedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fi_poll_skipped_rows_total",
		Help: "Количество строк, пропущенных из-за некорректного email",
	}, []string{"source"})
)

// PollResult — итог успешного опроса.
type PollResult struct {
	// Cursor — новый водяной знак (время старта опроса)
	Cursor string
	// Metadata — metadata источника с обновлёнными отпечатками полей
	Metadata model.SourceMetadata
	// FullTables — таблицы, прочитанные полностью
	FullTables int
	Tables     int
	Records    int
	Changes    int
	Envelopes  int
}

// PollerConfig — параметры Poller.
type PollerConfig struct {
	// Tag — тег отслеживаемых полей ("<Tag> - ")
	Tag string
	// SafetyMargin — запас инкрементального опроса
	SafetyMargin time.Duration
}

// Poller — опрос баз Airtable.
type Poller struct {
	api       AirtableAPI
	tx        repository.Transactor
	outbox    *OutboxBuilder
	extractor Extractor
	cfg       PollerConfig
	now       func() time.Time
	logger    *slog.Logger
}

// NewPoller создаёт Poller. extractor может быть nil: Special-поля тогда пропускаются.
func NewPoller(api AirtableAPI, tx repository.Transactor, outbox *OutboxBuilder, extractor Extractor, cfg PollerConfig, logger *slog.Logger) *Poller {
	return &Poller{
		api:       api,
		tx:        tx,
		outbox:    outbox,
		extractor: extractor,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "poller")),
	}
}

// trackedField — отслеживаемое поле таблицы.
type trackedField struct {
	field  airtable.Field
	tagged TaggedField
}

// tablePlan — что и как читать из таблицы.
type tablePlan struct {
	table        airtable.Table
	emailField   string
	lastModified string
	tracked      []trackedField
	fingerprint  model.TableFingerprint
	full         bool
}

// Poll опрашивает базу src.SourceID.
func (p *Poller) Poll(ctx context.Context, src *model.SyncSource) (*PollResult, error) {
	startedAt := p.now().UTC()
	outcome := "error"
	defer func() {
		pollDuration.WithLabelValues(src.Source, outcome).Observe(time.Since(startedAt).Seconds())
	}()

	schema, err := p.api.GetSchema(ctx, src.SourceID)
	if err != nil {
		return nil, err
	}

	var since *time.Time
	if src.Cursor != "" {
		cursor, err := time.Parse(time.RFC3339Nano, src.Cursor)
		if err != nil {
			p.logger.Warn("Некорректный курсор, выполняется полный опрос",
				slog.Int64("sync_source_id", src.ID),
				slog.String("cursor", src.Cursor),
			)
		} else {
			s := cursor.Add(-p.cfg.SafetyMargin)
			since = &s
		}
	}

	result := &PollResult{
		Cursor: startedAt.Format(time.RFC3339Nano),
		Metadata: model.SourceMetadata{
			Tables: make(map[string]model.TableFingerprint),
			Extra:  src.Metadata.Extra,
		},
	}

	for _, table := range schema.Tables {
		plan, ok := p.planTable(src, table, since == nil)
		if !ok {
			continue
		}
		result.Tables++
		if plan.full {
			result.FullTables++
		}

		if err := p.pollTable(ctx, src, plan, since, startedAt, result); err != nil {
			return nil, err
		}
		result.Metadata.Tables[table.ID] = plan.fingerprint
	}

	outcome = "ok"
	p.logger.Info("Опрос источника завершён",
		slog.Int64("sync_source_id", src.ID),
		slog.String("source_id", src.SourceID),
		slog.Int("tables", result.Tables),
		slog.Int("full_tables", result.FullTables),
		slog.Int("records", result.Records),
		slog.Int("changes", result.Changes),
		slog.Int("envelopes", result.Envelopes),
	)
	return result, nil
}

// planTable находит поле email и отслеживаемые поля. Таблица без
// отслеживаемых полей или без email не опрашивается.
func (p *Poller) planTable(src *model.SyncSource, table airtable.Table, noCursor bool) (tablePlan, bool) {
	plan := tablePlan{
		table:       table,
		fingerprint: model.TableFingerprint{KnownFields: make(map[string]string)},
	}

	for _, f := range table.Fields {
		switch {
		case f.Type == airtable.FieldTypeEmail && plan.emailField == "":
			plan.emailField = f.ID
		case f.Type == airtable.FieldTypeLastModifiedTime && plan.lastModified == "":
			plan.lastModified = f.ID
		}
		tagged, ok := ParseTaggedField(p.cfg.Tag, f.Name)
		if !ok {
			continue
		}
		plan.tracked = append(plan.tracked, trackedField{field: f, tagged: tagged})
		plan.fingerprint.KnownFields[f.ID] = f.Type
	}
	if plan.emailField == "" {
		for _, f := range table.Fields {
			if strings.EqualFold(strings.TrimSpace(f.Name), "email") {
				plan.emailField = f.ID
				break
			}
		}
	}

	if len(plan.tracked) == 0 {
		return plan, false
	}
	if plan.emailField == "" {
		p.logger.Warn("В таблице с отслеживаемыми полями нет поля email, таблица пропущена",
			slog.Int64("sync_source_id", src.ID),
			slog.String("table_id", table.ID),
			slog.String("table", table.Name),
		)
		return plan, false
	}

	plan.full = noCursor || fingerprintChanged(src.Metadata.Tables[table.ID], plan.fingerprint)
	return plan, true
}

// fingerprintChanged — появилось новое отслеживаемое поле или изменился тип известного.
func fingerprintChanged(old, current model.TableFingerprint) bool {
	for id, typ := range current.KnownFields {
		if prev, ok := old.KnownFields[id]; !ok || prev != typ {
			return true
		}
	}
	return false
}

// pollTable читает записи таблицы; каждая страница обрабатывается в одной транзакции.
func (p *Poller) pollTable(ctx context.Context, src *model.SyncSource, plan tablePlan, since *time.Time, startedAt time.Time, result *PollResult) error {
	opts := airtable.ListOptions{FieldIDs: []string{plan.emailField}}
	if plan.lastModified != "" {
		opts.FieldIDs = append(opts.FieldIDs, plan.lastModified)
	}
	for _, tf := range plan.tracked {
		opts.FieldIDs = append(opts.FieldIDs, tf.field.ID)
	}

	mode := "full"
	if !plan.full && since != nil {
		opts.FilterByFormula = airtable.ModifiedSinceFormula(*since)
		mode = "incremental"
	}

	return p.api.ListRecords(ctx, src.SourceID, plan.table.ID, opts, func(records []airtable.Record) error {
		pollRecordsTotal.WithLabelValues(src.Source, mode).Add(float64(len(records)))
		result.Records += len(records)

		return p.tx.InTx(ctx, func(repos repository.Repositories) error {
			changes, envelopes, err := p.processPage(ctx, repos, src, plan, records, startedAt)
			if err != nil {
				return err
			}
			result.Changes += changes
			result.Envelopes += envelopes
			return nil
		})
	})
}

// processPage определяет изменения страницы и создаёт конверты.
// Строки без корректного email в baseline не попадают, а Special-поле,
// пропущенное из-за структурной ошибки, возвращается к прежнему значению:
// такие изменения будут доставлены, когда данные станут корректными.
func (p *Poller) processPage(
	ctx context.Context,
	repos repository.Repositories,
	src *model.SyncSource,
	plan tablePlan,
	records []airtable.Record,
	startedAt time.Time,
) (int, int, error) {
	rows := make([]airtable.Record, 0, len(records))
	identities := make([]string, 0, len(records))
	for _, rec := range records {
		email, _ := canon.FromJSON(rec.Fields[plan.emailField])
		identity, ok := NormalizeIdentity(email.Text())
		if !ok {
			skippedRowsTotal.WithLabelValues(src.Source).Inc()
			p.logger.Warn("Некорректный email, строка пропущена",
				slog.Int64("sync_source_id", src.ID),
				slog.String("table_id", plan.table.ID),
				slog.String("row_id", rec.ID),
			)
			continue
		}
		rows = append(rows, rec)
		identities = append(identities, identity)
	}

	obs := make([]model.FieldObservation, 0, len(rows)*len(plan.tracked))
	for _, rec := range rows {
		for _, tf := range plan.tracked {
			value, err := canon.FromJSON(rec.Fields[tf.field.ID])
			if err != nil {
				p.logger.Warn("Некорректное значение поля, считается null",
					slog.String("row_id", rec.ID),
					slog.String("field_id", tf.field.ID),
					slog.String("error", err.Error()),
				)
				value = canon.Null()
			}
			obs = append(obs, model.FieldObservation{RowID: rec.ID, FieldID: tf.field.ID, Value: value})
		}
	}

	detector := NewChangeDetector(repos.FieldBaselines)
	detector.now = p.now
	detections, err := detector.DetectChanges(ctx, src.ID, obs)
	if err != nil {
		return 0, 0, err
	}

	var restore []model.FieldObservation
	changes, envelopes := 0, 0
	for i, rec := range rows {
		offset := i * len(plan.tracked)
		modifiedAt := recordModifiedAt(rec, plan.lastModified, startedAt)

		var fields []FieldChange
		for j, tf := range plan.tracked {
			o := obs[offset+j]
			d := detections[offset+j]
			// Первое наблюдение не является изменением, но непустое значение новой
			// строки (или нового поля при полном опросе) должно быть доставлено
			if !d.Changed && !(d.FirstTime && !o.Value.IsNull()) {
				continue
			}

			fc := FieldChange{
				SourceFieldID:   tf.field.ID,
				SourceFieldName: tf.field.Name,
				Value:           o.Value,
				Former:          d.Former,
				ModifiedAt:      modifiedAt,
			}
			if tf.tagged.Kind == FieldDirect {
				changes++
				fields = append(fields, fc)
				continue
			}

			derived, err := p.derive(ctx, tf.tagged, fc)
			if err != nil {
				if errors.Is(err, ErrStructural) {
					p.logger.Warn("Special-поле пропущено",
						slog.Int64("sync_source_id", src.ID),
						slog.String("row_id", rec.ID),
						slog.String("field", tf.field.Name),
						slog.String("error", err.Error()),
					)
					restore = append(restore, model.FieldObservation{RowID: rec.ID, FieldID: tf.field.ID, Value: d.Former})
					continue
				}
				return 0, 0, err
			}
			changes++
			fields = append(fields, derived...)
		}
		if len(fields) == 0 {
			continue
		}

		env, err := p.outbox.Enqueue(ctx, repos.Envelopes, RowChange{
			SyncSourceID: src.ID,
			SourceType:   src.Source,
			SourceID:     src.SourceID,
			TableID:      plan.table.ID,
			RowID:        rec.ID,
			Identity:     identities[i],
			Fields:       fields,
		})
		if err != nil {
			return 0, 0, err
		}
		if env != nil {
			envelopes++
		}
	}

	if len(restore) > 0 {
		if _, err := repos.FieldBaselines.Observe(ctx, src.ID, restore, p.now().UTC()); err != nil {
			return 0, 0, fmt.Errorf("ошибка возврата baseline пропущенных полей: %w", err)
		}
	}
	return changes, envelopes, nil
}

// derive превращает Special-поле в поля получателя через извлечение.
func (p *Poller) derive(ctx context.Context, tagged TaggedField, fc FieldChange) ([]FieldChange, error) {
	if p.extractor == nil {
		return nil, fmt.Errorf("%w: извлечение не настроено", ErrStructural)
	}

	var schema *extraction.Schema
	switch {
	case strings.HasPrefix(tagged.Special, SpecialSetName):
		schema = extraction.NameSchema
	case strings.HasPrefix(tagged.Special, SpecialSetAddress):
		schema = extraction.AddressSchema
	default:
		return nil, fmt.Errorf("%w: неизвестное special-поле %q", ErrStructural, tagged.Special)
	}

	res, err := p.extractor.Extract(ctx, fc.Value.Text(), schema)
	if err != nil {
		if errors.Is(err, extraction.ErrInvalidOutput) {
			return nil, fmt.Errorf("%w: %v", ErrStructural, err)
		}
		return nil, err
	}

	derivation := &model.Derivation{
		Kind:       tagged.Special,
		Model:      res.Model,
		SchemaName: schema.Name,
		InputHash:  res.InputHash,
		Cached:     res.Cached,
	}
	out := make([]FieldChange, 0, len(schema.Outputs)+1)
	for _, name := range schema.Outputs {
		out = append(out, FieldChange{
			SourceFieldID:   fc.SourceFieldID,
			SourceFieldName: fc.SourceFieldName,
			Value:           res.Fields[name],
			Former:          fc.Former,
			ModifiedAt:      fc.ModifiedAt,
			Destination:     name,
			Strategy:        tagged.Strategy,
			Derivation:      derivation,
		})
	}
	if schema == extraction.AddressSchema {
		out = append(out, FieldChange{
			SourceFieldID:   fc.SourceFieldID,
			SourceFieldName: fc.SourceFieldName,
			Value:           canon.MustOf(fc.ModifiedAt),
			Former:          fc.Former,
			ModifiedAt:      fc.ModifiedAt,
			Destination:     AddressLastUpdatedField,
			Strategy:        model.StrategyOverride,
			Derivation:      derivation,
		})
	}
	return out, nil
}

// recordModifiedAt — время изменения строки: поле lastModifiedTime или время старта опроса.
func recordModifiedAt(rec airtable.Record, lastModifiedField string, fallback time.Time) time.Time {
	if lastModifiedField == "" {
		return fallback
	}
	v, err := canon.FromJSON(rec.Fields[lastModifiedField])
	if err != nil || v.IsNull() {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, v.Text())
	if err != nil {
		return fallback
	}
	return t.UTC()
}
