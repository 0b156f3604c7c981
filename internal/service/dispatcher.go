// dispatcher.go — отправка конвертов outbox получателю.
//
// Dispatcher захватывает пачку конвертов queued, группирует их по получателю и
// для каждого получателя под advisory-блокировкой "dispatch:<identity>":
//  1. сливает payload конвертов (побеждает поле с поздним modifiedAt);
//  2. обрабатывает списки рассылки: уже оформленные подписки отбрасываются,
//     новому получателю добавляются список по умолчанию и начальные поля,
//     оставшиеся id проверяются по каталогу;
//  3. отбрасывает upsert-поля, совпадающие с неистёкшим baseline, и upsert-null;
//  4. отправляет поля одним вызовом, затем подписки отдельным вызовом;
//  5. в одной транзакции записывает baseline, аудит, подписки и статусы конвертов.
//
// Временные ошибки (rate limit, таймаут, 5xx) возвращают конверты в очередь с
// экспоненциальной задержкой, прочие переводят их в failed.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/remote"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var (
	dispatchEnvelopesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fi_dispatch_envelopes_total",
		Help: "Количество обработанных конвертов по итоговому статусу",
	}, []string{"status"}) // status: sent, partially_sent, ignored_noop, failed, requeued

	dispatchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fi_dispatch_identity_duration_seconds",
		Help:    "Длительность отправки изменений одного получателя",
		Buckets: prometheus.DefBuckets,
	})

	dispatchSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fi_dispatch_skipped_identities_total",
		Help: "Количество получателей, пропущенных из-за занятой блокировки",
	})

	staleFieldsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fi_dispatch_stale_fields_total",
		Help: "Количество полей, не отправленных из-за более поздней уже отправленной правки",
	})
)

// Системные поля нового получателя.
const (
	UserGroupField = "userGroup"
	SourceField    = "source"
)

// maxStackLen — предел длины стека в структурированной ошибке конверта.
const maxStackLen = 4096

// DispatcherConfig — параметры Dispatcher.
type DispatcherConfig struct {
	Interval   time.Duration
	BatchSize  int
	ClaimLease time.Duration
	RetryBase  time.Duration
	RetryMax   time.Duration
	// BaselineTTL — срок действия baseline отправленных значений
	BaselineTTL time.Duration
	// DefaultListID — список рассылки нового получателя (пусто — не добавляется)
	DefaultListID string
	// InitialUserGroup, InitialSource — начальные системные поля нового получателя
	InitialUserGroup string
	InitialSource    string
	// WorkerID — идентификатор обработчика в захватах конвертов
	WorkerID string
}

// DispatchStats — итог одного прохода.
type DispatchStats struct {
	Claimed    int
	Identities int
	Skipped    int
	Failed     int
}

// Dispatcher — обработчик outbox.
type Dispatcher struct {
	repos     repository.Repositories
	tx        repository.Transactor
	locker    repository.Locker
	dest      Destination
	catalog   *ListCatalog
	publisher AuditPublisher
	cfg       DispatcherConfig
	now       func() time.Time
	logger    *slog.Logger
	loop      periodic
}

// NewDispatcher создаёт Dispatcher. publisher может быть nil.
func NewDispatcher(
	repos repository.Repositories,
	tx repository.Transactor,
	locker repository.Locker,
	dest Destination,
	catalog *ListCatalog,
	publisher AuditPublisher,
	cfg DispatcherConfig,
	logger *slog.Logger,
) *Dispatcher {
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}
	d := &Dispatcher{
		repos:     repos,
		tx:        tx,
		locker:    locker,
		dest:      dest,
		catalog:   catalog,
		publisher: publisher,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger.With(slog.String("component", "dispatcher"), slog.String("worker", cfg.WorkerID)),
	}
	d.loop = periodic{
		name:     "Обработчик outbox",
		interval: cfg.Interval,
		logger:   d.logger,
		run: func(ctx context.Context) {
			if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
				d.logger.Error("Ошибка прохода outbox", slog.String("error", err.Error()))
			}
		},
	}
	return d
}

// Start запускает фоновую горутину.
func (d *Dispatcher) Start(ctx context.Context) {
	d.loop.start(ctx)
}

// Stop останавливает фоновую горутину.
func (d *Dispatcher) Stop() {
	d.loop.stop()
}

// RunOnce обрабатывает одну пачку конвертов. Ошибка одного получателя не
// останавливает остальных; возвращаются объединённые ошибки.
func (d *Dispatcher) RunOnce(ctx context.Context) (DispatchStats, error) {
	var stats DispatchStats

	envs, err := d.repos.Envelopes.ClaimQueued(ctx, d.cfg.WorkerID, d.cfg.BatchSize, d.now().UTC(), d.cfg.ClaimLease)
	if err != nil {
		return stats, fmt.Errorf("ошибка захвата конвертов: %w", err)
	}
	stats.Claimed = len(envs)
	if len(envs) == 0 {
		return stats, nil
	}

	// Группы в порядке первого появления (конверты отсортированы по created_at)
	var order []string
	groups := make(map[string][]*model.Envelope)
	for _, env := range envs {
		if _, ok := groups[env.DestinationIdentity]; !ok {
			order = append(order, env.DestinationIdentity)
		}
		groups[env.DestinationIdentity] = append(groups[env.DestinationIdentity], env)
	}

	var errs []error
	for _, identity := range order {
		if ctx.Err() != nil {
			d.release(groups[identity])
			continue
		}
		stats.Identities++
		dispatched, err := d.DispatchIdentity(ctx, identity, groups[identity])
		if !dispatched && err == nil {
			stats.Skipped++
		}
		if err != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("получатель %s: %w", identity, err))
		}
	}
	return stats, errors.Join(errs...)
}

// DispatchIdentity отправляет конверты одного получателя под блокировкой.
// dispatched=false — блокировку держит другой обработчик, захваты сняты.
func (d *Dispatcher) DispatchIdentity(ctx context.Context, identity string, envs []*model.Envelope) (bool, error) {
	release, acquired, err := d.locker.TryLock(ctx, "dispatch:"+identity)
	if err != nil {
		d.release(envs)
		return false, err
	}
	if !acquired {
		dispatchSkippedTotal.Inc()
		d.logger.Debug("Получатель обрабатывается другим обработчиком, пропуск",
			slog.String("identity", identity),
			slog.Int("envelopes", len(envs)),
		)
		d.release(envs)
		return false, nil
	}
	defer release()

	started := time.Now()
	defer func() { dispatchDuration.Observe(time.Since(started).Seconds()) }()

	return true, d.deliver(ctx, identity, envs)
}

// release снимает захват с конвертов, которые не обрабатывались.
func (d *Dispatcher) release(envs []*model.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.repos.Envelopes.ReleaseClaims(ctx, envelopeIDs(envs), d.cfg.WorkerID); err != nil {
		d.logger.Warn("Ошибка освобождения конвертов", slog.String("error", err.Error()))
	}
}

// mergedField — победившее значение поля и его конверт.
type mergedField struct {
	update model.FieldUpdate
	// from — конверт-источник значения (uuid.Nil для системных полей)
	from uuid.UUID
}

// dispatchPlan — результат слияния и фильтрации.
type dispatchPlan struct {
	identity string
	envs     []*model.Envelope
	merged   map[string]mergedField
	// send — поля вызова обновления контакта
	send map[string]canon.Value
	// lists — id списков для подписки
	lists []string
	// listOwners — конверты, запросившие список
	listOwners map[string][]uuid.UUID
	// preBaseline — значения baseline до вызова
	preBaseline map[string]canon.Value
	// warnings — предупреждения по конвертам
	warnings map[uuid.UUID][]string
}

func (d *Dispatcher) deliver(ctx context.Context, identity string, envs []*model.Envelope) error {
	logger := d.logger.With(slog.String("identity", identity))

	plan, err := d.plan(ctx, identity, envs)
	if err != nil {
		return d.fail(ctx, envs, err, nil)
	}

	if len(plan.send) == 0 && len(plan.lists) == 0 {
		if err := d.complete(ctx, plan, nil, nil); err != nil {
			return err
		}
		logger.Debug("Изменений для отправки нет", slog.Int("envelopes", len(envs)))
		return nil
	}

	var sentFields map[string]canon.Value
	if len(plan.send) > 0 {
		fields := make(map[string]any, len(plan.send))
		for name, v := range plan.send {
			fields[name] = v.Interface()
		}
		if _, err := d.dest.UpdateContact(ctx, identity, fields); err != nil {
			return d.fail(ctx, envs, err, plan.attempted())
		}
		sentFields = plan.send
	}

	if len(plan.lists) > 0 {
		if _, err := d.dest.SubscribeToLists(ctx, identity, plan.lists); err != nil {
			// Поля уже отправлены: их baseline и аудит фиксируются до обработки ошибки
			if len(sentFields) > 0 {
				records, commitErr := d.commitFields(ctx, plan, sentFields)
				if commitErr != nil {
					logger.Error("Ошибка фиксации отправленных полей", slog.String("error", commitErr.Error()))
				} else {
					d.publish(ctx, records)
				}
			}
			return d.fail(ctx, envs, err, map[string]any{model.MailingListsField: plan.lists})
		}
	}

	if err := d.complete(ctx, plan, sentFields, plan.lists); err != nil {
		return err
	}

	logger.Info("Изменения отправлены получателю",
		slog.Int("envelopes", len(envs)),
		slog.Int("fields", len(sentFields)),
		slog.Int("lists", len(plan.lists)),
	)
	return nil
}

// plan сливает конверты и отбирает поля к отправке.
func (d *Dispatcher) plan(ctx context.Context, identity string, envs []*model.Envelope) (*dispatchPlan, error) {
	p := &dispatchPlan{
		identity:    identity,
		envs:        envs,
		merged:      make(map[string]mergedField),
		send:        make(map[string]canon.Value),
		listOwners:  make(map[string][]uuid.UUID),
		preBaseline: make(map[string]canon.Value),
		warnings:    make(map[uuid.UUID][]string),
	}

	// Слияние: побеждает поздний modifiedAt, при равенстве — поздний конверт.
	// Списки рассылки объединяются: подписки только добавляются.
	var requested []string
	for _, env := range envs {
		for name, fu := range env.Payload {
			if name == model.MailingListsField {
				for _, id := range ParseListIDs(fu.Value) {
					if _, seen := p.listOwners[id]; !seen {
						requested = append(requested, id)
					}
					p.listOwners[id] = append(p.listOwners[id], env.ID)
				}
				continue
			}
			if prev, ok := p.merged[name]; ok && prev.update.ModifiedAt.After(fu.ModifiedAt) {
				continue
			}
			p.merged[name] = mergedField{update: fu, from: env.ID}
		}
	}

	lists, err := d.planLists(ctx, p, requested)
	if err != nil {
		return nil, err
	}
	p.lists = lists

	names := make([]string, 0, len(p.merged))
	for name := range p.merged {
		names = append(names, name)
	}
	baselines, err := d.repos.DestinationBaselines.GetMany(ctx, identity, names)
	if err != nil {
		return nil, err
	}

	now := d.now().UTC()
	for name, mf := range p.merged {
		b, hasBaseline := baselines[name]
		if hasBaseline {
			p.preBaseline[name] = b.LastSentValue
			// Получателю уже отправлена более поздняя правка поля
			if b.Supersedes(mf.update.ModifiedAt) {
				staleFieldsTotal.Inc()
				d.logger.Debug("Устаревшее значение поля не отправляется",
					slog.String("identity", identity),
					slog.String("field", name),
					slog.Time("modified_at", mf.update.ModifiedAt),
					slog.Time("sent_modified_at", b.LastModifiedAt),
				)
				continue
			}
		}
		value := mf.update.Value
		if mf.update.Strategy == model.StrategyOverride {
			p.send[name] = value
			continue
		}
		if value.IsNull() {
			continue
		}
		if hasBaseline && !b.Expired(now) && b.LastSentValue.Equal(value) {
			continue
		}
		p.send[name] = value
	}
	return p, nil
}

// planLists отбирает списки к подписке и, для нового получателя, добавляет
// список по умолчанию и начальные поля.
func (d *Dispatcher) planLists(ctx context.Context, p *dispatchPlan, requested []string) ([]string, error) {
	subscribed, err := d.repos.Subscriptions.ListForIdentity(ctx, p.identity)
	if err != nil {
		return nil, err
	}
	already := make(map[string]struct{}, len(subscribed))
	for _, id := range subscribed {
		already[id] = struct{}{}
	}

	var pending []string
	for _, id := range requested {
		if _, ok := already[id]; !ok {
			pending = append(pending, id)
		}
	}

	isNew, err := d.isNewIdentity(ctx, p.identity, len(subscribed) > 0)
	if err != nil {
		return nil, err
	}

	injected := ""
	if isNew {
		if id := d.cfg.DefaultListID; id != "" {
			if _, ok := p.listOwners[id]; !ok {
				injected = id
				pending = append(pending, id)
			}
		}
		d.injectInitialField(p, UserGroupField, d.cfg.InitialUserGroup)
		d.injectInitialField(p, SourceField, d.cfg.InitialSource)
	}

	if len(pending) == 0 {
		return nil, nil
	}

	valid, invalid, err := d.catalog.Validate(ctx, pending)
	if err != nil {
		return nil, err
	}
	for _, id := range invalid {
		// Недоступный список по умолчанию молча пропускается
		if id == injected {
			continue
		}
		for _, envID := range p.listOwners[id] {
			p.warnings[envID] = append(p.warnings[envID], fmt.Sprintf("неизвестный список рассылки %q", id))
		}
	}
	sort.Strings(valid)
	return valid, nil
}

// isNewIdentity — у получателя нет ни baseline, ни подписок, и получатель его не знает.
func (d *Dispatcher) isNewIdentity(ctx context.Context, identity string, hasSubscriptions bool) (bool, error) {
	if hasSubscriptions {
		return false, nil
	}
	known, err := d.repos.DestinationBaselines.HasAny(ctx, identity)
	if err != nil {
		return false, err
	}
	if known {
		return false, nil
	}
	_, found, err := d.dest.FindContact(ctx, identity)
	if err != nil {
		return false, err
	}
	return !found, nil
}

func (d *Dispatcher) injectInitialField(p *dispatchPlan, name, value string) {
	if value == "" {
		return
	}
	if _, ok := p.merged[name]; ok {
		return
	}
	p.merged[name] = mergedField{
		update: model.FieldUpdate{Value: canon.MustOf(value), Strategy: model.StrategyUpsert, ModifiedAt: d.now().UTC()},
	}
}

// sentValues добавляет к отправленным значениям время их правки в источнике.
// Системные поля времени правки не имеют и не вытесняют правки источника.
func (p *dispatchPlan) sentValues(sentFields map[string]canon.Value) map[string]model.SentValue {
	out := make(map[string]model.SentValue, len(sentFields))
	for name, v := range sentFields {
		sv := model.SentValue{Value: v}
		if mf := p.merged[name]; mf.from != uuid.Nil {
			sv.ModifiedAt = mf.update.ModifiedAt
		}
		out[name] = sv
	}
	return out
}

// attempted — payload вызова обновления для структурированной ошибки.
func (p *dispatchPlan) attempted() map[string]any {
	out := make(map[string]any, len(p.send)+1)
	for name, v := range p.send {
		out[name] = v
	}
	if len(p.lists) > 0 {
		out[model.MailingListsField] = p.lists
	}
	return out
}

// complete фиксирует результат отправки в одной транзакции.
func (d *Dispatcher) complete(ctx context.Context, plan *dispatchPlan, sentFields map[string]canon.Value, sentLists []string) error {
	now := d.now().UTC()
	requestID := uuid.NewString()
	fieldRecords := d.fieldAudit(plan, sentFields, requestID, now)
	outcomes := d.outcomes(plan, sentFields, sentLists)

	var created []string
	err := d.tx.InTx(ctx, func(repos repository.Repositories) error {
		if err := repos.DestinationBaselines.Upsert(ctx, plan.identity, plan.sentValues(sentFields), now, now.Add(d.cfg.BaselineTTL)); err != nil {
			return err
		}
		if len(fieldRecords) > 0 {
			if err := repos.Audit.Insert(ctx, fieldRecords); err != nil {
				return err
			}
		}
		var err error
		if created, err = repos.Subscriptions.Create(ctx, plan.identity, sentLists, now); err != nil {
			return err
		}
		return repos.Envelopes.Complete(ctx, outcomes, now)
	})
	if err != nil {
		return fmt.Errorf("ошибка фиксации отправки: %w", err)
	}

	for _, o := range outcomes {
		dispatchEnvelopesTotal.WithLabelValues(string(o.Status)).Inc()
	}

	// Подписка уже сохранена: ошибка записи её аудита только логируется
	listRecords := d.listAudit(plan, created, requestID, now)
	if len(listRecords) > 0 {
		if err := d.repos.Audit.Insert(ctx, listRecords); err != nil {
			d.logger.Error("Ошибка записи аудита подписок",
				slog.String("identity", plan.identity),
				slog.String("error", err.Error()),
			)
			listRecords = nil
		}
	}

	d.publish(ctx, append(fieldRecords, listRecords...))
	return nil
}

// commitFields фиксирует baseline и аудит уже отправленных полей (без статусов конвертов).
func (d *Dispatcher) commitFields(ctx context.Context, plan *dispatchPlan, sentFields map[string]canon.Value) ([]*model.AuditRecord, error) {
	now := d.now().UTC()
	records := d.fieldAudit(plan, sentFields, uuid.NewString(), now)
	err := d.tx.InTx(ctx, func(repos repository.Repositories) error {
		if err := repos.DestinationBaselines.Upsert(ctx, plan.identity, plan.sentValues(sentFields), now, now.Add(d.cfg.BaselineTTL)); err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return repos.Audit.Insert(ctx, records)
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// outcomes вычисляет конечный статус каждого конверта по его собственным полям.
func (d *Dispatcher) outcomes(plan *dispatchPlan, sentFields map[string]canon.Value, sentLists []string) []repository.EnvelopeOutcome {
	listSent := make(map[string]struct{}, len(sentLists))
	for _, id := range sentLists {
		listSent[id] = struct{}{}
	}

	out := make([]repository.EnvelopeOutcome, 0, len(plan.envs))
	for _, env := range plan.envs {
		total, transmitted := 0, 0
		for name, fu := range env.Payload {
			total++
			if name == model.MailingListsField {
				for _, id := range ParseListIDs(fu.Value) {
					if _, ok := listSent[id]; ok {
						transmitted++
						break
					}
				}
				continue
			}
			if _, ok := sentFields[name]; ok {
				transmitted++
			}
		}

		warnings := plan.warnings[env.ID]
		status := model.EnvelopeSent
		switch {
		case transmitted == 0:
			status = model.EnvelopeIgnoredNoop
		case transmitted < total || len(warnings) > 0:
			status = model.EnvelopePartiallySent
		}
		out = append(out, repository.EnvelopeOutcome{ID: env.ID, Status: status, Warnings: warnings})
	}
	return out
}

// fieldAudit строит записи аудита полей. Поле, значение которого совпадает
// с baseline до вызова, не является переходом и не журналируется.
func (d *Dispatcher) fieldAudit(plan *dispatchPlan, sentFields map[string]canon.Value, requestID string, at time.Time) []*model.AuditRecord {
	names := make([]string, 0, len(sentFields))
	for name := range sentFields {
		names = append(names, name)
	}
	sort.Strings(names)

	var records []*model.AuditRecord
	for _, name := range names {
		value := sentFields[name]
		former := plan.preBaseline[name]
		if former.Equal(value) {
			continue
		}
		mf := plan.merged[name]
		rec := &model.AuditRecord{
			OccurredAt:          at,
			DestinationIdentity: plan.identity,
			FieldName:           name,
			FormerValue:         former,
			NewValue:            value,
			Strategy:            mf.update.Strategy,
			EnvelopeIDs:         plan.contributors(name),
			RequestID:           requestID,
		}
		if env := plan.envelope(mf.from); env != nil {
			fillAuditProvenance(rec, env, env.Provenance.Fields[name])
		} else {
			rec.Provenance = map[string]any{"system": true}
		}
		records = append(records, rec)
	}
	return records
}

// listAudit строит записи аудита созданных подписок.
func (d *Dispatcher) listAudit(plan *dispatchPlan, created []string, requestID string, at time.Time) []*model.AuditRecord {
	records := make([]*model.AuditRecord, 0, len(created))
	for _, id := range created {
		rec := &model.AuditRecord{
			OccurredAt:          at,
			DestinationIdentity: plan.identity,
			FieldName:           model.MailingListsField,
			FormerValue:         canon.Null(),
			NewValue:            canon.MustOf(id),
			Strategy:            model.StrategyOverride,
			EnvelopeIDs:         plan.listOwners[id],
			RequestID:           requestID,
		}
		owners := plan.listOwners[id]
		if len(owners) > 0 {
			env := plan.envelope(owners[len(owners)-1])
			fillAuditProvenance(rec, env, listProvenance(env))
		} else {
			rec.Provenance = map[string]any{"defaultList": true}
		}
		records = append(records, rec)
	}
	return records
}

func fillAuditProvenance(rec *model.AuditRecord, env *model.Envelope, fp model.FieldProvenance) {
	syncSourceID := env.Provenance.SyncSourceID
	rec.SyncSourceID = &syncSourceID
	rec.TableID = env.Provenance.TableID
	rec.RowID = env.Provenance.RowID
	rec.FormerSourceValue = fp.FormerSourceValue
	rec.NewSourceValue = fp.NewSourceValue
	rec.Provenance = map[string]any{
		"sourceType":      env.Provenance.SourceType,
		"sourceId":        env.Provenance.SourceID,
		"sourceFieldId":   fp.SourceFieldID,
		"sourceFieldName": fp.SourceFieldName,
	}
	if fp.Derivation != nil {
		rec.Provenance["derivation"] = fp.Derivation
	}
}

// listProvenance — происхождение поля списков рассылки конверта.
func listProvenance(env *model.Envelope) model.FieldProvenance {
	keys := make([]string, 0, len(env.Provenance.Fields))
	for key := range env.Provenance.Fields {
		if strings.HasPrefix(key, model.MailingListsField+":") {
			keys = append(keys, key)
		}
	}
	if len(keys) == 0 {
		return model.FieldProvenance{}
	}
	sort.Strings(keys)
	return env.Provenance.Fields[keys[0]]
}

func (p *dispatchPlan) envelope(id uuid.UUID) *model.Envelope {
	if id == uuid.Nil {
		return nil
	}
	for _, env := range p.envs {
		if env.ID == id {
			return env
		}
	}
	return nil
}

// contributors — конверты, содержащие поле name.
func (p *dispatchPlan) contributors(name string) []uuid.UUID {
	var ids []uuid.UUID
	for _, env := range p.envs {
		if _, ok := env.Payload[name]; ok {
			ids = append(ids, env.ID)
		}
	}
	return ids
}

// fail обрабатывает ошибку отправки группы конвертов.
func (d *Dispatcher) fail(ctx context.Context, envs []*model.Envelope, cause error, attempted any) error {
	logger := d.logger.With(slog.String("identity", envs[0].DestinationIdentity))
	ids := envelopeIDs(envs)

	// Остановка сервиса: конверты возвращаются в очередь без попытки
	if errors.Is(cause, context.Canceled) && ctx.Err() != nil {
		d.release(envs)
		return nil
	}

	now := d.now().UTC()
	retryable := remote.IsRetryable(cause) || errors.Is(cause, ErrCatalogUnavailable)
	envErr := &model.EnvelopeError{
		Message:          cause.Error(),
		Class:            remote.Classify(cause),
		Retryable:        retryable,
		AttemptedPayload: attempted,
		OccurredAt:       now,
	}
	if errors.Is(cause, ErrCatalogUnavailable) {
		envErr.Class = "catalog_unavailable"
	}

	// Запись результата не зависит от отмены контекста прохода
	writeCtx := context.WithoutCancel(ctx)

	if retryable {
		attempts := 0
		for _, env := range envs {
			attempts = max(attempts, env.Attempts)
		}
		delay := remote.Backoff{Base: d.cfg.RetryBase, Max: d.cfg.RetryMax}.Delay(attempts+1, remote.RetryAfterHint(cause))
		if err := d.repos.Envelopes.Requeue(writeCtx, ids, envErr, now.Add(delay)); err != nil {
			return fmt.Errorf("ошибка повторной постановки конвертов: %w (исходная ошибка: %v)", err, cause)
		}
		dispatchEnvelopesTotal.WithLabelValues("requeued").Add(float64(len(envs)))
		logger.Warn("Временная ошибка отправки, конверты возвращены в очередь",
			slog.String("error", cause.Error()),
			slog.String("class", envErr.Class),
			slog.Duration("delay", delay),
		)
		return nil
	}

	envErr.Stack = truncateStack(debug.Stack())
	if err := d.repos.Envelopes.MarkFailed(writeCtx, ids, envErr, now); err != nil {
		return fmt.Errorf("ошибка отметки конвертов failed: %w (исходная ошибка: %v)", err, cause)
	}
	dispatchEnvelopesTotal.WithLabelValues(string(model.EnvelopeFailed)).Add(float64(len(envs)))
	logger.Error("Ошибка отправки, конверты переведены в failed",
		slog.String("error", cause.Error()),
		slog.String("class", envErr.Class),
	)
	return cause
}

func (d *Dispatcher) publish(ctx context.Context, records []*model.AuditRecord) {
	if d.publisher == nil || len(records) == 0 {
		return
	}
	d.publisher.PublishAudit(ctx, records)
}

func envelopeIDs(envs []*model.Envelope) []uuid.UUID {
	ids := make([]uuid.UUID, len(envs))
	for i, env := range envs {
		ids[i] = env.ID
	}
	return ids
}

func truncateStack(stack []byte) string {
	if len(stack) > maxStackLen {
		return string(stack[:maxStackLen])
	}
	return string(stack)
}
