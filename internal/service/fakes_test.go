package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/airtable"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/extraction"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/loops"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// --- In-memory хранилище ---

type baselineKey struct {
	source int64
	row    string
	field  string
}

type destKey struct {
	identity string
	field    string
}

// memStore — in-memory реализация всех репозиториев. Транзакции не откатываются.
type memStore struct {
	mu sync.Mutex

	nextID        int64
	sources       map[int64]*model.SyncSource
	ignores       map[int64]*model.SyncSourceIgnore
	baselines     map[baselineKey]*model.FieldValueBaseline
	envelopes     map[uuid.UUID]*model.Envelope
	envelopeOrder []uuid.UUID
	destBaselines map[destKey]*model.DestinationFieldBaseline
	subscriptions map[string]map[string]time.Time
	audit         []*model.AuditRecord
	lists         map[string]*model.MailingList

	// failAuditInsert — ошибка записи аудита
	failAuditInsert error
	txCount         int
}

func newMemStore() *memStore {
	return &memStore{
		sources:       make(map[int64]*model.SyncSource),
		ignores:       make(map[int64]*model.SyncSourceIgnore),
		baselines:     make(map[baselineKey]*model.FieldValueBaseline),
		envelopes:     make(map[uuid.UUID]*model.Envelope),
		destBaselines: make(map[destKey]*model.DestinationFieldBaseline),
		subscriptions: make(map[string]map[string]time.Time),
		lists:         make(map[string]*model.MailingList),
	}
}

func (s *memStore) repos() repository.Repositories {
	return repository.Repositories{
		Sources:              memSources{s},
		Ignores:              memIgnores{s},
		FieldBaselines:       memFieldBaselines{s},
		Envelopes:            memEnvelopes{s},
		DestinationBaselines: memDestBaselines{s},
		Subscriptions:        memSubscriptions{s},
		Audit:                memAudit{s},
		MailingLists:         memLists{s},
	}
}

// InTx реализует repository.Transactor.
func (s *memStore) InTx(_ context.Context, fn func(repository.Repositories) error) error {
	s.mu.Lock()
	s.txCount++
	s.mu.Unlock()
	return fn(s.repos())
}

func (s *memStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) addSource(sourceID string, lc model.Lifecycle) *model.SyncSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	src := &model.SyncSource{
		ID:                  s.id(),
		Source:              model.SourceAirtable,
		SourceID:            sourceID,
		DisplayName:         sourceID,
		PollIntervalSeconds: 30,
		Lifecycle:           lc,
	}
	s.sources[src.ID] = src
	return src
}

func (s *memStore) source(id int64) *model.SyncSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *s.sources[id]
	return &c
}

func (s *memStore) envelopeList() []*model.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Envelope, 0, len(s.envelopeOrder))
	for _, id := range s.envelopeOrder {
		c := *s.envelopes[id]
		out = append(out, &c)
	}
	return out
}

func (s *memStore) auditRecords() []*model.AuditRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*model.AuditRecord(nil), s.audit...)
}

func (s *memStore) addList(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lists[id] = &model.MailingList{ID: id, Name: id}
}

func (s *memStore) setDestBaseline(identity, field string, v canon.Value, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destBaselines[destKey{identity, field}] = &model.DestinationFieldBaseline{
		DestinationIdentity: identity,
		FieldName:           field,
		LastSentValue:       v,
		ExpiresAt:           expiresAt,
	}
}

func (s *memStore) subscribed(identity string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.subscriptions[identity] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// --- SyncSourceRepository ---

type memSources struct{ s *memStore }

func (r memSources) ClaimDue(_ context.Context, limit int, now time.Time) ([]*model.SyncSource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var due []*model.SyncSource
	for _, src := range r.s.sources {
		if src.Lifecycle.IsActive() && !src.NextPollAt.After(now) {
			due = append(due, src)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextPollAt.Before(due[j].NextPollAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*model.SyncSource, len(due))
	for i, src := range due {
		src.NextPollAt = now.Add(src.PollInterval())
		c := *src
		out[i] = &c
	}
	return out, nil
}

func (r memSources) MarkAttempt(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	src.LastPollAttemptedAt = &at
	return nil
}

func (r memSources) MarkSuccess(_ context.Context, id int64, cursor string, metadata model.SourceMetadata, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	src.Cursor = cursor
	src.Metadata = metadata
	src.LastSuccessfulPollAt = &at
	src.ConsecutiveFailures = 0
	src.ErrorDetails = nil
	return nil
}

func (r memSources) MarkFailure(_ context.Context, id int64, details json.RawMessage, nextPollAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	src.ConsecutiveFailures++
	src.ErrorDetails = details
	src.NextPollAt = nextPollAt
	return nil
}

func (r memSources) Retire(_ context.Context, id int64, reason model.DeletionReason, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	if src.Lifecycle.IsActive() {
		src.Lifecycle = model.Deleted(reason, at)
	}
	return nil
}

func (r memSources) RetireMany(_ context.Context, ids []int64, reason model.DeletionReason, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, id := range ids {
		if src, ok := r.s.sources[id]; ok && src.Lifecycle.IsActive() {
			src.Lifecycle = model.Deleted(reason, at)
			n++
		}
	}
	return n, nil
}

func (r memSources) Restore(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok {
		return repository.ErrNotFound
	}
	for _, other := range r.s.sources {
		if other.ID != id && other.SourceID == src.SourceID && other.Lifecycle.IsActive() {
			return repository.ErrConflict
		}
	}
	src.Lifecycle = model.Active()
	src.NextPollAt = at
	return nil
}

func (r memSources) GetByID(_ context.Context, id int64) (*model.SyncSource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *src
	return &c, nil
}

func (r memSources) List(_ context.Context, source string, scope model.Scope) ([]*model.SyncSource, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.SyncSource
	for _, src := range r.s.sources {
		if source != "" && src.Source != source {
			continue
		}
		active := src.Lifecycle.IsActive()
		if (scope == model.ScopeActiveOnly && !active) || (scope == model.ScopeDeletedOnly && active) {
			continue
		}
		c := *src
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memSources) BulkInsert(_ context.Context, rows []repository.NewSyncSource, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, row := range rows {
		src := &model.SyncSource{
			ID:                  r.s.id(),
			Source:              row.Source,
			SourceID:            row.SourceID,
			DisplayName:         row.DisplayName,
			PollIntervalSeconds: row.PollIntervalSeconds,
			PollJitterFraction:  row.PollJitterFraction,
			NextPollAt:          at,
			FirstSeenAt:         &at,
			LastSeenAt:          &at,
			SeenCount:           1,
		}
		r.s.sources[src.ID] = src
		n++
	}
	return n, nil
}

func (r memSources) BulkTouch(_ context.Context, updates []repository.SeenUpdate, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, u := range updates {
		if src, ok := r.s.sources[u.ID]; ok && src.Lifecycle.IsActive() {
			src.DisplayName = u.DisplayName
			src.LastSeenAt = &at
			src.SeenCount++
			n++
		}
	}
	return n, nil
}

func (r memSources) BulkRevive(_ context.Context, updates []repository.SeenUpdate, at time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, u := range updates {
		if src, ok := r.s.sources[u.ID]; ok && !src.Lifecycle.IsActive() {
			src.Lifecycle = model.Active()
			src.DisplayName = u.DisplayName
			src.LastSeenAt = &at
			src.SeenCount++
			src.NextPollAt = at
			n++
		}
	}
	return n, nil
}

func (r memSources) ResetForResync(_ context.Context, id int64, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	src, ok := r.s.sources[id]
	if !ok || !src.Lifecycle.IsActive() {
		return repository.ErrNotFound
	}
	src.Cursor = ""
	src.Metadata.Tables = nil
	src.NextPollAt = at
	src.ConsecutiveFailures = 0
	return nil
}

// --- IgnoreRepository ---

type memIgnores struct{ s *memStore }

func (r memIgnores) Create(_ context.Context, ig *model.SyncSourceIgnore) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, other := range r.s.ignores {
		if other.Source == ig.Source && other.Pattern == ig.Pattern {
			return repository.ErrConflict
		}
	}
	ig.ID = r.s.id()
	ig.CreatedAt = time.Now()
	c := *ig
	r.s.ignores[ig.ID] = &c
	return nil
}

func (r memIgnores) List(_ context.Context, source string) ([]*model.SyncSourceIgnore, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.SyncSourceIgnore
	for _, ig := range r.s.ignores {
		if source == "" || ig.Source == source {
			c := *ig
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memIgnores) Delete(_ context.Context, id int64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.ignores[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.s.ignores, id)
	return nil
}

// --- FieldBaselineRepository ---

type memFieldBaselines struct{ s *memStore }

func (r memFieldBaselines) Observe(_ context.Context, syncSourceID int64, obs []model.FieldObservation, at time.Time) ([]model.ObservationResult, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]model.ObservationResult, len(obs))
	for i, o := range obs {
		key := baselineKey{syncSourceID, o.RowID, o.FieldID}
		b, ok := r.s.baselines[key]
		if !ok {
			r.s.baselines[key] = &model.FieldValueBaseline{
				SyncSourceID:       syncSourceID,
				RowID:              o.RowID,
				FieldID:            o.FieldID,
				LastKnownValue:     o.Value,
				LastCheckedAt:      at,
				ValueLastUpdatedAt: at,
				CheckedCount:       1,
			}
			continue
		}
		out[i] = model.ObservationResult{Existed: true, Previous: b.LastKnownValue}
		b.LastCheckedAt = at
		b.CheckedCount++
		if !b.LastKnownValue.Equal(o.Value) {
			b.LastKnownValue = o.Value
			b.ValueLastUpdatedAt = at
		}
	}
	return out, nil
}

func (r memFieldBaselines) Get(_ context.Context, syncSourceID int64, rowID, fieldID string) (*model.FieldValueBaseline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.baselines[baselineKey{syncSourceID, rowID, fieldID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (r memFieldBaselines) PruneStale(_ context.Context, olderThan time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, b := range r.s.baselines {
		if b.LastCheckedAt.Before(olderThan) {
			delete(r.s.baselines, k)
			n++
		}
	}
	return n, nil
}

func (r memFieldBaselines) DeleteForSource(_ context.Context, syncSourceID int64) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k := range r.s.baselines {
		if k.source == syncSourceID {
			delete(r.s.baselines, k)
			n++
		}
	}
	return n, nil
}

// --- EnvelopeRepository ---

type memEnvelopes struct{ s *memStore }

func (r memEnvelopes) Create(_ context.Context, env *model.Envelope) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if env.ID == uuid.Nil {
		env.ID = uuid.New()
	}
	if env.Status == "" {
		env.Status = model.EnvelopeQueued
	}
	// Монотонное время создания сохраняет порядок захвата
	env.CreatedAt = time.Unix(0, 0).Add(time.Duration(len(r.s.envelopeOrder)) * time.Millisecond)
	c := *env
	r.s.envelopes[env.ID] = &c
	r.s.envelopeOrder = append(r.s.envelopeOrder, env.ID)
	return nil
}

func (r memEnvelopes) ClaimQueued(_ context.Context, worker string, limit int, now time.Time, lease time.Duration) ([]*model.Envelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Envelope
	for _, id := range r.s.envelopeOrder {
		if len(out) >= limit {
			break
		}
		env := r.s.envelopes[id]
		if env.Status != model.EnvelopeQueued || env.NextAttemptAt.After(now) {
			continue
		}
		if env.ClaimedAt != nil && !env.ClaimedAt.Before(now.Add(-lease)) {
			continue
		}
		w, at := worker, now
		env.ClaimedBy, env.ClaimedAt = &w, &at
		c := *env
		out = append(out, &c)
	}
	return out, nil
}

func (r memEnvelopes) ReleaseClaims(_ context.Context, ids []uuid.UUID, worker string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		env, ok := r.s.envelopes[id]
		if ok && env.Status == model.EnvelopeQueued && env.ClaimedBy != nil && *env.ClaimedBy == worker {
			env.ClaimedBy, env.ClaimedAt = nil, nil
		}
	}
	return nil
}

func (r memEnvelopes) Complete(_ context.Context, outcomes []repository.EnvelopeOutcome, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, o := range outcomes {
		env, ok := r.s.envelopes[o.ID]
		if !ok || env.Status != model.EnvelopeQueued {
			continue
		}
		env.Status = o.Status
		env.Warnings = o.Warnings
		env.Error = nil
		env.Attempts++
		env.ClaimedBy, env.ClaimedAt = nil, nil
		if o.Status == model.EnvelopeSent || o.Status == model.EnvelopePartiallySent {
			sentAt := at
			env.SentAt = &sentAt
		}
	}
	return nil
}

func (r memEnvelopes) MarkFailed(_ context.Context, ids []uuid.UUID, envErr *model.EnvelopeError, _ time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		if env, ok := r.s.envelopes[id]; ok && env.Status == model.EnvelopeQueued {
			env.Status = model.EnvelopeFailed
			env.Error = envErr
			env.Attempts++
			env.ClaimedBy, env.ClaimedAt = nil, nil
		}
	}
	return nil
}

func (r memEnvelopes) Requeue(_ context.Context, ids []uuid.UUID, envErr *model.EnvelopeError, nextAttemptAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range ids {
		if env, ok := r.s.envelopes[id]; ok && env.Status == model.EnvelopeQueued {
			env.Error = envErr
			env.Attempts++
			env.NextAttemptAt = nextAttemptAt
			env.ClaimedBy, env.ClaimedAt = nil, nil
		}
	}
	return nil
}

func (r memEnvelopes) Retry(_ context.Context, id uuid.UUID, at time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	env, ok := r.s.envelopes[id]
	if !ok {
		return repository.ErrNotFound
	}
	if env.Status != model.EnvelopeFailed {
		return repository.ErrInvalidState
	}
	env.Status = model.EnvelopeQueued
	env.NextAttemptAt = at
	return nil
}

func (r memEnvelopes) GetByID(_ context.Context, id uuid.UUID) (*model.Envelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	env, ok := r.s.envelopes[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *env
	return &c, nil
}

func (r memEnvelopes) List(_ context.Context, filter repository.EnvelopeFilter) ([]*model.Envelope, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.Envelope
	for i := len(r.s.envelopeOrder) - 1; i >= 0; i-- {
		env := r.s.envelopes[r.s.envelopeOrder[i]]
		if filter.Status != nil && env.Status != *filter.Status {
			continue
		}
		if filter.Identity != "" && env.DestinationIdentity != filter.Identity {
			continue
		}
		c := *env
		out = append(out, &c)
	}
	return out, nil
}

// --- DestinationBaselineRepository ---

type memDestBaselines struct{ s *memStore }

func (r memDestBaselines) GetMany(_ context.Context, identity string, fields []string) (map[string]*model.DestinationFieldBaseline, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make(map[string]*model.DestinationFieldBaseline)
	for _, f := range fields {
		if b, ok := r.s.destBaselines[destKey{identity, f}]; ok {
			c := *b
			out[f] = &c
		}
	}
	return out, nil
}

func (r memDestBaselines) HasAny(_ context.Context, identity string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for k := range r.s.destBaselines {
		if k.identity == identity {
			return true, nil
		}
	}
	return false, nil
}

func (r memDestBaselines) Upsert(_ context.Context, identity string, values map[string]model.SentValue, sentAt, expiresAt time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for f, sv := range values {
		modifiedAt := sv.ModifiedAt
		if prev, ok := r.s.destBaselines[destKey{identity, f}]; ok && prev.LastModifiedAt.After(modifiedAt) {
			modifiedAt = prev.LastModifiedAt
		}
		r.s.destBaselines[destKey{identity, f}] = &model.DestinationFieldBaseline{
			DestinationIdentity: identity,
			FieldName:           f,
			LastSentValue:       sv.Value,
			LastSentAt:          sentAt,
			LastModifiedAt:      modifiedAt,
			ExpiresAt:           expiresAt,
		}
	}
	return nil
}

func (r memDestBaselines) PruneExpired(_ context.Context, now time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for k, b := range r.s.destBaselines {
		if b.Expired(now) {
			delete(r.s.destBaselines, k)
			n++
		}
	}
	return n, nil
}

// --- ListSubscriptionRepository ---

type memSubscriptions struct{ s *memStore }

func (r memSubscriptions) ListForIdentity(_ context.Context, identity string) ([]string, error) {
	return r.s.subscribed(identity), nil
}

func (r memSubscriptions) Create(_ context.Context, identity string, listIDs []string, at time.Time) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.subscriptions[identity] == nil {
		r.s.subscriptions[identity] = make(map[string]time.Time)
	}
	var created []string
	for _, id := range listIDs {
		if _, ok := r.s.subscriptions[identity][id]; ok {
			continue
		}
		r.s.subscriptions[identity][id] = at
		created = append(created, id)
	}
	sort.Strings(created)
	return created, nil
}

// --- AuditRepository ---

type memAudit struct{ s *memStore }

func (r memAudit) Insert(_ context.Context, records []*model.AuditRecord) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failAuditInsert != nil {
		return r.s.failAuditInsert
	}
	for _, rec := range records {
		rec.ID = r.s.id()
		r.s.audit = append(r.s.audit, rec)
	}
	return nil
}

func (r memAudit) ListByIdentity(_ context.Context, identity string, limit, offset int) ([]*model.AuditRecord, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.AuditRecord
	for i := len(r.s.audit) - 1; i >= 0; i-- {
		if r.s.audit[i].DestinationIdentity == identity {
			out = append(out, r.s.audit[i])
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- MailingListRepository ---

type memLists struct{ s *memStore }

func (r memLists) List(_ context.Context) ([]*model.MailingList, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*model.MailingList
	for _, l := range r.s.lists {
		c := *l
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memLists) Count(_ context.Context) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.lists), nil
}

func (r memLists) ExistingIDs(_ context.Context, ids []string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []string
	for _, id := range ids {
		if _, ok := r.s.lists[id]; ok {
			out = append(out, id)
		}
	}
	return out, nil
}

func (r memLists) Replace(_ context.Context, lists []*model.MailingList, _ time.Time) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	r.s.lists = make(map[string]*model.MailingList, len(lists))
	for _, l := range lists {
		c := *l
		r.s.lists[l.ID] = &c
	}
	return nil
}

// --- Locker ---

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
	err  error
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) TryLock(_ context.Context, key string) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, false, l.err
	}
	if l.held[key] {
		return nil, false, nil
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, true, nil
}

func (l *fakeLocker) hold(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held[key] = true
}

func (l *fakeLocker) isHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

// --- Airtable ---

type fakeAirtable struct {
	mu      sync.Mutex
	schemas map[string]*airtable.Schema
	// records — baseID/tableID → записи
	records map[string][]airtable.Record
	// calls — параметры вызовов ListRecords
	calls     []airtable.ListOptions
	schemaErr error
}

func newFakeAirtable() *fakeAirtable {
	return &fakeAirtable{
		schemas: make(map[string]*airtable.Schema),
		records: make(map[string][]airtable.Record),
	}
}

func (f *fakeAirtable) GetSchema(_ context.Context, baseID string) (*airtable.Schema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	s, ok := f.schemas[baseID]
	if !ok {
		return &airtable.Schema{}, nil
	}
	return s, nil
}

func (f *fakeAirtable) ListRecords(_ context.Context, baseID, tableID string, opts airtable.ListOptions, fn func([]airtable.Record) error) error {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	recs := append([]airtable.Record(nil), f.records[baseID+"/"+tableID]...)
	f.mu.Unlock()
	if len(recs) == 0 {
		return nil
	}
	return fn(recs)
}

func (f *fakeAirtable) setRecords(baseID, tableID string, recs ...airtable.Record) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[baseID+"/"+tableID] = recs
}

func (f *fakeAirtable) lastCall() airtable.ListOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

// record строит запись Airtable; значения полей сериализуются в JSON.
func record(id string, fields map[string]any) airtable.Record {
	rec := airtable.Record{ID: id, Fields: make(map[string]json.RawMessage, len(fields))}
	for k, v := range fields {
		data, err := json.Marshal(v)
		if err != nil {
			panic(err)
		}
		rec.Fields[k] = data
	}
	return rec
}

// --- Получатель ---

type updateCall struct {
	email  string
	fields map[string]any
}

type subscribeCall struct {
	email string
	lists []string
}

type fakeDestination struct {
	mu         sync.Mutex
	contacts   map[string]bool
	lists      []loops.MailingList
	updates    []updateCall
	subscribes []subscribeCall
	listCalls  int

	updateErr    error
	subscribeErr error
	findErr      error
	// onUpdate вызывается внутри UpdateContact (для проверки конкурентности)
	onUpdate func()
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{contacts: make(map[string]bool)}
}

func (f *fakeDestination) FindContact(_ context.Context, email string) (*loops.Contact, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, false, f.findErr
	}
	if !f.contacts[email] {
		return nil, false, nil
	}
	return &loops.Contact{ID: "c-" + email, Email: email}, true, nil
}

func (f *fakeDestination) UpdateContact(_ context.Context, email string, fields map[string]any) (*loops.UpdateResult, error) {
	if f.onUpdate != nil {
		f.onUpdate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updates = append(f.updates, updateCall{email: email, fields: fields})
	f.contacts[email] = true
	return &loops.UpdateResult{Success: true, ID: "c-" + email}, nil
}

func (f *fakeDestination) SubscribeToLists(_ context.Context, email string, listIDs []string) (*loops.UpdateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	f.subscribes = append(f.subscribes, subscribeCall{email: email, lists: append([]string(nil), listIDs...)})
	f.contacts[email] = true
	return &loops.UpdateResult{Success: true, ID: "c-" + email}, nil
}

func (f *fakeDestination) ListMailingLists(_ context.Context) ([]loops.MailingList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]loops.MailingList(nil), f.lists...), nil
}

func (f *fakeDestination) updateCalls() []updateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]updateCall(nil), f.updates...)
}

func (f *fakeDestination) subscribeCalls() []subscribeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscribeCall(nil), f.subscribes...)
}

// --- Извлечение ---

type fakeExtractor struct {
	mu     sync.Mutex
	fields map[string]map[string]any // schema name → outputs
	err    error
	calls  int
}

func (f *fakeExtractor) Extract(_ context.Context, rawText string, schema *extraction.Schema) (*extraction.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]canon.Value, len(schema.Outputs))
	for _, name := range schema.Outputs {
		out[name] = canon.MustOf(f.fields[schema.Name][name])
	}
	return &extraction.Result{
		Fields:    out,
		InputHash: "hash-" + strings.ToLower(rawText),
		Model:     "test-model",
	}, nil
}

// --- Публикация аудита ---

type fakePublisher struct {
	mu      sync.Mutex
	records []*model.AuditRecord
}

func (p *fakePublisher) PublishAudit(_ context.Context, records []*model.AuditRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.records = append(p.records, records...)
}
