package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/ignore"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/loops"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

// --- SourceService ---

func TestSourceService_ForceResync(t *testing.T) {
	store := newMemStore()
	src := store.addSource("appA", model.Active())
	other := store.addSource("appB", model.Active())
	store.sources[src.ID].Cursor = "2026-01-01T00:00:00Z"
	store.sources[src.ID].Metadata = model.SourceMetadata{Tables: map[string]model.TableFingerprint{"tbl": {}}}

	ctx := context.Background()
	obs := []model.FieldObservation{{RowID: "rec1", FieldID: "fld1", Value: canon.MustOf("x")}}
	if _, err := store.repos().FieldBaselines.Observe(ctx, src.ID, obs, time.Now()); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if _, err := store.repos().FieldBaselines.Observe(ctx, other.ID, obs, time.Now()); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	svc := NewSourceService(store.repos(), store, testLogger())
	deleted, err := svc.ForceResync(ctx, src.ID)
	if err != nil {
		t.Fatalf("ForceResync: %v", err)
	}
	if deleted != 1 {
		t.Errorf("удалено baseline %d, ожидался 1", deleted)
	}
	got := store.source(src.ID)
	if got.Cursor != "" || got.Metadata.Tables != nil {
		t.Errorf("курсор %q и отпечатки %v не сброшены", got.Cursor, got.Metadata.Tables)
	}
	if _, err := store.repos().FieldBaselines.Get(ctx, other.ID, "rec1", "fld1"); err != nil {
		t.Errorf("baseline другого источника удалён: %v", err)
	}
}

func TestSourceService_Errors(t *testing.T) {
	store := newMemStore()
	deleted := store.addSource("appGone", model.Deleted(model.DeletionDisappeared, time.Now()))
	svc := NewSourceService(store.repos(), store, testLogger())
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{
			name: "пересинхронизация удалённого источника",
			call: func() error { _, err := svc.ForceResync(ctx, deleted.ID); return err },
			want: ErrInvalidState,
		},
		{
			name: "пересинхронизация несуществующего",
			call: func() error { _, err := svc.ForceResync(ctx, 999); return err },
			want: ErrNotFound,
		},
		{
			name: "удаление несуществующего",
			call: func() error { return svc.Retire(ctx, 999, false, "") },
			want: ErrNotFound,
		},
		{
			name: "получение несуществующего",
			call: func() error { _, err := svc.Get(ctx, 999); return err },
			want: ErrNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.want) {
				t.Errorf("хотели %v, получили %v", tt.want, err)
			}
		})
	}
}

func TestSourceService_RestoreConflict(t *testing.T) {
	store := newMemStore()
	old := store.addSource("appA", model.Deleted(model.DeletionManual, time.Now()))
	store.addSource("appA", model.Active())
	svc := NewSourceService(store.repos(), store, testLogger())

	if err := svc.Restore(context.Background(), old.ID); !errors.Is(err, ErrConflict) {
		t.Errorf("хотели ErrConflict, получили %v", err)
	}
}

func TestSourceService_RetireWithIgnoreIdempotent(t *testing.T) {
	store := newMemStore()
	src := store.addSource("app.A", model.Active())
	svc := NewSourceService(store.repos(), store, testLogger())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := svc.Retire(ctx, src.ID, true, ""); err != nil {
			t.Fatalf("Retire #%d: %v", i+1, err)
		}
	}
	ignores, _ := store.repos().Ignores.List(ctx, model.SourceAirtable)
	if len(ignores) != 1 || ignores[0].Pattern != ignore.ExactPattern("app.A") {
		t.Errorf("ignore-паттерны = %+v, ожидался один точный паттерн", ignores)
	}
}

// --- IgnoreService ---

func newTestIgnoreService(store *memStore) *IgnoreService {
	return NewIgnoreService(store.repos(), store, ignore.Options{MaxPatternLength: 20}, testLogger())
}

func TestIgnoreService_CreateRetiresMatching(t *testing.T) {
	store := newMemStore()
	match := store.addSource("appTest1", model.Active())
	keep := store.addSource("appProd", model.Active())

	res, err := newTestIgnoreService(store).Create(context.Background(), IgnoreSpec{
		Source:  model.SourceAirtable,
		Pattern: "^appTest",
		Comment: "тестовые базы",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Retired != 1 || res.Ignore.ID == 0 {
		t.Errorf("результат = %+v", res)
	}
	if d, ok := store.source(match.ID).Lifecycle.Deletion(); !ok || d.Reason != model.DeletionIgnoredPattern {
		t.Errorf("appTest1: %+v, ожидалась причина ignored_pattern", d)
	}
	if !store.source(keep.ID).Lifecycle.IsActive() {
		t.Error("appProd не должен удаляться")
	}
}

func TestIgnoreService_Validation(t *testing.T) {
	tests := []struct {
		name string
		spec IgnoreSpec
	}{
		{name: "без типа источника", spec: IgnoreSpec{Pattern: "^a$"}},
		{name: "пустой паттерн", spec: IgnoreSpec{Source: model.SourceAirtable, Pattern: "  "}},
		{name: "слишком длинный", spec: IgnoreSpec{Source: model.SourceAirtable, Pattern: "^aaaaaaaaaaaaaaaaaaaaaaaaa$"}},
		{name: "не компилируется", spec: IgnoreSpec{Source: model.SourceAirtable, Pattern: "(unclosed"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newTestIgnoreService(newMemStore()).Create(context.Background(), tt.spec)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("хотели ErrValidation, получили %v", err)
			}
		})
	}
}

func TestIgnoreService_CreateDuplicate(t *testing.T) {
	store := newMemStore()
	svc := newTestIgnoreService(store)
	spec := IgnoreSpec{Source: model.SourceAirtable, Pattern: "^appA$"}

	if _, err := svc.Create(context.Background(), spec); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := svc.Create(context.Background(), spec); !errors.Is(err, ErrConflict) {
		t.Errorf("хотели ErrConflict, получили %v", err)
	}
}

func TestIgnoreService_Import(t *testing.T) {
	store := newMemStore()
	store.addSource("appA", model.Active())
	store.addSource("appB", model.Active())
	svc := newTestIgnoreService(store)
	ctx := context.Background()

	if _, err := svc.Create(ctx, IgnoreSpec{Source: model.SourceAirtable, Pattern: "^appA$"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	res, err := svc.Import(ctx, []IgnoreSpec{
		{Source: model.SourceAirtable, Pattern: "^appA$"},
		{Source: model.SourceAirtable, Pattern: "^appB$"},
	})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Created != 1 || res.Existing != 1 || res.Retired != 1 {
		t.Errorf("результат = %+v", res)
	}

	if _, err := svc.Import(ctx, []IgnoreSpec{
		{Source: model.SourceAirtable, Pattern: "^appC$"},
		{Source: model.SourceAirtable, Pattern: "("},
	}); !errors.Is(err, ErrValidation) {
		t.Errorf("хотели ErrValidation, получили %v", err)
	}
	ignores, _ := svc.List(ctx, model.SourceAirtable)
	if len(ignores) != 2 {
		t.Errorf("паттернов = %d: некорректный импорт не должен сохранять ничего", len(ignores))
	}
}

func TestIgnoreService_DeleteNotFound(t *testing.T) {
	if err := newTestIgnoreService(newMemStore()).Delete(context.Background(), 42); !errors.Is(err, ErrNotFound) {
		t.Errorf("хотели ErrNotFound, получили %v", err)
	}
}

// --- EnvelopeService ---

func TestEnvelopeService_Retry(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	env := &model.Envelope{DestinationIdentity: janeEmail, Payload: model.Payload{"firstName": upsert("Jane", time.Now())}}
	if err := store.repos().Envelopes.Create(ctx, env); err != nil {
		t.Fatalf("Create: %v", err)
	}
	svc := NewEnvelopeService(store.repos().Envelopes, store.repos().Audit, testLogger())

	if _, err := svc.Retry(ctx, env.ID); !errors.Is(err, ErrInvalidState) {
		t.Errorf("повтор queued: хотели ErrInvalidState, получили %v", err)
	}

	if err := store.repos().Envelopes.MarkFailed(ctx, []uuid.UUID{env.ID}, &model.EnvelopeError{Message: "x"}, time.Now()); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, err := svc.Retry(ctx, env.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if got.Status != model.EnvelopeQueued {
		t.Errorf("статус = %s, ожидался queued", got.Status)
	}

	if _, err := svc.Retry(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("хотели ErrNotFound, получили %v", err)
	}
}

func TestEnvelopeService_ListValidation(t *testing.T) {
	svc := NewEnvelopeService(newMemStore().repos().Envelopes, nil, testLogger())
	bad := model.EnvelopeStatus("lost")

	tests := []struct {
		name   string
		filter repository.EnvelopeFilter
	}{
		{name: "неизвестный статус", filter: repository.EnvelopeFilter{Status: &bad}},
		{name: "некорректный email", filter: repository.EnvelopeFilter{Identity: "not an email"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := svc.List(context.Background(), tt.filter); !errors.Is(err, ErrValidation) {
				t.Errorf("хотели ErrValidation, получили %v", err)
			}
		})
	}
}

func TestEnvelopeService_ListNormalizesIdentity(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	for _, email := range []string{janeEmail, "other@example.com"} {
		if err := store.repos().Envelopes.Create(ctx, &model.Envelope{DestinationIdentity: email}); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	svc := NewEnvelopeService(store.repos().Envelopes, store.repos().Audit, testLogger())

	envs, err := svc.List(ctx, repository.EnvelopeFilter{Identity: " Jane@Example.COM "})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(envs) != 1 || envs[0].DestinationIdentity != janeEmail {
		t.Errorf("конверты = %d, ожидался один для %s", len(envs), janeEmail)
	}
}

func TestEnvelopeService_Audit(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	records := []*model.AuditRecord{
		{DestinationIdentity: janeEmail, FieldName: "firstName", NewValue: canon.MustOf("Jane")},
		{DestinationIdentity: janeEmail, FieldName: "firstName", NewValue: canon.MustOf("Jean")},
		{DestinationIdentity: "other@example.com", FieldName: "firstName"},
	}
	if err := store.repos().Audit.Insert(ctx, records); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	svc := NewEnvelopeService(store.repos().Envelopes, store.repos().Audit, testLogger())

	got, err := svc.Audit(ctx, "JANE@example.com", 10, 0)
	if err != nil {
		t.Fatalf("Audit: %v", err)
	}
	if len(got) != 2 || got[0].NewValue.Text() != "Jean" {
		t.Errorf("журнал = %d записей, первая %v; ожидалось 2, новые первыми", len(got), got)
	}
	if _, err := svc.Audit(ctx, "", 10, 0); !errors.Is(err, ErrValidation) {
		t.Errorf("хотели ErrValidation, получили %v", err)
	}
}

// --- ListCatalog ---

func TestListCatalog_Sync(t *testing.T) {
	store := newMemStore()
	store.addList("stale")
	dest := newFakeDestination()
	dest.lists = []loops.MailingList{{ID: "L1", Name: "Newsletter"}, {ID: ""}, {ID: "L2", Name: "Events"}}
	locker := newFakeLocker()
	catalog := NewListCatalog(store.repos().MailingLists, locker, dest, testLogger())

	n, err := catalog.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 2 {
		t.Errorf("списков = %d, ожидалось 2", n)
	}
	lists, _ := store.repos().MailingLists.List(context.Background())
	if len(lists) != 2 || lists[0].ID != "L1" || lists[1].ID != "L2" {
		t.Errorf("каталог = %+v", lists)
	}

	locker.hold(catalogLockKey)
	if _, err := catalog.Sync(context.Background()); !errors.Is(err, ErrCatalogUnavailable) {
		t.Errorf("хотели ErrCatalogUnavailable, получили %v", err)
	}
}

func TestListCatalog_ValidateKeepsOrder(t *testing.T) {
	store := newMemStore()
	store.addList("L1")
	store.addList("L3")
	catalog := NewListCatalog(store.repos().MailingLists, newFakeLocker(), newFakeDestination(), testLogger())

	valid, invalid, err := catalog.Validate(context.Background(), []string{"L3", "L2", "L1"})
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if len(valid) != 2 || valid[0] != "L3" || valid[1] != "L1" {
		t.Errorf("valid = %v, ожидалось [L3 L1]", valid)
	}
	if len(invalid) != 1 || invalid[0] != "L2" {
		t.Errorf("invalid = %v, ожидалось [L2]", invalid)
	}
}

// --- PrunerService ---

func TestPrunerService_Prune(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	oldObs := []model.FieldObservation{{RowID: "rec1", FieldID: "fld1", Value: canon.MustOf("a")}}
	newObs := []model.FieldObservation{{RowID: "rec2", FieldID: "fld1", Value: canon.MustOf("b")}}
	if _, err := store.repos().FieldBaselines.Observe(ctx, 1, oldObs, now.Add(-100*24*time.Hour)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	if _, err := store.repos().FieldBaselines.Observe(ctx, 1, newObs, now.Add(-time.Hour)); err != nil {
		t.Fatalf("Observe: %v", err)
	}
	store.setDestBaseline(janeEmail, "firstName", canon.MustOf("Jane"), now.Add(-time.Minute))
	store.setDestBaseline(janeEmail, "lastName", canon.MustOf("Doe"), now.Add(time.Hour))

	p := NewPrunerService(store.repos().FieldBaselines, store.repos().DestinationBaselines, 90*24*time.Hour, time.Hour, testLogger())
	p.now = func() time.Time { return now }

	res, err := p.Prune(ctx)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if res.FieldBaselines != 1 || res.DestinationBaselines != 1 {
		t.Errorf("результат = %+v, ожидалось по одной строке", res)
	}
	if _, err := store.repos().FieldBaselines.Get(ctx, 1, "rec2", "fld1"); err != nil {
		t.Errorf("свежий baseline удалён: %v", err)
	}
}
