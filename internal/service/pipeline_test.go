package service

import (
	"context"
	"testing"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/airtable"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

// TestPipeline_RenameFlowsToDestination — имя меняется в Airtable с Jane на Jean:
// получатель видит оба значения, журнал хранит переход, повторный опрос ничего не шлёт.
func TestPipeline_RenameFlowsToDestination(t *testing.T) {
	f := newDispatchFixture()
	api := newFakeAirtable()
	api.schemas[testBase] = &airtable.Schema{Tables: []airtable.Table{peopleTable()}}
	api.setRecords(testBase, "tblPeople", record("rec1", map[string]any{"fldEmail": "Jane@Example.com", "fldFirst": "Jane"}))

	now := f.now
	poller := newTestPoller(f.store, api, nil, &now)
	dispatcher := f.dispatcher(DispatcherConfig{})
	src := f.store.addSource(testBase, model.Active())
	ctx := context.Background()

	poll := func() *PollResult {
		t.Helper()
		res, err := poller.Poll(ctx, src)
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		src.Cursor, src.Metadata = res.Cursor, res.Metadata
		return res
	}
	dispatch := func() {
		t.Helper()
		if _, err := dispatcher.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}

	if res := poll(); res.Envelopes != 1 {
		t.Fatalf("первый опрос: конвертов %d, ожидался 1", res.Envelopes)
	}
	dispatch()

	api.setRecords(testBase, "tblPeople", record("rec1", map[string]any{"fldEmail": "Jane@Example.com", "fldFirst": "Jean"}))
	now = now.Add(time.Minute)
	f.now = now
	if res := poll(); res.Envelopes != 1 {
		t.Fatalf("опрос после изменения: конвертов %d, ожидался 1", res.Envelopes)
	}
	dispatch()

	updates := f.dest.updateCalls()
	if len(updates) != 2 {
		t.Fatalf("вызовов обновления = %d, ожидалось 2", len(updates))
	}
	if updates[0].fields["firstName"] != "Jane" || updates[1].fields["firstName"] != "Jean" {
		t.Errorf("отправлено %v, затем %v", updates[0].fields, updates[1].fields)
	}
	for _, u := range updates {
		if u.email != janeEmail {
			t.Errorf("получатель = %q, ожидался %q", u.email, janeEmail)
		}
	}

	audit := f.store.auditRecords()
	if len(audit) != 2 {
		t.Fatalf("записей аудита = %d, ожидалось 2", len(audit))
	}
	last := audit[1]
	if last.FormerValue.Text() != "Jane" || last.NewValue.Text() != "Jean" {
		t.Errorf("переход %s → %s, ожидалось Jane → Jean", last.FormerValue, last.NewValue)
	}
	if last.FormerSourceValue.Text() != "Jane" || last.NewSourceValue.Text() != "Jean" {
		t.Errorf("значения источника %s → %s", last.FormerSourceValue, last.NewSourceValue)
	}
	if last.SyncSourceID == nil || *last.SyncSourceID != src.ID || last.RowID != "rec1" {
		t.Errorf("происхождение = %v/%s", last.SyncSourceID, last.RowID)
	}

	now = now.Add(time.Minute)
	f.now = now
	if res := poll(); res.Envelopes != 0 {
		t.Errorf("повторный опрос: конвертов %d, ожидалось 0", res.Envelopes)
	}
	dispatch()
	if n := len(f.dest.updateCalls()); n != 2 {
		t.Errorf("вызовов обновления = %d, ожидалось 2", n)
	}

	for _, env := range f.store.envelopeList() {
		if env.Status != model.EnvelopeSent {
			t.Errorf("конверт %s: статус %s, ожидался sent", env.ID, env.Status)
		}
	}
}

// TestPipeline_ListsFromSource — id списков из поля источника подписывают получателя один раз.
func TestPipeline_ListsFromSource(t *testing.T) {
	f := newDispatchFixture()
	f.store.addList("L1")
	f.store.addList("L2")
	api := newFakeAirtable()
	api.schemas[testBase] = &airtable.Schema{Tables: []airtable.Table{
		peopleTable(airtable.Field{ID: "fldLists", Name: "Loops - mailingLists", Type: "multilineText"}),
	}}
	api.setRecords(testBase, "tblPeople", record("rec1", map[string]any{"fldEmail": janeEmail, "fldLists": "L2, L1"}))

	now := f.now
	poller := newTestPoller(f.store, api, nil, &now)
	dispatcher := f.dispatcher(DispatcherConfig{})
	src := f.store.addSource(testBase, model.Active())
	ctx := context.Background()

	if _, err := poller.Poll(ctx, src); err != nil {
		t.Fatalf("Poll: %v", err)
	}
	if _, err := dispatcher.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	subs := f.dest.subscribeCalls()
	if len(subs) != 1 || len(subs[0].lists) != 2 || subs[0].lists[0] != "L1" || subs[0].lists[1] != "L2" {
		t.Errorf("подписки = %v, ожидалось [L1 L2]", subs)
	}
	env := f.store.envelopeList()[0]
	if env.Status != model.EnvelopeSent {
		t.Errorf("статус = %s, ожидался sent", env.Status)
	}
}
