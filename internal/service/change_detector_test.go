package service

import (
	"context"
	"testing"
	"time"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

func TestChangeDetector_Sequence(t *testing.T) {
	store := newMemStore()
	d := NewChangeDetector(store.repos().FieldBaselines)
	ctx := context.Background()

	steps := []struct {
		value       any
		wantChanged bool
		wantFirst   bool
		wantFormer  string
	}{
		{value: "Jane", wantFirst: true, wantFormer: "null"},
		{value: "Jane", wantFormer: `"Jane"`},
		{value: "Jean", wantChanged: true, wantFormer: `"Jane"`},
		{value: nil, wantChanged: true, wantFormer: `"Jean"`},
		{value: nil, wantFormer: "null"},
	}
	for i, st := range steps {
		got, err := d.DetectChange(ctx, 1, "rec1", "fld1", canon.MustOf(st.value))
		if err != nil {
			t.Fatalf("шаг %d: %v", i, err)
		}
		if got.Changed != st.wantChanged || got.FirstTime != st.wantFirst || got.Former.String() != st.wantFormer {
			t.Errorf("шаг %d (%v): %+v, ожидалось changed=%v first=%v former=%s",
				i, st.value, got, st.wantChanged, st.wantFirst, st.wantFormer)
		}
	}
}

func TestChangeDetector_RepresentationalEquality(t *testing.T) {
	store := newMemStore()
	d := NewChangeDetector(store.repos().FieldBaselines)
	ctx := context.Background()

	first, _ := canon.FromJSON([]byte(`{"b": 1, "a": [1.0, "x"]}`))
	same, _ := canon.FromJSON([]byte(`{"a":[1,"x"],"b":1.00}`))

	if _, err := d.DetectChange(ctx, 1, "rec1", "fld1", first); err != nil {
		t.Fatalf("DetectChange: %v", err)
	}
	got, err := d.DetectChange(ctx, 1, "rec1", "fld1", same)
	if err != nil {
		t.Fatalf("DetectChange: %v", err)
	}
	if got.Changed {
		t.Error("равные по представлению значения не должны считаться изменением")
	}
}

func TestChangeDetector_BatchDuplicates(t *testing.T) {
	store := newMemStore()
	d := NewChangeDetector(store.repos().FieldBaselines)

	got, err := d.DetectChanges(context.Background(), 1, []model.FieldObservation{
		{RowID: "rec1", FieldID: "fld1", Value: canon.MustOf("a")},
		{RowID: "rec2", FieldID: "fld1", Value: canon.MustOf("b")},
		{RowID: "rec1", FieldID: "fld1", Value: canon.MustOf("c")},
	})
	if err != nil {
		t.Fatalf("DetectChanges: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("результатов = %d, ожидалось 3", len(got))
	}
	if !got[0].FirstTime || !got[2].FirstTime {
		t.Errorf("повтор ключа должен получить тот же результат: %+v / %+v", got[0], got[2])
	}
	b, err := store.repos().FieldBaselines.Get(context.Background(), 1, "rec1", "fld1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if b.LastKnownValue.Text() != "c" {
		t.Errorf("baseline = %s, ожидалось последнее значение c", b.LastKnownValue)
	}
}

func TestChangeDetector_PruneStale(t *testing.T) {
	store := newMemStore()
	d := NewChangeDetector(store.repos().FieldBaselines)
	old := time.Now().Add(-48 * time.Hour)
	d.now = func() time.Time { return old }

	if _, err := d.DetectChange(context.Background(), 1, "rec1", "fld1", canon.MustOf("x")); err != nil {
		t.Fatalf("DetectChange: %v", err)
	}
	n, err := d.PruneStale(context.Background(), time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneStale: %v", err)
	}
	if n != 1 {
		t.Errorf("удалено %d, ожидалась 1", n)
	}
}
