package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/repository"
)

var observationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_field_observations_total",
	Help: "Количество наблюдений значений полей источника",
}, []string{"result"}) // result: unchanged, changed, first_time

// Detection — результат сравнения значения с baseline.
type Detection struct {
	// Changed — каноническое значение отличается от сохранённого
	Changed bool
	// FirstTime — baseline создан этим наблюдением (не считается изменением)
	FirstTime bool
	// Former — предыдущее значение (null при FirstTime)
	Former canon.Value
}

// ChangeDetector сравнивает значения полей источника с сохранёнными baseline.
// Значения уже канонизированы (canon.Value), поэтому равенство — побайтовое.
type ChangeDetector struct {
	baselines repository.FieldBaselineRepository
	now       func() time.Time
}

// NewChangeDetector создаёт ChangeDetector.
func NewChangeDetector(baselines repository.FieldBaselineRepository) *ChangeDetector {
	return &ChangeDetector{baselines: baselines, now: time.Now}
}

// DetectChange проверяет одно значение.
func (d *ChangeDetector) DetectChange(ctx context.Context, syncSourceID int64, rowID, fieldID string, current canon.Value) (Detection, error) {
	res, err := d.DetectChanges(ctx, syncSourceID, []model.FieldObservation{{RowID: rowID, FieldID: fieldID, Value: current}})
	if err != nil {
		return Detection{}, err
	}
	return res[0], nil
}

// DetectChanges проверяет пакет значений одним запросом. Результаты — в порядке obs.
// Повторяющийся ключ (RowID, FieldID) учитывается один раз, побеждает последнее значение.
func (d *ChangeDetector) DetectChanges(ctx context.Context, syncSourceID int64, obs []model.FieldObservation) ([]Detection, error) {
	if len(obs) == 0 {
		return nil, nil
	}

	type key struct{ row, field string }
	index := make(map[key]int, len(obs))
	unique := make([]model.FieldObservation, 0, len(obs))
	positions := make([]int, len(obs))
	for i, o := range obs {
		k := key{o.RowID, o.FieldID}
		if pos, ok := index[k]; ok {
			unique[pos] = o
			positions[i] = pos
			continue
		}
		index[k] = len(unique)
		positions[i] = len(unique)
		unique = append(unique, o)
	}

	results, err := d.baselines.Observe(ctx, syncSourceID, unique, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("ошибка записи наблюдений: %w", err)
	}
	if len(results) != len(unique) {
		return nil, fmt.Errorf("ошибка записи наблюдений: получено %d результатов на %d наблюдений", len(results), len(unique))
	}

	detections := make([]Detection, len(unique))
	for i, r := range results {
		switch {
		case !r.Existed:
			detections[i] = Detection{FirstTime: true}
			observationsTotal.WithLabelValues("first_time").Inc()
		case !r.Previous.Equal(unique[i].Value):
			detections[i] = Detection{Changed: true, Former: r.Previous}
			observationsTotal.WithLabelValues("changed").Inc()
		default:
			detections[i] = Detection{Former: r.Previous}
			observationsTotal.WithLabelValues("unchanged").Inc()
		}
	}

	out := make([]Detection, len(obs))
	for i, pos := range positions {
		out[i] = detections[pos]
	}
	return out, nil
}

// PruneStale удаляет baseline, не проверявшиеся с olderThan.
func (d *ChangeDetector) PruneStale(ctx context.Context, olderThan time.Time) (int64, error) {
	n, err := d.baselines.PruneStale(ctx, olderThan)
	if err != nil {
		return 0, fmt.Errorf("ошибка очистки baseline полей: %w", err)
	}
	return n, nil
}
