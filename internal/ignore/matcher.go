// Пакет ignore — сопоставление внешних идентификаторов с ignore-паттернами.
//
// Паттерны вида ^id$ без прочих метасимволов попадают в хэш-множество
// и проверяются за O(1). Остальные вычисляются regexp2 с ограничением
// времени на каждый паттерн: превышение считается несовпадением.
// Идентификаторы с управляющими символами не совпадают ни с одним
// паттерном: regexp2 считает, что $ совпадает перед финальным \n,
// а хэш-множество нет.
package ignore

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/dlclark/regexp2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

var matchTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_ignore_match_timeouts_total",
	Help: "Количество проверок ignore-паттернов, прерванных по времени",
}, []string{"source"})

// Значения по умолчанию.
const (
	DefaultMatchTimeout     = 10 * time.Millisecond
	DefaultMaxPatternLength = 500
)

// ErrInvalidPattern — паттерн не может быть сохранён.
var ErrInvalidPattern = errors.New("некорректный ignore-паттерн")

// Options — параметры Matcher.
type Options struct {
	// Source — тип источника (для метрик и журналов)
	Source string
	// MatchTimeout — бюджет времени на один regex-паттерн
	MatchTimeout time.Duration
	// MaxPatternLength — более длинные паттерны игнорируются
	MaxPatternLength int
}

type compiledPattern struct {
	record *model.SyncSourceIgnore
	re     *regexp2.Regexp
}

// Matcher — неизменяемый набор паттернов одного типа источника.
// Безопасен для конкурентного использования.
type Matcher struct {
	exact   map[string][]*model.SyncSourceIgnore
	regexes []compiledPattern
	opts    Options
	logger  *slog.Logger
}

// NewMatcher строит Matcher из сохранённых паттернов. Слишком длинные
// и некомпилируемые паттерны пропускаются с предупреждением.
func NewMatcher(records []*model.SyncSourceIgnore, opts Options, logger *slog.Logger) *Matcher {
	if opts.MatchTimeout <= 0 {
		opts.MatchTimeout = DefaultMatchTimeout
	}
	if opts.MaxPatternLength <= 0 {
		opts.MaxPatternLength = DefaultMaxPatternLength
	}
	m := &Matcher{
		exact:  make(map[string][]*model.SyncSourceIgnore),
		opts:   opts,
		logger: logger.With(slog.String("component", "ignore_matcher"), slog.String("source", opts.Source)),
	}

	for _, rec := range records {
		if len(rec.Pattern) > opts.MaxPatternLength {
			m.logger.Warn("Паттерн превышает допустимую длину и пропущен",
				slog.Int64("ignore_id", rec.ID),
				slog.Int("length", len(rec.Pattern)),
			)
			continue
		}
		if id, ok := exactID(rec.Pattern); ok {
			m.exact[id] = append(m.exact[id], rec)
			continue
		}
		re, err := regexp2.Compile(rec.Pattern, regexp2.None)
		if err != nil {
			m.logger.Warn("Паттерн не компилируется и пропущен",
				slog.Int64("ignore_id", rec.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		re.MatchTimeout = opts.MatchTimeout
		m.regexes = append(m.regexes, compiledPattern{record: rec, re: re})
	}
	return m
}

// Len возвращает количество действующих паттернов.
func (m *Matcher) Len() int {
	n := len(m.regexes)
	for _, recs := range m.exact {
		n += len(recs)
	}
	return n
}

// Match сообщает, исключён ли идентификатор.
func (m *Matcher) Match(id string) bool {
	if !matchableID(id) {
		return false
	}
	if _, ok := m.exact[id]; ok {
		return true
	}
	for _, p := range m.regexes {
		if m.matchOne(p, id) {
			return true
		}
	}
	return false
}

// MatchingRecords возвращает все совпавшие паттерны (для диагностики).
func (m *Matcher) MatchingRecords(id string) []*model.SyncSourceIgnore {
	if !matchableID(id) {
		return nil
	}
	out := append([]*model.SyncSourceIgnore(nil), m.exact[id]...)
	for _, p := range m.regexes {
		if m.matchOne(p, id) {
			out = append(out, p.record)
		}
	}
	return out
}

// matchOne вычисляет один паттерн не дольше MatchTimeout.
// Сопоставление выполняется в отдельной горутине: вызывающий не ждёт дольше
// бюджета, а сама горутина завершается по MatchTimeout regexp2.
func (m *Matcher) matchOne(p compiledPattern, id string) bool {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := p.re.MatchString(id)
		done <- result{ok: ok, err: err}
	}()

	timer := time.NewTimer(m.opts.MatchTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			m.timedOut(p, id, r.err)
			return false
		}
		return r.ok
	case <-timer.C:
		m.timedOut(p, id, nil)
		return false
	}
}

func (m *Matcher) timedOut(p compiledPattern, id string, err error) {
	matchTimeouts.WithLabelValues(m.opts.Source).Inc()
	attrs := []any{
		slog.Int64("ignore_id", p.record.ID),
		slog.String("pattern", p.record.Pattern),
		slog.String("id", id),
		slog.Duration("timeout", m.opts.MatchTimeout),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	m.logger.Warn("Проверка паттерна прервана по времени, считается несовпадением", attrs...)
}

// ExactPattern возвращает паттерн точного совпадения для id.
func ExactPattern(id string) string {
	return "^" + regexp2.Escape(id) + "$"
}

// ValidatePattern проверяет паттерн перед сохранением.
func ValidatePattern(pattern string, maxLen int) error {
	if maxLen <= 0 {
		maxLen = DefaultMaxPatternLength
	}
	if strings.TrimSpace(pattern) == "" {
		return fmt.Errorf("%w: пустой паттерн", ErrInvalidPattern)
	}
	if len(pattern) > maxLen {
		return fmt.Errorf("%w: длина %d превышает %d", ErrInvalidPattern, len(pattern), maxLen)
	}
	if _, err := regexp2.Compile(pattern, regexp2.None); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

// exactID распознаёт паттерн ^literal$; экранированные знаки пунктуации
// считаются литералами, классы вроде \d — нет.
func exactID(pattern string) (string, bool) {
	if len(pattern) < 3 || pattern[0] != '^' || pattern[len(pattern)-1] != '$' {
		return "", false
	}
	inner := pattern[1 : len(pattern)-1]

	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		c := inner[i]
		if c == '\\' {
			if i+1 >= len(inner) || !isPunct(inner[i+1]) {
				return "", false
			}
			i++
			b.WriteByte(inner[i])
			continue
		}
		if strings.IndexByte(`.+*?()|[]{}^$`, c) >= 0 {
			return "", false
		}
		b.WriteByte(c)
	}
	return b.String(), true
}

// matchableID отсекает идентификаторы с управляющими символами.
func matchableID(id string) bool {
	return strings.IndexFunc(id, unicode.IsControl) < 0
}

func isPunct(c byte) bool {
	return c < 0x80 && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9')
}
