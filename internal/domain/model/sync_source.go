package model

import (
	"encoding/json"
	"time"
)

// Типы источников.
const (
	// SourceAirtable — база Airtable (sourceId = base id).
	SourceAirtable = "airtable"
)

// DeletionReason — причина мягкого удаления SyncSource.
type DeletionReason string

const (
	// DeletionDisappeared — источник пропал из списка, видимого в системе-источнике.
	DeletionDisappeared DeletionReason = "disappeared"
	// DeletionManual — удалён оператором.
	DeletionManual DeletionReason = "manual"
	// DeletionIgnoredPattern — идентификатор попал под ignore-паттерн.
	DeletionIgnoredPattern DeletionReason = "ignored_pattern"
)

// Valid проверяет допустимость причины удаления.
func (r DeletionReason) Valid() bool {
	switch r {
	case DeletionDisappeared, DeletionManual, DeletionIgnoredPattern:
		return true
	}
	return false
}

// Deletion — данные мягкого удаления.
type Deletion struct {
	Reason DeletionReason
	At     time.Time
}

// Lifecycle — жизненный цикл строки: активна либо удалена (с причиной и временем).
// Нулевое значение — активная строка.
type Lifecycle struct {
	deleted *Deletion
}

// Active возвращает активный жизненный цикл.
func Active() Lifecycle {
	return Lifecycle{}
}

// Deleted возвращает жизненный цикл удалённой строки.
func Deleted(reason DeletionReason, at time.Time) Lifecycle {
	return Lifecycle{deleted: &Deletion{Reason: reason, At: at}}
}

// IsActive сообщает, активна ли строка.
func (l Lifecycle) IsActive() bool {
	return l.deleted == nil
}

// Deletion возвращает данные удаления, если строка удалена.
func (l Lifecycle) Deletion() (Deletion, bool) {
	if l.deleted == nil {
		return Deletion{}, false
	}
	return *l.deleted, true
}

// Scope — явный выбор строк по жизненному циклу во всех запросах реестра.
type Scope int

const (
	// ScopeActiveOnly — только активные строки.
	ScopeActiveOnly Scope = iota
	// ScopeIncludeDeleted — все строки.
	ScopeIncludeDeleted
	// ScopeDeletedOnly — только удалённые строки.
	ScopeDeletedOnly
)

// ParseScope разбирает строковое имя scope (active, all, deleted).
func ParseScope(s string) (Scope, bool) {
	switch s {
	case "", "active":
		return ScopeActiveOnly, true
	case "all":
		return ScopeIncludeDeleted, true
	case "deleted":
		return ScopeDeletedOnly, true
	}
	return ScopeActiveOnly, false
}

// SyncSource — отслеживаемый внешний источник записей.
// Хранится в таблице sync_sources; пара (Source, SourceID) уникальна среди активных строк.
type SyncSource struct {
	// ID — суррогатный ключ
	ID int64
	// Source — тип системы-источника (airtable)
	Source string
	// SourceID — внешний идентификатор (base id)
	SourceID string
	// DisplayName — человекочитаемое имя
	DisplayName string
	// Cursor — водяной знак инкрементального опроса (RFC 3339 времени старта последнего успешного опроса)
	Cursor string
	// PollIntervalSeconds — базовый интервал опроса
	PollIntervalSeconds int
	// PollJitterFraction — доля случайного разброса интервала
	PollJitterFraction float64
	// NextPollAt — время следующего опроса
	NextPollAt time.Time
	// LastPollAttemptedAt — время последней попытки
	LastPollAttemptedAt *time.Time
	// LastSuccessfulPollAt — время последнего успешного опроса
	LastSuccessfulPollAt *time.Time
	// ConsecutiveFailures — количество подряд неудачных опросов
	ConsecutiveFailures int
	// ErrorDetails — структурированная последняя ошибка (JSON)
	ErrorDetails json.RawMessage
	// Metadata — произвольные данные, включая отпечатки отслеживаемых полей
	Metadata SourceMetadata
	// Lifecycle — активна или мягко удалена
	Lifecycle Lifecycle
	// FirstSeenAt, LastSeenAt, SeenCount — статистика обнаружения
	FirstSeenAt *time.Time
	LastSeenAt  *time.Time
	SeenCount   int
	// CreatedAt, UpdatedAt — служебные временные метки
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PollInterval возвращает базовый интервал опроса.
func (s *SyncSource) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// SourceMetadata — содержимое колонки metadata.
type SourceMetadata struct {
	// Tables — отпечатки отслеживаемых полей по таблицам (tableId → fingerprint)
	Tables map[string]TableFingerprint `json:"tables,omitempty"`
	// Extra — прочие ключи, сохраняются без изменений
	Extra map[string]json.RawMessage `json:"-"`
}

// TableFingerprint — известные отслеживаемые поля таблицы: fieldId → тип поля.
type TableFingerprint struct {
	KnownFields map[string]string `json:"knownFields"`
}

// MarshalJSON объединяет Tables и Extra в один объект.
func (m SourceMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Extra)+1)
	for k, v := range m.Extra {
		out[k] = v
	}
	if len(m.Tables) > 0 {
		out["tables"] = m.Tables
	}
	return json.Marshal(out)
}

// UnmarshalJSON разбирает metadata, сохраняя неизвестные ключи.
func (m *SourceMetadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Tables = nil
	m.Extra = nil
	for k, v := range raw {
		if k == "tables" {
			if err := json.Unmarshal(v, &m.Tables); err != nil {
				return err
			}
			continue
		}
		if m.Extra == nil {
			m.Extra = make(map[string]json.RawMessage)
		}
		m.Extra[k] = v
	}
	return nil
}

// SyncSourceIgnore — паттерн исключения идентификаторов источника.
// Точное совпадение кодируется как ^id$.
type SyncSourceIgnore struct {
	ID        int64
	Source    string
	Pattern   string
	Comment   string
	CreatedAt time.Time
}

// RemoteSource — идентификатор, видимый в системе-источнике.
type RemoteSource struct {
	ID   string
	Name string
}
