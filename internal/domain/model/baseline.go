package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
)

// FieldValueBaseline — последнее известное значение поля источника.
// Ключ — (SyncSourceID, RowID, FieldID).
type FieldValueBaseline struct {
	SyncSourceID       int64
	RowID              string
	FieldID            string
	LastKnownValue     canon.Value
	LastCheckedAt      time.Time
	ValueLastUpdatedAt time.Time
	CheckedCount       int64
}

// FieldObservation — одно наблюдение значения поля источника.
type FieldObservation struct {
	RowID   string
	FieldID string
	Value   canon.Value
}

// ObservationResult — результат записи наблюдения в baseline.
type ObservationResult struct {
	// Existed — baseline существовал до наблюдения
	Existed bool
	// Previous — значение до наблюдения (null, если не существовал)
	Previous canon.Value
}

// DestinationFieldBaseline — последнее отправленное получателю значение поля.
// Ключ — (DestinationIdentity, FieldName).
type DestinationFieldBaseline struct {
	DestinationIdentity string
	FieldName           string
	LastSentValue       canon.Value
	LastSentAt          time.Time
	// LastModifiedAt — время правки в источнике у отправленного значения.
	// Более старые правки этого поля получателю не отправляются.
	LastModifiedAt time.Time
	ExpiresAt      time.Time
}

// Supersedes сообщает, что baseline содержит более позднюю правку, чем modifiedAt.
func (b *DestinationFieldBaseline) Supersedes(modifiedAt time.Time) bool {
	return !b.LastModifiedAt.IsZero() && modifiedAt.Before(b.LastModifiedAt)
}

// SentValue — отправленное значение поля и время его правки в источнике.
type SentValue struct {
	Value      canon.Value
	ModifiedAt time.Time
}

// Expired сообщает, истёк ли TTL baseline на момент now.
func (b *DestinationFieldBaseline) Expired(now time.Time) bool {
	return !now.Before(b.ExpiresAt)
}

// ListSubscription — подписка получателя на список рассылки (только добавление).
type ListSubscription struct {
	DestinationIdentity string
	ListID              string
	SubscribedAt        time.Time
}

// MailingList — запись локального каталога списков рассылки.
type MailingList struct {
	ID          string
	Name        string
	Description string
	IsPublic    bool
	SyncedAt    time.Time
}

// AuditRecord — неизменяемая запись журнала переходов значений.
type AuditRecord struct {
	ID                  int64
	OccurredAt          time.Time
	DestinationIdentity string
	FieldName           string
	FormerValue         canon.Value
	NewValue            canon.Value
	FormerSourceValue   canon.Value
	NewSourceValue      canon.Value
	Strategy            Strategy
	SyncSourceID        *int64
	TableID             string
	RowID               string
	EnvelopeIDs         []uuid.UUID
	RequestID           string
	Provenance          map[string]any
}
