package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
)

// Strategy — стратегия применения поля на стороне получателя.
type Strategy string

const (
	// StrategyUpsert — не отправлять null и значения, совпадающие с baseline.
	StrategyUpsert Strategy = "upsert"
	// StrategyOverride — отправлять всегда, включая null.
	StrategyOverride Strategy = "override"
)

// MailingListsField — поле конверта со списками рассылки.
const MailingListsField = "mailingLists"

// FieldUpdate — обновление одного поля получателя.
type FieldUpdate struct {
	Value      canon.Value `json:"value"`
	Strategy   Strategy    `json:"strategy"`
	ModifiedAt time.Time   `json:"modifiedAt"`
}

// Payload — обновления полей, ключ — имя поля получателя (никогда не имя поля источника).
type Payload map[string]FieldUpdate

// EnvelopeStatus — состояние конверта.
type EnvelopeStatus string

const (
	EnvelopeQueued        EnvelopeStatus = "queued"
	EnvelopeSent          EnvelopeStatus = "sent"
	EnvelopePartiallySent EnvelopeStatus = "partially_sent"
	EnvelopeIgnoredNoop   EnvelopeStatus = "ignored_noop"
	EnvelopeFailed        EnvelopeStatus = "failed"
)

// Terminal сообщает, является ли состояние конечным.
func (s EnvelopeStatus) Terminal() bool {
	return s != EnvelopeQueued
}

// Valid проверяет допустимость состояния.
func (s EnvelopeStatus) Valid() bool {
	switch s {
	case EnvelopeQueued, EnvelopeSent, EnvelopePartiallySent, EnvelopeIgnoredNoop, EnvelopeFailed:
		return true
	}
	return false
}

// Envelope — единица outbox: пакет обновлений для одного получателя.
// Хранится в таблице envelopes.
type Envelope struct {
	ID                  uuid.UUID
	DestinationIdentity string
	Payload             Payload
	Status              EnvelopeStatus
	Provenance          Provenance
	Error               *EnvelopeError
	Warnings            []string
	SourceRef           *string
	// Attempts — количество попыток отправки
	Attempts int
	// NextAttemptAt — не раньше этого времени конверт может быть взят повторно
	NextAttemptAt time.Time
	// ClaimedBy, ClaimedAt — аренда конверта обработчиком
	ClaimedBy *string
	ClaimedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
	SentAt    *time.Time
}

// Provenance — происхождение конверта.
type Provenance struct {
	SourceType   string                     `json:"sourceType"`
	SyncSourceID int64                      `json:"syncSourceId"`
	SourceID     string                     `json:"sourceId"`
	TableID      string                     `json:"tableId"`
	RowID        string                     `json:"rowId"`
	Fields       map[string]FieldProvenance `json:"fields"`
}

// FieldProvenance — происхождение одного поля конверта.
type FieldProvenance struct {
	SourceFieldID     string      `json:"sourceFieldId"`
	SourceFieldName   string      `json:"sourceFieldName"`
	FormerSourceValue canon.Value `json:"formerSourceValue"`
	NewSourceValue    canon.Value `json:"newSourceValue"`
	Derivation        *Derivation `json:"derivation,omitempty"`
}

// Derivation — метаданные производного (извлечённого) поля.
type Derivation struct {
	Kind       string `json:"kind"`
	Model      string `json:"model,omitempty"`
	SchemaName string `json:"schemaName"`
	InputHash  string `json:"inputHash"`
	Cached     bool   `json:"cached"`
}

// EnvelopeError — структурированная ошибка отправки.
type EnvelopeError struct {
	Message          string    `json:"message"`
	Class            string    `json:"class"`
	Retryable        bool      `json:"retryable"`
	AttemptedPayload any       `json:"attemptedPayload,omitempty"`
	Stack            string    `json:"stack,omitempty"`
	OccurredAt       time.Time `json:"occurredAt"`
}
