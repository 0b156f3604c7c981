// dto.go — JSON-представления доменных объектов в admin API.
package handlers

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/service"
)

type deletionDTO struct {
	Reason model.DeletionReason `json:"reason"`
	At     time.Time            `json:"at"`
}

type syncSourceDTO struct {
	ID                   int64           `json:"id"`
	Source               string          `json:"source"`
	SourceID             string          `json:"sourceId"`
	DisplayName          string          `json:"displayName"`
	Cursor               string          `json:"cursor,omitempty"`
	PollIntervalSeconds  int             `json:"pollIntervalSeconds"`
	NextPollAt           time.Time       `json:"nextPollAt"`
	LastPollAttemptedAt  *time.Time      `json:"lastPollAttemptedAt,omitempty"`
	LastSuccessfulPollAt *time.Time      `json:"lastSuccessfulPollAt,omitempty"`
	ConsecutiveFailures  int             `json:"consecutiveFailures"`
	ErrorDetails         json.RawMessage `json:"errorDetails,omitempty"`
	Deletion             *deletionDTO    `json:"deletion,omitempty"`
	FirstSeenAt          *time.Time      `json:"firstSeenAt,omitempty"`
	LastSeenAt           *time.Time      `json:"lastSeenAt,omitempty"`
	SeenCount            int             `json:"seenCount"`
}

func toSyncSourceDTO(s *model.SyncSource) syncSourceDTO {
	dto := syncSourceDTO{
		ID:                   s.ID,
		Source:               s.Source,
		SourceID:             s.SourceID,
		DisplayName:          s.DisplayName,
		Cursor:               s.Cursor,
		PollIntervalSeconds:  s.PollIntervalSeconds,
		NextPollAt:           s.NextPollAt,
		LastPollAttemptedAt:  s.LastPollAttemptedAt,
		LastSuccessfulPollAt: s.LastSuccessfulPollAt,
		ConsecutiveFailures:  s.ConsecutiveFailures,
		FirstSeenAt:          s.FirstSeenAt,
		LastSeenAt:           s.LastSeenAt,
		SeenCount:            s.SeenCount,
	}
	// null в jsonb приходит как литерал, его не отдаём
	if len(s.ErrorDetails) > 0 && string(s.ErrorDetails) != "null" {
		dto.ErrorDetails = s.ErrorDetails
	}
	if d, deleted := s.Lifecycle.Deletion(); deleted {
		dto.Deletion = &deletionDTO{Reason: d.Reason, At: d.At}
	}
	return dto
}

type ignoreDTO struct {
	ID        int64     `json:"id"`
	Source    string    `json:"source"`
	Pattern   string    `json:"pattern"`
	Comment   string    `json:"comment,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toIgnoreDTO(i *model.SyncSourceIgnore) ignoreDTO {
	return ignoreDTO{
		ID:        i.ID,
		Source:    i.Source,
		Pattern:   i.Pattern,
		Comment:   i.Comment,
		CreatedAt: i.CreatedAt,
	}
}

type envelopeDTO struct {
	ID                  uuid.UUID            `json:"id"`
	DestinationIdentity string               `json:"destinationIdentity"`
	Payload             model.Payload        `json:"payload"`
	Status              model.EnvelopeStatus `json:"status"`
	Provenance          model.Provenance     `json:"provenance"`
	Error               *model.EnvelopeError `json:"error,omitempty"`
	Warnings            []string             `json:"warnings,omitempty"`
	Attempts            int                  `json:"attempts"`
	NextAttemptAt       time.Time            `json:"nextAttemptAt"`
	CreatedAt           time.Time            `json:"createdAt"`
	SentAt              *time.Time           `json:"sentAt,omitempty"`
}

func toEnvelopeDTO(e *model.Envelope) envelopeDTO {
	payload := e.Payload
	if payload == nil {
		payload = model.Payload{}
	}
	return envelopeDTO{
		ID:                  e.ID,
		DestinationIdentity: e.DestinationIdentity,
		Payload:             payload,
		Status:              e.Status,
		Provenance:          e.Provenance,
		Error:               e.Error,
		Warnings:            e.Warnings,
		Attempts:            e.Attempts,
		NextAttemptAt:       e.NextAttemptAt,
		CreatedAt:           e.CreatedAt,
		SentAt:              e.SentAt,
	}
}

type auditRecordDTO struct {
	ID                  int64          `json:"id"`
	OccurredAt          time.Time      `json:"occurredAt"`
	DestinationIdentity string         `json:"destinationIdentity"`
	FieldName           string         `json:"fieldName"`
	FormerValue         canon.Value    `json:"formerValue"`
	NewValue            canon.Value    `json:"newValue"`
	FormerSourceValue   canon.Value    `json:"formerSourceValue"`
	NewSourceValue      canon.Value    `json:"newSourceValue"`
	Strategy            model.Strategy `json:"strategy"`
	SyncSourceID        *int64         `json:"syncSourceId,omitempty"`
	TableID             string         `json:"tableId,omitempty"`
	RowID               string         `json:"rowId,omitempty"`
	EnvelopeIDs         []uuid.UUID    `json:"envelopeIds"`
	RequestID           string         `json:"requestId,omitempty"`
}

func toAuditRecordDTO(a *model.AuditRecord) auditRecordDTO {
	ids := a.EnvelopeIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	return auditRecordDTO{
		ID:                  a.ID,
		OccurredAt:          a.OccurredAt,
		DestinationIdentity: a.DestinationIdentity,
		FieldName:           a.FieldName,
		FormerValue:         a.FormerValue,
		NewValue:            a.NewValue,
		FormerSourceValue:   a.FormerSourceValue,
		NewSourceValue:      a.NewSourceValue,
		Strategy:            a.Strategy,
		SyncSourceID:        a.SyncSourceID,
		TableID:             a.TableID,
		RowID:               a.RowID,
		EnvelopeIDs:         ids,
		RequestID:           a.RequestID,
	}
}

type reconcileResultDTO struct {
	Source             string `json:"source"`
	Remote             int    `json:"remote"`
	Created            int64  `json:"created"`
	Touched            int64  `json:"touched"`
	Revived            int64  `json:"revived"`
	RetiredIgnored     int64  `json:"retiredIgnored"`
	RetiredDisappeared int64  `json:"retiredDisappeared"`
	Skipped            int    `json:"skipped"`
}

func toReconcileResultDTO(r *service.ReconcileResult) reconcileResultDTO {
	return reconcileResultDTO{
		Source:             r.Source,
		Remote:             r.Remote,
		Created:            r.Created,
		Touched:            r.Touched,
		Revived:            r.Revived,
		RetiredIgnored:     r.RetiredIgnored,
		RetiredDisappeared: r.RetiredDisappeared,
		Skipped:            r.Skipped,
	}
}
