package service

import (
	"context"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/airtable"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/extraction"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/loops"
)

// SourceAdapter — адаптер типа источника для сверки реестра.
type SourceAdapter interface {
	// Source — тип источника (airtable)
	Source() string
	// ListIDsWithNames — все идентификаторы, видимые в системе-источнике
	ListIDsWithNames(ctx context.Context) ([]model.RemoteSource, error)
}

// AirtableAPI — чтение схемы и записей базы Airtable.
type AirtableAPI interface {
	GetSchema(ctx context.Context, baseID string) (*airtable.Schema, error)
	ListRecords(ctx context.Context, baseID, tableID string, opts airtable.ListOptions, fn func([]airtable.Record) error) error
}

// Destination — API получателя.
type Destination interface {
	// FindContact — отсутствие контакта возвращается как found=false
	FindContact(ctx context.Context, email string) (*loops.Contact, bool, error)
	UpdateContact(ctx context.Context, email string, fields map[string]any) (*loops.UpdateResult, error)
	SubscribeToLists(ctx context.Context, email string, listIDs []string) (*loops.UpdateResult, error)
	ListMailingLists(ctx context.Context) ([]loops.MailingList, error)
}

// Extractor — извлечение структурированных полей из свободного текста.
type Extractor interface {
	Extract(ctx context.Context, rawText string, schema *extraction.Schema) (*extraction.Result, error)
}

// AuditPublisher — публикация событий аудита (best effort).
type AuditPublisher interface {
	PublishAudit(ctx context.Context, records []*model.AuditRecord)
}

// SourcePoller — опрос одного источника.
type SourcePoller interface {
	Poll(ctx context.Context, src *model.SyncSource) (*PollResult, error)
}
