// Пакет broker — публикация событий аудита в MQTT.
// Публикация выполняется по принципу best effort: ошибка брокера
// логируется и не влияет на отправку данных получателю.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

var publishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "fi_audit_events_published_total",
	Help: "Количество опубликованных в MQTT событий аудита",
}, []string{"result"})

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// AuditEvent — сообщение о записи аудита.
type AuditEvent struct {
	ID                  int64       `json:"id"`
	OccurredAt          time.Time   `json:"occurredAt"`
	DestinationIdentity string      `json:"destinationIdentity"`
	FieldName           string      `json:"fieldName"`
	FormerValue         canon.Value `json:"formerValue"`
	NewValue            canon.Value `json:"newValue"`
	Strategy            string      `json:"strategy"`
	SyncSourceID        *int64      `json:"syncSourceId,omitempty"`
	TableID             string      `json:"tableId,omitempty"`
	RowID               string      `json:"rowId,omitempty"`
	EnvelopeIDs         []uuid.UUID `json:"envelopeIds"`
	RequestID           string      `json:"requestId"`
}

// mqttPublisher — используемое подмножество mqtt.Client.
type mqttPublisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Publisher публикует события аудита в <prefix>/audit/<fieldName> с QoS 1.
type Publisher struct {
	client mqttPublisher
	prefix string
	logger *slog.Logger
}

// Options — параметры подключения к брокеру.
type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
}

// NewPublisher подключается к брокеру.
func NewPublisher(opts Options, logger *slog.Logger) (*Publisher, error) {
	logger = logger.With(slog.String("component", "audit_publisher"))

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(mqtt.Client) {
			logger.Info("Подключение к MQTT-брокеру установлено", slog.String("broker", opts.BrokerURL))
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			logger.Warn("Соединение с MQTT-брокером потеряно", slog.String("error", err.Error()))
		})

	client := mqtt.NewClient(clientOpts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("таймаут подключения к MQTT-брокеру %s", opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("ошибка подключения к MQTT-брокеру: %w", err)
	}

	return newPublisher(client, opts.TopicPrefix, logger), nil
}

func newPublisher(client mqttPublisher, prefix string, logger *slog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: strings.Trim(prefix, "/"),
		logger: logger,
	}
}

// Topic возвращает топик события поля fieldName.
func (p *Publisher) Topic(fieldName string) string {
	return p.prefix + "/audit/" + sanitizeTopicLevel(fieldName)
}

// PublishAudit публикует записи аудита. Ошибки логируются.
func (p *Publisher) PublishAudit(ctx context.Context, records []*model.AuditRecord) {
	for _, rec := range records {
		if ctx.Err() != nil {
			return
		}
		if err := p.publish(rec); err != nil {
			publishedTotal.WithLabelValues("error").Inc()
			p.logger.Warn("Не удалось опубликовать событие аудита",
				slog.Int64("audit_id", rec.ID),
				slog.String("field", rec.FieldName),
				slog.String("error", err.Error()),
			)
			continue
		}
		publishedTotal.WithLabelValues("ok").Inc()
	}
}

func (p *Publisher) publish(rec *model.AuditRecord) error {
	payload, err := json.Marshal(AuditEvent{
		ID:                  rec.ID,
		OccurredAt:          rec.OccurredAt,
		DestinationIdentity: rec.DestinationIdentity,
		FieldName:           rec.FieldName,
		FormerValue:         rec.FormerValue,
		NewValue:            rec.NewValue,
		Strategy:            string(rec.Strategy),
		SyncSourceID:        rec.SyncSourceID,
		TableID:             rec.TableID,
		RowID:               rec.RowID,
		EnvelopeIDs:         rec.EnvelopeIDs,
		RequestID:           rec.RequestID,
	})
	if err != nil {
		return fmt.Errorf("ошибка сериализации события: %w", err)
	}

	token := p.client.Publish(p.Topic(rec.FieldName), 1, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("таймаут публикации")
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("ошибка публикации: %w", err)
	}
	return nil
}

// Close отключается от брокера.
func (p *Publisher) Close() {
	p.client.Disconnect(1000)
	p.logger.Info("Отключение от MQTT-брокера")
}

// sanitizeTopicLevel заменяет символы, недопустимые в уровне топика.
func sanitizeTopicLevel(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer("/", "_", "+", "_", "#", "_").Replace(s)
}
