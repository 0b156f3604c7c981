package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/canon"
	"github.com/hackclub/airtable-loops-field-integrator-sub000/internal/domain/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeToken — завершённый mqtt.Token с заданной ошибкой.
type fakeToken struct {
	err error
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type published struct {
	topic   string
	qos     byte
	payload []byte
}

type fakeClient struct {
	messages     []published
	failTopic    string
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	if topic == c.failTopic {
		return &fakeToken{err: errors.New("broker unavailable")}
	}
	c.messages = append(c.messages, published{topic: topic, qos: qos, payload: payload.([]byte)})
	return &fakeToken{}
}

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestPublisher_PublishAudit(t *testing.T) {
	client := &fakeClient{failTopic: "fi/audit/lastName"}
	p := newPublisher(client, "/fi/", testLogger())

	records := []*model.AuditRecord{
		{ID: 1, DestinationIdentity: "a@b.com", FieldName: "firstName",
			FormerValue: canon.MustOf("Jane"), NewValue: canon.MustOf("Jean"), Strategy: model.StrategyUpsert},
		{ID: 2, DestinationIdentity: "a@b.com", FieldName: "lastName", NewValue: canon.MustOf("Doe")},
		{ID: 3, DestinationIdentity: "a@b.com", FieldName: "list/L0#", NewValue: canon.MustOf(true)},
	}
	p.PublishAudit(context.Background(), records)

	// Ошибка одного события не прерывает публикацию остальных
	if len(client.messages) != 2 {
		t.Fatalf("опубликовано %d, хотели 2", len(client.messages))
	}
	if client.messages[0].topic != "fi/audit/firstName" || client.messages[0].qos != 1 {
		t.Errorf("сообщение 0: topic=%q qos=%d", client.messages[0].topic, client.messages[0].qos)
	}
	if client.messages[1].topic != "fi/audit/list_L0_" {
		t.Errorf("topic = %q, хотели fi/audit/list_L0_", client.messages[1].topic)
	}

	var ev AuditEvent
	if err := json.Unmarshal(client.messages[0].payload, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.FormerValue.Text() != "Jane" || ev.NewValue.Text() != "Jean" || ev.Strategy != "upsert" {
		t.Errorf("событие = %+v", ev)
	}

	p.Close()
	if !client.disconnected {
		t.Error("Close не отключился от брокера")
	}
}
