// Package events publishes committed membership events to Kafka.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"clubkit.org/internal/membership"
	"clubkit.org/internal/obs"
)

// Writer is the subset of *kafka.Writer used by Publisher.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes events keyed by tenant and member so a member's history stays
// ordered within one partition.
type Publisher struct {
	writer  Writer
	timeout time.Duration
}

var _ membership.Notifier = (*Publisher)(nil)

// NewPublisher dials brokers lazily on first write. Writes are asynchronous so a
// membership request never waits on the broker; delivery failures are logged.
func NewPublisher(brokers []string, topic string) *Publisher {
	return NewPublisherWithWriter(newWriter(brokers, topic))
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
		Async:        true,
		Completion:   logCompletion,
	}
}

func logCompletion(msgs []kafka.Message, err error) {
	if err == nil {
		return
	}
	for _, m := range msgs {
		obs.Logger().Error().Err(err).
			Str("key", string(m.Key)).
			Str("type", headerValue(m, "type")).
			Msg("deliver membership event")
	}
}

func headerValue(m kafka.Message, key string) string {
	for _, h := range m.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func NewPublisherWithWriter(w Writer) *Publisher {
	return &Publisher{writer: w, timeout: 5 * time.Second}
}

// message is the wire shape of an event.
type message struct {
	Type     string            `json:"type"`
	TenantID string            `json:"tenant_id"`
	Actor    string            `json:"actor,omitempty"`
	At       time.Time         `json:"at"`
	Record   membership.Record `json:"record"`
}

func encode(evt membership.Event) (kafka.Message, error) {
	body, err := json.Marshal(message{
		Type:     evt.Type,
		TenantID: evt.TenantID,
		Actor:    evt.Actor,
		At:       evt.At,
		Record:   evt.Record,
	})
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(strings.Join([]string{evt.TenantID, evt.Record.MemberKey, evt.Record.OrgKey}, "/")),
		Value: body,
		Time:  evt.At,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(evt.Type)},
		},
	}, nil
}

// Publish writes evt and returns the write error.
func (p *Publisher) Publish(ctx context.Context, evt membership.Event) error {
	msg, err := encode(evt)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.timeout)
	defer cancel()
	return p.writer.WriteMessages(ctx, msg)
}

// Notify publishes evt, logging failures. The membership change is already committed.
func (p *Publisher) Notify(ctx context.Context, evt membership.Event) {
	if err := p.Publish(ctx, evt); err != nil {
		obs.Logger().Error().Err(err).
			Str("type", evt.Type).
			Str("tenant_id", evt.TenantID).
			Str("key", evt.Record.Key).
			Msg("publish membership event")
	}
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
