// Package events publishes order lifecycle events to Kafka.
package events

import (
	"context"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/velorex-orders/internal/domain/order"
)

const headerEventType = "event-type"

var _ order.Publisher = (*KafkaPublisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes order events to a single topic, keyed by user id so
// that one user's events stay ordered within a partition.
type KafkaPublisher struct {
	w messageWriter
}

// NewKafkaPublisher creates a publisher for topic on the given brokers.
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{w: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		WriteTimeout:           5 * time.Second,
		AllowAutoTopicCreation: true,
	}}
}

// Publish encodes ev and writes it synchronously.
func (p *KafkaPublisher) Publish(ctx context.Context, ev order.Event) error {
	msg := kafka.Message{
		Key:   []byte(Key(ev)),
		Value: Encode(ev),
		Time:  ev.At,
		Headers: []kafka.Header{
			{Key: headerEventType, Value: []byte(ev.Type)},
		},
	}
	if err := p.w.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s event", ev.Type)
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// Encode renders ev as the JSON event payload.
func Encode(ev order.Event) []byte {
	var e jx.Encoder
	e.ObjStart()
	e.FieldStart("type")
	e.Str(string(ev.Type))
	e.FieldStart("userId")
	e.Str(ev.UserID)
	e.FieldStart("orderIds")
	e.ArrStart()
	for _, id := range ev.OrderIDs {
		e.Int64(id)
	}
	e.ArrEnd()
	e.FieldStart("occurredAt")
	e.Str(ev.At.UTC().Format(time.RFC3339Nano))
	e.ObjEnd()
	return e.Bytes()
}

// Key returns the partition key for ev.
func Key(ev order.Event) string {
	if ev.UserID != "" {
		return ev.UserID
	}
	if len(ev.OrderIDs) > 0 {
		return strconv.FormatInt(ev.OrderIDs[0], 10)
	}
	return ""
}
