package order

import (
	"context"
	"time"
)

// EventType names an order lifecycle event.
type EventType string

const (
	EventPlaced    EventType = "order.placed"
	EventCancelled EventType = "order.cancelled"
)

// Event is emitted after the transaction that produced it has committed.
type Event struct {
	Type     EventType
	UserID   string
	OrderIDs []int64
	At       time.Time
}

// Publisher delivers order events to downstream consumers.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }
