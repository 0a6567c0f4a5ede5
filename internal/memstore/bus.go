package memstore

import (
	"context"
	"slices"
	"time"

	"github.com/vin-jex/archive-orchestrator/internal/bus"
)

type MessageType string

const (
	MessageOperation MessageType = "OPERATION"
	MessageCancel    MessageType = "CANCEL"
	MessageLifecycle MessageType = "LIFECYCLE"
)

// Message is one outbox entry.
type Message struct {
	Type          MessageType
	CorrelationID string
	Operation     bus.Operation
	Lifecycle     bus.Lifecycle
}

type inboxRow struct {
	event     bus.Event
	available time.Time
	acked     bool
	lastError string
}

// Bus is the publisher and inbox view of the store.
type Bus struct {
	s *Store
}

func (s *Store) Bus() *Bus {
	return &Bus{s: s}
}

func (b *Bus) Publish(ctx context.Context, op bus.Operation) (string, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	correlationID := b.s.NewCorrelationID()
	op.Items = slices.Clone(op.Items)
	b.s.outbox = append(b.s.outbox, Message{
		Type:          MessageOperation,
		CorrelationID: correlationID,
		Operation:     op,
	})
	return correlationID, nil
}

func (b *Bus) Cancel(ctx context.Context, correlationIDs []string) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	for _, correlationID := range correlationIDs {
		b.s.outbox = append(b.s.outbox, Message{Type: MessageCancel, CorrelationID: correlationID})
	}
	return nil
}

func (b *Bus) Announce(ctx context.Context, events ...bus.Lifecycle) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	for _, event := range events {
		b.s.outbox = append(b.s.outbox, Message{Type: MessageLifecycle, Lifecycle: event})
	}
	return nil
}

// Outbox returns the messages of type t in publication order.
func (b *Bus) Outbox(t MessageType) []Message {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	var messages []Message
	for _, message := range b.s.outbox {
		if message.Type == t {
			messages = append(messages, message)
		}
	}
	return messages
}

func (b *Bus) Deliver(ctx context.Context, event bus.Event) (int64, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	event.ID = int64(len(b.s.inbox) + 1)
	b.s.inbox = append(b.s.inbox, inboxRow{event: event, available: b.s.Now()})
	return event.ID, nil
}

func (b *Bus) Claim(ctx context.Context, limit int) ([]bus.Event, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	now := b.s.Now()
	var events []bus.Event
	for _, row := range b.s.inbox {
		if len(events) == limit {
			break
		}
		if row.acked || row.available.After(now) {
			continue
		}
		events = append(events, row.event)
	}
	return events, nil
}

func (b *Bus) Ack(ctx context.Context, id int64) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	if index := int(id) - 1; index >= 0 && index < len(b.s.inbox) {
		b.s.inbox[index].acked = true
	}
	return nil
}

func (b *Bus) Retry(ctx context.Context, id int64, reason string, delay time.Duration) error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	if index := int(id) - 1; index >= 0 && index < len(b.s.inbox) {
		row := &b.s.inbox[index]
		row.event.Attempts++
		row.lastError = reason
		row.available = b.s.Now().Add(delay)
	}
	return nil
}

// Pending counts inbox events not yet acked.
func (b *Bus) Pending() int {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()

	pending := 0
	for _, row := range b.s.inbox {
		if !row.acked {
			pending++
		}
	}
	return pending
}
