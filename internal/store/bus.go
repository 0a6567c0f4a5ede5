package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vin-jex/archive-orchestrator/internal/bus"
)

const (
	outboxOperation = "OPERATION"
	outboxCancel    = "CANCEL"
	outboxLifecycle = "LIFECYCLE"
)

// Bus is the transactional outbox for outbound messages and the inbox of
// remote outcomes. A transport relays both sides.
type Bus struct {
	s *Store
}

var (
	_ bus.Publisher = (*Bus)(nil)
	_ bus.Inbox     = (*Bus)(nil)
)

func (b *Bus) Publish(ctx context.Context, op bus.Operation) (string, error) {
	correlationID := bus.NewCorrelationID()
	if err := b.enqueue(ctx, outboxOperation, correlationID, op); err != nil {
		return "", err
	}
	return correlationID, nil
}

func (b *Bus) Cancel(ctx context.Context, correlationIDs []string) error {
	for _, correlationID := range correlationIDs {
		if err := b.enqueue(ctx, outboxCancel, correlationID, struct{}{}); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) Announce(ctx context.Context, events ...bus.Lifecycle) error {
	for _, event := range events {
		if err := b.enqueue(ctx, outboxLifecycle, "", event); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bus) enqueue(ctx context.Context, messageType, correlationID string, body any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return err
	}

	_, err = b.s.querier(ctx).Exec(
		ctx,
		`
		INSERT INTO outbox (
			type,
			correlation_id,
			body
		)
		VALUES ($1, $2, $3)
		`,
		messageType,
		correlationID,
		encoded,
	)
	return err
}

func (b *Bus) Deliver(ctx context.Context, event bus.Event) (int64, error) {
	encoded, err := json.Marshal(event)
	if err != nil {
		return 0, err
	}

	var id int64
	err = b.s.querier(ctx).QueryRow(
		ctx,
		`
		INSERT INTO inbox (
			correlation_id,
			event
		)
		VALUES ($1, $2)
		RETURNING id
		`,
		event.CorrelationID,
		encoded,
	).Scan(&id)
	return id, err
}

// Claim locks available events until the carried transaction ends. Other
// consumers skip them.
func (b *Bus) Claim(ctx context.Context, limit int) ([]bus.Event, error) {
	rows, err := b.s.querier(ctx).Query(
		ctx,
		`
		SELECT id, event, attempts
		FROM inbox
		WHERE acked_at IS NULL
			AND available_at <= now()
		ORDER BY id
		FOR UPDATE SKIP LOCKED
		LIMIT $1
		`,
		limit,
	)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (bus.Event, error) {
		var (
			event    bus.Event
			id       int64
			attempts int
			encoded  []byte
		)
		if err := row.Scan(&id, &encoded, &attempts); err != nil {
			return event, err
		}
		if err := json.Unmarshal(encoded, &event); err != nil {
			return event, err
		}
		event.ID = id
		event.Attempts = attempts
		return event, nil
	})
}

func (b *Bus) Ack(ctx context.Context, id int64) error {
	_, err := b.s.querier(ctx).Exec(ctx, `UPDATE inbox SET acked_at = now() WHERE id = $1`, id)
	return err
}

func (b *Bus) Retry(ctx context.Context, id int64, reason string, delay time.Duration) error {
	_, err := b.s.querier(ctx).Exec(
		ctx,
		`
		UPDATE inbox
		SET attempts = attempts + 1,
			last_error = $2,
			available_at = $3
		WHERE id = $1
		`,
		id,
		reason,
		time.Now().Add(delay),
	)
	return err
}
