package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/noah-isme/toko-pricing/internal/events"
)

// InsertDomainEvent persists an event and returns it with its id and timestamp.
func (q *Queries) InsertDomainEvent(ctx context.Context, topic string, aggregateID uuid.UUID, payload []byte) (events.Event, error) {
	ev := events.Event{Topic: topic, AggregateID: aggregateID}
	err := q.db.QueryRow(ctx, `
		INSERT INTO domain_events (topic, aggregate_id, payload)
		VALUES ($1, $2, $3)
		RETURNING id, payload, occurred_at`, topic, aggregateID, payload).
		Scan(&ev.ID, &ev.Payload, &ev.OccurredAt)
	if err != nil {
		return events.Event{}, fmt.Errorf("insert domain event: %w", err)
	}
	return ev, nil
}
