package eventstore

import (
	"context"
	"time"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// RunPublisher runs as a goroutine until ctx is canceled. Each tick it
// writes every still-UNPUBLISHED event to the subscription stream and
// marks it PUBLISHED, oldest first. Because marking happens after the
// write succeeds, a crash between them simply means the next tick
// re-delivers the same events — at-least-once delivery to subscribers.
func (s *Store) RunPublisher(ctx context.Context, pollInterval time.Duration) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := s.publishPending(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Store) publishPending(ctx context.Context) error {
	type row struct {
		aggregateID string
		event       eventsource.Event
	}
	var pending []row

	const q = `SELECT aggregate_id, version, request_id, type, block_height, payload, timestamp
		FROM events WHERE status = $1 ORDER BY timestamp ASC, aggregate_id ASC, version ASC`
	err := sqlutil.ForQueryRows(ctx, s.db, q, string(eventsource.StatusUnpublished),
		func(aggregateID string, version uint64, requestID, typ string, blockHeight int64, payload []byte, ts interface{}) error {
			pending = append(pending, row{
				aggregateID: aggregateID,
				event: eventsource.Event{
					AggregateID: aggregateID,
					Version:     version,
					RequestID:   requestID,
					Type:        typ,
					BlockHeight: blockHeight,
					Payload:     payload,
					Status:      eventsource.StatusPublished,
				},
			})
			return nil
		})
	if err != nil {
		return errors.Wrap(err, "querying unpublished events")
	}

	for _, r := range pending {
		event := r.event
		s.publisher.Write(&event)
		_, err := s.db.ExecContext(ctx, `UPDATE events SET status = $1 WHERE aggregate_id = $2 AND version = $3`,
			string(eventsource.StatusPublished), r.aggregateID, r.event.Version)
		if err != nil {
			return errors.Wrapf(err, "marking %s v%d published", r.aggregateID, r.event.Version)
		}
	}
	return nil
}
