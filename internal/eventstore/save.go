package eventstore

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// Save atomically persists the uncommitted events of every aggregate in
// aggregates: for each, the smallest committed event's version must
// immediately follow the version already on disk (optimistic concurrency).
// All inserts happen in one transaction; an aggregate whose highest saved
// version is a multiple of its snapshot interval (see
// eventsource.ShouldSnapshot) gets a snapshot row in the same transaction.
// Publishing to subscribers happens afterwards, out of band (see
// publisher.go), so a crash between commit and publish can never lose an
// event — only delay its delivery.
func (s *Store) Save(ctx context.Context, aggregates []Aggregate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning save transaction")
	}
	defer tx.Rollback()

	for _, agg := range aggregates {
		events := agg.Commit()
		if len(events) == 0 {
			continue
		}
		if err := saveAggregateEvents(ctx, tx, agg, events); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "committing save transaction")
}

func saveAggregateEvents(ctx context.Context, tx *sql.Tx, agg Aggregate, events []eventsource.Event) error {
	id := agg.AggregateID()

	stored, err := currentVersion(ctx, tx, id)
	if err != nil {
		return errors.Wrapf(err, "reading stored version for %s", id)
	}
	if events[0].Version != stored+1 {
		return errors.Wrapf(eventsource.ErrConcurrency, "aggregate %s: next event version %d, stored version %d", id, events[0].Version, stored)
	}

	const insertQ = `INSERT INTO events
		(aggregate_id, version, request_id, type, block_height, payload, status, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, CURRENT_TIMESTAMP)`
	for _, event := range events {
		_, err := tx.ExecContext(ctx, insertQ, id, event.Version, event.RequestID, event.Type, event.BlockHeight, []byte(event.Payload), string(eventsource.StatusUnpublished))
		if err != nil {
			return errors.Wrapf(err, "inserting event version %d for %s", event.Version, id)
		}
	}

	newVersion := events[len(events)-1].Version
	if eventsource.ShouldSnapshot(agg.Options(), newVersion) {
		snap, err := agg.Snapshot()
		if err != nil {
			return errors.Wrapf(err, "snapshotting %s at version %d", id, newVersion)
		}
		const snapQ = `INSERT OR REPLACE INTO snapshots (aggregate_id, version, block_height, state) VALUES ($1, $2, $3, $4)`
		_, err = tx.ExecContext(ctx, snapQ, id, snap.Version, snap.BlockHeight, []byte(snap.State))
		if err != nil {
			return errors.Wrapf(err, "writing snapshot for %s at version %d", id, newVersion)
		}
	}
	return nil
}
