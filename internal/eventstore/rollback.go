package eventstore

import (
	"context"

	"github.com/pkg/errors"
)

// RollbackRequest describes a reorg/clear rollback.
type RollbackRequest struct {
	// ModelsToRollback are aggregate ids to truncate: every event (and
	// snapshot) with block_height > BlockHeight is deleted. BlockHeight ==
	// -1 deletes everything for these ids.
	ModelsToRollback []string
	BlockHeight      int64
	// ModelsToSave have their uncommitted events appended in the same
	// transaction — typically the network aggregate's NetworkReorganized or
	// NetworkCleared event.
	ModelsToSave []Aggregate
}

// Rollback atomically truncates the named aggregates' history above
// BlockHeight and appends ModelsToSave's pending events, in one
// transaction.
func (s *Store) Rollback(ctx context.Context, req RollbackRequest) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning rollback transaction")
	}
	defer tx.Rollback()

	for _, id := range req.ModelsToRollback {
		if req.BlockHeight < 0 {
			if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE aggregate_id = $1`, id); err != nil {
				return errors.Wrapf(err, "deleting all events for %s", id)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = $1`, id); err != nil {
				return errors.Wrapf(err, "deleting all snapshots for %s", id)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE aggregate_id = $1 AND block_height > $2`, id, req.BlockHeight); err != nil {
			return errors.Wrapf(err, "deleting events above height %d for %s", req.BlockHeight, id)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE aggregate_id = $1 AND block_height > $2`, id, req.BlockHeight); err != nil {
			return errors.Wrapf(err, "deleting snapshots above height %d for %s", req.BlockHeight, id)
		}
	}

	for _, agg := range req.ModelsToSave {
		events := agg.Commit()
		if len(events) == 0 {
			continue
		}
		if err := saveAggregateEvents(ctx, tx, agg, events); err != nil {
			return err
		}
	}

	return errors.Wrap(tx.Commit(), "committing rollback transaction")
}
