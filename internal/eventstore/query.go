package eventstore

import (
	"context"
	"strconv"

	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// FetchEventsFilter mirrors FetchEventsQuery.filter/paging.
type FetchEventsFilter struct {
	AggregateIDs []string
	BlockHeight  *int64
	Status       *eventsource.Status
	Limit        int
	Offset       int
}

// FetchEvents reads matching events in ascending (aggregate_id, version)
// order. It backs the read-side FetchEventsQuery surface; streaming
// delivery is the transport's concern, not the store's.
func (s *Store) FetchEvents(ctx context.Context, filter FetchEventsFilter) ([]eventsource.Event, error) {
	if len(filter.AggregateIDs) == 0 {
		return nil, errors.New("eventstore: FetchEvents requires at least one aggregate id")
	}

	q := `SELECT aggregate_id, version, request_id, type, block_height, payload, status, timestamp
		FROM events WHERE aggregate_id IN (` + placeholders(len(filter.AggregateIDs), 1) + `)`
	args := make([]interface{}, 0, len(filter.AggregateIDs)+2)
	for _, id := range filter.AggregateIDs {
		args = append(args, id)
	}
	next := len(args) + 1
	if filter.BlockHeight != nil {
		q += " AND block_height <= $" + strconv.Itoa(next)
		args = append(args, *filter.BlockHeight)
		next++
	}
	if filter.Status != nil {
		q += " AND status = $" + strconv.Itoa(next)
		args = append(args, string(*filter.Status))
		next++
	}
	q += " ORDER BY aggregate_id ASC, version ASC"
	if filter.Limit > 0 {
		q += " LIMIT " + strconv.Itoa(filter.Limit)
		if filter.Offset > 0 {
			q += " OFFSET " + strconv.Itoa(filter.Offset)
		}
	}

	var out []eventsource.Event
	fnArgs := append([]interface{}{}, args...)
	fnArgs = append(fnArgs, func(aggregateID string, version uint64, requestID, typ string, blockHeight int64, payload []byte, status string, ts interface{}) error {
		out = append(out, eventsource.Event{
			AggregateID: aggregateID,
			Version:     version,
			RequestID:   requestID,
			Type:        typ,
			BlockHeight: blockHeight,
			Payload:     payload,
			Status:      eventsource.Status(status),
		})
		return nil
	})
	err := sqlutil.ForQueryRows(ctx, s.db, q, fnArgs...)
	return out, errors.Wrap(err, "fetching events")
}

// LoadAt replays agg up to (and including) blockHeight, backing the
// filter.blockHeight form of GetModelsQuery. It always
// replays from version 1 rather than from a snapshot, since a snapshot may
// be newer than the requested height.
func (s *Store) LoadAt(ctx context.Context, agg Aggregate, blockHeight int64) error {
	const q = `SELECT version, request_id, type, block_height, payload, status, timestamp
		FROM events WHERE aggregate_id = $1 AND block_height <= $2 ORDER BY version ASC`
	id := agg.AggregateID()
	var batch []eventsource.Event
	err := sqlutil.ForQueryRows(ctx, s.db, q, id, blockHeight,
		func(version uint64, requestID, typ string, height int64, payload []byte, status string, ts interface{}) error {
			batch = append(batch, eventsource.Event{
				AggregateID: id,
				Version:     version,
				RequestID:   requestID,
				Type:        typ,
				BlockHeight: height,
				Payload:     payload,
				Status:      eventsource.Status(status),
			})
			return nil
		})
	if err != nil {
		return errors.Wrapf(err, "loading %s at height %d", id, blockHeight)
	}
	return agg.LoadFromHistory(batch)
}

func placeholders(n, start int) string {
	out := make([]byte, 0, n*4)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',')
		}
		out = append(out, '$')
		out = append(out, []byte(strconv.Itoa(start+i))...)
	}
	return string(out)
}

