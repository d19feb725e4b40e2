// Package eventstore implements the append-only, per-aggregate event log:
// optimistic-versioned writes, streamed reads with snapshot shortcuts,
// range rollback, and a post-commit publish stream for subscribers.
// Storage is sqlite (github.com/mattn/go-sqlite3); the publish stream is
// github.com/bobg/multichan, a one-to-many broadcast channel.
package eventstore

import (
	"context"
	"database/sql"

	"github.com/bobg/multichan"
	"github.com/bobg/sqlutil"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// Aggregate is the surface the store needs from any aggregate it persists.
// eventsource.Root satisfies everything except Handle, which every concrete
// aggregate supplies itself; embedding Root is therefore sufficient to
// satisfy Aggregate.
type Aggregate interface {
	eventsource.Dispatcher
	AggregateID() string
	Version() uint64
	Options() eventsource.Options
	Commit() []eventsource.Event
	LoadFromHistory(events []eventsource.Event) error
	Snapshot() (eventsource.Snapshot, error)
	RestoreFrom(snap eventsource.Snapshot) error
}

// Store is the event store: one sqlite database, one publish fan-out.
type Store struct {
	db        *sql.DB
	publisher *multichan.W
}

// Open opens (creating if needed) a sqlite-backed store at path and
// ensures the schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening event store db")
	}
	return OpenDB(db)
}

// OpenDB wraps an already-open *sql.DB (tests use this with ":memory:").
func OpenDB(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Wrap(err, "creating event store schema")
	}
	return &Store{
		db:        db,
		publisher: multichan.New((*eventsource.Event)(nil)),
	}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Subscribe returns a reader over every event the store publishes from now
// on. Readers added later miss earlier
// writes, matching multichan's documented semantics; RunPublisher replays
// any still-UNPUBLISHED rows on startup so a late subscriber attached
// before the first RunPublisher tick still gets at-least-once delivery of
// events from previous runs.
func (s *Store) Subscribe() *multichan.R {
	return s.publisher.Reader()
}

// GetOne loads agg to its current head: restore the latest snapshot (if
// any), then replay every event with version > snapshot.version in
// ascending order.
func (s *Store) GetOne(ctx context.Context, agg Aggregate) error {
	id := agg.AggregateID()

	var (
		snapVersion uint64
		snapHeight  int64
		snapState   []byte
		haveSnap    bool
	)
	row := s.db.QueryRowContext(ctx, `SELECT version, block_height, state FROM snapshots WHERE aggregate_id = $1 ORDER BY version DESC LIMIT 1`, id)
	err := row.Scan(&snapVersion, &snapHeight, &snapState)
	switch {
	case err == sql.ErrNoRows:
		// no snapshot yet; replay from the beginning
	case err != nil:
		return errors.Wrapf(err, "loading latest snapshot for %s", id)
	default:
		haveSnap = true
		if err := agg.RestoreFrom(eventsource.Snapshot{
			AggregateID: id,
			Version:     snapVersion,
			BlockHeight: snapHeight,
			State:       snapState,
		}); err != nil {
			return errors.Wrapf(err, "restoring snapshot for %s", id)
		}
	}

	minVersion := uint64(0)
	if haveSnap {
		minVersion = snapVersion
	}

	const batchSize = 500
	var batch []eventsource.Event
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		err := agg.LoadFromHistory(batch)
		batch = batch[:0]
		return err
	}

	const q = `SELECT version, request_id, type, block_height, payload, status, timestamp
		FROM events WHERE aggregate_id = $1 AND version > $2 ORDER BY version ASC`
	expected := minVersion + 1
	err = sqlutil.ForQueryRows(ctx, s.db, q, id, minVersion, func(version uint64, requestID, typ string, blockHeight int64, payload []byte, status string, ts interface{}) error {
		if version != expected {
			return errors.Wrapf(eventsource.ErrFatalCorruption, "%s: stored version %d where %d was expected", id, version, expected)
		}
		expected++
		batch = append(batch, eventsource.Event{
			AggregateID: id,
			Version:     version,
			RequestID:   requestID,
			Type:        typ,
			BlockHeight: blockHeight,
			Payload:     payload,
			Status:      eventsource.Status(status),
		})
		if len(batch) >= batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "streaming events for %s", id)
	}
	return flush()
}

// currentVersion returns the highest version already stored for id, or 0.
func currentVersion(ctx context.Context, q queryerContext, id string) (uint64, error) {
	var v sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT MAX(version) FROM events WHERE aggregate_id = $1`, id).Scan(&v)
	if err != nil {
		return 0, err
	}
	if !v.Valid {
		return 0, nil
	}
	return uint64(v.Int64), nil
}

type queryerContext interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
