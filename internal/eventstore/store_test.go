package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// counterAgg is a minimal Aggregate for store tests.
type counterAgg struct {
	eventsource.Root
	Sum int
}

func newCounterAgg(id string, options eventsource.Options) *counterAgg {
	c := &counterAgg{}
	c.Root.Init(id, c, options)
	return c
}

func (c *counterAgg) Handle(event eventsource.Event) error {
	var n int
	if len(event.Payload) > 0 {
		if err := json.Unmarshal(event.Payload, &n); err != nil {
			return err
		}
	}
	c.Sum += n
	return nil
}

func (c *counterAgg) SerializeState() (json.RawMessage, error) { return json.Marshal(c.Sum) }
func (c *counterAgg) RestoreState(s json.RawMessage) error      { return json.Unmarshal(s, &c.Sum) }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := OpenDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestSaveAndGetOneRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	agg := newCounterAgg("counter-1", eventsource.Options{})
	for _, n := range []int{1, 2, 3} {
		if _, err := agg.Apply("r1", "Added", int64(n), n); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Save(ctx, []Aggregate{agg}); err != nil {
		t.Fatal(err)
	}

	fresh := newCounterAgg("counter-1", eventsource.Options{})
	if err := store.GetOne(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.Sum != 6 {
		t.Fatalf("Sum = %d, want 6", fresh.Sum)
	}
	if fresh.Version() != 3 {
		t.Fatalf("Version = %d, want 3", fresh.Version())
	}
}

func TestSaveRejectsVersionGap(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	agg := newCounterAgg("counter-2", eventsource.Options{})
	if _, err := agg.Apply("r1", "Added", 1, 5); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, []Aggregate{agg}); err != nil {
		t.Fatal(err)
	}

	// Simulate a second writer that thinks the aggregate is still fresh
	// (version 0) and tries to save version 1 again — must be rejected.
	stale := newCounterAgg("counter-2", eventsource.Options{})
	if _, err := stale.Apply("r2", "Added", 2, 7); err != nil {
		t.Fatal(err)
	}
	err := store.Save(ctx, []Aggregate{stale})
	if unwrapCause(err) != eventsource.ErrConcurrency {
		t.Fatalf("err = %v, want wrapping ErrConcurrency", err)
	}
}

func TestSnapshotCutoffReproducesReplayState(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	agg := newCounterAgg("counter-3", eventsource.Options{SnapshotsEnabled: true, SnapshotInterval: 25})
	for i := 0; i < 60; i++ {
		if _, err := agg.Apply("r", "Added", int64(i), 1); err != nil {
			t.Fatal(err)
		}
		if err := store.Save(ctx, []Aggregate{agg}); err != nil {
			t.Fatal(err)
		}
	}

	var snapCount int
	if err := store.db.QueryRow(`SELECT COUNT(*) FROM snapshots WHERE aggregate_id = $1`, "counter-3").Scan(&snapCount); err != nil {
		t.Fatal(err)
	}
	if snapCount == 0 {
		t.Fatal("expected at least one snapshot after 60 events with interval 25")
	}

	viaSnapshot := newCounterAgg("counter-3", eventsource.Options{})
	if err := store.GetOne(ctx, viaSnapshot); err != nil {
		t.Fatal(err)
	}
	if viaSnapshot.Sum != 60 {
		t.Fatalf("Sum via snapshot+replay = %d, want 60", viaSnapshot.Sum)
	}
}

func TestRollbackDeletesAboveTarget(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	agg := newCounterAgg("counter-4", eventsource.Options{})
	for h := 0; h < 5; h++ {
		if _, err := agg.Apply("r", "Added", int64(h), 1); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Save(ctx, []Aggregate{agg}); err != nil {
		t.Fatal(err)
	}

	if err := store.Rollback(ctx, RollbackRequest{ModelsToRollback: []string{"counter-4"}, BlockHeight: 2}); err != nil {
		t.Fatal(err)
	}

	events, err := store.FetchEvents(ctx, FetchEventsFilter{AggregateIDs: []string{"counter-4"}})
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range events {
		if e.BlockHeight > 2 {
			t.Fatalf("found event with blockHeight %d > 2 after rollback", e.BlockHeight)
		}
	}
	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
}

func TestPublisherMarksEventsPublished(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t)

	agg := newCounterAgg("counter-5", eventsource.Options{})
	if _, err := agg.Apply("r", "Added", 0, 1); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, []Aggregate{agg}); err != nil {
		t.Fatal(err)
	}

	reader := store.Subscribe()
	if err := store.publishPending(ctx); err != nil {
		t.Fatal(err)
	}

	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	got, ok := reader.Read(readCtx)
	if !ok {
		t.Fatal("expected to read the published event")
	}
	event := got.(*eventsource.Event)
	if event.AggregateID != "counter-5" {
		t.Fatalf("AggregateID = %s, want counter-5", event.AggregateID)
	}

	events, err := store.FetchEvents(ctx, FetchEventsFilter{AggregateIDs: []string{"counter-5"}})
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Status != eventsource.StatusPublished {
		t.Fatalf("status = %s, want PUBLISHED", events[0].Status)
	}
}

// unwrapCause unwraps a pkg/errors-wrapped error to its root cause for
// comparison against a sentinel.
func unwrapCause(err error) error {
	type causer interface{ Cause() error }
	for err != nil {
		c, ok := err.(causer)
		if !ok {
			return err
		}
		err = c.Cause()
	}
	return err
}
