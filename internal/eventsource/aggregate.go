// Package eventsource implements the base event-sourced aggregate runtime
// shared by every aggregate in the crawler: the network aggregate, the
// mempool aggregate, and each per-block user model.
package eventsource

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Options configures an aggregate's snapshot/pruning behavior.
type Options struct {
	SnapshotsEnabled bool
	SnapshotInterval uint64
	AllowPruning     bool
	InitialState     json.RawMessage
}

// Handler mutates aggregate-owned state in response to one event. It is
// the only place state may change, and must behave identically whether
// invoked live (via Apply) or during replay (via LoadFromHistory).
type Handler func(event Event) error

// Dispatcher is implemented by every concrete aggregate. Handle resolves
// event.Type to the aggregate's own on<EventType> logic; Go has no
// reflective method lookup by name, so dispatch is an explicit table or
// switch kept in the concrete aggregate.
type Dispatcher interface {
	Handle(event Event) error
}

// StateSnapshotter is optionally implemented by a concrete aggregate to
// participate in snapshotting. Aggregates with no serializable state (none
// in this codebase) may omit it.
type StateSnapshotter interface {
	SerializeState() (json.RawMessage, error)
	RestoreState(state json.RawMessage) error
}

// Snapshot is the persisted, opaque-state record taken at a given version.
type Snapshot struct {
	AggregateID string
	Version     uint64
	BlockHeight int64
	State       json.RawMessage
}

// Root is embedded by every concrete aggregate. It owns version,
// lastBlockHeight, and the uncommitted-event buffer; the embedding type
// supplies Handle (and, optionally, SerializeState/RestoreState).
type Root struct {
	id              string
	version         uint64
	lastBlockHeight int64
	uncommitted     []Event
	options         Options
	owner           Dispatcher
}

// Init binds the Root to its owning aggregate and its id/options. Must be
// called once, from the concrete aggregate's constructor, before any other
// Root method.
func (r *Root) Init(id string, owner Dispatcher, options Options) {
	r.id = id
	r.owner = owner
	r.options = options
	r.version = 0
	r.lastBlockHeight = -1
	r.uncommitted = nil
}

func (r *Root) AggregateID() string { return r.id }
func (r *Root) Version() uint64     { return r.version }
func (r *Root) LastBlockHeight() int64 {
	return r.lastBlockHeight
}
func (r *Root) Options() Options { return r.options }

// ResetLastBlockHeight forces lastBlockHeight to height, bypassing Apply's
// and LoadFromHistory's usual rule of ignoring negative block heights. It
// exists for handlers like NetworkCleared that must drive the tracked
// height back to -1, a value Apply's blockHeight argument can't express
// since ordinary events pass a negative blockHeight to mean "unrelated to
// any block" rather than "reset the tip". Call it from within a Handle
// implementation so it applies identically to live apply and replay.
func (r *Root) ResetLastBlockHeight(height int64) {
	r.lastBlockHeight = height
}

// UncommittedCount reports how many events are buffered awaiting Commit.
func (r *Root) UncommittedCount() int { return len(r.uncommitted) }

// Apply appends one new event to the aggregate: it assigns the next dense
// version, synchronously invokes the owner's handler, and on success
// records the event as uncommitted. If the handler errors the aggregate's
// version and lastBlockHeight are left unchanged — the event never
// happened — and the caller must abort the whole batch.
func (r *Root) Apply(requestID, typ string, blockHeight int64, payload interface{}) (Event, error) {
	bits, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.Wrapf(err, "marshaling payload for event %s", typ)
	}
	event := Event{
		AggregateID: r.id,
		Version:     r.version + 1,
		RequestID:   requestID,
		Type:        typ,
		BlockHeight: blockHeight,
		Payload:     bits,
		Status:      StatusUnpublished,
	}
	if err := r.owner.Handle(event); err != nil {
		return Event{}, errors.Wrapf(err, "applying %s to aggregate %s", typ, r.id)
	}
	r.version = event.Version
	if blockHeight >= 0 {
		r.lastBlockHeight = blockHeight
	}
	r.uncommitted = append(r.uncommitted, event)
	return event, nil
}

// Commit drains the uncommitted buffer for the caller (normally the event
// store, about to persist them). Version is left intact.
func (r *Root) Commit() []Event {
	events := r.uncommitted
	r.uncommitted = nil
	return events
}

// LoadFromHistory replays previously-persisted events in ascending version
// order without touching the uncommitted buffer. A handler error here is
// fatal corruption: the events were already accepted once, so a handler
// that now rejects them indicates either a bug or damaged storage.
func (r *Root) LoadFromHistory(events []Event) error {
	for _, event := range events {
		if err := r.owner.Handle(event); err != nil {
			return errors.Wrapf(ErrFatalCorruption, "replaying version %d of %s: %s", event.Version, r.id, err)
		}
		r.version = event.Version
		if event.BlockHeight >= 0 {
			r.lastBlockHeight = event.BlockHeight
		}
	}
	return nil
}

// Snapshot serializes current state, including version and
// lastBlockHeight, via the owner's StateSnapshotter if it implements one.
func (r *Root) Snapshot() (Snapshot, error) {
	snap := Snapshot{
		AggregateID: r.id,
		Version:     r.version,
		BlockHeight: r.lastBlockHeight,
	}
	if snapshotter, ok := r.owner.(StateSnapshotter); ok {
		state, err := snapshotter.SerializeState()
		if err != nil {
			return Snapshot{}, errors.Wrapf(err, "serializing state for %s", r.id)
		}
		snap.State = state
	}
	return snap, nil
}

// RestoreFrom installs a previously-taken snapshot: version and
// lastBlockHeight come from the snapshot directly, and the user portion is
// handed to the owner's StateSnapshotter.
func (r *Root) RestoreFrom(snap Snapshot) error {
	r.version = snap.Version
	r.lastBlockHeight = snap.BlockHeight
	if snapshotter, ok := r.owner.(StateSnapshotter); ok && snap.State != nil {
		if err := snapshotter.RestoreState(snap.State); err != nil {
			return errors.Wrapf(err, "restoring state for %s", r.id)
		}
	}
	return nil
}

// ShouldSnapshot reports whether newVersion, the highest version just
// saved, is an exact multiple of SnapshotInterval. A save whose versions
// pass over a multiple without ending on one does not trigger a snapshot.
func ShouldSnapshot(options Options, newVersion uint64) bool {
	if !options.SnapshotsEnabled || options.SnapshotInterval == 0 {
		return false
	}
	return newVersion%options.SnapshotInterval == 0
}
