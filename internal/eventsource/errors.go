package eventsource

import "github.com/pkg/errors"

// ErrConcurrency is raised by the event store when the smallest
// to-be-saved event's version does not immediately follow the version
// already on disk for that aggregate.
var ErrConcurrency = errors.New("eventsource: concurrency conflict")

// ErrFatalCorruption is raised when a handler fails during replay, or when
// the event store's GetOne finds stored versions that are not dense. The
// blocks-queue iterator terminates the process on this error.
var ErrFatalCorruption = errors.New("eventsource: fatal corruption")

// HandlerNotFound is returned by a concrete aggregate's Handle when it has
// no case for an event type. Root.Apply wraps it; Root.LoadFromHistory
// reports it as ErrFatalCorruption, keeping only its message.
type HandlerNotFound struct {
	AggregateID string
	EventType   string
}

func (e *HandlerNotFound) Error() string {
	return "eventsource: no handler for event type " + e.EventType + " on aggregate " + e.AggregateID
}
