package eventsource

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a persisted event, per the event
// store's publish contract: events are written UNPUBLISHED and flipped to
// PUBLISHED once the transport has accepted at-least-once delivery.
type Status string

const (
	StatusUnpublished Status = "UNPUBLISHED"
	StatusPublished   Status = "PUBLISHED"
)

// Event is the wire-stable unit appended to an aggregate's log. Payload is
// kept as raw JSON so user-model event bodies stay opaque to the runtime.
type Event struct {
	AggregateID string          `json:"aggregateId"`
	Version     uint64          `json:"version"`
	RequestID   string          `json:"requestId"`
	Type        string          `json:"type"`
	BlockHeight int64           `json:"blockHeight"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Timestamp   time.Time       `json:"timestamp"`
}

// NewEvent builds an event with a marshaled payload and leaves Version
// zero. Root.Apply does not use it; it builds its own event and assigns
// the next version itself.
func NewEvent(aggregateID, requestID, typ string, blockHeight int64, payload interface{}) (Event, error) {
	bits, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		AggregateID: aggregateID,
		RequestID:   requestID,
		Type:        typ,
		BlockHeight: blockHeight,
		Payload:     bits,
		Status:      StatusUnpublished,
		Timestamp:   time.Now(),
	}, nil
}
