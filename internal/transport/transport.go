// Package transport defines the query/subscription surface the core
// exposes to external callers and ships one minimal concrete
// implementation over stdlib net/http plus the event store's
// bobg/multichan publish stream. Building a full websocket/IPC transport
// is out of scope; this is enough to exercise the store's publish path
// end to end.
package transport

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
	"github.com/easylayer/bitcoin-crawler/internal/eventstore"
)

// Queries is the read-side surface: replaying models and fetching events.
type Queries interface {
	GetModels(ctx context.Context, modelIDs []string, blockHeight *int64) ([]ModelState, error)
	FetchEvents(ctx context.Context, filter eventstore.FetchEventsFilter) ([]eventsource.Event, error)
}

// ModelState is one aggregate's state as of the requested height, returned
// by GetModels. State is the aggregate's own serialized snapshot form.
type ModelState struct {
	ModelID     string          `json:"modelId"`
	Version     uint64          `json:"version"`
	BlockHeight int64           `json:"blockHeight"`
	State       json.RawMessage `json:"state"`
}

// Subscriptions lets a caller register interest in newly published events
// of a given type name.
type Subscriptions interface {
	Subscribe(eventType string) <-chan eventsource.Event
}

// ModelLoader loads a fresh instance of one named model, either at its
// current head or replayed up to a block height.
type ModelLoader interface {
	LoadCurrent(ctx context.Context, modelID string) (ModelState, error)
	LoadAt(ctx context.Context, modelID string, blockHeight int64) (ModelState, error)
}

// Server is the shipped net/http implementation: one long-poll
// /subscribe/{type} endpoint and a small JSON API for GetModels/FetchEvents
// (the latter served at /events).
type Server struct {
	store  *eventstore.Store
	loader ModelLoader
	logger *log.Logger
}

// NewServer builds a Server over store, using loader to satisfy
// GetModels.
func NewServer(store *eventstore.Store, loader ModelLoader, logger *log.Logger) *Server {
	return &Server{store: store, loader: loader, logger: logger}
}

// Handler returns the http.Handler exposing /models, /events, and
// /subscribe/{type}.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/models", s.handleGetModels)
	mux.HandleFunc("/events", s.handleFetchEvents)
	mux.HandleFunc("/subscribe/", s.handleSubscribe)
	return mux
}

func (s *Server) handleGetModels(w http.ResponseWriter, r *http.Request) {
	ids := r.URL.Query()["modelId"]
	if len(ids) == 0 {
		http.Error(w, "modelId is required", http.StatusBadRequest)
		return
	}
	var heightPtr *int64
	if raw := r.URL.Query().Get("blockHeight"); raw != "" {
		h, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid blockHeight", http.StatusBadRequest)
			return
		}
		heightPtr = &h
	}

	out := make([]ModelState, 0, len(ids))
	for _, id := range ids {
		var (
			state ModelState
			err   error
		)
		if heightPtr != nil {
			state, err = s.loader.LoadAt(r.Context(), id, *heightPtr)
		} else {
			state, err = s.loader.LoadCurrent(r.Context(), id)
		}
		if err != nil {
			s.logger.Printf("loading model %s: %v", id, err)
			http.Error(w, "failed to load model "+id, http.StatusInternalServerError)
			return
		}
		out = append(out, state)
	}
	writeJSON(w, out)
}

func (s *Server) handleFetchEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := eventstore.FetchEventsFilter{
		AggregateIDs: q["modelId"],
	}
	if raw := q.Get("blockHeight"); raw != "" {
		h, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid blockHeight", http.StatusBadRequest)
			return
		}
		filter.BlockHeight = &h
	}
	if raw := q.Get("status"); raw != "" {
		st := eventsource.Status(raw)
		filter.Status = &st
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			http.Error(w, "invalid offset", http.StatusBadRequest)
			return
		}
		filter.Offset = n
	}

	events, err := s.store.FetchEvents(r.Context(), filter)
	if err != nil {
		s.logger.Printf("fetching events: %v", err)
		http.Error(w, "failed to fetch events", http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

// handleSubscribe long-polls the store's publish stream for one event of
// the type named in the path, then returns it. A real subscriber loops
// calling this repeatedly; it is intentionally the simplest possible
// framing over multichan, not a websocket.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	eventType := r.URL.Path[len("/subscribe/"):]
	if eventType == "" {
		http.Error(w, "event type is required", http.StatusBadRequest)
		return
	}
	reader := s.store.Subscribe()
	for {
		v, ok := reader.Read(r.Context())
		if !ok {
			http.Error(w, "subscription closed", http.StatusServiceUnavailable)
			return
		}
		event := v.(*eventsource.Event)
		if event.Type != eventType {
			continue
		}
		writeJSON(w, event)
		return
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
