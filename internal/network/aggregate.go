package network

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// AggregateID is the stable id under which the network aggregate's events
// and snapshots are stored; there is exactly one instance per process.
const AggregateID = "network"

// HeightService is the minimal node-provider surface Reorganisation needs:
// fetch the node's current view of the block at a given height, to compare
// against the local ring during the backwards walk.
type HeightService interface {
	GetBlockByHeight(ctx context.Context, height uint64) (LightBlock, error)
}

// InitRequest carries the parameters to Init.
type InitRequest struct {
	RequestID           string
	StartHeight         *int64 // configured start, nil if unset
	CurrentNetworkHeight uint64
}

// ReorgRequest carries the parameters to Reorganisation.
type ReorgRequest struct {
	RequestID string
	Service   HeightService
}

// Aggregate is the authoritative chain-tip state: a bounded window of
// recent LightBlocks plus previous-hash validation, reorg detection, and
// application.
type Aggregate struct {
	eventsource.Root
	chain *Chain
}

// New constructs a network aggregate bounded to maxSize retained blocks.
func New(maxSize int, options eventsource.Options) *Aggregate {
	a := &Aggregate{chain: NewChain(maxSize)}
	a.Root.Init(AggregateID, a, options)
	return a
}

// Chain exposes the retained window read-only, for queries and tests.
func (a *Aggregate) Chain() *Chain { return a.chain }

// Handle dispatches by event type discriminant, via an explicit switch
// table rather than reflective method lookup.
func (a *Aggregate) Handle(event eventsource.Event) error {
	switch event.Type {
	case EventNetworkInitialized:
		return a.onNetworkInitialized(event)
	case EventNetworkBlocksAdded:
		return a.onNetworkBlocksAdded(event)
	case EventNetworkReorganized:
		return a.onNetworkReorganized(event)
	case EventNetworkCleared:
		return a.onNetworkCleared(event)
	}
	return &eventsource.HandlerNotFound{AggregateID: a.AggregateID(), EventType: event.Type}
}

func (a *Aggregate) onNetworkInitialized(event eventsource.Event) error {
	// Nothing to mutate on the chain itself; lastBlockHeight bookkeeping is
	// handled generically by Root from event.BlockHeight, which Init sets
	// to startHeight below.
	return nil
}

func (a *Aggregate) onNetworkBlocksAdded(event eventsource.Event) error {
	var payload NetworkBlocksAddedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshaling NetworkBlocksAdded payload")
	}
	for _, b := range payload.Blocks {
		a.chain.push(b)
	}
	return nil
}

func (a *Aggregate) onNetworkReorganized(event eventsource.Event) error {
	var payload NetworkReorganizedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshaling NetworkReorganized payload")
	}
	a.chain.truncateAbove(payload.ReorgHeight)
	return nil
}

func (a *Aggregate) onNetworkCleared(event eventsource.Event) error {
	a.chain.clear()
	a.Root.ResetLastBlockHeight(-1)
	return nil
}

// SerializeState/RestoreState implement eventsource.StateSnapshotter.
func (a *Aggregate) SerializeState() (json.RawMessage, error) {
	return json.Marshal(a.chain.Snapshot())
}

func (a *Aggregate) RestoreState(state json.RawMessage) error {
	var blocks []LightBlock
	if err := json.Unmarshal(state, &blocks); err != nil {
		return err
	}
	a.chain.Restore(blocks)
	return nil
}

// Init computes startHeight following the listen-mode/configured-start/
// continue/gap rules and emits NetworkInitialized. It must be called
// once, right after the aggregate has been replayed to its current head
// by the event store.
//
// confirmGap is invoked only when the configured start leaves a gap above
// lastBlockHeight; it returns true to proceed (Init then emits no event and
// reports needsClear=true, leaving the caller to call ClearChain and perform
// a full rollback before re-Init) or false to abort initialization with
// ErrGapRequiresConfirmation.
func (a *Aggregate) Init(req InitRequest, confirmGap func(gapFrom, gapTo int64) bool) (eventsource.Event, bool, error) {
	last := a.LastBlockHeight()

	var startHeight int64
	switch {
	case a.chain.Empty() && req.StartHeight == nil:
		// Listen mode: start one below the network's current height.
		startHeight = int64(req.CurrentNetworkHeight) - 1
	case a.chain.Empty() && req.StartHeight != nil:
		startHeight = *req.StartHeight - 1
	case req.StartHeight == nil:
		startHeight = last
	case *req.StartHeight <= last:
		startHeight = last
	case *req.StartHeight > last+1:
		if confirmGap == nil || !confirmGap(last, *req.StartHeight) {
			return eventsource.Event{}, false, ErrGapRequiresConfirmation
		}
		// Caller must ClearChain + rollback before re-invoking Init; signal
		// that via needsClear=true and let the caller orchestrate it.
		return eventsource.Event{}, true, nil
	default:
		startHeight = *req.StartHeight - 1
	}

	event, err := a.Root.Apply(req.RequestID, EventNetworkInitialized, startHeight, NetworkInitializedPayload{StartHeight: startHeight})
	return event, false, err
}

// AddBlocks validates and applies a contiguous ascending batch. On a
// validation failure no event is emitted and the error is a
// *BlockchainValidationError for the pipeline to catch.
func (a *Aggregate) AddBlocks(requestID string, blocks []LightBlock) (eventsource.Event, error) {
	if len(blocks) == 0 {
		return eventsource.Event{}, errors.New("network: AddBlocks called with no blocks")
	}

	tip, hasTip := a.chain.Tip()
	lastHeight := a.LastBlockHeight()

	for _, b := range blocks {
		if !hasTip {
			if b.Height != uint64(lastHeight+1) {
				return eventsource.Event{}, &BlockchainValidationError{Height: b.Height, Reason: "first block does not extend lastBlockHeight"}
			}
		} else {
			if b.Height != tip.Height+1 {
				return eventsource.Event{}, &BlockchainValidationError{Height: b.Height, Reason: "non-contiguous height"}
			}
			if !b.PreviousBlockHash.IsEqual(&tip.Hash) {
				return eventsource.Event{}, &BlockchainValidationError{Height: b.Height, Reason: "previousblockhash mismatch"}
			}
		}
		tip = b
		hasTip = true
	}

	highest := blocks[len(blocks)-1].Height
	event, err := a.Root.Apply(requestID, EventNetworkBlocksAdded, int64(highest), NetworkBlocksAddedPayload{Blocks: blocks})
	return event, err
}

// Reorganisation walks backwards from the current tip, comparing retained
// blocks against the node's view, until it finds the fork point F (the
// greatest height at which hashes agree). It emits NetworkReorganized with
// reorgHeight=F. If no agreement is found within the retained window, it
// returns ErrReorgBeyondWindow and emits nothing.
func (a *Aggregate) Reorganisation(ctx context.Context, req ReorgRequest) (eventsource.Event, error) {
	tip, ok := a.chain.Tip()
	if !ok {
		return eventsource.Event{}, errors.New("network: Reorganisation called on empty chain")
	}
	oldest, _ := a.chain.OldestRetainedHeight()

	forkHeight, found := int64(-1), false
	for h := tip.Height; ; h-- {
		local, ok := a.chain.At(h)
		if ok {
			remote, err := req.Service.GetBlockByHeight(ctx, h)
			if err != nil {
				return eventsource.Event{}, errors.Wrapf(err, "fetching block %d from node during reorg walk", h)
			}
			if local.Hash.IsEqual(&remote.Hash) {
				forkHeight = int64(h)
				found = true
				break
			}
		}
		if h == oldest || h == 0 {
			break
		}
	}
	if !found {
		return eventsource.Event{}, ErrReorgBeyondWindow
	}

	truncated := a.chain.Snapshot()
	var above []LightBlock
	for _, b := range truncated {
		if b.Height > uint64(forkHeight) {
			above = append(above, b)
		}
	}

	event, err := a.Root.Apply(req.RequestID, EventNetworkReorganized, forkHeight, NetworkReorganizedPayload{
		ReorgHeight: uint64(forkHeight),
		Truncated:   above,
	})
	return event, err
}

// ClearChain emits NetworkCleared, used ahead of a full store rollback when
// Init has reported a confirmed gap.
func (a *Aggregate) ClearChain(requestID string) (eventsource.Event, error) {
	return a.Root.Apply(requestID, EventNetworkCleared, -1, NetworkClearedPayload{})
}
