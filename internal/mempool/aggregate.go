// Package mempool implements the optional mempool aggregate: a bounded
// cache of mempool txids and their metadata, refreshed by an independent
// sync loop and consulted read-only by user models.
package mempool

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// AggregateID is the stable id for the single mempool aggregate instance.
const AggregateID = "mempool"

// Provider is the node-provider surface the mempool aggregate needs.
type Provider interface {
	GetCurrentBlockHeightFromMempool(ctx context.Context) (uint64, error)
	ListMempoolTxids(ctx context.Context) ([]chainhash.Hash, error)
	GetVerboseTransactions(ctx context.Context, txids []chainhash.Hash) ([]EntryInfo, error)
}

// EntryInfo is what a Provider reports per txid; mirrors
// provider.MempoolEntryInfo so this package doesn't have to import
// provider (avoiding an import cycle with callers that wire both).
type EntryInfo struct {
	Txid        chainhash.Hash
	VSize       int64
	Fee         int64
	ModifiedFee int64
}

// Aggregate is the mempool aggregate.
type Aggregate struct {
	eventsource.Root
	cache *cache
}

// New constructs a mempool aggregate bounded by maxEntries and filtering
// out anything below minFeeRateSatVB.
func New(maxEntries int, minFeeRateSatVB float64, options eventsource.Options) *Aggregate {
	a := &Aggregate{cache: newCache(maxEntries, minFeeRateSatVB)}
	a.Root.Init(AggregateID, a, options)
	return a
}

func (a *Aggregate) Handle(event eventsource.Event) error {
	switch event.Type {
	case EventMempoolInitialized:
		return nil // cache was already populated by Init's provider fetch
	case EventMempoolSyncProcessed:
		return a.onSyncProcessed(event)
	case EventMempoolRefreshed:
		return a.onRefreshed(event)
	case EventMempoolSynchronized:
		return nil // cache was already repopulated by the caller's provider fetch
	}
	return &eventsource.HandlerNotFound{AggregateID: a.AggregateID(), EventType: event.Type}
}

// onSyncProcessed removes txids the node no longer carries. Added txids
// are not reinserted here: admission requires fee/vsize metadata that
// isn't part of the wire-stable payload, so it happens once, in
// ProcessSync, via a live provider fetch — the mempool aggregate's
// lifetime is orthogonal to block ingestion and isn't required to replay
// byte-for-byte identically.
func (a *Aggregate) onSyncProcessed(event eventsource.Event) error {
	var payload MempoolSyncProcessedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshaling MempoolSyncProcessed payload")
	}
	for _, txid := range payload.Removed {
		a.cache.remove(txid)
	}
	return nil
}

func (a *Aggregate) onRefreshed(event eventsource.Event) error {
	var payload MempoolRefreshedPayload
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return errors.Wrap(err, "unmarshaling MempoolRefreshed payload")
	}
	for _, txid := range payload.ConfirmedTxids {
		a.cache.remove(txid)
	}
	return nil
}

// Init snapshots the node's current mempool into the cache and emits
// MempoolInitialized.
func (a *Aggregate) Init(ctx context.Context, requestID string, p Provider) (eventsource.Event, error) {
	height, err := p.GetCurrentBlockHeightFromMempool(ctx)
	if err != nil {
		return eventsource.Event{}, errors.Wrap(err, "fetching mempool height")
	}
	txids, err := p.ListMempoolTxids(ctx)
	if err != nil {
		return eventsource.Event{}, errors.Wrap(err, "listing mempool txids")
	}
	if err := a.loadAndAdmit(ctx, p, txids); err != nil {
		return eventsource.Event{}, err
	}
	return a.Root.Apply(requestID, EventMempoolInitialized, int64(height), MempoolInitializedPayload{Height: height})
}

// ProcessSync diffs the node's current mempool against the cached set and
// emits MempoolSyncProcessed listing added/removed txids.
func (a *Aggregate) ProcessSync(ctx context.Context, requestID string, p Provider) (eventsource.Event, error) {
	current, err := p.ListMempoolTxids(ctx)
	if err != nil {
		return eventsource.Event{}, errors.Wrap(err, "listing mempool txids")
	}
	currentSet := make(map[chainhash.Hash]struct{}, len(current))
	for _, t := range current {
		currentSet[t] = struct{}{}
	}

	var added, removed []chainhash.Hash
	for _, t := range current {
		if !a.cache.contains(t) {
			added = append(added, t)
		}
	}
	for _, t := range a.cache.keys() {
		if _, ok := currentSet[t]; !ok {
			removed = append(removed, t)
		}
	}

	if len(added) > 0 {
		if err := a.loadAndAdmit(ctx, p, added); err != nil {
			return eventsource.Event{}, err
		}
	}

	return a.Root.Apply(requestID, EventMempoolSyncProcessed, a.LastBlockHeight(), MempoolSyncProcessedPayload{Added: added, Removed: removed})
}

// ProcessBlocksBatch removes txids that were just confirmed in blocks,
// emitting MempoolRefreshed.
func (a *Aggregate) ProcessBlocksBatch(requestID string, confirmedTxids []chainhash.Hash) (eventsource.Event, error) {
	return a.Root.Apply(requestID, EventMempoolRefreshed, a.LastBlockHeight(), MempoolRefreshedPayload{ConfirmedTxids: confirmedTxids})
}

// ProcessReorganisation re-fetches transactions for ancestors discarded by
// a reorg and reinserts them into the mempool cache, since blocks that are
// no longer part of the best chain return their transactions to the
// mempool.
func (a *Aggregate) ProcessReorganisation(ctx context.Context, requestID string, p Provider, affectedTxids []chainhash.Hash) (eventsource.Event, error) {
	if err := a.loadAndAdmit(ctx, p, affectedTxids); err != nil {
		return eventsource.Event{}, err
	}
	return a.Root.Apply(requestID, EventMempoolSynchronized, a.LastBlockHeight(), MempoolSynchronizedPayload{})
}

func (a *Aggregate) loadAndAdmit(ctx context.Context, p Provider, txids []chainhash.Hash) error {
	if len(txids) == 0 {
		return nil
	}
	infos, err := p.GetVerboseTransactions(ctx, txids)
	if err != nil {
		return errors.Wrap(err, "fetching verbose mempool transactions")
	}
	for _, info := range infos {
		a.cache.put(Entry{
			Txid:        info.Txid,
			VSize:       info.VSize,
			Fee:         info.Fee,
			ModifiedFee: info.ModifiedFee,
			Providers:   map[string]struct{}{"default": {}},
		})
	}
	return nil
}

// Contains reports whether txid is currently cached.
func (a *Aggregate) Contains(txid string) bool {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return false
	}
	return a.cache.contains(*h)
}

// FeeRateStats computes lazy statistics over the cache rather than
// maintaining a running aggregate on every insert.
func (a *Aggregate) FeeRateStats(ctx context.Context) (Stats, error) {
	keys := a.cache.keys()
	if len(keys) == 0 {
		return Stats{}, nil
	}
	rates := make([]float64, 0, len(keys))
	for _, k := range keys {
		e, ok := a.cache.get(k)
		if !ok {
			continue
		}
		rates = append(rates, e.FeeRateSatVB())
	}
	sort.Float64s(rates)
	return Stats{
		Count:       len(rates),
		MinSatVB:    rates[0],
		MedianSatVB: rates[len(rates)/2],
		MaxSatVB:    rates[len(rates)-1],
	}, nil
}

// Stats mirrors model.FeeRateStats; kept as a separate type to avoid this
// package importing model (which itself may import mempool's interface
// subset via a narrower reader).
type Stats struct {
	Count       int
	MinSatVB    float64
	MedianSatVB float64
	MaxSatVB    float64
}

// SerializeState/RestoreState implement eventsource.StateSnapshotter by
// persisting the cached txid set (metadata is cheap to re-fetch on
// restart, so only identity is snapshotted, not full Entry payloads).
func (a *Aggregate) SerializeState() (json.RawMessage, error) {
	keys := a.cache.keys()
	strs := make([]string, len(keys))
	for i, k := range keys {
		strs[i] = k.String()
	}
	return json.Marshal(strs)
}

func (a *Aggregate) RestoreState(state json.RawMessage) error {
	var strs []string
	if err := json.Unmarshal(state, &strs); err != nil {
		return err
	}
	for _, s := range strs {
		h, err := chainhash.NewHashFromStr(s)
		if err != nil {
			return err
		}
		a.cache.put(Entry{Txid: *h, VSize: 1}) // placeholder metadata; refreshed by next sync
	}
	return nil
}
