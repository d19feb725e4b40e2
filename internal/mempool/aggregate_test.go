package mempool

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

func hashFor(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

type fakeProvider struct {
	height uint64
	txids  []chainhash.Hash
	infos  map[chainhash.Hash]EntryInfo
}

func (p *fakeProvider) GetCurrentBlockHeightFromMempool(ctx context.Context) (uint64, error) {
	return p.height, nil
}

func (p *fakeProvider) ListMempoolTxids(ctx context.Context) ([]chainhash.Hash, error) {
	return p.txids, nil
}

func (p *fakeProvider) GetVerboseTransactions(ctx context.Context, txids []chainhash.Hash) ([]EntryInfo, error) {
	out := make([]EntryInfo, len(txids))
	for i, t := range txids {
		out[i] = p.infos[t]
	}
	return out, nil
}

func TestInitAdmitsAboveFeeFloor(t *testing.T) {
	t1, t2 := hashFor(1), hashFor(2)
	p := &fakeProvider{
		height: 100,
		txids:  []chainhash.Hash{t1, t2},
		infos: map[chainhash.Hash]EntryInfo{
			t1: {Txid: t1, VSize: 200, Fee: 2000}, // 10 sat/vB
			t2: {Txid: t2, VSize: 200, Fee: 20},   // 0.1 sat/vB, below floor
		},
	}

	agg := New(100, 1.0, eventsource.Options{})
	if _, err := agg.Init(context.Background(), "r1", p); err != nil {
		t.Fatal(err)
	}
	if !agg.cache.contains(t1) {
		t.Fatal("expected t1 to be admitted")
	}
	if agg.cache.contains(t2) {
		t.Fatal("expected t2 to be filtered out by the fee-rate floor")
	}
}

func TestProcessSyncDiffsAddedAndRemoved(t *testing.T) {
	t1, t2, t3 := hashFor(1), hashFor(2), hashFor(3)
	p := &fakeProvider{
		txids: []chainhash.Hash{t1},
		infos: map[chainhash.Hash]EntryInfo{
			t1: {Txid: t1, VSize: 200, Fee: 2000},
			t3: {Txid: t3, VSize: 200, Fee: 2000},
		},
	}

	agg := New(100, 0, eventsource.Options{})
	if _, err := agg.Init(context.Background(), "r1", p); err != nil {
		t.Fatal(err)
	}
	_ = t2

	p.txids = []chainhash.Hash{t3} // t1 dropped from mempool, t3 newly arrived
	event, err := agg.ProcessSync(context.Background(), "r2", p)
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != EventMempoolSyncProcessed {
		t.Fatalf("event.Type = %s, want %s", event.Type, EventMempoolSyncProcessed)
	}
	if agg.cache.contains(t1) {
		t.Fatal("expected t1 to be removed")
	}
	if !agg.cache.contains(t3) {
		t.Fatal("expected t3 to be admitted")
	}
}

func TestProcessBlocksBatchRemovesConfirmed(t *testing.T) {
	t1 := hashFor(1)
	p := &fakeProvider{
		txids: []chainhash.Hash{t1},
		infos: map[chainhash.Hash]EntryInfo{t1: {Txid: t1, VSize: 200, Fee: 2000}},
	}
	agg := New(100, 0, eventsource.Options{})
	if _, err := agg.Init(context.Background(), "r1", p); err != nil {
		t.Fatal(err)
	}

	if _, err := agg.ProcessBlocksBatch("r2", []chainhash.Hash{t1}); err != nil {
		t.Fatal(err)
	}
	if agg.cache.contains(t1) {
		t.Fatal("expected t1 to be removed after confirmation")
	}
}

func TestReplayReproducesRemovals(t *testing.T) {
	t1 := hashFor(1)
	p := &fakeProvider{
		txids: []chainhash.Hash{t1},
		infos: map[chainhash.Hash]EntryInfo{t1: {Txid: t1, VSize: 200, Fee: 2000}},
	}
	agg := New(100, 0, eventsource.Options{})
	if _, err := agg.Init(context.Background(), "r1", p); err != nil {
		t.Fatal(err)
	}
	if _, err := agg.ProcessBlocksBatch("r2", []chainhash.Hash{t1}); err != nil {
		t.Fatal(err)
	}

	history := agg.Root.Commit()
	fresh := New(100, 0, eventsource.Options{})
	if err := fresh.LoadFromHistory(history); err != nil {
		t.Fatal(err)
	}
	if fresh.cache.contains(t1) {
		t.Fatal("expected t1 absent after replaying MempoolRefreshed")
	}
}
