package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/easylayer/bitcoin-crawler/internal/blocksqueue"
	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
	"github.com/easylayer/bitcoin-crawler/internal/eventstore"
	"github.com/easylayer/bitcoin-crawler/internal/model"
	"github.com/easylayer/bitcoin-crawler/internal/network"
	"github.com/easylayer/bitcoin-crawler/internal/provider"
)

func hashForHeight(h uint64) chainhash.Hash {
	var hash chainhash.Hash
	hash[0] = byte(h)
	hash[1] = byte(h >> 8)
	return hash
}

func lightChain(from, to uint64) []provider.Block {
	out := make([]provider.Block, 0, to-from+1)
	for h := from; h <= to; h++ {
		var prev chainhash.Hash
		if h > 0 {
			prev = hashForHeight(h - 1)
		}
		out = append(out, provider.Block{Height: h, Hash: hashForHeight(h), PreviousBlockHash: prev})
	}
	return out
}

// countingModel counts blocks it has seen, for assertions. It satisfies
// both model.Model and eventstore.Aggregate directly (AggregateID doubles
// as ModelID).
type countingModel struct {
	eventsource.Root
	Count int
}

func newCountingModel() model.Model {
	m := &countingModel{}
	m.Root.Init("counting-model", m, eventsource.Options{})
	return m
}

func (m *countingModel) ModelID() string { return m.AggregateID() }

func (m *countingModel) Handle(event eventsource.Event) error {
	if event.Type == "BlockSeen" {
		m.Count++
	}
	return nil
}

func (m *countingModel) ProcessBlock(ctx model.Context) error {
	_, err := m.Root.Apply("pipeline", "BlockSeen", int64(ctx.Block.Height), nil)
	return err
}

func (m *countingModel) SerializeState() (json.RawMessage, error) { return json.Marshal(m.Count) }
func (m *countingModel) RestoreState(s json.RawMessage) error      { return json.Unmarshal(s, &m.Count) }

type fakeNode struct {
	provider.Node
	blocksByHeight map[uint64]provider.Block
}

func (n *fakeNode) GetBlockByHeight(ctx context.Context, height uint64) (network.LightBlock, error) {
	b, ok := n.blocksByHeight[height]
	if !ok {
		return network.LightBlock{}, sql.ErrNoRows
	}
	return b.ToLight(), nil
}

func openTestStore(t *testing.T) *eventstore.Store {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	store, err := eventstore.OpenDB(db)
	if err != nil {
		t.Fatal(err)
	}
	return store
}

func TestAddBlocksBatchHappyPath(t *testing.T) {
	store := openTestStore(t)
	p := New(Config{
		Store:          store,
		Node:           &fakeNode{},
		NetworkMaxSize: 100,
		ModelCtors:     []model.Constructor{newCountingModel},
	})

	blocks := lightChain(0, 2)
	if err := p.AddBlocksBatch(context.Background(), blocksqueue.Batch{Blocks: blocks, RequestID: "req-1"}); err != nil {
		t.Fatal(err)
	}

	fresh := &countingModel{}
	fresh.Root.Init("counting-model", fresh, eventsource.Options{})
	if err := store.GetOne(context.Background(), fresh); err != nil {
		t.Fatal(err)
	}
	if fresh.Count != 3 {
		t.Fatalf("Count = %d, want 3", fresh.Count)
	}
}

func TestAddBlocksBatchReorgPath(t *testing.T) {
	store := openTestStore(t)

	node := &fakeNode{blocksByHeight: map[uint64]provider.Block{}}
	p := New(Config{
		Store:          store,
		Node:           node,
		NetworkMaxSize: 100,
		ModelCtors:     []model.Constructor{newCountingModel},
	})

	// Establish an initial chain 0..2.
	if err := p.AddBlocksBatch(context.Background(), blocksqueue.Batch{Blocks: lightChain(0, 2), RequestID: "req-1"}); err != nil {
		t.Fatal(err)
	}

	// The node's authoritative view agrees with the local chain at height
	// 0 but nowhere above, so the backward walk should settle on fork
	// height 0.
	node.blocksByHeight[0] = lightChain(0, 0)[0]
	node.blocksByHeight[1] = provider.Block{Height: 1, Hash: hashForHeight(99), PreviousBlockHash: hashForHeight(0)}
	node.blocksByHeight[2] = provider.Block{Height: 2, Hash: hashForHeight(98), PreviousBlockHash: hashForHeight(99)}

	// Incoming block at height 3 doesn't extend the local tip (height 2,
	// hash derived from hashForHeight(2)), forcing the validation-failure
	// -> reorg path.
	conflicting := provider.Block{Height: 3, Hash: hashForHeight(100), PreviousBlockHash: hashForHeight(99)}
	if err := p.AddBlocksBatch(context.Background(), blocksqueue.Batch{Blocks: []provider.Block{conflicting}, RequestID: "req-2"}); err != nil {
		t.Fatal(err)
	}

	events, err := store.FetchEvents(context.Background(), eventstore.FetchEventsFilter{AggregateIDs: []string{network.AggregateID}})
	if err != nil {
		t.Fatal(err)
	}
	var sawReorg bool
	for _, e := range events {
		if e.Type == network.EventNetworkReorganized {
			sawReorg = true
			if e.BlockHeight != 0 {
				t.Fatalf("reorg event block_height = %d, want 0 (fork point)", e.BlockHeight)
			}
		}
	}
	if !sawReorg {
		t.Fatal("expected a NetworkReorganized event after the conflicting batch")
	}
}
