package network

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

func hashFor(label string) chainhash.Hash {
	return chainhash.HashH([]byte(label))
}

func lightBlock(height uint64, label, prevLabel string) LightBlock {
	return LightBlock{
		Height:            height,
		Hash:              hashFor(label),
		PreviousBlockHash: hashFor(prevLabel),
	}
}

func TestInitListenMode(t *testing.T) {
	a := New(10, eventsource.Options{})
	event, needsClear, err := a.Init(InitRequest{RequestID: "r1", CurrentNetworkHeight: 100}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if needsClear {
		t.Fatal("unexpected needsClear")
	}
	if event.BlockHeight != 99 {
		t.Fatalf("startHeight = %d, want 99", event.BlockHeight)
	}
	if a.LastBlockHeight() != 99 {
		t.Fatalf("LastBlockHeight() = %d, want 99", a.LastBlockHeight())
	}
}

func TestAddBlocksGenesisAndContiguity(t *testing.T) {
	a := New(10, eventsource.Options{})
	_, _, err := a.Init(InitRequest{RequestID: "r1", CurrentNetworkHeight: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}

	blocks := []LightBlock{
		lightBlock(0, "b0", "genesis"),
		lightBlock(1, "b1", "b0"),
		lightBlock(2, "b2", "b1"),
	}
	_, err = a.AddBlocks("r2", blocks)
	if err != nil {
		t.Fatal(err)
	}
	if a.LastBlockHeight() != 2 {
		t.Fatalf("LastBlockHeight() = %d, want 2", a.LastBlockHeight())
	}
	if !a.Chain().ValidateChain() {
		t.Fatal("chain should validate after contiguous add")
	}

	// A block that doesn't extend the tip must be rejected without mutating
	// state.
	bad := []LightBlock{lightBlock(4, "b4", "bogus")}
	_, err = a.AddBlocks("r3", bad)
	var verr *BlockchainValidationError
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !asBlockchainValidationError(err, &verr) {
		t.Fatalf("expected *BlockchainValidationError, got %T: %v", err, err)
	}
	if a.LastBlockHeight() != 2 {
		t.Fatalf("LastBlockHeight() changed after rejected batch: %d", a.LastBlockHeight())
	}
}

func asBlockchainValidationError(err error, target **BlockchainValidationError) bool {
	verr, ok := err.(*BlockchainValidationError)
	if ok {
		*target = verr
	}
	return ok
}

type fakeHeightService struct {
	byHeight map[uint64]LightBlock
}

func (f *fakeHeightService) GetBlockByHeight(_ context.Context, height uint64) (LightBlock, error) {
	return f.byHeight[height], nil
}

func TestReorganisationFindsForkPoint(t *testing.T) {
	a := New(10, eventsource.Options{})
	_, _, err := a.Init(InitRequest{RequestID: "r1", CurrentNetworkHeight: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	blocks := []LightBlock{
		lightBlock(0, "b0", "genesis"),
		lightBlock(1, "b1", "b0"),
		lightBlock(2, "b2-old", "b1"),
	}
	if _, err := a.AddBlocks("r2", blocks); err != nil {
		t.Fatal(err)
	}

	svc := &fakeHeightService{byHeight: map[uint64]LightBlock{
		0: lightBlock(0, "b0", "genesis"),
		1: lightBlock(1, "b1", "b0"),
		2: lightBlock(2, "b2-new", "b1"),
	}}
	event, err := a.Reorganisation(context.Background(), ReorgRequest{RequestID: "r3", Service: svc})
	if err != nil {
		t.Fatal(err)
	}
	if event.BlockHeight != 1 {
		t.Fatalf("reorgHeight = %d, want 1", event.BlockHeight)
	}
	if a.LastBlockHeight() != 1 {
		t.Fatalf("LastBlockHeight() = %d, want 1 after reorg", a.LastBlockHeight())
	}
	if _, ok := a.Chain().At(2); ok {
		t.Fatal("height 2 should have been truncated")
	}
}

func TestReorganisationBeyondWindowIsFatal(t *testing.T) {
	a := New(3, eventsource.Options{})
	_, _, err := a.Init(InitRequest{RequestID: "r1", CurrentNetworkHeight: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	blocks := []LightBlock{
		lightBlock(0, "g0", "genesis"),
		lightBlock(1, "g1", "g0"),
		lightBlock(2, "g2", "g1"),
		lightBlock(3, "g3", "g2"),
	}
	if _, err := a.AddBlocks("r2", blocks); err != nil {
		t.Fatal(err)
	}
	// Ring holds only heights 1..3 now (maxSize=3). Node disagrees
	// everywhere in that window.
	svc := &fakeHeightService{byHeight: map[uint64]LightBlock{
		1: lightBlock(1, "x1", "x0"),
		2: lightBlock(2, "x2", "x1"),
		3: lightBlock(3, "x3", "x2"),
	}}
	_, err = a.Reorganisation(context.Background(), ReorgRequest{RequestID: "r3", Service: svc})
	if err != ErrReorgBeyondWindow {
		t.Fatalf("err = %v, want ErrReorgBeyondWindow", err)
	}
}

func TestClearChainResetsLastBlockHeight(t *testing.T) {
	a := New(10, eventsource.Options{})
	_, _, err := a.Init(InitRequest{RequestID: "r1", CurrentNetworkHeight: 0}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddBlocks("r2", []LightBlock{lightBlock(0, "b0", "genesis")}); err != nil {
		t.Fatal(err)
	}
	if a.LastBlockHeight() != 0 {
		t.Fatalf("LastBlockHeight() = %d, want 0 before clear", a.LastBlockHeight())
	}

	if _, err := a.ClearChain("r3"); err != nil {
		t.Fatal(err)
	}
	if a.LastBlockHeight() != -1 {
		t.Fatalf("LastBlockHeight() = %d, want -1 after ClearChain", a.LastBlockHeight())
	}

	// Replay must reproduce the same reset, not just the live call path.
	history := a.Root.Commit()
	fresh := New(10, eventsource.Options{})
	if err := fresh.LoadFromHistory(history); err != nil {
		t.Fatal(err)
	}
	if fresh.LastBlockHeight() != -1 {
		t.Fatalf("replayed LastBlockHeight() = %d, want -1 after ClearChain", fresh.LastBlockHeight())
	}
}

func TestInitGapRequiresConfirmation(t *testing.T) {
	a := New(10, eventsource.Options{})
	if _, _, err := a.Init(InitRequest{RequestID: "r1", CurrentNetworkHeight: 0}, nil); err != nil {
		t.Fatal(err)
	}
	if _, err := a.AddBlocks("r2", []LightBlock{lightBlock(0, "b0", "genesis")}); err != nil {
		t.Fatal(err)
	}
	// lastBlockHeight is now 0; configured start of 200 leaves a gap.
	start := int64(200)
	_, _, err := a.Init(InitRequest{RequestID: "r3", StartHeight: &start}, func(gapFrom, gapTo int64) bool {
		return false
	})
	if err != ErrGapRequiresConfirmation {
		t.Fatalf("err = %v, want ErrGapRequiresConfirmation", err)
	}
}
