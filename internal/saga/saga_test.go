package saga

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/easylayer/bitcoin-crawler/internal/eventstore"
)

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

func TestStartListenModeReturnsNextHeight(t *testing.T) {
	store := openTestStore(t)
	height, err := Start(context.Background(), StartupConfig{
		Store:          store,
		NetworkMaxSize: 100,
		NetworkHeightFn: func(ctx context.Context) (uint64, error) { return 800000, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if height != 800000 {
		t.Fatalf("height = %d, want 800000 (listen mode starts one below current tip, loader resumes at lastBlockHeight+1)", height)
	}
}

func TestStartWithConfiguredStartHeight(t *testing.T) {
	store := openTestStore(t)
	start := int64(500000)
	height, err := Start(context.Background(), StartupConfig{
		Store:          store,
		NetworkMaxSize: 100,
		StartHeight:    &start,
		NetworkHeightFn: func(ctx context.Context) (uint64, error) { return 800000, nil },
	})
	if err != nil {
		t.Fatal(err)
	}
	if height != uint64(start) {
		t.Fatalf("height = %d, want %d", height, start)
	}
}

func TestStartIsIdempotentOnAnEmptyChain(t *testing.T) {
	// Re-running Start before any blocks have been added must not error:
	// the gap check in network.Aggregate.Init only applies once the chain
	// holds blocks (covered directly in internal/network's own tests).
	store := openTestStore(t)
	start := int64(500000)
	cfg := StartupConfig{
		Store:           store,
		NetworkMaxSize:  100,
		StartHeight:     &start,
		NetworkHeightFn: func(ctx context.Context) (uint64, error) { return 800000, nil },
	}
	if _, err := Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
	if _, err := Start(context.Background(), cfg); err != nil {
		t.Fatal(err)
	}
}
