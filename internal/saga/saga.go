// Package saga implements the small event-driven orchestration loops that
// sit above the core aggregates: bringing the network aggregate up at
// startup (including clearing and rolling back when a start-height gap is
// confirmed), and running the mempool's independent sync cycle. Reorgs are
// handled by the pipeline, not here.
package saga

import (
	"context"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
	"github.com/easylayer/bitcoin-crawler/internal/eventstore"
	"github.com/easylayer/bitcoin-crawler/internal/mempool"
	"github.com/easylayer/bitcoin-crawler/internal/network"
)

// StartupConfig bundles what Start needs to bring the network aggregate to
// a known-good head and report the height the blocks queue should resume
// from.
type StartupConfig struct {
	Store          *eventstore.Store
	NetworkMaxSize int
	NetworkOptions eventsource.Options
	StartHeight    *int64
	// UserModelIDs are wiped entirely (all events and snapshots) when Init
	// needs a full clear; the network aggregate's own log is never
	// truncated — its NetworkCleared event is simply appended on top, the
	// same way a reorg appends NetworkReorganized rather than rewriting
	// history.
	UserModelIDs    []string
	NetworkHeightFn func(ctx context.Context) (uint64, error)
	// ConfirmGap is asked for permission before discarding the existing
	// chain when the configured start height leaves a gap above the last
	// indexed height.
	ConfirmGap func(gapFrom, gapTo int64) bool
	Logger     *log.Logger
}

// Start implements the init→network-start saga: load the network
// aggregate, run Init, and handle the gap-requires-clear branch by
// clearing the chain and rolling back every aggregate before retrying.
// It returns the height the loader should begin fetching from
// (lastBlockHeight + 1).
func Start(ctx context.Context, cfg StartupConfig) (uint64, error) {
	agg := network.New(cfg.NetworkMaxSize, cfg.NetworkOptions)
	if err := cfg.Store.GetOne(ctx, agg); err != nil {
		return 0, errors.Wrap(err, "loading network aggregate")
	}

	currentHeight, err := cfg.NetworkHeightFn(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "querying node's current height")
	}

	event, needsClear, err := agg.Init(network.InitRequest{
		RequestID:            "startup",
		StartHeight:          cfg.StartHeight,
		CurrentNetworkHeight: currentHeight,
	}, cfg.ConfirmGap)

	switch {
	case errors.Is(err, network.ErrGapRequiresConfirmation):
		return 0, err
	case err != nil:
		return 0, errors.Wrap(err, "network.Init")
	case needsClear:
		if err := clearAndRestart(ctx, cfg, agg); err != nil {
			return 0, err
		}
		return Start(ctx, cfg)
	}

	if err := cfg.Store.Save(ctx, []eventstore.Aggregate{agg}); err != nil {
		return 0, errors.Wrap(err, "saving network initialization")
	}
	return uint64(event.BlockHeight + 1), nil
}

func clearAndRestart(ctx context.Context, cfg StartupConfig, agg *network.Aggregate) error {
	if _, err := agg.ClearChain("startup-clear"); err != nil {
		return errors.Wrap(err, "network.ClearChain")
	}
	return cfg.Store.Rollback(ctx, eventstore.RollbackRequest{
		ModelsToRollback: cfg.UserModelIDs,
		BlockHeight:      -1,
		ModelsToSave:     []eventstore.Aggregate{agg},
	})
}

// MempoolSyncLoop runs the mempool's independent refresh cycle until ctx
// is canceled: on each tick it diffs the node's mempool against the cache
// and persists the resulting event. Errors are logged and the loop
// continues rather than crashing the whole process over a single failed
// poll.
func MempoolSyncLoop(ctx context.Context, interval time.Duration, agg *mempool.Aggregate, node mempool.Provider, store *eventstore.Store, logger *log.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := agg.ProcessSync(ctx, "mempool-sync", node); err != nil {
				logger.Printf("saga: mempool sync failed: %v", err)
				continue
			}
			if err := store.Save(ctx, []eventstore.Aggregate{agg}); err != nil {
				logger.Printf("saga: mempool sync save failed: %v", err)
			}
		}
	}
}
