package blocksqueue

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/easylayer/bitcoin-crawler/internal/provider"
)

// Loader fetches batches of blocks from the node provider and enqueues
// them. It retries transient RPC failures with exponential backoff and
// never forwards a reorg decision of its own: if the node serves a block
// whose previousblockhash mismatches what's already queued, the loader
// enqueues it anyway and leaves reorg detection to the network aggregate.
type Loader struct {
	queue    *Queue
	node     provider.Node
	strategy Strategy
	cfg      Config
	logger   *log.Logger
}

// NewLoader constructs a loader targeting the given strategy. The queue's
// own nextExpected cursor (set by Start and rewound by Reset) determines
// where fetching begins and resumes; the loader keeps no cursor of its own.
func NewLoader(queue *Queue, node provider.Node, strategy Strategy, cfg Config, logger *log.Logger) *Loader {
	return &Loader{queue: queue, node: node, strategy: strategy, cfg: cfg, logger: logger}
}

// Run drives the loader loop until ctx is canceled or the queue stops.
// Every iteration reads the queue's nextExpected cursor fresh, so a
// Reset(forkHeight) from the reorg path (which rewinds nextExpected to
// forkHeight+1) redirects a running loader on its very next iteration
// instead of letting it keep requesting past the fork.
func (l *Loader) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if l.queue.State() == StateStopped {
			return nil
		}

		l.queue.mu.Lock()
		overflow := l.queue.queuedByteOverflow()
		l.queue.mu.Unlock()
		if overflow {
			if err := l.waitForCapacity(ctx); err != nil {
				return err
			}
			continue
		}

		lastRequested := l.queue.nextExpectedHeight() - 1
		heights, err := l.strategy.NextHeights(ctx, lastRequested, l.cfg.QueueLoaderRequestBlocksBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logger.Printf("blocksqueue: strategy error, retrying: %v", err)
			if !l.sleepBackoff(ctx) {
				return ctx.Err()
			}
			continue
		}
		if len(heights) == 0 {
			// nothing new to fetch yet (e.g. pull-network caught up to tip)
			if !l.sleepBackoff(ctx) {
				return ctx.Err()
			}
			continue
		}

		blocks, err := l.fetchWithBackoff(ctx, heights)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		if err := l.queue.enqueue(ctx, blocks); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	}
}

func (l *Loader) fetchWithBackoff(ctx context.Context, heights []uint64) ([]provider.Block, error) {
	var blocks []provider.Block
	op := func() error {
		b, err := l.node.GetManyBlocksByHeights(ctx, heights)
		if err != nil {
			return err
		}
		blocks = b
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 10 * time.Second
	bo.Multiplier = 1.5
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	return blocks, err
}

func (l *Loader) sleepBackoff(ctx context.Context) bool {
	select {
	case <-time.After(time.Second):
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loader) waitForCapacity(ctx context.Context) error {
	l.queue.mu.Lock()
	defer l.queue.mu.Unlock()
	for l.queue.queuedByteOverflow() && !l.queue.closedOrStopped() {
		if err := l.queue.waitLocked(ctx); err != nil {
			return err
		}
	}
	return nil
}
