package blocksqueue

import (
	"context"
	"log"
	"strconv"

	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
)

// Iterator dequeues blocks in strict height order, groups them into
// batches bounded by QueueIteratorBlocksBatchSize, and drives the command
// executor. Blocks stay reserved in the queue until the executor's
// AddBlocksBatch call returns successfully, at which point they're
// confirmed and loader capacity opens back up. When the call fails the
// reservation is dropped and the same blocks are dispatched again; a
// failure wrapping eventsource.ErrFatalCorruption terminates the process.
type Iterator struct {
	queue    *Queue
	executor CommandExecutor
	cfg      Config
	logger   *log.Logger

	requestSeq uint64
}

func NewIterator(queue *Queue, executor CommandExecutor, cfg Config, logger *log.Logger) *Iterator {
	return &Iterator{queue: queue, executor: executor, cfg: cfg, logger: logger}
}

// Run drives the iterator loop until ctx is canceled or the queue stops.
func (it *Iterator) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if it.queue.State() == StateStopped {
			return nil
		}

		items, err := it.queue.nextBatch(ctx, it.cfg.QueueIteratorBlocksBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if len(items) == 0 {
			// queue stopped/drained with nothing left
			continue
		}

		requestID := it.nextRequestID()
		if err := it.dispatch(ctx, items, requestID); err != nil {
			if errors.Is(err, eventsource.ErrFatalCorruption) {
				it.logger.Fatalf("blocksqueue: fatal corruption in request %s: %v", requestID, err)
			}
			it.logger.Printf("blocksqueue: addBlocksBatch failed for request %s: %v", requestID, err)
			// Release the reservation so the next pass re-dispatches these blocks.
			it.queue.mu.Lock()
			it.queue.hasReserved = false
			it.queue.reservedUpTo = 0
			it.queue.mu.Unlock()
			continue
		}

		it.queue.confirm(items[len(items)-1].Height)
	}
}

func (it *Iterator) dispatch(ctx context.Context, items []BlockInFlight, requestID string) error {
	batch := Batch{RequestID: requestID}
	for _, b := range items {
		batch.Blocks = append(batch.Blocks, b.Block)
	}
	if err := it.executor.AddBlocksBatch(ctx, batch); err != nil {
		return errors.Wrapf(err, "addBlocksBatch(%s)", requestID)
	}
	return nil
}

func (it *Iterator) nextRequestID() string {
	it.requestSeq++
	return "batch-" + strconv.FormatUint(it.requestSeq, 10)
}
