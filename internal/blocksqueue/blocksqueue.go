// Package blocksqueue implements the two cooperating asynchronous loops
// that keep the pipeline fed with contiguous blocks ahead of its
// processing tip: a loader that fetches from the node provider and an
// iterator that hands ascending, gap-free batches to a command executor.
// The producer/waiter shape uses sync.Cond, with a Broadcast on every
// state change.
package blocksqueue

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/provider"
)

// State is the queue's lifecycle state.
type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// BlockInFlight is a block held in the in-memory queue, reserved or not.
type BlockInFlight struct {
	Block  provider.Block
	Bytes  int64
	Height uint64
}

// Batch groups consecutive blocks dispatched to the command executor in one
// addBlocksBatch call.
type Batch struct {
	Blocks    []provider.Block
	RequestID string
}

// CommandExecutor is the pipeline-side collaborator the iterator drives.
type CommandExecutor interface {
	AddBlocksBatch(ctx context.Context, batch Batch) error
}

// Config controls queue sizing and backpressure thresholds.
type Config struct {
	BasePreloadCount                  int
	QueueLoaderRequestBlocksBatchSize int
	QueueIteratorBlocksBatchSize      int
	MaxQueueSize                      int64
}

// Queue is the shared in-memory ordered structure the loader and iterator
// cooperate over. Access is guarded by a single mutex; state transitions
// are announced via a condition variable's Broadcast().
type Queue struct {
	cfg Config

	mu    sync.Mutex
	cond  *sync.Cond
	state State

	// items holds queued blocks in strict ascending height order, including
	// any already reserved (dispatched but not yet confirmed) by the
	// iterator.
	items []BlockInFlight

	// reservedUpTo is the height of the highest block currently reserved by
	// an in-flight, unconfirmed addBlocksBatch call. Reserved blocks are not
	// removed from items until confirmed.
	reservedUpTo uint64
	hasReserved  bool

	totalBytes int64

	// nextExpected is the next height the loader should request and the
	// height the iterator expects at the front of items.
	nextExpected uint64
}

// New builds an idle queue. Start must be called before the loader/iterator
// loops will do anything.
func New(cfg Config) *Queue {
	q := &Queue{cfg: cfg, state: StateIdle}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

func (q *Queue) setState(s State) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Start transitions Idle/Stopped -> Starting -> Running from initialHeight,
// the first height the loader should fetch.
func (q *Queue) Start(initialHeight uint64) {
	q.mu.Lock()
	q.state = StateStarting
	q.nextExpected = initialHeight
	q.items = nil
	q.reservedUpTo = 0
	q.hasReserved = false
	q.totalBytes = 0
	q.mu.Unlock()
	q.cond.Broadcast()

	q.setState(StateRunning)
}

// Stop signals both loops to wind down; in-flight batches complete but no
// new work starts.
func (q *Queue) Stop() {
	q.setState(StateDraining)
	q.setState(StateStopped)
	q.cond.Broadcast()
}

// Reset discards reserved and queued blocks above forkHeight and restarts
// the loader from forkHeight+1, implementing the reorg-triggered
// Drain -> Reset -> Running transition.
func (q *Queue) Reset(forkHeight uint64) {
	q.mu.Lock()
	q.state = StateDraining
	kept := q.items[:0]
	var bytes int64
	for _, b := range q.items {
		if b.Height <= forkHeight {
			kept = append(kept, b)
			bytes += b.Bytes
		}
	}
	q.items = kept
	q.totalBytes = bytes
	q.nextExpected = forkHeight + 1
	if q.hasReserved && q.reservedUpTo > forkHeight {
		q.hasReserved = false
		q.reservedUpTo = 0
	}
	q.state = StateRunning
	q.mu.Unlock()
	q.cond.Broadcast()
}

// nextExpectedHeight returns the next height the loader should request.
// Reading it fresh on every loader iteration (rather than caching it
// locally) is what lets Reset's rewind of nextExpected actually redirect a
// running loader after a reorg.
func (q *Queue) nextExpectedHeight() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.nextExpected
}

func (q *Queue) closedOrStopped() bool {
	return q.state == StateStopped || q.state == StateDraining
}

// enqueue appends a contiguous run of blocks in ascending height order,
// blocking (subject to ctx) while the queue is at capacity.
func (q *Queue) enqueue(ctx context.Context, blocks []provider.Block) error {
	for _, b := range blocks {
		raw := BlockInFlight{Block: b, Height: b.Height, Bytes: int64(len(b.Raw))}
		if raw.Bytes == 0 {
			raw.Bytes = 256 // conservative floor when Raw wasn't populated (e.g. in tests)
		}

		q.mu.Lock()
		for q.totalBytes+raw.Bytes > q.cfg.MaxQueueSize && !q.closedOrStopped() {
			if err := q.waitLocked(ctx); err != nil {
				q.mu.Unlock()
				return err
			}
		}
		if q.closedOrStopped() {
			q.mu.Unlock()
			return errors.New("blocksqueue: stopped while enqueueing")
		}
		q.items = append(q.items, raw)
		q.totalBytes += raw.Bytes
		if b.Height >= q.nextExpected {
			q.nextExpected = b.Height + 1
		}
		q.mu.Unlock()
		q.cond.Broadcast()
	}
	return nil
}

// waitLocked blocks on the condition variable until woken, honoring ctx
// cancellation. q.mu must be held on entry and is held again on return.
func (q *Queue) waitLocked(ctx context.Context) error {
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		q.mu.Lock()
		close(done)
		q.mu.Unlock()
		q.cond.Broadcast()
	})
	defer stop()

	q.cond.Wait()
	select {
	case <-done:
		return ctx.Err()
	default:
		return nil
	}
}

// queuedByteOverflow reports whether the loader should pause: either byte
// backpressure or the 2x iterator-batch block-count cap.
func (q *Queue) queuedByteOverflow() bool {
	if q.totalBytes >= q.cfg.MaxQueueSize {
		return true
	}
	return len(q.items) > 2*q.cfg.QueueIteratorBlocksBatchSize
}

// nextBatch pulls up to n consecutive, unreserved blocks starting at the
// current front of the queue, or blocks until at least one is available.
func (q *Queue) nextBatch(ctx context.Context, n int) ([]BlockInFlight, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for {
		start := 0
		if q.hasReserved {
			// find first unreserved item
			for start < len(q.items) && q.items[start].Height <= q.reservedUpTo {
				start++
			}
		}
		if start < len(q.items) {
			end := start
			for end < len(q.items) && end-start < n {
				if end > start && q.items[end].Height != q.items[end-1].Height+1 {
					break
				}
				end++
			}
			out := append([]BlockInFlight(nil), q.items[start:end]...)
			if len(out) > 0 {
				q.hasReserved = true
				q.reservedUpTo = out[len(out)-1].Height
				return out, nil
			}
		}
		if q.closedOrStopped() {
			return nil, nil
		}
		if err := q.waitLocked(ctx); err != nil {
			return nil, err
		}
	}
}

// confirm frees reserved blocks up through the batch's highest height,
// opening loader capacity. The iterator is the only caller and always
// confirms a batch it just dispatched. If that reservation is no longer
// held (Reset dropped it on the reorg path), nothing is confirmed.
func (q *Queue) confirm(highestHeight uint64) {
	q.mu.Lock()
	if !q.hasReserved || q.reservedUpTo != highestHeight {
		q.mu.Unlock()
		return
	}
	kept := q.items[:0]
	var bytes int64
	for _, b := range q.items {
		if b.Height > highestHeight {
			kept = append(kept, b)
			bytes += b.Bytes
		}
	}
	q.items = kept
	q.totalBytes = bytes
	q.hasReserved = false
	q.reservedUpTo = 0
	q.mu.Unlock()
	q.cond.Broadcast()
}
