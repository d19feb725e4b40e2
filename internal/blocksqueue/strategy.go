package blocksqueue

import "context"

// Strategy selects which heights the loader should request next.
type Strategy interface {
	// NextHeights returns the heights to fetch next, given the last height
	// already enqueued (or requested) and a cap on how many to return.
	NextHeights(ctx context.Context, lastRequested uint64, max int) ([]uint64, error)
}

// networkTipper is the subset of provider.Node the pull-network strategy
// needs; kept narrow so tests can fake it without a full Node.
type networkTipper interface {
	GetCurrentBlockHeightFromNetwork(ctx context.Context) (uint64, error)
}

// SequentialStrategy requests [lastRequested+1 .. lastRequested+n] without
// consulting the node's current tip.
type SequentialStrategy struct{}

func (SequentialStrategy) NextHeights(_ context.Context, lastRequested uint64, max int) ([]uint64, error) {
	out := make([]uint64, 0, max)
	for h := lastRequested + 1; len(out) < max; h++ {
		out = append(out, h)
	}
	return out, nil
}

// PullNetworkStrategy queries the node's current tip first, then bounds the
// batch by both max and nodeTip-lastRequested.
type PullNetworkStrategy struct {
	Node networkTipper
}

func (s PullNetworkStrategy) NextHeights(ctx context.Context, lastRequested uint64, max int) ([]uint64, error) {
	tip, err := s.Node.GetCurrentBlockHeightFromNetwork(ctx)
	if err != nil {
		return nil, err
	}
	if tip <= lastRequested {
		return nil, nil
	}
	available := tip - lastRequested
	n := max
	if available < uint64(n) {
		n = int(available)
	}
	out := make([]uint64, 0, n)
	for h := lastRequested + 1; len(out) < n; h++ {
		out = append(out, h)
	}
	return out, nil
}
