package network

import (
	"strconv"

	"github.com/pkg/errors"
)

// BlockchainValidationError is raised by AddBlocks when an incoming block's
// height or previousblockhash does not extend the current tip. It never
// produces an event; the pipeline catches it and starts a reorg.
type BlockchainValidationError struct {
	Height uint64
	Reason string
}

func (e *BlockchainValidationError) Error() string {
	return "network: validation failed at height " + strconv.FormatUint(e.Height, 10) + ": " + e.Reason
}

// ErrReorgBeyondWindow is raised by Reorganisation when no common ancestor
// is found within the retained ring: the fork is deeper than maxSize and
// requires operator intervention.
var ErrReorgBeyondWindow = errors.New("network: reorg fork point not found within retained window")

// ErrGapRequiresConfirmation is raised by Init when the configured start
// height leaves a gap above the last indexed height and confirmGap is nil
// or declines.
var ErrGapRequiresConfirmation = errors.New("network: start height gap requires operator confirmation")
