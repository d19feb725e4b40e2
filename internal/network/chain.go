// Package network implements the chain-tracking network aggregate: the
// authoritative, bounded in-memory view of the chain tip used to validate
// incoming blocks and to detect and apply reorganisations.
package network

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// LightBlock is a block reduced to the fields the core ever needs to keep
// around after a block has been processed. Full block
// payloads are passed transiently to user models and never stored here.
type LightBlock struct {
	Height            uint64          `json:"height"`
	Hash              chainhash.Hash  `json:"hash"`
	PreviousBlockHash chainhash.Hash  `json:"previousblockhash"`
	MerkleRoot        chainhash.Hash  `json:"merkleroot"`
	Tx                []chainhash.Hash `json:"tx"`
}

// Chain is a bounded ring of the most recently seen LightBlocks, ordered by
// ascending height with no gaps. Dropping happens from the front (oldest)
// once len(blocks) exceeds maxSize.
type Chain struct {
	maxSize int
	blocks  []LightBlock
}

// NewChain builds an empty chain bounded to maxSize blocks.
func NewChain(maxSize int) *Chain {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Chain{maxSize: maxSize}
}

// Empty reports whether the chain currently holds no blocks.
func (c *Chain) Empty() bool { return len(c.blocks) == 0 }

// Tip returns the highest block currently retained, and false if the chain
// is empty.
func (c *Chain) Tip() (LightBlock, bool) {
	if len(c.blocks) == 0 {
		return LightBlock{}, false
	}
	return c.blocks[len(c.blocks)-1], true
}

// At returns the retained block at the given height, and false if it is
// not (or no longer) in the window.
func (c *Chain) At(height uint64) (LightBlock, bool) {
	for _, b := range c.blocks {
		if b.Height == height {
			return b, true
		}
	}
	return LightBlock{}, false
}

// OldestRetainedHeight returns the lowest height still in the window, and
// false if the chain is empty.
func (c *Chain) OldestRetainedHeight() (uint64, bool) {
	if len(c.blocks) == 0 {
		return 0, false
	}
	return c.blocks[0].Height, true
}

// push appends a block, then trims from the front if the ring has grown
// past maxSize. Callers are expected to have already validated height/hash
// continuity.
func (c *Chain) push(b LightBlock) {
	c.blocks = append(c.blocks, b)
	if len(c.blocks) > c.maxSize {
		c.blocks = c.blocks[len(c.blocks)-c.maxSize:]
	}
}

// truncateAbove drops every retained block with height > height, used when
// applying a NetworkReorganized event.
func (c *Chain) truncateAbove(height uint64) []LightBlock {
	var truncated []LightBlock
	kept := c.blocks[:0:0]
	for _, b := range c.blocks {
		if b.Height > height {
			truncated = append(truncated, b)
		} else {
			kept = append(kept, b)
		}
	}
	c.blocks = kept
	return truncated
}

func (c *Chain) clear() {
	c.blocks = nil
}

// ValidateChain checks the chain invariants: heights strictly increasing
// by 1 with no gaps, and each block's previousblockhash links to its
// predecessor's hash.
func (c *Chain) ValidateChain() bool {
	for i := 1; i < len(c.blocks); i++ {
		prev, cur := c.blocks[i-1], c.blocks[i]
		if cur.Height != prev.Height+1 {
			return false
		}
		if !cur.PreviousBlockHash.IsEqual(&prev.Hash) {
			return false
		}
	}
	return true
}

// Snapshot returns a defensive copy of the retained blocks, ascending by
// height, for serialization.
func (c *Chain) Snapshot() []LightBlock {
	out := make([]LightBlock, len(c.blocks))
	copy(out, c.blocks)
	return out
}

// Restore replaces the retained blocks wholesale (used when restoring from
// a stored snapshot).
func (c *Chain) Restore(blocks []LightBlock) {
	c.blocks = append([]LightBlock(nil), blocks...)
	if len(c.blocks) > c.maxSize {
		c.blocks = c.blocks[len(c.blocks)-c.maxSize:]
	}
}
