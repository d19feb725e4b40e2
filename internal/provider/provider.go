// Package provider implements the node provider adapter: a thin,
// rate-limited wrapper around a Bitcoin node's JSON-RPC surface. This
// package defines the interface the rest of the crawler depends on and
// ships one concrete, minimal implementation.
package provider

import (
	"context"
	"encoding/json"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/easylayer/bitcoin-crawler/internal/network"
)

// Block is the full block payload passed transiently to user models.
// Raw preserves the original wire JSON so models can decode whatever
// extra fields they need without the adapter having to model the entire
// Bitcoin Core block schema.
type Block struct {
	Height            uint64
	Hash              chainhash.Hash
	PreviousBlockHash chainhash.Hash
	MerkleRoot        chainhash.Hash
	Time              time.Time
	Size              int64
	Weight            int64
	Tx                []chainhash.Hash
	Raw               json.RawMessage
}

// ToLight projects a Block down to the network aggregate's LightBlock
// representation.
func (b Block) ToLight() network.LightBlock {
	return network.LightBlock{
		Height:            b.Height,
		Hash:              b.Hash,
		PreviousBlockHash: b.PreviousBlockHash,
		MerkleRoot:        b.MerkleRoot,
		Tx:                append([]chainhash.Hash(nil), b.Tx...),
	}
}

// BlockStats is the lightweight per-height summary from getblockstats. The
// loader does not use it; queue byte backpressure is sized from the raw
// length of each fetched block.
type BlockStats struct {
	Height    uint64
	BlockHash chainhash.Hash
	TotalSize int64
}

// MempoolEntryInfo is the subset of `getrawmempool verbose` fields the
// mempool aggregate needs.
type MempoolEntryInfo struct {
	Txid        chainhash.Hash
	VSize       int64
	Fee         int64
	ModifiedFee int64
	Time        time.Time
}

// Node is the node provider adapter contract. All methods
// may be batched internally by the implementation; callers pass whatever
// heights/hashes they need in one call rather than looping.
type Node interface {
	GetCurrentBlockHeightFromNetwork(ctx context.Context) (uint64, error)
	GetCurrentBlockHeightFromMempool(ctx context.Context) (uint64, error)
	GetManyBlocksStatsByHeights(ctx context.Context, heights []uint64) ([]BlockStats, error)
	GetManyBlocksByHeights(ctx context.Context, heights []uint64) ([]Block, error)
	GetManyBlocksByHashes(ctx context.Context, hashes []chainhash.Hash) ([]Block, error)

	// GetBlockByHeight satisfies network.HeightService for the reorg walk.
	GetBlockByHeight(ctx context.Context, height uint64) (network.LightBlock, error)

	ListMempoolTxids(ctx context.Context) ([]chainhash.Hash, error)
	GetVerboseTransactions(ctx context.Context, txids []chainhash.Hash) ([]MempoolEntryInfo, error)
}

// RateLimitConfig mirrors the PROVIDER_RATE_LIMIT_* configuration options.
type RateLimitConfig struct {
	MaxConcurrentRequests int
	MaxBatchSize          int
	RequestDelayMs        int
	ResponseTimeout       time.Duration
}
