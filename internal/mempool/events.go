package mempool

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Event type discriminants.
const (
	EventMempoolInitialized = "MempoolInitialized"
	EventMempoolSyncProcessed = "MempoolSyncProcessed"
	EventMempoolRefreshed   = "MempoolRefreshed"
	EventMempoolSynchronized = "MempoolSynchronized"
)

type MempoolInitializedPayload struct {
	Height uint64 `json:"height"`
}

// MempoolSyncProcessedPayload is the incremental-sync diff between the
// node's current mempool and the cached txid set.
type MempoolSyncProcessedPayload struct {
	Added   []chainhash.Hash `json:"added"`
	Removed []chainhash.Hash `json:"removed"`
}

// MempoolRefreshedPayload carries the txids confirmed in the batch just
// processed, so Handle can remove them deterministically on both live
// apply and replay.
type MempoolRefreshedPayload struct {
	ConfirmedTxids []chainhash.Hash `json:"confirmedTxids"`
}

type MempoolSynchronizedPayload struct{}
