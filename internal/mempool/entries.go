package mempool

import (
	"encoding/json"
	"time"

	lru "github.com/hashicorp/golang-lru"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// Entry is the in-memory record for one mempool transaction.
type Entry struct {
	Txid        chainhash.Hash
	VSize       int64
	Fee         int64 // satoshis
	ModifiedFee int64 // satoshis; 0 if the node didn't report one
	Time        time.Time
	FullTx      json.RawMessage
	LoadedAt    *time.Time
	Providers   map[string]struct{}
}

// FeeRateSatVB returns max(modifiedFee, fee) / vsize.
func (e Entry) FeeRateSatVB() float64 {
	if e.VSize == 0 {
		return 0
	}
	fee := e.Fee
	if e.ModifiedFee > fee {
		fee = e.ModifiedFee
	}
	return float64(fee) / float64(e.VSize)
}

// cache is the bounded txid -> Entry mapping with LRU eviction and a
// minimum fee-rate admission filter. Built on hashicorp/golang-lru.
type cache struct {
	lru        *lru.Cache
	maxEntries int
	minFeeRate float64
}

func newCache(maxEntries int, minFeeRate float64) *cache {
	if maxEntries <= 0 {
		maxEntries = 50000
	}
	l, _ := lru.New(maxEntries) // only errs on non-positive size, guarded above
	return &cache{lru: l, maxEntries: maxEntries, minFeeRate: minFeeRate}
}

// clear drops every entry while keeping the configured capacity and
// fee-rate floor.
func (c *cache) clear() {
	c.lru.Purge()
}

// put admits e unless it falls below the fee-rate floor; eviction of the
// least-recently-used entry is automatic once maxEntries is exceeded.
func (c *cache) put(e Entry) (admitted bool) {
	if e.FeeRateSatVB() < c.minFeeRate {
		return false
	}
	c.lru.Add(e.Txid, e)
	return true
}

func (c *cache) get(txid chainhash.Hash) (Entry, bool) {
	v, ok := c.lru.Get(txid)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

func (c *cache) remove(txid chainhash.Hash) {
	c.lru.Remove(txid)
}

func (c *cache) contains(txid chainhash.Hash) bool {
	return c.lru.Contains(txid)
}

func (c *cache) keys() []chainhash.Hash {
	raw := c.lru.Keys()
	out := make([]chainhash.Hash, len(raw))
	for i, k := range raw {
		out[i] = k.(chainhash.Hash)
	}
	return out
}

func (c *cache) len() int {
	return c.lru.Len()
}
