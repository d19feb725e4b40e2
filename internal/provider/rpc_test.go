package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func hashForHeight(h uint64) string {
	return strings.Repeat("0", 63-len(itoaTest(h))) + itoaTest(h) + "a"
}

func itoaTest(h uint64) string {
	if h == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for h > 0 {
		i--
		buf[i] = byte('0' + h%10)
		h /= 10
	}
	return string(buf[i:])
}

// fakeBitcoind implements just enough of Bitcoin Core's JSON-RPC surface to
// exercise RPCProvider's batching and decoding paths.
func fakeBitcoind(t *testing.T, callCount *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt64(callCount, 1)
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatal(err)
		}
		var result interface{}
		switch req.Method {
		case "getblockcount":
			result = 100
		case "getblockhash":
			h := uint64(req.Params[0].(float64))
			result = hashForHeight(h)
		case "getblock":
			result = map[string]interface{}{
				"hash":   req.Params[0],
				"height": 1,
				"time":   time.Now().Unix(),
				"size":   1000,
				"weight": 4000,
				"tx": []map[string]interface{}{
					{"txid": hashForHeight(1)},
				},
			}
		case "getblockstats":
			result = map[string]interface{}{
				"blockhash":  hashForHeight(1),
				"total_size": 1000,
				"height":     1,
			}
		case "getrawmempool":
			result = []string{hashForHeight(1), hashForHeight(2)}
		default:
			t.Fatalf("unexpected method %s", req.Method)
		}
		resp := rpcResponse{ID: req.ID}
		resp.Result, _ = json.Marshal(result)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestGetCurrentBlockHeightFromNetwork(t *testing.T) {
	var calls int64
	srv := fakeBitcoind(t, &calls)
	defer srv.Close()

	p := NewRPCProvider(srv.URL, RateLimitConfig{})
	height, err := p.GetCurrentBlockHeightFromNetwork(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if height != 100 {
		t.Fatalf("height = %d, want 100", height)
	}
}

func TestGetManyBlocksByHeightsBatches(t *testing.T) {
	var calls int64
	srv := fakeBitcoind(t, &calls)
	defer srv.Close()

	p := NewRPCProvider(srv.URL, RateLimitConfig{MaxConcurrentRequests: 2})
	blocks, err := p.GetManyBlocksByHeights(context.Background(), []uint64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	if len(blocks) != 3 {
		t.Fatalf("len(blocks) = %d, want 3", len(blocks))
	}
	// one getblockhash + one getblock per height
	if calls != 6 {
		t.Fatalf("calls = %d, want 6", calls)
	}
}

func TestListMempoolTxids(t *testing.T) {
	var calls int64
	srv := fakeBitcoind(t, &calls)
	defer srv.Close()

	p := NewRPCProvider(srv.URL, RateLimitConfig{})
	txids, err := p.ListMempoolTxids(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(txids) != 2 {
		t.Fatalf("len(txids) = %d, want 2", len(txids))
	}
}

func TestRateLimiterPacesRequests(t *testing.T) {
	var calls int64
	srv := fakeBitcoind(t, &calls)
	defer srv.Close()

	p := NewRPCProvider(srv.URL, RateLimitConfig{RequestDelayMs: 50})
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := p.GetCurrentBlockHeightFromNetwork(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Fatalf("elapsed = %s, want at least ~100ms given 50ms pacing", elapsed)
	}
}

func TestCallRetriesOnTransientStatus(t *testing.T) {
	var attempts int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt64(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		resp := rpcResponse{ID: req.ID}
		resp.Result, _ = json.Marshal(42)
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	p := NewRPCProvider(srv.URL, RateLimitConfig{})
	height, err := p.GetCurrentBlockHeightFromNetwork(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if height != 42 {
		t.Fatalf("height = %d, want 42", height)
	}
	if atomic.LoadInt64(&attempts) != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}
