// Package config loads the crawler's configuration options: a TOML file
// layered under environment-variable overrides, via knadh/koanf. It also
// computes the derived queue-sizing values that depend on the configured
// network's block weight.
package config

import (
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/model"
)

// Config holds every enumerated option plus the values derived from them.
type Config struct {
	StartBlockHeight int64  // -1 means unset
	MaxBlockHeight   int64  // 0 means unbounded
	NetworkType      string
	NetworkMaxBlockSize   int64
	NetworkMaxBlockWeight int64
	NetworkTargetBlockTime int64

	BlocksQueueLoaderStrategyName    string
	BlocksQueueLoaderPreloaderBase   int

	MempoolMinFeeRate float64

	EventStoreSnapshotInterval uint64

	ProviderRateLimitMaxConcurrentRequests int
	ProviderRateLimitMaxBatchSize          int
	ProviderRateLimitRequestDelayMs        int

	ProviderNetworkRPCURLs []string
	ProviderMempoolRPCURLs []string

	// Derived: queueIteratorBlocksBatchSize = 2 * maxBlockWeight, etc.
	QueueIteratorBlocksBatchSize      int64
	QueueLoaderRequestBlocksBatchSize int64
	MaxQueueSize                      int64
}

func defaults() *koanf.Koanf {
	k := koanf.New(".")
	_ = k.Load(confmap.Provider(map[string]interface{}{
		"start_block_height":                          -1,
		"max_block_height":                             0,
		"network.type":                                 string(model.NetworkMainnet),
		"network.max_block_size":                       4_000_000,
		"network.max_block_weight":                     4_000_000,
		"network.target_block_time":                    600,
		"blocks_queue.loader_strategy_name":             "sequential",
		"blocks_queue.loader_preloader_base_count":      16,
		"mempool.min_fee_rate":                          1.0,
		"eventstore.snapshot_interval":                  50,
		"provider.rate_limit.max_concurrent_requests":   4,
		"provider.rate_limit.max_batch_size":            16,
		"provider.rate_limit.request_delay_ms":          0,
	}, "."), nil)
	return k
}

// Load layers defaults, then an optional TOML file at path (skipped if
// path is empty; a file that cannot be loaded, including a missing one, is
// an error), then environment variables prefixed
// with envPrefix (e.g. "CRAWLER_"). Env vars use "_" in place of "." so
// CRAWLER_NETWORK_TYPE maps to the "network.type" key.
func Load(path, envPrefix string) (*Config, error) {
	k := defaults()

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, errors.Wrapf(err, "loading config file %s", path)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		s = strings.TrimPrefix(s, envPrefix)
		return strings.ToLower(strings.ReplaceAll(s, "_", "."))
	}), nil); err != nil {
		return nil, errors.Wrap(err, "loading environment overrides")
	}

	cfg := &Config{
		StartBlockHeight:       k.Int64("start_block_height"),
		MaxBlockHeight:         k.Int64("max_block_height"),
		NetworkType:            k.String("network.type"),
		NetworkMaxBlockSize:    k.Int64("network.max_block_size"),
		NetworkMaxBlockWeight:  k.Int64("network.max_block_weight"),
		NetworkTargetBlockTime: k.Int64("network.target_block_time"),

		BlocksQueueLoaderStrategyName:  k.String("blocks_queue.loader_strategy_name"),
		BlocksQueueLoaderPreloaderBase: k.Int("blocks_queue.loader_preloader_base_count"),

		MempoolMinFeeRate: k.Float64("mempool.min_fee_rate"),

		EventStoreSnapshotInterval: uint64(k.Int64("eventstore.snapshot_interval")),

		ProviderRateLimitMaxConcurrentRequests: k.Int("provider.rate_limit.max_concurrent_requests"),
		ProviderRateLimitMaxBatchSize:          k.Int("provider.rate_limit.max_batch_size"),
		ProviderRateLimitRequestDelayMs:        k.Int("provider.rate_limit.request_delay_ms"),

		ProviderNetworkRPCURLs: k.Strings("provider.network_rpc_urls"),
		ProviderMempoolRPCURLs: k.Strings("provider.mempool_rpc_urls"),
	}

	cfg.QueueIteratorBlocksBatchSize = 2 * cfg.NetworkMaxBlockWeight
	cfg.QueueLoaderRequestBlocksBatchSize = 2 * cfg.NetworkMaxBlockWeight
	cfg.MaxQueueSize = 10 * cfg.QueueIteratorBlocksBatchSize

	return cfg, nil
}
