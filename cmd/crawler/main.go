// Command crawler wires the blocks queue, network aggregate, pipeline,
// optional mempool aggregate, and a minimal HTTP query/subscription
// transport into a single running process.
//
// The user-model registry is left to the operator: New accepts a slice of
// model.Constructor, so this binary is a library of wiring, not a
// standalone app with business logic baked in. See examples/balancemodel
// for one model registered this way.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/blocksqueue"
	"github.com/easylayer/bitcoin-crawler/internal/config"
	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
	"github.com/easylayer/bitcoin-crawler/internal/eventstore"
	"github.com/easylayer/bitcoin-crawler/internal/logger"
	"github.com/easylayer/bitcoin-crawler/internal/mempool"
	"github.com/easylayer/bitcoin-crawler/internal/model"
	"github.com/easylayer/bitcoin-crawler/internal/pipeline"
	"github.com/easylayer/bitcoin-crawler/internal/provider"
	"github.com/easylayer/bitcoin-crawler/internal/saga"
	"github.com/easylayer/bitcoin-crawler/internal/transport"

	"github.com/easylayer/bitcoin-crawler/examples/balancemodel"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file")
	dbPath := flag.String("db", "crawler.db", "path to the sqlite event store")
	httpAddr := flag.String("http", ":8089", "address for the query/subscription HTTP API")
	enableMempool := flag.Bool("mempool", false, "enable the mempool aggregate sync loop")
	flag.Parse()

	logs := logger.NewSet(os.Stderr)

	cfg, err := config.Load(*configPath, "CRAWLER_")
	if err != nil {
		logs.Pipeline.Fatalf("loading config: %v", err)
	}

	store, err := eventstore.Open(*dbPath)
	if err != nil {
		logs.EventStore.Fatalf("opening event store: %v", err)
	}
	defer store.Close()

	if len(cfg.ProviderNetworkRPCURLs) == 0 {
		logs.Provider.Fatal("PROVIDER_NETWORK_RPC_URLS must list at least one node RPC endpoint")
	}
	node := provider.NewRPCProvider(cfg.ProviderNetworkRPCURLs[0], provider.RateLimitConfig{
		MaxConcurrentRequests: cfg.ProviderRateLimitMaxConcurrentRequests,
		MaxBatchSize:          cfg.ProviderRateLimitMaxBatchSize,
		RequestDelayMs:        cfg.ProviderRateLimitRequestDelayMs,
		ResponseTimeout:       30 * time.Second,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	networkOptions := eventsource.Options{SnapshotsEnabled: true, SnapshotInterval: cfg.EventStoreSnapshotInterval}
	modelOptions := eventsource.Options{SnapshotsEnabled: true, SnapshotInterval: cfg.EventStoreSnapshotInterval}

	modelCtors := []model.Constructor{
		func() model.Model { return balancemodel.New(modelOptions) },
	}

	var startHeight *int64
	if cfg.StartBlockHeight >= 0 {
		h := cfg.StartBlockHeight
		startHeight = &h
	}

	modelIDs := make([]string, 0, len(modelCtors))
	for _, ctor := range modelCtors {
		modelIDs = append(modelIDs, ctor().ModelID())
	}

	resumeHeight, err := saga.Start(ctx, saga.StartupConfig{
		Store:           store,
		NetworkMaxSize:  1000,
		NetworkOptions:  networkOptions,
		StartHeight:     startHeight,
		UserModelIDs:    modelIDs,
		NetworkHeightFn: node.GetCurrentBlockHeightFromNetwork,
		ConfirmGap:      confirmGapFromStdin(logs.Saga),
		Logger:          logs.Saga,
	})
	if err != nil {
		logs.Saga.Fatalf("startup saga: %v", err)
	}

	bqCfg := blocksqueue.Config{
		BasePreloadCount:                  cfg.BlocksQueueLoaderPreloaderBase,
		QueueLoaderRequestBlocksBatchSize: int(cfg.QueueLoaderRequestBlocksBatchSize),
		QueueIteratorBlocksBatchSize:      int(cfg.QueueIteratorBlocksBatchSize),
		MaxQueueSize:                      cfg.MaxQueueSize,
	}
	queue := blocksqueue.New(bqCfg)
	queue.Start(resumeHeight)

	var strategy blocksqueue.Strategy
	switch cfg.BlocksQueueLoaderStrategyName {
	case "pull-network":
		strategy = blocksqueue.PullNetworkStrategy{Node: node}
	default:
		strategy = blocksqueue.SequentialStrategy{}
	}

	var mempoolAgg *mempool.Aggregate
	var mempoolCoordinator pipeline.MempoolCoordinator
	if *enableMempool {
		mempoolAgg = mempool.New(100_000, cfg.MempoolMinFeeRate, modelOptions)
		if err := store.GetOne(ctx, mempoolAgg); err != nil {
			logs.Mempool.Fatalf("replaying mempool aggregate: %v", err)
		}
		if _, err := mempoolAgg.Init(ctx, "mempool-init", mempoolProviderAdapter{node}); err != nil {
			logs.Mempool.Fatalf("initializing mempool aggregate: %v", err)
		}
		mempoolCoordinator = mempoolAgg
		go saga.MempoolSyncLoop(ctx, 30*time.Second, mempoolAgg, mempoolProviderAdapter{node}, store, logs.Mempool)
	}

	networkCfg := buildNetworkConfig(cfg)

	pl := pipeline.New(pipeline.Config{
		Store:          store,
		Node:           node,
		NetworkMaxSize: 1000,
		NetworkOptions: networkOptions,
		ModelCtors:     modelCtors,
		ModelOptions:   modelOptions,
		NetworkConfig:  networkCfg,
		Mempool:        mempoolCoordinator,
		Queue:          queue,
		Logger:         logs.Pipeline,
	})

	loader := blocksqueue.NewLoader(queue, node, strategy, bqCfg, logs.BlocksQueue)
	iterator := blocksqueue.NewIterator(queue, pl, bqCfg, logs.BlocksQueue)

	go func() {
		if err := loader.Run(ctx); err != nil && ctx.Err() == nil {
			logs.BlocksQueue.Printf("loader stopped: %v", err)
		}
	}()
	go func() {
		if err := iterator.Run(ctx); err != nil && ctx.Err() == nil {
			logs.BlocksQueue.Printf("iterator stopped: %v", err)
		}
	}()
	go func() {
		if err := store.RunPublisher(ctx, time.Second); err != nil && ctx.Err() == nil {
			logs.EventStore.Printf("publisher stopped: %v", err)
		}
	}()

	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: transport.NewServer(store, modelLoader{store, modelCtors}, logs.Transport).Handler(),
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logs.Transport.Printf("http server stopped: %v", err)
		}
	}()

	<-ctx.Done()
	queue.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildNetworkConfig(cfg *config.Config) model.NetworkConfig {
	return model.NetworkConfig{
		Network:                model.NetworkType(cfg.NetworkType),
		NativeCurrencySymbol:   "BTC",
		NativeCurrencyDecimals: 8,
		HasSegWit:              true,
		HasTaproot:             true,
		HasRBF:                 true,
		HasCSV:                 true,
		HasCLTV:                true,
		MaxBlockSize:           cfg.NetworkMaxBlockSize,
		MaxBlockWeight:         cfg.NetworkMaxBlockWeight,
		TargetBlockTime:        cfg.NetworkTargetBlockTime,
	}
}

// confirmGapFromStdin builds the operator-confirmation callback required
// when a configured start height leaves a gap above the last indexed
// height. It logs the gap and declines by default; operators that want an
// interactive prompt can swap this for one that reads os.Stdin.
func confirmGapFromStdin(l interface{ Printf(string, ...interface{}) }) func(gapFrom, gapTo int64) bool {
	return func(gapFrom, gapTo int64) bool {
		l.Printf("startup gap detected: heights %d..%d would be skipped; declining by default", gapFrom, gapTo)
		return false
	}
}

// mempoolProviderAdapter narrows provider.Node to mempool.Provider,
// converting MempoolEntryInfo to the narrower EntryInfo shape the mempool
// package defines to avoid importing provider.
type mempoolProviderAdapter struct {
	node provider.Node
}

func (a mempoolProviderAdapter) GetCurrentBlockHeightFromMempool(ctx context.Context) (uint64, error) {
	return a.node.GetCurrentBlockHeightFromMempool(ctx)
}

func (a mempoolProviderAdapter) ListMempoolTxids(ctx context.Context) ([]chainhash.Hash, error) {
	return a.node.ListMempoolTxids(ctx)
}

func (a mempoolProviderAdapter) GetVerboseTransactions(ctx context.Context, txids []chainhash.Hash) ([]mempool.EntryInfo, error) {
	infos, err := a.node.GetVerboseTransactions(ctx, txids)
	if err != nil {
		return nil, errors.Wrap(err, "fetching verbose mempool transactions")
	}
	out := make([]mempool.EntryInfo, len(infos))
	for i, info := range infos {
		out[i] = mempool.EntryInfo{
			Txid:        info.Txid,
			VSize:       info.VSize,
			Fee:         info.Fee,
			ModifiedFee: info.ModifiedFee,
		}
	}
	return out, nil
}

// modelLoader implements transport.ModelLoader by constructing a fresh
// instance for the requested model id and replaying it from the store.
type modelLoader struct {
	store *eventstore.Store
	ctors []model.Constructor
}

func (l modelLoader) find(modelID string) (model.Model, error) {
	for _, ctor := range l.ctors {
		m := ctor()
		if m.ModelID() == modelID {
			return m, nil
		}
	}
	return nil, errors.Errorf("no registered model with id %q", modelID)
}

func (l modelLoader) LoadCurrent(ctx context.Context, modelID string) (transport.ModelState, error) {
	m, err := l.find(modelID)
	if err != nil {
		return transport.ModelState{}, err
	}
	if err := l.store.GetOne(ctx, modelStoreAdapter{m}); err != nil {
		return transport.ModelState{}, err
	}
	snap, err := m.Snapshot()
	if err != nil {
		return transport.ModelState{}, err
	}
	return transport.ModelState{ModelID: modelID, Version: snap.Version, BlockHeight: snap.BlockHeight, State: snap.State}, nil
}

func (l modelLoader) LoadAt(ctx context.Context, modelID string, blockHeight int64) (transport.ModelState, error) {
	m, err := l.find(modelID)
	if err != nil {
		return transport.ModelState{}, err
	}
	if err := l.store.LoadAt(ctx, modelStoreAdapter{m}, blockHeight); err != nil {
		return transport.ModelState{}, err
	}
	snap, err := m.Snapshot()
	if err != nil {
		return transport.ModelState{}, err
	}
	return transport.ModelState{ModelID: modelID, Version: snap.Version, BlockHeight: snap.BlockHeight, State: snap.State}, nil
}

type modelStoreAdapter struct {
	model.Model
}

func (a modelStoreAdapter) AggregateID() string { return a.Model.ModelID() }
