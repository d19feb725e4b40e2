// Package pipeline implements the block-processing pipeline: for each
// batch handed over by the blocks queue iterator, load the network
// aggregate and every user model, apply the batch, and persist everything
// atomically — or, on a validation failure, run the reorg path instead.
package pipeline

import (
	"context"
	"log"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/pkg/errors"

	"github.com/easylayer/bitcoin-crawler/internal/blocksqueue"
	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
	"github.com/easylayer/bitcoin-crawler/internal/eventstore"
	"github.com/easylayer/bitcoin-crawler/internal/mempool"
	"github.com/easylayer/bitcoin-crawler/internal/model"
	"github.com/easylayer/bitcoin-crawler/internal/network"
	"github.com/easylayer/bitcoin-crawler/internal/provider"
)

// MempoolCoordinator is the narrow surface the pipeline needs from the
// optional mempool aggregate; nil when mempool tracking is disabled.
type MempoolCoordinator interface {
	ProcessBlocksBatch(requestID string, confirmedTxids []chainhash.Hash) (eventsource.Event, error)
}

// Pipeline wires the store, network aggregate, node provider, and the
// registered user-model constructors into one AddBlocksBatch command
// handler, satisfying blocksqueue.CommandExecutor.
type Pipeline struct {
	store          *eventstore.Store
	node           provider.Node
	networkMaxSize int
	networkOptions eventsource.Options
	modelCtors     []model.Constructor
	modelOptions   eventsource.Options
	networkConfig  model.NetworkConfig
	mempoolAgg     MempoolCoordinator
	queue          *blocksqueue.Queue
	logger         *log.Logger
}

// Config bundles the Pipeline's dependencies.
type Config struct {
	Store          *eventstore.Store
	Node           provider.Node
	NetworkMaxSize int
	NetworkOptions eventsource.Options
	ModelCtors     []model.Constructor
	ModelOptions   eventsource.Options
	NetworkConfig  model.NetworkConfig
	Mempool        MempoolCoordinator
	Queue          *blocksqueue.Queue
	Logger         *log.Logger
}

func New(cfg Config) *Pipeline {
	return &Pipeline{
		store:          cfg.Store,
		node:           cfg.Node,
		networkMaxSize: cfg.NetworkMaxSize,
		networkOptions: cfg.NetworkOptions,
		modelCtors:     cfg.ModelCtors,
		modelOptions:   cfg.ModelOptions,
		networkConfig:  cfg.NetworkConfig,
		mempoolAgg:     cfg.Mempool,
		queue:          cfg.Queue,
		logger:         cfg.Logger,
	}
}

// AddBlocksBatch implements blocksqueue.CommandExecutor.
func (p *Pipeline) AddBlocksBatch(ctx context.Context, batch blocksqueue.Batch) error {
	netAgg := network.New(p.networkMaxSize, p.networkOptions)
	if err := p.store.GetOne(ctx, netAgg); err != nil {
		return errors.Wrap(err, "loading network aggregate")
	}

	models := make([]model.Model, 0, len(p.modelCtors))
	for _, ctor := range p.modelCtors {
		m := ctor()
		if err := p.store.GetOne(ctx, &modelStoreAdapter{m}); err != nil {
			return errors.Wrapf(err, "replaying model %s", m.ModelID())
		}
		models = append(models, m)
	}

	light := make([]network.LightBlock, len(batch.Blocks))
	for i, b := range batch.Blocks {
		light[i] = b.ToLight()
	}

	if _, err := netAgg.AddBlocks(batch.RequestID, light); err != nil {
		var valErr *network.BlockchainValidationError
		if errors.As(err, &valErr) {
			return p.runReorg(ctx, netAgg, models)
		}
		return errors.Wrap(err, "network.AddBlocks")
	}

	services := model.Services{NodeProvider: p.node}
	var confirmedTxids []chainhash.Hash
	for _, b := range batch.Blocks {
		mctx := model.Context{Context: ctx, RequestID: batch.RequestID, Block: b, NetworkConfig: p.networkConfig, Services: services}
		for _, m := range models {
			if err := m.ProcessBlock(mctx); err != nil {
				return errors.Wrapf(err, "model %s processing block %d", m.ModelID(), b.Height)
			}
		}
		confirmedTxids = append(confirmedTxids, b.Tx...)
	}

	toSave := make([]eventstore.Aggregate, 0, len(models)+2)
	for _, m := range models {
		toSave = append(toSave, &modelStoreAdapter{m})
	}
	toSave = append(toSave, netAgg)
	if p.mempoolAgg != nil {
		if _, err := p.mempoolAgg.ProcessBlocksBatch(batch.RequestID, confirmedTxids); err != nil {
			return errors.Wrap(err, "mempool.ProcessBlocksBatch")
		}
		if agg, ok := p.mempoolAgg.(eventstore.Aggregate); ok {
			toSave = append(toSave, agg)
		}
	}

	if err := p.store.Save(ctx, toSave); err != nil {
		return errors.Wrap(err, "saving batch")
	}
	return nil
}

// runReorg walks back to the fork point, rolls every user model (and the
// network aggregate) back to it, and leaves the batch unconfirmed so the
// iterator resumes past the new tip.
func (p *Pipeline) runReorg(ctx context.Context, netAgg *network.Aggregate, models []model.Model) error {
	event, err := netAgg.Reorganisation(ctx, network.ReorgRequest{
		RequestID: "reorg-" + netAgg.AggregateID(),
		Service:   p.node,
	})
	if err != nil {
		if errors.Is(err, network.ErrReorgBeyondWindow) {
			return errors.Wrap(err, "reorg exceeds retained window; manual intervention required")
		}
		return errors.Wrap(err, "network.Reorganisation")
	}

	forkHeight := event.BlockHeight
	rollbackIDs := make([]string, 0, len(models))
	for _, m := range models {
		rollbackIDs = append(rollbackIDs, m.ModelID())
	}

	saveAggs := []eventstore.Aggregate{netAgg}
	if p.mempoolAgg != nil {
		if agg, ok := p.mempoolAgg.(eventstore.Aggregate); ok {
			saveAggs = append(saveAggs, agg)
		}
	}

	if err := p.store.Rollback(ctx, eventstore.RollbackRequest{
		ModelsToRollback: rollbackIDs,
		BlockHeight:      forkHeight,
		ModelsToSave:     saveAggs,
	}); err != nil {
		return errors.Wrap(err, "rolling back to fork height")
	}

	if p.queue != nil {
		p.queue.Reset(uint64(forkHeight))
	}
	return nil
}

// modelStoreAdapter lets a model.Model satisfy eventstore.Aggregate: both
// already require Dispatcher/AggregateID/etc via eventsource.Root
// embedding, but Go needs the method set to line up on one concrete type
// (ModelID vs AggregateID naming differs, so Model doesn't directly embed
// the store's Aggregate interface; this adapter bridges the two names).
type modelStoreAdapter struct {
	model.Model
}

func (a *modelStoreAdapter) AggregateID() string {
	return a.Model.ModelID()
}
