// Package model defines the contract user-written projection models
// implement and the per-block execution context the pipeline builds for
// them.
package model

import (
	"context"
	"encoding/json"

	"github.com/easylayer/bitcoin-crawler/internal/eventsource"
	"github.com/easylayer/bitcoin-crawler/internal/provider"
)

// NetworkType enumerates the supported chains.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
	NetworkRegtest NetworkType = "regtest"
	NetworkSignet  NetworkType = "signet"
)

// NetworkConfig is passed read-only to every model on every block.
type NetworkConfig struct {
	Network                       NetworkType
	NativeCurrencySymbol          string
	NativeCurrencyDecimals        int
	HasSegWit                     bool
	HasTaproot                    bool
	HasRBF                        bool
	HasCSV                        bool
	HasCLTV                       bool
	MaxBlockSize                  int64
	MaxBlockWeight                int64
	DifficultyAdjustmentInterval  int64
	TargetBlockTime               int64
}

// MempoolReader is the read-only mempool surface exposed to models via
// ctx.mempool. Kept narrow and optional: nil when the mempool aggregate
// isn't enabled.
type MempoolReader interface {
	FeeRateStats(ctx context.Context) (FeeRateStats, error)
	Contains(txid string) bool
}

// FeeRateStats is a lazily computed summary over the cached mempool.
type FeeRateStats struct {
	Count       int
	MinSatVB    float64
	MedianSatVB float64
	MaxSatVB    float64
}

// Services bundles the collaborators a model may call out to mid-block.
type Services struct {
	NodeProvider        provider.Node
	NetworkModelService NetworkModelService
	UserModelService    UserModelService
}

// NetworkModelService lets a model consult the network aggregate's current
// view without mutating it.
type NetworkModelService interface {
	CurrentHeight() uint64
}

// UserModelService lets a model replay another aggregate read-only at the
// current tip, for cross-model queries.
type UserModelService interface {
	Load(ctx context.Context, modelID string, out interface{ eventsource.Dispatcher }) error
}

// Context is what processBlock receives. Block is immutable for the
// duration of the call.
type Context struct {
	context.Context
	RequestID     string
	Block         provider.Block
	NetworkConfig NetworkConfig
	Services      Services
	Mempool       MempoolReader
}

// Model is the user-model contract. Concrete models embed
// eventsource.Root, which supplies Version/Commit/LoadFromHistory/
// Snapshot/RestoreFrom, and add ModelID (typically just forwarding to the
// embedded Root's AggregateID) and ProcessBlock.
type Model interface {
	eventsource.Dispatcher
	ModelID() string
	ProcessBlock(ctx Context) error

	Version() uint64
	Options() eventsource.Options
	Commit() []eventsource.Event
	LoadFromHistory(events []eventsource.Event) error
	Snapshot() (eventsource.Snapshot, error)
	RestoreFrom(snap eventsource.Snapshot) error
}

// Snapshotter is an optional custom-serialization interface for models.
// Nothing in the runtime calls it: eventsource.Root serializes snapshot
// state only through eventsource.StateSnapshotter, and a model implementing
// neither is snapshotted with version and block height but no state.
type Snapshotter interface {
	ToJSONPayload() (json.RawMessage, error)
	FromSnapshot(state json.RawMessage) error
}

// Constructor builds a fresh, unreplayed instance of a user model.
type Constructor func() Model
