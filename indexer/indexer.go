// Package indexer implements spec.md §4.3's Header Indexer: it owns the
// Header Store, mirrors the Working Chain's accepted tip into it, and
// performs startup reconciliation and locator computation. It is grounded
// on neutrino's blockManager startup path (the only component in the
// teacher's vendor snapshot that both owns a BlockHeaderStore and feeds a
// headerlist.Chain from it), generalized to the branch-aware Working Chain
// in the chainview package.
package indexer

import (
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/chainpoint/bitcoin-header-node/chainview"
	"github.com/chainpoint/bitcoin-header-node/headerstore"
)

// ConfigError is a fatal, open-time configuration problem: re-exported from
// headerstore so callers only need to import one error type from this
// layer.
type ConfigError = headerstore.ConfigError

// StartTip is a pair of raw headers bootstrapping a fast-syncing node: the
// header immediately preceding the start height, and the header at it.
type StartTip struct {
	Height uint32
	Prev   wire.BlockHeader
	Start  wire.BlockHeader
}

// Indexer owns the Header Store and mirrors the Working Chain into it.
type Indexer struct {
	store  *headerstore.Store
	chain  *chainview.Chain
	params *chainparams.Params

	// effParams is params with its checkpoint list replaced by the
	// injected start tip, when fast-syncing; otherwise it is params
	// itself.
	effParams *chainparams.Params

	batching bool
	pending  []*chainentry.Entry
}

// BeginBatch starts buffering connect events in memory instead of writing
// each one through immediately. Used by the Sync Driver around a single
// incoming `headers` message so the batch commits atomically (spec.md
// §4.4): a crash mid-batch leaves the persisted tip at the previous batch
// boundary rather than partway through this one.
func (idx *Indexer) BeginBatch() {
	idx.batching = true
	idx.pending = nil
}

// CommitBatch flushes any buffered connect events to the store in a single
// write and stops buffering.
func (idx *Indexer) CommitBatch() error {
	idx.batching = false
	if len(idx.pending) == 0 {
		return nil
	}

	pending := idx.pending
	idx.pending = nil
	return idx.store.WriteEntries(pending...)
}

// New creates an Indexer over store and chain. The Indexer subscribes
// itself to chain immediately so no connect/disconnect event is missed.
func New(store *headerstore.Store, chain *chainview.Chain,
	params *chainparams.Params) *Indexer {

	idx := &Indexer{
		store:     store,
		chain:     chain,
		params:    params,
		effParams: params,
	}
	chain.Subscribe(idx)
	return idx
}

// EffectiveParams returns the configured network params, except that for a
// fast-syncing node the injected start tip is the sole checkpoint. The
// Working Chain does not consult these: it validates every header against
// the params it was constructed with, configured checkpoints included.
func (idx *Indexer) EffectiveParams() *chainparams.Params {
	return idx.effParams
}

// OnConnect implements chainview.Observer. It persists entry, applying the
// historical-point storage policy internally (headerstore.WriteEntries).
func (idx *Indexer) OnConnect(entry *chainentry.Entry) {
	if idx.batching {
		idx.pending = append(idx.pending, entry)
		return
	}
	if err := idx.store.WriteEntries(entry); err != nil {
		log.Errorf("unable to persist connected header at height %d: %v",
			entry.Height, err)
	}
}

// OnDisconnect implements chainview.Observer. It rolls the store back by
// one header; the Working Chain always disconnects its tip, never an
// interior entry, so a single-step rollback always suffices. A tip that is
// still buffered in the current batch is dropped from the buffer instead.
func (idx *Indexer) OnDisconnect(entry *chainentry.Entry) {
	if n := len(idx.pending); n > 0 && idx.pending[n-1].Hash() == entry.Hash() {
		idx.pending = idx.pending[:n-1]
		return
	}
	if _, err := idx.store.RollbackLastBlock(); err != nil {
		log.Errorf("unable to roll back header at height %d: %v",
			entry.Height, err)
	}
}

// OnReset implements chainview.Observer. Per spec.md §4.3, a reset has no
// on-disk effect; the store already reflects accepted history.
func (idx *Indexer) OnReset(tip *chainentry.Entry) {
	log.Infof("working chain reset, tip now height %d", tip.Height)
}

// validateStartHeight checks s against spec.md §4.3's "Validation of start
// height" rule before it is ever persisted.
func validateStartHeight(s uint32, params *chainparams.Params) error {
	last := params.LastCheckpointHeight()
	if last > 0 && s >= last {
		return &ConfigError{Detail: fmt.Sprintf(
			"start height %d must be below the network's last "+
				"checkpoint %d", s, last)}
	}

	historical := params.HistoricalPoint()
	if s > historical {
		return &ConfigError{Detail: fmt.Sprintf(
			"start height %d exceeds the maximum allowed %d: a start "+
				"height must fall on or before the last retarget boundary "+
				"preceding the network's last checkpoint", s, historical)}
	}

	return nil
}

// Open performs the startup sequence of spec.md §4.3: inject a root (either
// genesis or a configured start tip) into the empty Working Chain, then
// replay stored history into it up to the persisted tip.
//
// startTip is nil unless a fast-sync anchor is being configured for the
// first time (or is being re-asserted, in which case it must match the
// store's existing marker or Open returns a *ConfigError).
func (idx *Indexer) Open(startTip *StartTip) error {
	marker, hasMarker, err := idx.store.StartMarker()
	if err != nil {
		return err
	}

	switch {
	case startTip != nil:
		if err := idx.bootstrapStartTip(startTip, startTip.Height); err != nil {
			return err
		}

	case hasMarker:
		if err := idx.injectExistingStartTip(marker); err != nil {
			return err
		}

	default:
		if err := idx.store.EnsureGenesis(); err != nil {
			return err
		}
		genesis, err := idx.store.FetchEntry(0)
		if err != nil {
			return err
		}
		idx.chain.InjectRoot(genesis)
	}

	return idx.replayToTip()
}

// bootstrapStartTip validates and persists a newly configured start tip,
// then injects it as the chain's artificial root.
func (idx *Indexer) bootstrapStartTip(tip *StartTip, s uint32) error {
	if err := validateStartHeight(s, idx.params); err != nil {
		return err
	}

	s1 := &chainentry.Entry{
		Header:    tip.Prev,
		Height:    s - 1,
		Chainwork: new(big.Int),
	}
	s2 := &chainentry.Entry{
		Header:    tip.Start,
		Height:    s,
		Chainwork: chainentry.WorkForBits(tip.Start.Bits),
	}

	if err := idx.store.SetStartMarker(s1, s2); err != nil {
		return err
	}

	idx.injectStartEntries(s1, s2)
	return nil
}

// injectExistingStartTip re-loads a previously persisted start tip and
// injects it, for a restart of an already fast-synced node.
func (idx *Indexer) injectExistingStartTip(s uint32) error {
	s1, err := idx.store.FetchEntry(s - 1)
	if err != nil {
		return err
	}
	s2, err := idx.store.FetchEntry(s)
	if err != nil {
		return err
	}

	idx.injectStartEntries(s1, s2)
	return nil
}

func (idx *Indexer) injectStartEntries(s1, s2 *chainentry.Entry) {
	idx.chain.InjectRoot(s1)
	idx.chain.ReplayConnect(s2)
	idx.chain.SetFloor(s2.Height)

	idx.effParams = idx.params.WithStartCheckpoint(s2.Height, s2.Hash())
}

// replayToTip implements spec.md §4.3 steps 2-4: choose a replay start
// height R and feed every stored record from R through the persisted tip
// height T into the Working Chain without re-triggering OnConnect.
func (idx *Indexer) replayToTip() error {
	tip, err := idx.store.ChainTip()
	if err != nil {
		return err
	}
	T := tip.Height
	floor := idx.chain.Floor()

	if T == 0 || T <= floor {
		return nil
	}

	historical := idx.params.HistoricalPoint()

	var r uint32
	switch {
	case T <= historical:
		r = floor + 1
		if r < 1 {
			r = 1
		}
	case idx.params.LastCheckpointHeight() == 0:
		r = 1
	default:
		r = historical + 1
	}
	if r <= floor {
		r = floor + 1
	}

	for h := r; h <= T; h++ {
		entry, err := idx.store.FetchEntry(h)
		if err != nil {
			return fmt.Errorf("replay: missing stored header at height %d: %w",
				h, err)
		}
		idx.chain.ReplayConnect(entry)
	}

	return nil
}

// Locator computes a sync locator from the current tip, respecting the
// floor set by a custom start height (spec.md §4.3).
func (idx *Indexer) Locator() (blockchain.BlockLocator, error) {
	return idx.store.LatestBlockLocator()
}

// OrphanRootLocator computes a locator rooted at an orphan header's hash,
// used by the Sync Driver to request the missing ancestors (spec.md §4.4).
func (idx *Indexer) OrphanRootLocator(orphanHash chainhash.Hash) (blockchain.BlockLocator, error) {
	return idx.store.BlockLocatorFromHash(&orphanHash)
}
