// Package headernode implements spec.md §4.5's Node Façade: it opens the
// Header Store, Working Chain, Header Indexer and Sync Driver in dependency
// order, and exposes the small read surface (get_header, get_entry, tip,
// start_height) a caller needs without touching the lower layers directly.
// It is grounded on lnd's server.go lifecycle shape (Start/Stop over an
// ordered subsystem list) generalized down to this node's four components.
package headernode

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/chainpoint/bitcoin-header-node/chainview"
	"github.com/chainpoint/bitcoin-header-node/headerstore"
	"github.com/chainpoint/bitcoin-header-node/indexer"
	"github.com/chainpoint/bitcoin-header-node/syncmgr"
)

// ConfigError is a fatal, open-time configuration problem, re-exported from
// the layers Open threads together.
type ConfigError = headerstore.ConfigError

// Config bundles everything Open needs to bring a Node up.
type Config struct {
	// DataDir is the directory the Header Store's flat file and index
	// live under.
	DataDir string

	// Memory, when true, opens the index and flat file under a fresh
	// temporary directory on disk instead of DataDir (used by tests and
	// the `memory` configuration option of SPEC_FULL.md §2.3). The store
	// is not held in memory, and the temporary directory is not removed.
	Memory bool

	// Params are the network parameters this node validates against.
	Params *chainparams.Params

	// StartTip optionally bootstraps a fast-syncing node at a custom
	// start height, per spec.md §4.3/§6. Nil for a normal genesis-rooted
	// node.
	StartTip *indexer.StartTip

	// Peers is the external Peer Manager the Sync Driver issues
	// getheaders requests through. Nil is accepted for a Node opened
	// purely for local queries (e.g. inspection tooling) with no live
	// sync.
	Peers syncmgr.PeerManager
}

// Node is the Node Façade. It owns the Header Store, Working Chain, Header
// Indexer and Sync Driver, opened in that order, and is the only thing a
// caller outside this module needs to hold.
type Node struct {
	mtx sync.RWMutex

	cfg Config

	db    walletdb.DB
	store *headerstore.Store
	chain *chainview.Chain
	idx   *indexer.Indexer
	sync  *syncmgr.Manager

	started int32
	closed  int32
}

// Open brings a Node up in dependency order: Header Store, Working Chain,
// Header Indexer, Sync Driver (spec.md §4.5). It returns a *ConfigError for
// a fatal open-time configuration problem (a missing Params, a start height
// conflicting with a previously persisted marker or failing start-height
// validation); a store that fails its connectivity check is returned as a
// wrapped error. Neither is followed by any attempt at partial recovery,
// matching spec.md §7's "the Indexer does not recover from store errors; it
// fails open() deterministically."
func Open(cfg Config) (*Node, error) {
	if cfg.Params == nil {
		return nil, &ConfigError{Detail: "no network parameters configured"}
	}

	db, storeDir, err := headerstore.Open(cfg.DataDir, cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("unable to open header index: %w", err)
	}

	store, err := headerstore.New(storeDir, db, cfg.Params)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("unable to open header store: %w", err)
	}

	if err := store.CheckConnectivity(); err != nil {
		store.Close()
		db.Close()
		return nil, fmt.Errorf("header store failed connectivity check: %w", err)
	}

	chain := chainview.New(cfg.Params)
	idx := indexer.New(store, chain, cfg.Params)

	if err := idx.Open(cfg.StartTip); err != nil {
		store.Close()
		db.Close()
		return nil, err
	}

	n := &Node{
		cfg:   cfg,
		db:    db,
		store: store,
		chain: chain,
		idx:   idx,
	}

	if cfg.Peers != nil {
		n.sync = syncmgr.New(chain, idx, cfg.Peers)
	}

	log.Infof("node opened on %s, tip height %d", cfg.Params.Name, chain.Tip().Height)

	return n, nil
}

// StartSync begins requesting headers from peer, using the node's current
// locator. It returns an error if the node was opened without a Peer
// Manager.
func (n *Node) StartSync(peer syncmgr.Peer) error {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	if n.sync == nil {
		return fmt.Errorf("node opened without a peer manager, cannot sync")
	}
	atomic.StoreInt32(&n.started, 1)
	return n.sync.OnPeerConnect(peer)
}

// OnHeaders feeds a batch of headers received from peer into the Sync
// Driver. It returns an error if the node was opened without a Peer
// Manager.
func (n *Node) OnHeaders(peer syncmgr.Peer, headers []wire.BlockHeader) error {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	if n.sync == nil {
		return fmt.Errorf("node opened without a peer manager, cannot accept headers")
	}
	return n.sync.OnHeaders(peer, headers)
}

// GetHeader returns the bare header stored at height, served from the
// store (spec.md §4.5).
func (n *Node) GetHeader(height uint32) (*wire.BlockHeader, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.store.FetchHeader(height)
}

// GetEntryByHeight returns the ChainEntry at height: the Working Chain's
// in-memory view first, falling back to reconstructing from the store with
// a zero-chainwork placeholder, which is acceptable below the historical
// point since no caller there consults chainwork (spec.md §4.5).
func (n *Node) GetEntryByHeight(height uint32) (*chainentry.Entry, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	if entry, ok := n.chain.GetEntryByHeight(height); ok {
		return entry, nil
	}
	return n.store.FetchEntry(height)
}

// GetEntryByHash returns the ChainEntry for hash, preferring the Working
// Chain's view (which may hold a branch entry never committed to the
// store) and falling back to the store's index.
func (n *Node) GetEntryByHash(hash chainhash.Hash) (*chainentry.Entry, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	if entry, ok := n.chain.GetEntry(hash); ok {
		return entry, nil
	}

	height, err := n.store.HeightFromHash(&hash)
	if err != nil {
		return nil, err
	}
	return n.store.FetchEntry(height)
}

// Tip returns the current best header.
func (n *Node) Tip() *wire.BlockHeader {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	entry := n.chain.Tip()
	if entry == nil {
		return nil
	}
	return &entry.Header
}

// TipEntry returns the current best ChainEntry.
func (n *Node) TipEntry() *chainentry.Entry {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.chain.Tip()
}

// StartHeight returns the height the node's persisted history effectively
// begins at: the configured START_MARKER if one was set, else 0 (genesis).
func (n *Node) StartHeight() (uint32, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()

	marker, ok, err := n.store.StartMarker()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return marker, nil
}

// Locator computes a sync locator from the current tip.
func (n *Node) Locator() (blockchain.BlockLocator, error) {
	n.mtx.RLock()
	defer n.mtx.RUnlock()
	return n.idx.Locator()
}

// Close shuts the node down, releasing the Header Store and its index. It
// is safe to call more than once.
func (n *Node) Close() error {
	if !atomic.CompareAndSwapInt32(&n.closed, 0, 1) {
		return nil
	}

	n.mtx.Lock()
	defer n.mtx.Unlock()

	log.Infof("node closing, tip height %d", n.chain.Tip().Height)

	var firstErr error
	if err := n.store.Close(); err != nil {
		firstErr = err
	}
	if err := n.db.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
