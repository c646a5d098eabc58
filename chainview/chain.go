// Package chainview implements spec.md §4.2's Working Chain: a purely
// in-memory, non-persistent view of ChainEntries that tracks the current
// best chain and any competing branches until one surpasses it by
// cumulative chainwork. It plays the role neutrino's headerlist.Chain plays
// for a single main-chain list, generalized here to support branches and
// reorg resolution since headerlist's Node/Chain interface only models a
// flat list.
package chainview

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/chainpoint/bitcoin-header-node/validator"
)

// Observer receives the Working Chain's three events, delivered
// synchronously and in acceptance order (spec.md §4.2, §5). The indexer is
// the canonical observer, but nothing here assumes only one exists.
type Observer interface {
	OnConnect(entry *chainentry.Entry)
	OnDisconnect(entry *chainentry.Entry)
	OnReset(tip *chainentry.Entry)
}

// node augments a ChainEntry with a parent pointer so that branches can be
// walked independently of the main chain's height index.
type node struct {
	entry  *chainentry.Entry
	parent *node
}

// ErrOrphan is returned by Add when header's parent is not known to the
// chain. The caller (the Sync Driver) is responsible for orphan handling
// per spec.md §4.4.
type ErrOrphan struct {
	PrevBlock chainhash.Hash
}

func (e *ErrOrphan) Error() string {
	return fmt.Sprintf("orphan header: parent %s not found", e.PrevBlock)
}

// Chain is the Working Chain.
type Chain struct {
	mtx sync.RWMutex

	params *chainparams.Params

	byHash       map[chainhash.Hash]*node
	mainByHeight map[uint32]*node
	mainTip      *node

	floor uint32

	observers []Observer
}

// New creates an empty Working Chain for params.
func New(params *chainparams.Params) *Chain {
	return &Chain{
		params:       params,
		byHash:       make(map[chainhash.Hash]*node),
		mainByHeight: make(map[uint32]*node),
	}
}

// Subscribe registers obs to receive future connect/disconnect/reset
// events. Must be called before any headers are added.
func (c *Chain) Subscribe(obs Observer) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.observers = append(c.observers, obs)
}

// InjectRoot seeds the chain with entry as its sole, trusted ancestor,
// without emitting any event. Used at startup either for the genesis entry
// or for the artificial root created by a custom start marker (spec.md
// §4.3 step 1).
func (c *Chain) InjectRoot(entry *chainentry.Entry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	n := &node{entry: entry}
	c.byHash[entry.Hash()] = n
	c.mainByHeight[entry.Height] = n
	c.mainTip = n
	c.floor = entry.Height
}

// ReplayConnect inserts entry as the next main-chain block without emitting
// OnConnect, used to rebuild in-memory state from the Header Store at
// startup (spec.md §4.3 step 4).
func (c *Chain) ReplayConnect(entry *chainentry.Entry) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	n := &node{entry: entry, parent: c.mainTip}
	c.byHash[entry.Hash()] = n
	c.mainByHeight[entry.Height] = n
	c.mainTip = n
}

// SetFloor records the effective floor height below which the chain holds
// no state, without altering the tip. Used once replay has finished so
// GetEntryByHeight can reject queries below it.
func (c *Chain) SetFloor(floor uint32) {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	c.floor = floor
}

// Floor returns the lowest height the chain holds state for.
func (c *Chain) Floor() uint32 {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.floor
}

// Tip returns the current best ChainEntry.
func (c *Chain) Tip() *chainentry.Entry {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	if c.mainTip == nil {
		return nil
	}
	return c.mainTip.entry
}

// GetEntry returns the entry for hash, if known to any branch.
func (c *Chain) GetEntry(hash chainhash.Hash) (*chainentry.Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	n, ok := c.byHash[hash]
	if !ok {
		return nil, false
	}
	return n.entry, true
}

// GetEntryByHeight returns the main-chain entry at height, or false if
// height is below the floor or above the tip.
func (c *Chain) GetEntryByHeight(height uint32) (*chainentry.Entry, bool) {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.getEntryByHeightLocked(height)
}

func (c *Chain) getEntryByHeightLocked(height uint32) (*chainentry.Entry, bool) {
	if height < c.floor {
		return nil, false
	}
	n, ok := c.mainByHeight[height]
	if !ok {
		return nil, false
	}
	return n.entry, true
}

// GetAncestor implements validator.AncestorSource relative to the current
// main chain tip, for callers (the indexer's reconciliation, queries)
// needing ancestors of the best chain rather than of a branch under active
// validation.
func (c *Chain) GetAncestor(height uint32) (*chainentry.Entry, bool) {
	return c.GetEntryByHeight(height)
}

// IsMainChain reports whether entry's height currently resolves to entry on
// the main chain.
func (c *Chain) IsMainChain(entry *chainentry.Entry) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	n, ok := c.mainByHeight[entry.Height]
	return ok && n.entry.Hash() == entry.Hash()
}

// branchAncestors supplies the Validator with ancestors along a specific
// branch (which may not be the main chain, at fork time), by walking
// parent pointers rather than the height index.
type branchAncestors struct {
	tip *node
}

func (b *branchAncestors) GetAncestor(height uint32) (*chainentry.Entry, bool) {
	n := b.tip
	for n != nil && n.entry.Height > height {
		n = n.parent
	}
	if n == nil || n.entry.Height != height {
		return nil, false
	}
	return n.entry, true
}

var _ validator.AncestorSource = (*branchAncestors)(nil)
var _ validator.AncestorSource = (*Chain)(nil)

// Add validates header as a child of its claimed parent and, on acceptance,
// either extends the main chain or grows a competing branch. If the
// branch's cumulative chainwork surpasses the main tip's, a reorg is
// resolved: disconnect events fire from the old tip down to the fork point,
// followed by connect events from the fork point up to the new tip, per
// spec.md §4.2/§5.
func (c *Chain) Add(header *chainentry.Header) (*chainentry.Entry, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	parent, ok := c.byHash[header.PrevBlock]
	if !ok {
		return nil, &ErrOrphan{PrevBlock: header.PrevBlock}
	}

	entry, err := validator.Validate(
		header, parent.entry, c.params, &branchAncestors{tip: parent},
	)
	if err != nil {
		return nil, err
	}

	n := &node{entry: entry, parent: parent}
	c.byHash[entry.Hash()] = n

	if parent == c.mainTip {
		c.mainByHeight[entry.Height] = n
		c.mainTip = n
		c.notifyConnect(entry)
		return entry, nil
	}

	if c.mainTip == nil || entry.Chainwork.Cmp(c.mainTip.entry.Chainwork) <= 0 {
		// Branch doesn't yet overtake the main chain; hold it without
		// notifying anyone.
		return entry, nil
	}

	c.reorg(n)
	return entry, nil
}

// reorg rewrites the main-chain height index to follow newTip's branch back
// to its fork point with the old main chain, emitting disconnects for the
// abandoned suffix and connects for the new one.
func (c *Chain) reorg(newTip *node) {
	oldTip := c.mainTip

	// Walk both branches back to their common ancestor.
	oldWalk, newWalk := oldTip, newTip
	for oldWalk.entry.Height > newWalk.entry.Height {
		oldWalk = oldWalk.parent
	}
	for newWalk.entry.Height > oldWalk.entry.Height {
		newWalk = newWalk.parent
	}
	for oldWalk != newWalk {
		oldWalk = oldWalk.parent
		newWalk = newWalk.parent
	}
	fork := oldWalk

	var disconnected []*node
	for n := oldTip; n != fork; n = n.parent {
		disconnected = append(disconnected, n)
	}
	for _, n := range disconnected {
		delete(c.mainByHeight, n.entry.Height)
		c.notifyDisconnect(n.entry)
	}

	var connected []*node
	for n := newTip; n != fork; n = n.parent {
		connected = append(connected, n)
	}
	for i := len(connected) - 1; i >= 0; i-- {
		n := connected[i]
		c.mainByHeight[n.entry.Height] = n
		c.notifyConnect(n.entry)
	}

	c.mainTip = newTip
}

// ResetHeaderState discards all branch state and reinitializes the chain
// with root as the sole entry, emitting OnReset. Per spec.md §9 open
// question 3, a reset to a height below the configured start marker is
// refused outright rather than left in an undefined state.
func (c *Chain) ResetHeaderState(root *chainentry.Entry) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if root.Height < c.floor {
		return fmt.Errorf("refusing to reset working chain to height %d, "+
			"below the configured start height %d", root.Height, c.floor)
	}

	c.byHash = make(map[chainhash.Hash]*node)
	c.mainByHeight = make(map[uint32]*node)

	n := &node{entry: root}
	c.byHash[root.Hash()] = n
	c.mainByHeight[root.Height] = n
	c.mainTip = n

	c.notifyReset(root)
	return nil
}

func (c *Chain) notifyConnect(entry *chainentry.Entry) {
	for _, obs := range c.observers {
		obs.OnConnect(entry)
	}
}

func (c *Chain) notifyDisconnect(entry *chainentry.Entry) {
	for _, obs := range c.observers {
		obs.OnDisconnect(entry)
	}
}

func (c *Chain) notifyReset(tip *chainentry.Entry) {
	for _, obs := range c.observers {
		obs.OnReset(tip)
	}
}
