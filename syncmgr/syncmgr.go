// Package syncmgr implements spec.md §4.4's Sync Driver: it issues
// locator-based getheaders requests to peers through an external Peer
// Manager, feeds received headers through the Working Chain, and handles
// orphans and peer misbehaviour reporting. The Peer Manager itself is an
// external collaborator per spec.md §1 -- this package only defines the
// narrow contract it needs from one, grounded on the connmgr/query
// contracts neutrino's blockManager drives against.
package syncmgr

import (
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainpoint/bitcoin-header-node/chainview"
	"github.com/chainpoint/bitcoin-header-node/indexer"
	"github.com/chainpoint/bitcoin-header-node/validator"
)

// Peer is an opaque handle to a connected peer, supplied by the Peer
// Manager. The Sync Driver never inspects it beyond passing it back.
type Peer interface {
	String() string
}

// timeReporter is implemented by a Peer that exposes the timestamp it
// announced in its version handshake. The Sync Driver feeds these into a
// blockchain.MedianTimeSource so a future per-header "too far in the
// future" check (btcd/blockchain's own rule, not currently enforced by
// validator, which only checks non-negativity per spec.md §4.1) has a
// network-adjusted clock to compare against. A Peer need not implement
// this; time sampling is then simply skipped for it.
type timeReporter interface {
	Time() time.Time
}

// PeerManager is the narrow external contract the Sync Driver needs:
// sending a getheaders request to a specific peer, and reporting
// misbehaviour so the Peer Manager can apply its own scoring/ban policy
// (spec.md §7: "the Working Chain translates [validation errors] to either
// ignore+report-peer or fatal").
type PeerManager interface {
	SendGetHeaders(peer Peer, locator blockchain.BlockLocator, stop chainhash.Hash) error
	ReportMisbehavior(peer Peer, reason string, weight uint32)
}

// misbehaviorWeight is applied uniformly to every rejection the Sync Driver
// itself detects; the Peer Manager's own scoring policy decides what to do
// once the cumulative score crosses its ban threshold.
const misbehaviorWeight = 20

const (
	// maxHeadersPerMsg mirrors the wire protocol's own cap.
	maxHeadersPerMsg = 2000

	// orphanRetryLimit bounds how many rounds an unresolved orphan is
	// retried before being ejected, per spec.md §9 open question 4: an
	// infinite orphan-resolution loop after sync-to-tip-then-restart was
	// a reported defect in the source, so retries are capped here
	// rather than left unbounded.
	orphanRetryLimit = 20

	// orphanTimeout bounds how long an orphan is held if no round makes
	// progress on it.
	orphanTimeout = 2 * time.Minute
)

type orphan struct {
	header    wire.BlockHeader
	peer      Peer
	firstSeen time.Time
	retries   int
}

// Manager is the Sync Driver.
type Manager struct {
	mtx sync.Mutex

	chain   *chainview.Chain
	indexer *indexer.Indexer
	peers   PeerManager

	medianTime blockchain.MedianTimeSource
	orphans    map[chainhash.Hash]*orphan
}

// New creates a Sync Driver over chain and idx, issuing requests through
// peers.
func New(chain *chainview.Chain, idx *indexer.Indexer, peers PeerManager) *Manager {
	return &Manager{
		chain:      chain,
		indexer:    idx,
		peers:      peers,
		medianTime: blockchain.NewMedianTime(),
		orphans:    make(map[chainhash.Hash]*orphan),
	}
}

// AdjustedTime returns the current time adjusted by the median offset of
// every peer time sample collected so far via OnPeerConnect.
func (m *Manager) AdjustedTime() time.Time {
	return m.medianTime.AdjustedTime()
}

// OnPeerConnect requests headers from a newly connected (or newly
// tip-announcing) peer, using the current locator. If peer reports its own
// clock, that sample is folded into the network-adjusted time.
func (m *Manager) OnPeerConnect(peer Peer) error {
	if tr, ok := peer.(timeReporter); ok {
		m.medianTime.AddTimeSample(peer.String(), tr.Time())
	}

	locator, err := m.indexer.Locator()
	if err != nil {
		return err
	}
	return m.peers.SendGetHeaders(peer, locator, chainhash.Hash{})
}

// OnHeaders processes a batch of up to 2000 headers received from peer, in
// order. The first invalid header stops processing the batch and reports
// the peer; headers accepted before the failure remain committed (spec.md
// §4.4).
func (m *Manager) OnHeaders(peer Peer, headers []wire.BlockHeader) error {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	if len(headers) > maxHeadersPerMsg {
		m.peers.ReportMisbehavior(peer, "headers message exceeds protocol limit", misbehaviorWeight)
		return nil
	}

	m.indexer.BeginBatch()

	var processErr error
	for i := range headers {
		h := headers[i]

		_, err := m.chain.Add(&h)
		if err == nil {
			m.maybeResolveOrphansOf(h.BlockHash())
			continue
		}

		if orphanErr, ok := err.(*chainview.ErrOrphan); ok {
			m.trackOrphan(h, peer)
			_ = orphanErr
			break
		}

		if verr, ok := err.(*validator.Error); ok {
			m.peers.ReportMisbehavior(peer, verr.Error(), misbehaviorWeight)
			processErr = verr
			break
		}

		processErr = err
		break
	}

	if err := m.indexer.CommitBatch(); err != nil {
		return err
	}

	if len(headers) == maxHeadersPerMsg && processErr == nil {
		// The peer likely has more; keep pulling.
		return m.OnPeerConnect(peer)
	}

	return nil
}

// trackOrphan records header as unresolved and requests its missing
// ancestors using an orphan-root locator, per spec.md §4.4.
func (m *Manager) trackOrphan(header wire.BlockHeader, peer Peer) {
	hash := header.BlockHash()

	o, exists := m.orphans[hash]
	if !exists {
		o = &orphan{header: header, peer: peer, firstSeen: time.Now()}
		m.orphans[hash] = o
	}

	m.reapOrphans()

	if o.retries >= orphanRetryLimit {
		delete(m.orphans, hash)
		return
	}
	o.retries++

	locator, err := m.indexer.OrphanRootLocator(header.PrevBlock)
	if err != nil {
		log.Errorf("unable to compute orphan root locator for %s: %v",
			header.PrevBlock, err)
		return
	}

	if err := m.peers.SendGetHeaders(peer, locator, hash); err != nil {
		log.Errorf("unable to request orphan ancestors for %s: %v", hash, err)
	}
}

// reapOrphans ejects orphans that have exceeded either their retry budget
// or their absolute timeout.
func (m *Manager) reapOrphans() {
	now := time.Now()
	for hash, o := range m.orphans {
		if o.retries >= orphanRetryLimit || now.Sub(o.firstSeen) > orphanTimeout {
			delete(m.orphans, hash)
		}
	}
}

// maybeResolveOrphansOf retries any orphan whose missing parent has just
// become available as resolvedHash.
func (m *Manager) maybeResolveOrphansOf(resolvedHash chainhash.Hash) {
	for hash, o := range m.orphans {
		if o.header.PrevBlock != resolvedHash {
			continue
		}

		h := o.header
		if _, err := m.chain.Add(&h); err == nil {
			delete(m.orphans, hash)
		}
	}
}
