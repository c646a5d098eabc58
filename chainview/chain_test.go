package chainview

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func testParams() *chainparams.Params {
	limit := new(big.Int).SetUint64(1)
	limit.Lsh(limit, 239)
	return &chainparams.Params{
		Name:                     "unit-test",
		PowLimit:                 limit,
		PowLimitBits:             blockchain.BigToCompact(limit),
		RetargetInterval:         1000,
		TargetTimespan:           1000 * 10 * time.Minute,
		TargetTimePerBlock:       10 * time.Minute,
		RetargetAdjustmentFactor: 4,
	}
}

func mineHeader(t *testing.T, prevHash chainhash.Hash, bits uint32,
	stamp time.Time, nonceHint uint32) wire.BlockHeader {

	t.Helper()

	h := wire.BlockHeader{
		Version:   1,
		PrevBlock: prevHash,
		Timestamp: stamp,
		Bits:      bits,
	}
	target := blockchain.CompactToBig(bits)
	for i := uint32(0); i < 1<<20; i++ {
		h.Nonce = nonceHint + i
		hash := h.BlockHash()
		if blockchain.HashToBig(&hash).Cmp(target) <= 0 {
			return h
		}
	}
	t.Fatal("could not mine a header satisfying bits within budget")
	return wire.BlockHeader{}
}

// buildChain mines a run of n headers extending from, returning the
// resulting entries in order.
func buildChain(t *testing.T, c *Chain, from *chainentry.Entry, n int,
	nonceBase uint32) []*chainentry.Entry {

	t.Helper()

	params := testParams()
	entries := make([]*chainentry.Entry, 0, n)
	prevHash := from.Hash()
	prevTime := from.Header.Timestamp

	for i := 0; i < n; i++ {
		stamp := prevTime.Add(params.TargetTimePerBlock)
		h := mineHeader(t, prevHash, params.PowLimitBits, stamp, nonceBase+uint32(i)*1000)

		entry, err := c.Add(&h)
		require.NoError(t, err)

		entries = append(entries, entry)
		prevHash = entry.Hash()
		prevTime = stamp
	}
	return entries
}

func newTestChain(t *testing.T) (*Chain, *chainentry.Entry) {
	t.Helper()

	params := testParams()
	genesisHeader := mineHeader(t, chainhash.Hash{}, params.PowLimitBits,
		time.Unix(1231006505, 0), 0)
	genesis := &chainentry.Entry{
		Header:    genesisHeader,
		Height:    0,
		Chainwork: chainentry.WorkForBits(params.PowLimitBits),
	}

	c := New(params)
	c.InjectRoot(genesis)
	return c, genesis
}

type recordingObserver struct {
	connected    []uint32
	disconnected []uint32
	resets       []uint32
}

func (r *recordingObserver) OnConnect(e *chainentry.Entry) {
	r.connected = append(r.connected, e.Height)
}
func (r *recordingObserver) OnDisconnect(e *chainentry.Entry) {
	r.disconnected = append(r.disconnected, e.Height)
}
func (r *recordingObserver) OnReset(e *chainentry.Entry) {
	r.resets = append(r.resets, e.Height)
}

func TestAddExtendsMainChain(t *testing.T) {
	t.Parallel()

	c, genesis := newTestChain(t)
	obs := &recordingObserver{}
	c.Subscribe(obs)

	entries := buildChain(t, c, genesis, 5, 0)

	require.Equal(t, entries[len(entries)-1].Height, c.Tip().Height)
	require.Equal(t, []uint32{1, 2, 3, 4, 5}, obs.connected)
	require.Empty(t, obs.disconnected)
}

func TestAddOrphanReturnsError(t *testing.T) {
	t.Parallel()

	c, _ := newTestChain(t)
	params := testParams()

	h := mineHeader(t, chainhash.Hash{0x99}, params.PowLimitBits,
		time.Unix(1231006505+600, 0), 0)

	_, err := c.Add(&h)
	require.Error(t, err)
	_, ok := err.(*ErrOrphan)
	require.True(t, ok)
}

func TestReorgEmitsDisconnectsThenConnects(t *testing.T) {
	t.Parallel()

	c, genesis := newTestChain(t)
	obs := &recordingObserver{}
	c.Subscribe(obs)

	// Build a 10-block main chain.
	mainEntries := buildChain(t, c, genesis, 10, 0)

	// Fork at height 7 (mainEntries[6]) and extend 5 blocks past it, to
	// height 12 -- two longer than the current tip of 10.
	forkPoint := mainEntries[6]
	sideEntries := buildChain(t, c, forkPoint, 5, 1_000_000)

	require.Equal(t, uint32(12), c.Tip().Height, spew.Sdump(obs))
	require.Equal(t, sideEntries[len(sideEntries)-1].Hash(), c.Tip().Hash())

	// Disconnects must be heights 10, 9, 8 in that order.
	require.Equal(t, []uint32{10, 9, 8}, obs.disconnected, spew.Sdump(obs))

	// Connects: 1..10 from the initial build, then 8..12 from the reorg.
	require.Equal(t,
		[]uint32{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 8, 9, 10, 11, 12},
		obs.connected, spew.Sdump(obs),
	)

	for h := uint32(8); h <= 12; h++ {
		entry, ok := c.GetEntryByHeight(h)
		require.True(t, ok)
		require.Equal(t, sideEntries[h-8].Hash(), entry.Hash())
	}
}

func TestResetRefusesBelowFloor(t *testing.T) {
	t.Parallel()

	c, genesis := newTestChain(t)
	entries := buildChain(t, c, genesis, 5, 0)
	c.SetFloor(3)

	err := c.ResetHeaderState(entries[0]) // height 1, below floor 3
	require.Error(t, err)

	require.NoError(t, c.ResetHeaderState(entries[3])) // height 4, at/above floor
	require.Equal(t, uint32(4), c.Tip().Height)
}
