package indexer

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/chainpoint/bitcoin-header-node/chainview"
	"github.com/chainpoint/bitcoin-header-node/headerstore"
	"github.com/stretchr/testify/require"
)

// params mirrors S3/S4 of spec.md §8: retarget_interval=25,
// last_checkpoint=62, so historical_point=50.
func scenarioParams(t *testing.T) *chainparams.Params {
	t.Helper()

	limit := new(big.Int).SetUint64(1)
	limit.Lsh(limit, 239)

	return &chainparams.Params{
		Name:                     "scenario",
		PowLimit:                 limit,
		PowLimitBits:             blockchain.BigToCompact(limit),
		RetargetInterval:         25,
		TargetTimespan:           25 * 10 * time.Minute,
		TargetTimePerBlock:       10 * time.Minute,
		RetargetAdjustmentFactor: 4,
		Checkpoints: []chainparams.Checkpoint{
			{Height: 62, Hash: chainhash.Hash{0x62}},
		},
		GenesisHeader: wire.BlockHeader{
			Version:   1,
			Timestamp: time.Unix(1231006505, 0),
			Bits:      blockchain.BigToCompact(limit),
		},
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

func newOpenStore(t *testing.T, params *chainparams.Params) *headerstore.Store {
	t.Helper()

	db, _, err := headerstore.Open(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := headerstore.New(t.TempDir(), db, params)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

func TestValidateStartHeightRejectsPastHistoricalPoint(t *testing.T) {
	t.Parallel()

	params := scenarioParams(t)

	err := validateStartHeight(55, params) // historical_point = 50
	require.Error(t, err)
	cfgErr, ok := err.(*ConfigError)
	require.True(t, ok)
	require.Contains(t, cfgErr.Error(), "50")
	require.Contains(t, cfgErr.Error(), "retarget")
}

func TestValidateStartHeightAcceptsHistoricalPoint(t *testing.T) {
	t.Parallel()

	params := scenarioParams(t)
	require.NoError(t, validateStartHeight(50, params))
}

func TestOpenWithCustomStartHeight(t *testing.T) {
	t.Parallel()

	params := scenarioParams(t)
	store := newOpenStore(t, params)
	chain := chainview.New(params)
	idx := New(store, chain, params)

	prevHeader := mineHeader(t, chainhash.Hash{0x49}, params.PowLimitBits,
		time.Unix(1231006505+49*600, 0), 0)
	startHeader := mineHeader(t, prevHeader.BlockHash(), params.PowLimitBits,
		time.Unix(1231006505+50*600, 0), 1000)

	err := idx.Open(&StartTip{
		Height: 50,
		Prev:   prevHeader,
		Start:  startHeader,
	})
	require.NoError(t, err)

	marker, ok, err := store.StartMarker()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(50), marker)

	require.Equal(t, uint32(50), chain.Floor())
	require.Equal(t, uint32(50), chain.Tip().Height)

	_, ok = chain.GetEntryByHeight(49)
	require.False(t, ok) // below the floor, per invariant §3.4

	startHash := startHeader.BlockHash()
	require.Equal(t, startHash, idx.EffectiveParams().Checkpoints[0].Hash)
}

func TestOpenGenesisReplaysStoredHistory(t *testing.T) {
	t.Parallel()

	params := scenarioParams(t)
	store := newOpenStore(t, params)
	chain := chainview.New(params)
	idx := New(store, chain, params)

	require.NoError(t, idx.Open(nil))
	require.Equal(t, uint32(0), chain.Tip().Height)
}
