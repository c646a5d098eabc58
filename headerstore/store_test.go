package headerstore

import (
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/stretchr/testify/require"
)

func testParams() *chainparams.Params {
	return &chainparams.Params{
		Name:             "unit-test",
		RetargetInterval: 4,
		Checkpoints: []chainparams.Checkpoint{
			{Height: 6, Hash: chainhash.Hash{}},
		},
	}
}

// buildChain constructs n entries extending genesis, without running any
// consensus checks (headerstore doesn't validate, only persists).
func buildChain(genesis *chainentry.Entry, n int) []*chainentry.Entry {
	entries := make([]*chainentry.Entry, 0, n)
	prev := genesis
	for i := 0; i < n; i++ {
		h := wire.BlockHeader{
			Version:   1,
			PrevBlock: prev.Hash(),
			Timestamp: prev.Header.Timestamp.Add(10 * time.Minute),
			Bits:      0x1d00ffff,
			Nonce:     uint32(i),
		}
		e := &chainentry.Entry{
			Header:    h,
			Height:    prev.Height + 1,
			Chainwork: chainentry.NextChainwork(prev.Chainwork, h.Bits),
		}
		entries = append(entries, e)
		prev = e
	}
	return entries
}

func openTestStore(t *testing.T, params *chainparams.Params) *Store {
	t.Helper()

	db, _, err := Open(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	params.GenesisHeader = wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1231006505, 0),
		Bits:      0x1d00ffff,
	}

	s, err := New(t.TempDir(), db, params)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.EnsureGenesis())

	return s
}

func TestEnsureGenesisBootstraps(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, testParams())

	tip, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(0), tip.Height)
	require.Equal(t, s.params.GenesisHeader.BlockHash(), tip.Hash())
}

func TestEnsureGenesisIsIdempotent(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, testParams())

	require.NoError(t, s.EnsureGenesis())

	tip, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(0), tip.Height)
}

func TestWriteEntriesHistoricalPointSplit(t *testing.T) {
	t.Parallel()

	params := testParams() // historical point = 4 (6 - 6%4)
	s := openTestStore(t, params)

	genesis, err := s.ChainTip()
	require.NoError(t, err)

	entries := buildChain(genesis, 8)
	require.NoError(t, s.WriteEntries(entries...))

	tip, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(8), tip.Height)

	// Height 4 sits at the historical point: chainwork is a placeholder.
	historical, err := s.FetchEntry(4)
	require.NoError(t, err)
	require.Equal(t, 0, historical.Chainwork.Sign())

	// Height 5 is just past it: real cumulative chainwork must be
	// persisted and recovered intact.
	recent, err := s.FetchEntry(5)
	require.NoError(t, err)
	require.Equal(t, 0, recent.Chainwork.Cmp(entries[4].Chainwork))
	require.NotEqual(t, 0, new(big.Int).Set(recent.Chainwork).Sign())
}

func TestHeightFromHashAndCheckConnectivity(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, testParams())
	genesis, err := s.ChainTip()
	require.NoError(t, err)

	entries := buildChain(genesis, 5)
	require.NoError(t, s.WriteEntries(entries...))

	height, err := s.HeightFromHash(&entries[2].Header.PrevBlock)
	require.NoError(t, err)
	require.Equal(t, entries[1].Height, height)

	require.NoError(t, s.CheckConnectivity())
}

func TestRollbackLastBlock(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, testParams())
	genesis, err := s.ChainTip()
	require.NoError(t, err)

	entries := buildChain(genesis, 3)
	require.NoError(t, s.WriteEntries(entries...))

	stamp, err := s.RollbackLastBlock()
	require.NoError(t, err)
	require.Equal(t, int32(2), stamp.Height)
	require.Equal(t, entries[1].Hash(), stamp.Hash)

	tip, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(2), tip.Height)

	_, err = s.HeightFromHash(&entries[2].Header.PrevBlock)
	require.NoError(t, err) // height 2's hash survives the rollback

	var removed chainhash.Hash = entries[2].Hash()
	_, err = s.HeightFromHash(&removed)
	require.Error(t, err)
}

func TestBlockLocatorStopsAtFloor(t *testing.T) {
	t.Parallel()

	s := openTestStore(t, testParams())
	genesis, err := s.ChainTip()
	require.NoError(t, err)

	entries := buildChain(genesis, 20)
	require.NoError(t, s.WriteEntries(entries...))

	locator, err := s.LatestBlockLocator()
	require.NoError(t, err)
	require.NotEmpty(t, locator)

	tipHash := entries[len(entries)-1].Hash()
	require.Equal(t, tipHash, *locator[0])

	genesisHash := s.params.GenesisHeader.BlockHash()
	require.Equal(t, genesisHash, *locator[len(locator)-1])
}

// customStartHeaders builds the two bootstrap headers (s-1, s) a fast-sync
// anchor at startHeight needs, with no genesis header involved at all.
func customStartHeaders(startHeight uint32) (s1, s2 *chainentry.Entry) {
	prevHdr := wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1231006505, 0),
		Bits:      0x1d00ffff,
	}
	startHdr := wire.BlockHeader{
		Version:   1,
		PrevBlock: prevHdr.BlockHash(),
		Timestamp: prevHdr.Timestamp.Add(10 * time.Minute),
		Bits:      0x1d00ffff,
	}
	s1 = &chainentry.Entry{
		Header: prevHdr, Height: startHeight - 1, Chainwork: new(big.Int),
	}
	s2 = &chainentry.Entry{
		Header: startHdr, Height: startHeight,
		Chainwork: chainentry.WorkForBits(startHdr.Bits),
	}
	return s1, s2
}

// TestCustomStartStoreAddressesFromBase covers a fast-syncing store whose
// first record is at height s-1, not 0: FetchHeader/FetchEntry/ChainTip at
// s-1 and s must read the bytes actually written there, and genesis (never
// written, since New no longer bootstraps it unconditionally) must not be
// reachable.
func TestCustomStartStoreAddressesFromBase(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.GenesisHeader = wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1000000000, 0),
		Bits:      0x1d00ffff,
	}

	db, _, err := Open(t.TempDir(), true)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(t.TempDir(), db, params)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	const startHeight = 50
	s1, s2 := customStartHeaders(startHeight)

	require.NoError(t, s.SetStartMarker(s1, s2))

	_, err = s.FetchHeader(0)
	require.Error(t, err)

	got1, err := s.FetchHeader(startHeight - 1)
	require.NoError(t, err)
	require.Equal(t, s1.Header.BlockHash(), got1.BlockHash())

	got2, err := s.FetchHeader(startHeight)
	require.NoError(t, err)
	require.Equal(t, s2.Header.BlockHash(), got2.BlockHash())

	tip, err := s.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(startHeight), tip.Height)
	require.Equal(t, s2.Hash(), tip.Hash())
}

// TestCustomStartStoreSurvivesRestart covers the same fast-sync anchor
// across a Close/reopen, which exercises loadBaseHeight and
// reconcileFileWithIndex against a persisted, non-zero base height.
func TestCustomStartStoreSurvivesRestart(t *testing.T) {
	t.Parallel()

	params := testParams()
	params.GenesisHeader = wire.BlockHeader{
		Version:   1,
		Timestamp: time.Unix(1000000000, 0),
		Bits:      0x1d00ffff,
	}

	dbDir := t.TempDir()
	storeDir := t.TempDir()

	db, _, err := Open(dbDir, false)
	require.NoError(t, err)

	s, err := New(storeDir, db, params)
	require.NoError(t, err)

	const startHeight = 50
	s1, s2 := customStartHeaders(startHeight)
	require.NoError(t, s.SetStartMarker(s1, s2))

	require.NoError(t, s.Close())
	require.NoError(t, db.Close())

	db2, _, err := Open(dbDir, false)
	require.NoError(t, err)
	t.Cleanup(func() { db2.Close() })

	s2Store, err := New(storeDir, db2, params)
	require.NoError(t, err)
	t.Cleanup(func() { s2Store.Close() })

	tip, err := s2Store.ChainTip()
	require.NoError(t, err)
	require.Equal(t, uint32(startHeight), tip.Height)

	got, err := s2Store.FetchHeader(startHeight - 1)
	require.NoError(t, err)
	require.Equal(t, s1.Header.BlockHash(), got.BlockHash())
}

func TestSetStartMarkerRejectsMismatch(t *testing.T) {
	t.Parallel()

	params := testParams()
	s := openTestStore(t, params)
	genesis, err := s.ChainTip()
	require.NoError(t, err)

	entries := buildChain(genesis, 2)
	s1, s2 := entries[0], entries[1]

	require.NoError(t, s.SetStartMarker(s1, s2))

	marker, ok, err := s.StartMarker()
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, s2.Height, marker)

	other := &chainentry.Entry{
		Header: wire.BlockHeader{Timestamp: time.Now()},
		Height: 99,
	}
	err = s.SetStartMarker(s1, other)
	require.Error(t, err)
	_, ok = err.(*ConfigError)
	require.True(t, ok)
}
