package headerstore

import (
	"encoding/binary"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
)

// Bucket and key names for the walletdb index. Keys mirror the abstract
// layout of spec.md §3; VERSION/FLAGS/START_MARKER live directly in the
// root metadata bucket, BY_HEIGHT's chainwork component (present only
// above the historical point) lives in its own bucket keyed by height, and
// the hash accelerator lives in its own bucket keyed by hash.
var (
	metaBucket      = []byte("bhn-meta")
	hashIndexBucket = []byte("bhn-hash-index")
	chainworkBucket = []byte("bhn-chainwork")

	keyVersion     = []byte("VERSION")
	keyFlags       = []byte("FLAGS")
	keyStartMarker = []byte("START_MARKER")
	keyBaseHeight  = []byte("BASE_HEIGHT")
	keyTipHash     = []byte("TIP_HASH")
	keyTipHeight   = []byte("TIP_HEIGHT")
)

const storeSchemaVersion = 1

func (s *Store) initIndex() error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		meta, err := tx.CreateTopLevelBucket(metaBucket)
		if err != nil {
			return err
		}
		if _, err := tx.CreateTopLevelBucket(hashIndexBucket); err != nil {
			return err
		}
		if _, err := tx.CreateTopLevelBucket(chainworkBucket); err != nil {
			return err
		}

		if meta.Get(keyVersion) == nil {
			var v [4]byte
			binary.BigEndian.PutUint32(v[:], storeSchemaVersion)
			if err := meta.Put(keyVersion, v[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

// readRecordHeader reads the header for height from the flat file and, if
// the index holds a chainwork entry for that height (i.e. height is above
// the historical point), returns it too. A nil chainwork return means the
// record is a bare historical Header.
func (s *Store) readRecordHeader(height uint32) (*wire.BlockHeader, *big.Int, error) {
	h, err := s.readHeaderAt(height)
	if err != nil {
		return nil, nil, err
	}

	var work *big.Int
	err = walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(chainworkBucket)
		raw := b.Get(binaryHeight(height))
		if raw == nil {
			return nil
		}
		work = new(big.Int).SetBytes(raw)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	return h, work, nil
}

func (s *Store) chainTip() (*chainhash.Hash, uint32, error) {
	var (
		hash   chainhash.Hash
		height uint32
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(metaBucket)
		hashBytes := b.Get(keyTipHash)
		heightBytes := b.Get(keyTipHeight)
		if hashBytes == nil || heightBytes == nil {
			return nil
		}
		copy(hash[:], hashBytes)
		height = binary.BigEndian.Uint32(heightBytes)
		return nil
	})
	return &hash, height, err
}

func (s *Store) heightFromHash(hash *chainhash.Hash) (uint32, bool, error) {
	var (
		height uint32
		found  bool
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(hashIndexBucket)
		raw := b.Get(hash[:])
		if raw == nil {
			return nil
		}
		height = binary.BigEndian.Uint32(raw)
		found = true
		return nil
	})
	return height, found, err
}

func (s *Store) floorHeight() (uint32, error) {
	marker, ok, err := s.startMarker()
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	return marker, nil
}

func (s *Store) startMarker() (uint32, bool, error) {
	var (
		height uint32
		found  bool
	)
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(metaBucket)
		raw := b.Get(keyStartMarker)
		if raw == nil {
			return nil
		}
		height = binary.BigEndian.Uint32(raw)
		found = true
		return nil
	})
	return height, found, err
}

func (s *Store) putStartMarker(height uint32) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(metaBucket)
		return b.Put(keyStartMarker, binaryHeight(height))
	})
}

// loadBaseHeight returns the persisted base height -- the height of the flat
// file's first record -- or 0 if none has been persisted yet (a brand new
// store, genesis-rooted or not yet fast-start bootstrapped).
func (s *Store) loadBaseHeight() (uint32, error) {
	var height uint32
	err := walletdb.View(s.db, func(tx walletdb.ReadTx) error {
		b := tx.ReadBucket(metaBucket)
		raw := b.Get(keyBaseHeight)
		if raw == nil {
			return nil
		}
		height = binary.BigEndian.Uint32(raw)
		return nil
	})
	return height, err
}

func (s *Store) putBaseHeight(height uint32) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		b := tx.ReadWriteBucket(metaBucket)
		return b.Put(keyBaseHeight, binaryHeight(height))
	})
}

// commitIndex records the hash->height mapping for each entry, stores a
// chainwork entry for any entry above the historical point, and advances
// the tip pointer. All entries must be contiguous and in ascending height
// order, as guaranteed by WriteEntries' callers.
func (s *Store) commitIndex(entries []*chainentry.Entry) error {
	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		hashIdx := tx.ReadWriteBucket(hashIndexBucket)
		workIdx := tx.ReadWriteBucket(chainworkBucket)
		meta := tx.ReadWriteBucket(metaBucket)

		for _, e := range entries {
			hash := e.Hash()
			if err := hashIdx.Put(hash[:], binaryHeight(e.Height)); err != nil {
				return err
			}

			if e.Height > s.params.HistoricalPoint() {
				var work [32]byte
				e.Chainwork.FillBytes(work[:])
				if err := workIdx.Put(binaryHeight(e.Height), work[:]); err != nil {
					return err
				}
			}
		}

		last := entries[len(entries)-1]
		lastHash := last.Hash()
		if err := meta.Put(keyTipHash, lastHash[:]); err != nil {
			return err
		}
		return meta.Put(keyTipHeight, binaryHeight(last.Height))
	})
}

// truncateIndex rewinds the tip to newTipHeight, dropping the hash and
// chainwork entries for the removed height. Both hashes must be captured by
// the caller before the flat file itself is truncated.
func (s *Store) truncateIndex(newTipHeight uint32, removedHash,
	newTipHash chainhash.Hash) error {

	return walletdb.Update(s.db, func(tx walletdb.ReadWriteTx) error {
		hashIdx := tx.ReadWriteBucket(hashIndexBucket)
		workIdx := tx.ReadWriteBucket(chainworkBucket)
		meta := tx.ReadWriteBucket(metaBucket)

		if err := hashIdx.Delete(removedHash[:]); err != nil {
			return err
		}
		if err := workIdx.Delete(binaryHeight(newTipHeight + 1)); err != nil {
			return err
		}

		if err := meta.Put(keyTipHash, newTipHash[:]); err != nil {
			return err
		}
		return meta.Put(keyTipHeight, binaryHeight(newTipHeight))
	})
}
