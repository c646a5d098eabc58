// Package headerstore implements spec §3's persistent Header Store: a
// walletdb-backed key/value index over an append-only flat file of 80-byte
// headers, following the split neutrino's headerfs package uses between a
// flat-file byte blob and a database index into it.
//
// Heights at or below a network's historical point are stored as bare
// Headers; heights above it are stored as full ChainEntries (header, height,
// chainwork), per the StoredBlock tagged-variant policy of spec.md §9.
package headerstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/walletdb"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
)

const blockHeaderSize = 80

// BlockStamp identifies a block by height, hash and timestamp, mirroring
// headerfs.BlockStamp.
type BlockStamp struct {
	Height    int32
	Hash      chainhash.Hash
	Timestamp int64
}

// ConfigError is returned for store-layout problems that are fatal at open:
// a configured start height that disagrees with a previously persisted
// START_MARKER, or similar invariant breaks spec.md §7 classifies as
// Configuration errors.
type ConfigError struct {
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("header store configuration error: %s", e.Detail)
}

// ErrHeaderNotFound is returned when a height or hash has no stored record.
type ErrHeaderNotFound struct {
	Detail string
}

func (e *ErrHeaderNotFound) Error() string {
	return fmt.Sprintf("header not found: %s", e.Detail)
}

var headerBufPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// Store is the persistent Header Store. It is owned exclusively by the
// indexer package; no other component writes to it (spec.md §5).
type Store struct {
	mtx sync.RWMutex

	params *chainparams.Params

	fileName string
	file     *os.File

	// baseHeight is the height of the flat file's first record: 0 for a
	// genesis-rooted store, or s-1 once a custom start tip has been
	// persisted via SetStartMarker. Every file offset is computed
	// relative to it.
	baseHeight uint32

	db walletdb.DB
}

// New opens (creating if necessary) a Store rooted at dir, using db for the
// index. The flat file lives at dir/block_headers.bin.
func New(dir string, db walletdb.DB, params *chainparams.Params) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}

	fileName := filepath.Join(dir, "block_headers.bin")
	f, err := os.OpenFile(fileName, os.O_RDWR|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}

	s := &Store{
		fileName: fileName,
		file:     f,
		db:       db,
		params:   params,
	}

	if err := s.initIndex(); err != nil {
		return nil, err
	}

	baseHeight, err := s.loadBaseHeight()
	if err != nil {
		return nil, err
	}
	s.baseHeight = baseHeight

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}

	// A brand new store -- genesis-rooted or about to be fast-start
	// bootstrapped -- has nothing to reconcile yet. Which of the two it
	// is isn't decided here; the indexer's Open sequence calls
	// EnsureGenesis or SetStartMarker once it knows.
	if fi.Size() == 0 {
		return s, nil
	}

	if err := s.reconcileFileWithIndex(fi.Size()); err != nil {
		return nil, err
	}

	return s, nil
}

// EnsureGenesis writes the genesis header as the store's sole record if the
// flat file is still empty, mirroring NewBlockHeaderStore's "if the size of
// the file is zero" branch. The indexer only calls this on the default,
// non-custom-start open path (spec.md §4.3): a fast-syncing node's first
// records are its injected start tip at s-1/s, not genesis at 0, and the two
// must never both be written into the same base-height-0 file.
func (s *Store) EnsureGenesis() error {
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	if fi.Size() != 0 {
		return nil
	}

	genesis := &chainentry.Entry{
		Header:    s.params.GenesisHeader,
		Height:    0,
		Chainwork: chainentry.WorkForBits(s.params.GenesisHeader.Bits),
	}
	return s.WriteEntries(genesis)
}

// Close flushes and closes the underlying flat file. The index database is
// owned by the caller (the indexer's embedding code opens and closes it).
func (s *Store) Close() error {
	return s.file.Close()
}

// reconcileFileWithIndex truncates the flat file if it runs ahead of the
// index tip, matching headerfs's recovery branch for a crash between a file
// append and an index commit.
func (s *Store) reconcileFileWithIndex(fileSize int64) error {
	_, tipHeight, err := s.chainTip()
	if err != nil {
		return err
	}

	fileHeight := s.baseHeight + uint32(fileSize/blockHeaderSize) - 1
	for fileHeight > tipHeight {
		if err := s.truncateFile(); err != nil {
			return err
		}
		fileHeight--
	}
	return nil
}

// CheckConnectivity walks every stored header from tip to floor and verifies
// prev-hash linkage and index/height agreement, mirroring
// blockHeaderStore.CheckConnectivity.
func (s *Store) CheckConnectivity() error {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	floor, err := s.floorHeight()
	if err != nil {
		return err
	}

	_, tipHeight, err := s.chainTip()
	if err != nil {
		return err
	}
	if tipHeight <= floor {
		return nil
	}

	header, _, err := s.readRecordHeader(tipHeight)
	if err != nil {
		return err
	}

	for height := tipHeight - 1; ; height-- {
		prevHeader, _, err := s.readRecordHeader(height)
		if err != nil {
			return fmt.Errorf("couldn't retrieve header at %d: %w", height, err)
		}

		prevHash := prevHeader.BlockHash()
		if prevHash != header.PrevBlock {
			return fmt.Errorf("block %s doesn't match block %s's prev_block (%s)",
				prevHash, header.BlockHash(), header.PrevBlock)
		}

		indexHeight, ok, err := s.heightFromHash(&prevHash)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("index and on-disk file out of sync at height %d", height)
		}
		if indexHeight != height {
			return fmt.Errorf("index height isn't monotonically increasing")
		}

		header = prevHeader
		if height == floor {
			break
		}
	}

	return nil
}

// ChainTip returns the stored tip as a ChainEntry. Below the historical
// point the stored record carries no chainwork; FetchEntry reconstructs it
// with a zero placeholder, acceptable per spec.md §4.5 since chainwork is
// never consulted there.
func (s *Store) ChainTip() (*chainentry.Entry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	_, tipHeight, err := s.chainTip()
	if err != nil {
		return nil, err
	}
	return s.fetchEntryLocked(tipHeight)
}

// FetchHeader returns the bare header stored at height.
func (s *Store) FetchHeader(height uint32) (*wire.BlockHeader, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	header, _, err := s.readRecordHeader(height)
	return header, err
}

// FetchEntry returns the ChainEntry stored at height, reconstructing
// zero-chainwork placeholders for historical (bare-Header) records.
func (s *Store) FetchEntry(height uint32) (*chainentry.Entry, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	return s.fetchEntryLocked(height)
}

func (s *Store) fetchEntryLocked(height uint32) (*chainentry.Entry, error) {
	header, chainwork, err := s.readRecordHeader(height)
	if err != nil {
		return nil, err
	}
	if chainwork == nil {
		chainwork = chainentry.WorkForBits(header.Bits)
		chainwork.SetInt64(0)
	}
	return &chainentry.Entry{
		Header:    *header,
		Height:    height,
		Chainwork: chainwork,
	}, nil
}

// HeightFromHash returns the height at which hash is stored.
func (s *Store) HeightFromHash(hash *chainhash.Hash) (uint32, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	height, ok, err := s.heightFromHash(hash)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, &ErrHeaderNotFound{Detail: hash.String()}
	}
	return height, nil
}

// WriteEntries appends entries to the flat file and commits the index in a
// single atomic transaction, applying the historical-point storage policy
// of spec.md §4.3 per entry.
func (s *Store) WriteEntries(entries ...*chainentry.Entry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer headerBufPool.Put(buf)

	for _, e := range entries {
		if err := e.Header.Serialize(buf); err != nil {
			return err
		}
	}

	if err := s.appendRaw(buf.Bytes()); err != nil {
		return err
	}

	return s.commitIndex(entries)
}

// RollbackLastBlock truncates the store by a single header, for use when the
// working chain disconnects its tip during a reorg.
func (s *Store) RollbackLastBlock() (*BlockStamp, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, tipHeight, err := s.chainTip()
	if err != nil {
		return nil, err
	}

	header, _, err := s.readRecordHeader(tipHeight)
	if err != nil {
		return nil, err
	}
	removedHash := header.BlockHash()
	prevHash := header.PrevBlock

	newHeader, _, err := s.readRecordHeader(tipHeight - 1)
	if err != nil {
		return nil, err
	}
	if newHeader.BlockHash() != prevHash {
		return nil, fmt.Errorf("rollback would leave index tip %s inconsistent "+
			"with file tip %s", prevHash, newHeader.BlockHash())
	}

	if err := s.truncateFile(); err != nil {
		return nil, err
	}
	if err := s.truncateIndex(tipHeight-1, removedHash, prevHash); err != nil {
		return nil, err
	}

	return &BlockStamp{
		Height:    int32(tipHeight) - 1,
		Hash:      prevHash,
		Timestamp: newHeader.Timestamp.Unix(),
	}, nil
}

// BlockLocatorFromHash computes a locator per spec.md §4.3: start at hash,
// double the step after 10 entries, and never walk below the stored floor
// (the custom start marker if set, else genesis).
func (s *Store) BlockLocatorFromHash(hash *chainhash.Hash) (blockchain.BlockLocator, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	var locator blockchain.BlockLocator
	locator = append(locator, hash)

	floor, err := s.floorHeight()
	if err != nil {
		return nil, err
	}

	height, ok, err := s.heightFromHash(hash)
	if err != nil {
		return nil, err
	}
	if !ok || height <= floor {
		return locator, nil
	}

	decrement := uint32(1)
	for height > floor && uint32(len(locator)) < wire.MaxBlockLocatorsPerMsg {
		if len(locator) > 10 {
			decrement *= 2
		}

		if decrement > height-floor {
			height = floor
		} else {
			height -= decrement
		}

		header, _, err := s.readRecordHeader(height)
		if err != nil {
			return locator, err
		}
		hash := header.BlockHash()
		locator = append(locator, &hash)

		if height == floor {
			break
		}
	}

	return locator, nil
}

// LatestBlockLocator computes the locator from the current tip.
func (s *Store) LatestBlockLocator() (blockchain.BlockLocator, error) {
	s.mtx.RLock()
	tipHash, _, err := s.chainTip()
	s.mtx.RUnlock()
	if err != nil {
		return nil, err
	}
	return s.BlockLocatorFromHash(tipHash)
}

// StartMarker returns the configured custom start height, if any.
func (s *Store) StartMarker() (uint32, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()
	return s.startMarker()
}

// SetStartMarker persists the custom start height, the two bootstrap
// entries at s-1 and s, and marks the store as fast-start initialized. It
// fails with *ConfigError if a marker is already persisted and disagrees
// with s, since the store is authoritative over a configured start height
// (spec.md §4.3).
func (s *Store) SetStartMarker(s1, s2 *chainentry.Entry) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	existing, ok, err := s.startMarker()
	if err != nil {
		return err
	}
	if ok && existing != s2.Height {
		return &ConfigError{Detail: fmt.Sprintf(
			"configured start height %d disagrees with persisted "+
				"START_MARKER %d", s2.Height, existing)}
	}
	if ok {
		return nil
	}

	buf := headerBufPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer headerBufPool.Put(buf)

	for _, e := range []*chainentry.Entry{s1, s2} {
		if err := e.Header.Serialize(buf); err != nil {
			return err
		}
	}
	if err := s.appendRaw(buf.Bytes()); err != nil {
		return err
	}

	if err := s.commitIndex([]*chainentry.Entry{s1, s2}); err != nil {
		return err
	}

	if err := s.putBaseHeight(s1.Height); err != nil {
		return err
	}
	s.baseHeight = s1.Height

	return s.putStartMarker(s2.Height)
}

func binaryHeight(height uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], height)
	return b[:]
}
