package headerstore

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/wire"
)

// appendRaw appends already-serialized headers to the end of the flat file.
func (s *Store) appendRaw(raw []byte) error {
	_, err := s.file.Write(raw)
	return err
}

// truncateFile removes the last header from the flat file.
func (s *Store) truncateFile() error {
	fi, err := s.file.Stat()
	if err != nil {
		return err
	}
	return s.file.Truncate(fi.Size() - blockHeaderSize)
}

// readHeaderAt reads the bare 80-byte header at height directly from the
// flat file, bypassing the index's stored variant entirely. Every record
// read (readRecordHeader) goes through it.
//
// height is an absolute chain height; the file offset is computed relative
// to the store's base height (0 for a genesis-rooted store, s-1 once a
// custom start tip is persisted), since a fast-synced store's first record
// is not at height 0.
func (s *Store) readHeaderAt(height uint32) (*wire.BlockHeader, error) {
	if height < s.baseHeight {
		return nil, &ErrHeaderNotFound{Detail: fmt.Sprintf(
			"height %d is below stored base height %d", height, s.baseHeight)}
	}
	seekDist := int64(height-s.baseHeight) * blockHeaderSize

	raw := make([]byte, blockHeaderSize)
	if _, err := s.file.ReadAt(raw, seekDist); err != nil {
		return nil, &ErrHeaderNotFound{Detail: err.Error()}
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &header, nil
}
