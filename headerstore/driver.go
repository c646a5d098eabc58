package headerstore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/btcsuite/btcwallet/walletdb"

	// Register the bdb (bbolt-backed) walletdb driver.
	_ "github.com/btcsuite/btcwallet/walletdb/bdb"
)

const (
	dbFileName    = "headers.db"
	boltBackend   = "bdb"
	dbOpenTimeout = 10 * time.Second
)

// Open opens the index database rooted at dir, creating it if absent. When
// memory is true (the `memory` configuration option of spec.md §6), the
// database is created under a fresh temporary directory instead, so that
// tests never share or leak on-disk state between runs.
func Open(dir string, memory bool) (walletdb.DB, string, error) {
	if memory {
		tmp, err := os.MkdirTemp("", "bhnd-memstore-")
		if err != nil {
			return nil, "", err
		}
		dir = tmp
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, "", err
	}

	dbPath := filepath.Join(dir, dbFileName)

	var (
		db  walletdb.DB
		err error
	)
	if _, statErr := os.Stat(dbPath); os.IsNotExist(statErr) {
		db, err = walletdb.Create(
			boltBackend, dbPath, false, dbOpenTimeout, false,
		)
	} else {
		db, err = walletdb.Open(
			boltBackend, dbPath, false, dbOpenTimeout, false,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("unable to open header index: %w", err)
	}

	return db, dir, nil
}
