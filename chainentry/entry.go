// Package chainentry defines the core header data model shared by the
// header store, the working chain, and the validator: the 80-byte Bitcoin
// header (reused directly from btcd/wire, since it already is the exact
// wire layout spec.md §3 describes) and ChainEntry, a header annotated with
// its absolute height and cumulative chainwork.
package chainentry

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Header is the 80-byte Bitcoin block header: version, prev block hash,
// merkle root, time, bits, nonce. btcd/wire's BlockHeader already encodes
// exactly this layout (little-endian fields, double-SHA256 hash), so it is
// reused verbatim rather than redefined.
type Header = wire.BlockHeader

// Entry is a Header augmented with its absolute height and cumulative
// chainwork, i.e. spec.md's "ChainEntry". A bare Header suffices wherever
// ancestry is fixed by a checkpoint; an Entry is required whenever
// contextual validation (retarget, reorg comparison) needs cumulative
// work.
type Entry struct {
	Header    Header
	Height    uint32
	Chainwork *big.Int
}

// Hash returns the double-SHA256 block hash of the entry's header.
func (e *Entry) Hash() chainhash.Hash {
	return e.Header.BlockHash()
}

// WorkForBits returns the amount of work represented by a single block with
// the given compact-form target, i.e. 2^256 / (target + 1). This is
// btcd/blockchain's own CalcWork, reused rather than reimplemented since it
// is exported from a direct dependency of the teacher's stack.
func WorkForBits(bits uint32) *big.Int {
	return blockchain.CalcWork(bits)
}

// NextChainwork returns the cumulative chainwork of a child entry built on
// top of prevWork with the given compact-form target.
func NextChainwork(prevWork *big.Int, bits uint32) *big.Int {
	total := new(big.Int).Set(prevWork)
	return total.Add(total, WorkForBits(bits))
}
