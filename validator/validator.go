// Package validator implements the stateless header validation rules of
// spec.md §4.1: a candidate header is checked against its claimed parent and
// the network's consensus parameters, and is never consulted about, nor
// allowed to mutate, any persistent or in-memory chain state.
package validator

import (
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
)

// AncestorSource supplies prior entries by height, used for median-time-past
// and retarget-boundary lookups. The Working Chain implements this; the
// validator never reaches into a store directly.
type AncestorSource interface {
	GetAncestor(height uint32) (*chainentry.Entry, bool)
}

// Validate checks candidate as a would-be child of prev and, if every rule
// passes, returns the resulting ChainEntry (height = prev.Height+1, with
// cumulative chainwork). prev may be nil only when candidate is the genesis
// header, in which case only proof-of-work is checked.
//
// The returned error, when non-nil, is always a *Error carrying a Kind a
// caller can act on (e.g. to score a peer); Validate itself never decides
// policy.
func Validate(candidate *chainentry.Header, prev *chainentry.Entry,
	params *chainparams.Params, ancestors AncestorSource) (*chainentry.Entry, error) {

	if prev == nil {
		if err := checkProofOfWork(candidate, params.PowLimit); err != nil {
			return nil, err
		}
		return &chainentry.Entry{
			Header:    *candidate,
			Height:    0,
			Chainwork: chainentry.WorkForBits(candidate.Bits),
		}, nil
	}

	if candidate.PrevBlock != prev.Hash() {
		return nil, newErr(BadPrevHash,
			"header's prev_block %s does not match parent %s",
			candidate.PrevBlock, prev.Hash())
	}

	if err := checkProofOfWork(candidate, params.PowLimit); err != nil {
		return nil, err
	}

	mtp := medianTimePast(prev, ancestors)
	if !candidate.Timestamp.After(mtp) {
		return nil, newErr(BadTime,
			"header timestamp %s is not after median time past %s",
			candidate.Timestamp, mtp)
	}

	wantBits, err := expectedBits(prev, candidate.Timestamp.Unix(), params, ancestors)
	if err != nil {
		return nil, err
	}
	if candidate.Bits != wantBits {
		return nil, newErr(BadBits,
			"header bits %08x does not match expected retarget value %08x",
			candidate.Bits, wantBits)
	}

	nextHeight := prev.Height + 1
	if wantHash, ok := params.CheckpointByHeight(nextHeight); ok {
		gotHash := candidate.BlockHash()
		if gotHash != wantHash {
			return nil, newErr(FailedCheckpoint,
				"header at height %d hashes to %s, checkpoint requires %s",
				nextHeight, gotHash, wantHash)
		}
	}

	return &chainentry.Entry{
		Header:    *candidate,
		Height:    nextHeight,
		Chainwork: chainentry.NextChainwork(prev.Chainwork, candidate.Bits),
	}, nil
}
