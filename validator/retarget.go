package validator

import (
	"math/big"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
)

// expectedBits computes the bits a header extending prev must carry, given
// the network's retarget schedule. This is grounded on
// BlockChain.checkBlockHeaderContext / calcNextRequiredDifficulty in
// btcd/blockchain, generalized to take ancestors from an AncestorSource
// rather than an in-process blockIndex.
func expectedBits(prev *chainentry.Entry, candidateTime int64,
	params *chainparams.Params, ancestors AncestorSource) (uint32, *Error) {

	nextHeight := prev.Height + 1

	// Not a retarget boundary: bits carry over from the parent, subject
	// to the minimum-difficulty rule on networks that have it (Open
	// Question §5.1 of SPEC_FULL.md: honoured explicitly, per-network).
	if nextHeight%params.RetargetInterval != 0 {
		if params.ReduceMinDifficulty {
			reduceTime := prev.Header.Timestamp.Unix() +
				int64(params.MinDiffReductionTime/1e9)
			if candidateTime > reduceTime {
				return params.PowLimitBits, nil
			}
			return lastNonReducedBits(prev, params, ancestors), nil
		}
		return prev.Header.Bits, nil
	}

	// Retarget boundary: recompute from the timespan between this
	// boundary's first block and prev.
	firstHeight := nextHeight - params.RetargetInterval
	firstEntry, ok := ancestors.GetAncestor(firstHeight)
	if !ok {
		return 0, newErr(BadBits,
			"missing retarget ancestor at height %d", firstHeight)
	}

	actualTimespan := prev.Header.Timestamp.Unix() - firstEntry.Header.Timestamp.Unix()
	minTimespan := int64(params.TargetTimespan) / params.RetargetAdjustmentFactor / 1e9
	maxTimespan := int64(params.TargetTimespan) / 1e9 * params.RetargetAdjustmentFactor

	adjustedTimespan := actualTimespan
	if adjustedTimespan < minTimespan {
		adjustedTimespan = minTimespan
	} else if adjustedTimespan > maxTimespan {
		adjustedTimespan = maxTimespan
	}

	oldTarget := blockchain.CompactToBig(prev.Header.Bits)
	newTarget := new(big.Int).Mul(oldTarget, big.NewInt(adjustedTimespan))
	newTarget.Div(newTarget, big.NewInt(int64(params.TargetTimespan)/1e9))

	if newTarget.Cmp(params.PowLimit) > 0 {
		newTarget = params.PowLimit
	}

	return blockchain.BigToCompact(newTarget), nil
}

// lastNonReducedBits walks back from prev to the most recent block that
// falls on a retarget boundary (or wasn't using the reduced-difficulty
// exception), returning its bits. This mirrors the "test network" rule
// btcd/blockchain applies when ReduceMinDifficulty is set: between retarget
// boundaries, a chain of reduced-difficulty blocks must not drag the
// baseline difficulty down for blocks that don't themselves qualify for the
// exception.
func lastNonReducedBits(prev *chainentry.Entry, params *chainparams.Params,
	ancestors AncestorSource) uint32 {

	cur := prev
	for cur.Height > 0 && cur.Height%params.RetargetInterval != 0 {
		if cur.Header.Bits != params.PowLimitBits {
			return cur.Header.Bits
		}
		anc, ok := ancestors.GetAncestor(cur.Height - 1)
		if !ok {
			break
		}
		cur = anc
	}
	return cur.Header.Bits
}
