package validator

import (
	"math/big"
	"sort"
	"time"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/chainpoint/bitcoin-header-node/chainentry"
)

// checkProofOfWork verifies that header's own hash satisfies the target its
// bits decode to, and that the target itself does not exceed powLimit. This
// mirrors btcd/blockchain's unexported checkProofOfWork, built from the
// exported CompactToBig/HashToBig primitives since the unexported helper
// isn't reachable from outside the package.
func checkProofOfWork(header *chainentry.Header, powLimit *big.Int) *Error {
	target := blockchain.CompactToBig(header.Bits)

	if target.Sign() <= 0 {
		return newErr(BadBits, "target difficulty %064x is too low", target)
	}
	if target.Cmp(powLimit) > 0 {
		return newErr(BadBits, "target difficulty %064x exceeds pow limit %064x",
			target, powLimit)
	}

	hash := header.BlockHash()
	hashNum := blockchain.HashToBig(&hash)
	if hashNum.Cmp(target) > 0 {
		return newErr(PoW, "block hash %064x exceeds target %064x", hashNum, target)
	}

	return nil
}

// medianTimePast returns the median timestamp of up to the 11 most recent
// ancestors ending at (and including) prev, per spec.md §4.1. Fewer than 11
// samples are used near the effective floor.
func medianTimePast(prev *chainentry.Entry, ancestors AncestorSource) time.Time {
	const medianTimeBlocks = 11

	times := make([]int64, 0, medianTimeBlocks)
	times = append(times, prev.Header.Timestamp.Unix())

	for i := uint32(1); i < medianTimeBlocks && i <= prev.Height; i++ {
		anc, ok := ancestors.GetAncestor(prev.Height - i)
		if !ok {
			break
		}
		times = append(times, anc.Header.Timestamp.Unix())
	}

	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return time.Unix(times[len(times)/2], 0)
}
