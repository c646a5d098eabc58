// Package chainparams defines the per-network constants the header chain
// needs: the genesis header, proof-of-work limits, the retarget schedule,
// and the set of checkpoints that split the chain into a "historical"
// prefix and a "recent" suffix.
//
// Unlike btcsuite/btcd's chaincfg package, a Params value here is never
// registered into a process-wide map. Each node owns its own *Params and
// threads it by reference, so tests can construct distinct networks
// (including synthetic ones with a shortened retarget interval) without
// mutating shared state.
package chainparams

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// Checkpoint is a trusted (height, hash) pair asserted by the network. Blocks
// at or below the last checkpoint's height are "historical".
type Checkpoint struct {
	Height uint32
	Hash   chainhash.Hash
}

// Params holds the network constants needed by the validator, the working
// chain, and the indexer.
type Params struct {
	// Name is a human readable identifier, e.g. "mainnet".
	Name string

	// Net is the wire protocol magic for this network.
	Net wire.BitcoinNet

	// GenesisHeader is the header of block 0.
	GenesisHeader wire.BlockHeader

	// PowLimit is the highest (easiest) proof-of-work target permitted on
	// this network.
	PowLimit *big.Int

	// PowLimitBits is PowLimit in compact form.
	PowLimitBits uint32

	// RetargetInterval is the number of blocks between difficulty
	// recomputations (2016 on mainnet).
	RetargetInterval uint32

	// TargetTimespan is the intended amount of time a retarget interval
	// should take.
	TargetTimespan time.Duration

	// TargetTimePerBlock is the intended spacing between blocks.
	TargetTimePerBlock time.Duration

	// RetargetAdjustmentFactor bounds how far a single retarget may move
	// the difficulty: the observed timespan is clamped to
	// [TargetTimespan/factor, TargetTimespan*factor].
	RetargetAdjustmentFactor int64

	// ReduceMinDifficulty, when true, allows a block whose timestamp is
	// more than 2*TargetTimePerBlock after its parent to use PowLimitBits
	// regardless of the current difficulty. This is the testnet/regtest
	// "minimum difficulty" rule; see SPEC_FULL.md §5.1 for the decision to
	// honour it explicitly rather than disable it silently.
	ReduceMinDifficulty bool

	// MinDiffReductionTime is the "more than" duration used by the
	// minimum-difficulty rule above. Conventionally 2*TargetTimePerBlock.
	MinDiffReductionTime time.Duration

	// Checkpoints is ordered oldest to newest.
	Checkpoints []Checkpoint
}

// LastCheckpointHeight returns the height of the newest checkpoint, or 0 if
// there are none.
func (p *Params) LastCheckpointHeight() uint32 {
	if len(p.Checkpoints) == 0 {
		return 0
	}
	return p.Checkpoints[len(p.Checkpoints)-1].Height
}

// CheckpointByHeight returns the checkpoint hash asserted for height, if
// any.
func (p *Params) CheckpointByHeight(height uint32) (chainhash.Hash, bool) {
	for _, cp := range p.Checkpoints {
		if cp.Height == height {
			return cp.Hash, true
		}
	}
	return chainhash.Hash{}, false
}

// HistoricalPoint is the largest multiple of RetargetInterval that is no
// greater than LastCheckpointHeight. Heights at or below this point only
// need a bare Header persisted; heights above it need the full ChainEntry
// (header + chainwork) because contextual validation may need to recompute
// chainwork for them.
func (p *Params) HistoricalPoint() uint32 {
	last := p.LastCheckpointHeight()
	if last == 0 {
		return 0
	}
	return last - (last % p.RetargetInterval)
}

// WithStartCheckpoint returns a copy of p whose checkpoint list consists
// solely of (height, hash). The indexer records such a copy as its
// effective params for a fast-syncing node's injected start tip; the
// Working Chain's validation does not use it.
func (p *Params) WithStartCheckpoint(height uint32, hash chainhash.Hash) *Params {
	clone := *p
	clone.Checkpoints = []Checkpoint{{Height: height, Hash: hash}}
	return &clone
}

// blocksPerRetarget derives RetargetInterval from the timespan/spacing pair,
// matching the relationship chaincfg.Params keeps implicit.
func blocksPerRetarget(timespan, perBlock time.Duration) uint32 {
	return uint32(timespan / perBlock)
}

func fromBtcd(name string, net *chaincfg.Params, checkpoints []Checkpoint) *Params {
	return &Params{
		Name:                     name,
		Net:                      net.Net,
		GenesisHeader:            net.GenesisBlock.Header,
		PowLimit:                 net.PowLimit,
		PowLimitBits:             net.PowLimitBits,
		RetargetInterval:         blocksPerRetarget(net.TargetTimespan, net.TargetTimePerBlock),
		TargetTimespan:           net.TargetTimespan,
		TargetTimePerBlock:       net.TargetTimePerBlock,
		RetargetAdjustmentFactor: net.RetargetAdjustmentFactor,
		ReduceMinDifficulty:      net.ReduceMinDifficulty,
		MinDiffReductionTime:     net.MinDiffReductionTime,
		Checkpoints:              checkpoints,
	}
}

// checkpointsFromBtcd converts a chaincfg checkpoint list, which is declared
// oldest-first already.
func checkpointsFromBtcd(cps []chaincfg.Checkpoint) []Checkpoint {
	out := make([]Checkpoint, len(cps))
	for i, cp := range cps {
		out[i] = Checkpoint{
			Height: uint32(cp.Height),
			Hash:   *cp.Hash,
		}
	}
	return out
}

// MainNetParams returns a fresh copy of the mainnet parameters.
func MainNetParams() *Params {
	return fromBtcd(
		"mainnet", &chaincfg.MainNetParams,
		checkpointsFromBtcd(chaincfg.MainNetParams.Checkpoints),
	)
}

// TestNet3Params returns a fresh copy of the testnet3 parameters.
func TestNet3Params() *Params {
	return fromBtcd(
		"testnet3", &chaincfg.TestNet3Params,
		checkpointsFromBtcd(chaincfg.TestNet3Params.Checkpoints),
	)
}

// RegressionNetParams returns a fresh copy of the regtest parameters, with
// no built-in checkpoints.
func RegressionNetParams() *Params {
	return fromBtcd("regtest", &chaincfg.RegressionNetParams, nil)
}

// SimNetParams returns a fresh copy of the simnet parameters, with no
// built-in checkpoints.
func SimNetParams() *Params {
	return fromBtcd("simnet", &chaincfg.SimNetParams, nil)
}

// ByName resolves one of the four supported network names, matching the
// `network` configuration option of SPEC_FULL.md §2.3.
func ByName(name string) (*Params, error) {
	switch name {
	case "main", "mainnet":
		return MainNetParams(), nil
	case "test", "testnet", "testnet3":
		return TestNet3Params(), nil
	case "regtest":
		return RegressionNetParams(), nil
	case "simnet":
		return SimNetParams(), nil
	default:
		return nil, &UnknownNetworkError{Name: name}
	}
}

// UnknownNetworkError is returned by ByName for an unrecognised network
// name.
type UnknownNetworkError struct {
	Name string
}

func (e *UnknownNetworkError) Error() string {
	return "unknown network: " + e.Name
}
