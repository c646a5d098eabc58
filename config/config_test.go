package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveParamsHonoursCheckpointsFlag(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Network = "mainnet"
	cfg.Checkpoints = false

	params, err := cfg.ResolveParams()
	require.NoError(t, err)
	require.Empty(t, params.Checkpoints)
}

func TestResolveParamsRejectsUnknownNetwork(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Network = "nonexistent"

	_, err := cfg.ResolveParams()
	require.Error(t, err)
}

func TestResolveStartTipNilWithoutStartHeight(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	tip, err := cfg.ResolveStartTip()
	require.NoError(t, err)
	require.Nil(t, tip)
}

func TestResolveStartTipRejectsExplorerOnRegtest(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Network = "regtest"
	cfg.StartHeight = 50

	_, err := cfg.ResolveStartTip()
	require.Error(t, err)
	require.Contains(t, err.Error(), "regtest")
}

func TestResolveStartTipDecodesRawHeaders(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Network = "regtest"
	cfg.StartHeight = 50
	// A minimal, well-formed (but not proof-of-work-valid) 80-byte
	// header: all zero fields are a legal wire.BlockHeader encoding.
	zeroHeader := strings.Repeat("00", 80)
	cfg.StartTipPrev = zeroHeader
	cfg.StartTipStart = zeroHeader

	tip, err := cfg.ResolveStartTip()
	require.NoError(t, err)
	require.NotNil(t, tip)
	require.Equal(t, uint32(50), tip.Height)
}
