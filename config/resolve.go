package config

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/wire"
	"github.com/chainpoint/bitcoin-header-node/chainparams"
	"github.com/chainpoint/bitcoin-header-node/explorer"
	"github.com/chainpoint/bitcoin-header-node/indexer"
)

// ResolveParams selects the Network Params named by cfg.Network.
func (cfg *Config) ResolveParams() (*chainparams.Params, error) {
	params, err := chainparams.ByName(cfg.Network)
	if err != nil {
		return nil, err
	}
	if !cfg.Checkpoints {
		params.Checkpoints = nil
	}
	return params, nil
}

// ResolveStartTip computes the indexer.StartTip implied by cfg, if any. It
// returns (nil, nil) when no fast-sync anchor was configured. When raw
// start-tip headers are given directly, they are decoded and used as-is.
// Otherwise, on mainnet/testnet, the two headers are resolved over HTTPS
// via the explorer package (spec.md §6); on regtest/simnet only raw
// start-tip headers are accepted.
func (cfg *Config) ResolveStartTip() (*indexer.StartTip, error) {
	if cfg.StartHeight == 0 {
		return nil, nil
	}

	if cfg.StartTipPrev != "" || cfg.StartTipStart != "" {
		prev, err := decodeHeader(cfg.StartTipPrev)
		if err != nil {
			return nil, fmt.Errorf("invalid start-tip-prev: %w", err)
		}
		start, err := decodeHeader(cfg.StartTipStart)
		if err != nil {
			return nil, fmt.Errorf("invalid start-tip-start: %w", err)
		}
		return &indexer.StartTip{
			Height: cfg.StartHeight,
			Prev:   *prev,
			Start:  *start,
		}, nil
	}

	if cfg.Network != "main" && cfg.Network != "mainnet" &&
		cfg.Network != "test" && cfg.Network != "testnet" &&
		cfg.Network != "testnet3" {

		return nil, fmt.Errorf("start-height %d configured without raw "+
			"start-tip headers on network %q: only mainnet and testnet "+
			"support resolving a fast-sync anchor via the block explorer",
			cfg.StartHeight, cfg.Network)
	}

	baseURL := cfg.ExplorerURL
	if baseURL == "" {
		baseURL = explorer.DefaultBaseURL(cfg.Network)
	}
	client := explorer.New(baseURL, DefaultExplorerTimeout)

	prev, start, err := client.FetchStartTip(cfg.StartHeight)
	if err != nil {
		return nil, fmt.Errorf("unable to resolve start-height %d via "+
			"block explorer: %w", cfg.StartHeight, err)
	}

	return &indexer.StartTip{
		Height: cfg.StartHeight,
		Prev:   *prev,
		Start:  *start,
	}, nil
}

// decodeHeader parses a hex-encoded 80-byte raw header.
func decodeHeader(hexHeader string) (*wire.BlockHeader, error) {
	raw, err := hex.DecodeString(hexHeader)
	if err != nil {
		return nil, err
	}

	var h wire.BlockHeader
	if err := h.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return &h, nil
}
