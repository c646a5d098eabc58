// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2017 The Lightning Network Developers

package main

import (
	"fmt"
	"os"

	"github.com/chainpoint/bitcoin-header-node/config"
	"github.com/chainpoint/bitcoin-header-node/headernode"
	"github.com/chainpoint/bitcoin-header-node/signal"
)

func main() {
	if err := bhndMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// bhndMain is the true entry point for bhnd. It is a separate function
// from main so that deferred cleanup always runs, since main itself may
// call os.Exit.
func bhndMain() error {
	cfg, err := config.LoadConfig(os.Args[1:])
	if err != nil {
		return err
	}

	initLogRotator(
		cfg.LogDir+string(os.PathSeparator)+"bhnd.log",
		cfg.MaxLogFileSize, cfg.MaxLogFiles,
	)
	setLogLevels(cfg.DebugLevel)

	bhndLog.Infof("bhnd version %s", config.Version)

	params, err := cfg.ResolveParams()
	if err != nil {
		return fmt.Errorf("unable to resolve network parameters: %w", err)
	}

	startTip, err := cfg.ResolveStartTip()
	if err != nil {
		return fmt.Errorf("unable to resolve fast-sync start tip: %w", err)
	}

	storeDir := cfg.DataDir
	if cfg.Prefix != "" {
		storeDir = cfg.Prefix
	}

	node, err := headernode.Open(headernode.Config{
		DataDir:  storeDir,
		Memory:   cfg.Memory,
		Params:   params,
		StartTip: startTip,
	})
	if err != nil {
		return fmt.Errorf("unable to open node: %w", err)
	}
	defer node.Close()

	tip := node.Tip()
	if tip != nil {
		bhndLog.Infof("node ready, tip height %d, hash %s",
			node.TipEntry().Height, tip.BlockHash())
	}

	if cfg.PeerAddr == "" {
		bhndLog.Infof("no peer configured, running in query-only mode")
	} else {
		bhndLog.Warnf("peer connection to %s not established: the wire "+
			"Peer Manager is an external collaborator (spec.md §1) not "+
			"implemented by this binary; wire one in to drive StartSync",
			cfg.PeerAddr)
	}

	bhndLog.Infof("bhnd started, press ctrl+c to exit")

	<-signal.ShutdownChannel()
	bhndLog.Infof("bhnd shutting down")

	return nil
}
