// Copyright (c) 2013-2017 The btcsuite developers
// Copyright (c) 2015-2016 The Decred developers
// Copyright (C) 2015-2017 The Lightning Network Developers

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	flags "github.com/jessevdk/go-flags"
)

// DefaultConfigFilename is the name of the config file bhnd looks for in
// its data directory when none is given on the command line.
const DefaultConfigFilename = "bhnd.conf"

// LoadConfig follows the teacher's own four-step loadConfig flow: start
// from defaults, pre-parse the command line for an alternate config file,
// load the config file, then re-parse the command line so flags take
// precedence over the file.
func LoadConfig(args []string) (*Config, error) {
	preCfg := DefaultConfig()
	parser := flags.NewParser(&preCfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	if preCfg.ShowVersion {
		appName := filepath.Base(os.Args[0])
		appName = strings.TrimSuffix(appName, filepath.Ext(appName))
		fmt.Println(appName, "version", Version)
		os.Exit(0)
	}

	configFilePath := preCfg.ConfigFile
	if configFilePath == "" {
		configFilePath = filepath.Join(preCfg.DataDir, DefaultConfigFilename)
	}

	cfg := preCfg
	if err := flags.IniParse(configFilePath, &cfg); err != nil {
		// A parse error in an existing file is fatal; a missing file is
		// not, since bhnd runs fine on flags and defaults alone.
		if _, ok := err.(*flags.IniError); ok {
			return nil, err
		}
	}

	parser = flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}

	return &cfg, nil
}
