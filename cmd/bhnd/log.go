package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"

	"github.com/chainpoint/bitcoin-header-node/build"
	"github.com/chainpoint/bitcoin-header-node/chainview"
	"github.com/chainpoint/bitcoin-header-node/esplora"
	"github.com/chainpoint/bitcoin-header-node/headernode"
	"github.com/chainpoint/bitcoin-header-node/headerstore"
	"github.com/chainpoint/bitcoin-header-node/indexer"
	"github.com/chainpoint/bitcoin-header-node/signal"
	"github.com/chainpoint/bitcoin-header-node/syncmgr"
	"github.com/chainpoint/bitcoin-header-node/validator"
)

// Loggers per subsystem. A single backend logger is created and all
// subsystem loggers created from it write to the backend. Loggers cannot be
// used before the log rotator has been initialized with a log file, which is
// performed early during application startup by initLogRotator.
var (
	logWriter = &build.LogWriter{}

	backendLog = btclog.NewBackend(logWriter)

	logRotator *rotator.Rotator

	bhndLog = build.NewShutdownLogger(
		build.NewSubLogger("BHND", backendLog.Logger),
		signal.RequestShutdown,
	)
	hstrLog = build.NewSubLogger("HSTR", backendLog.Logger)
	chvwLog = build.NewSubLogger("CHVW", backendLog.Logger)
	vldtLog = build.NewSubLogger("VLDT", backendLog.Logger)
	hidxLog = build.NewSubLogger("HIDX", backendLog.Logger)
	syncLog = build.NewSubLogger("SYNC", backendLog.Logger)
	nodeLog = build.NewSubLogger("NODE", backendLog.Logger)
	esplLog = build.NewSubLogger("ESPL", backendLog.Logger)
	sgnlLog = build.NewSubLogger("SGNL", backendLog.Logger)
)

// Initialize package-global logger variables.
func init() {
	headerstore.UseLogger(hstrLog)
	chainview.UseLogger(chvwLog)
	validator.UseLogger(vldtLog)
	indexer.UseLogger(hidxLog)
	syncmgr.UseLogger(syncLog)
	headernode.UseLogger(nodeLog)
	esplora.UseLogger(esplLog)
	signal.UseLogger(sgnlLog)
}

// subsystemLoggers maps each subsystem identifier to its associated logger.
var subsystemLoggers = map[string]btclog.Logger{
	"BHND": bhndLog,
	"HSTR": hstrLog,
	"CHVW": chvwLog,
	"VLDT": vldtLog,
	"HIDX": hidxLog,
	"SYNC": syncLog,
	"NODE": nodeLog,
	"ESPL": esplLog,
	"SGNL": sgnlLog,
}

// initLogRotator initializes the logging rotator to write logs to logFile
// and create roll files in the same directory. It must be called before the
// package-global log rotator variables are used.
func initLogRotator(logFile string, maxLogFileSize int, maxLogFiles int) {
	logDir, _ := filepath.Split(logFile)
	err := os.MkdirAll(logDir, 0700)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create log directory: %v\n", err)
		os.Exit(1)
	}
	r, err := rotator.New(
		logFile, int64(maxLogFileSize*1024), false, maxLogFiles,
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create file rotator: %v\n", err)
		os.Exit(1)
	}

	pr, pw := io.Pipe()
	go r.Run(pr)

	logWriter.RotatorPipe = pw
	logRotator = r
}

// setLogLevel sets the logging level for the provided subsystem. Invalid
// subsystems are ignored.
func setLogLevel(subsystemID string, logLevel string) {
	logger, ok := subsystemLoggers[subsystemID]
	if !ok {
		return
	}

	level, _ := btclog.LevelFromString(logLevel)
	logger.SetLevel(level)
}

// setLogLevels sets the log level for every subsystem logger to the passed
// level.
func setLogLevels(logLevel string) {
	for subsystemID := range subsystemLoggers {
		setLogLevel(subsystemID, logLevel)
	}
}
