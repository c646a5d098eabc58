package validator

import "github.com/btcsuite/btclog"

// log is the package-level logger. It performs no logging until the
// daemon's log.go calls UseLogger with a real backend.
var log btclog.Logger = btclog.Disabled

// UseLogger uses a specified Logger to output package logging info.
func UseLogger(logger btclog.Logger) {
	log = logger
}
