package protocol

import "github.com/btcsuite/btclog"

// log is this package's subsystem logger. It is a no-op until UseLogger
// is called, matching the disabled-by-default convention lnd uses for
// every subsystem.
var log = btclog.Disabled

// UseLogger sets the subsystem logger used by this package.
func UseLogger(logger btclog.Logger) {
	log = logger
}
