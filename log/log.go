// Package log centralizes the per-subsystem btclog loggers used across this
// module, mirroring the backendLog/ltndLog/srvrLog/peerLog idiom used
// throughout lnd. Each package below keeps its own disabled-by-default
// logger and exposes a UseLogger setter; this package owns the shared
// rotating backend those setters are ultimately pointed at.
package log

import (
	"io"
	"os"

	"github.com/btcsuite/btclog"
	"github.com/jrick/logrotate/rotator"
)

// Backend is the shared log backend every subsystem logger is derived
// from. It defaults to stdout-only until InitLogRotator attaches a
// rotating file writer.
var Backend = btclog.NewBackend(os.Stdout)

// NewSubLogger returns a new logger for the named subsystem at the given
// level, backed by Backend.
func NewSubLogger(subsystem string, level btclog.Level) btclog.Logger {
	l := Backend.Logger(subsystem)
	l.SetLevel(level)
	return l
}

// InitLogRotator attaches a rotating file writer to Backend in addition to
// stdout, following the same pattern lnd uses in its logging setup
// (maxLogFileSize and maxLogFiles are kept as fixed, conservative
// constants rather than surfaced settings, since the config loader is out
// of scope for this module).
func InitLogRotator(logFile string) error {
	const (
		maxLogFileSize = 10
		maxLogFiles    = 3
	)

	r, err := rotator.New(logFile, maxLogFileSize, false, maxLogFiles)
	if err != nil {
		return err
	}

	Backend = btclog.NewBackend(io.MultiWriter(os.Stdout, r))
	return nil
}
