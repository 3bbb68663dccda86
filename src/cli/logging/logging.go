// Package logging contains the singleton logger used across the coordinator.
// It deliberately has little else since it's a dependency of every package.
package logging

import (
	"os"

	"gopkg.in/op/go-logging.v1"
)

// Log is the singleton logger instance.
var Log = logging.MustGetLogger("distbuild")

// Level is a re-export of the underlying library's level type.
type Level = logging.Level

// Re-exports of the log levels we use for --verbosity.
const (
	CRITICAL = logging.CRITICAL
	ERROR    = logging.ERROR
	WARNING  = logging.WARNING
	NOTICE   = logging.NOTICE
	INFO     = logging.INFO
	DEBUG    = logging.DEBUG
)

// InitFromVerbosity sets up a backend that writes to stderr at the given level.
func InitFromVerbosity(level Level) {
	backend := logging.NewLogBackend(os.Stderr, "", 0)
	formatter := logging.MustStringFormatter(
		`%{color}%{time:15:04:05.000} %{level:7s}: %{message}%{color:reset}`,
	)
	leveled := logging.AddModuleLevel(logging.NewBackendFormatter(backend, formatter))
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}
