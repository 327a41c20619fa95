package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide fallback logger. Components take a logger
// through their constructors; this global only backs code running before
// configuration is loaded.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the global logger from the configured format and level
// and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// UTC timestamps; Caller(5) skips the go-kit wrapping frames
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// level filter last, so filtered records skip the decorators above
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
