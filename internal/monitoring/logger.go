package monitoring

import (
	"fmt"
	"log"
)

// Logf is the package-level diagnostic logger used by the calibration
// batch loops. It defaults to log.Printf and may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Channelf logs a message tagged with a front-end channel id.
func Channelf(channelUID int, format string, v ...interface{}) {
	Logf("[ch %04d] %s", channelUID, fmt.Sprintf(format, v...))
}

// Prefixed returns a logger that prepends prefix to every message and
// forwards to the current package logger at call time.
func Prefixed(prefix string) func(format string, v ...interface{}) {
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
