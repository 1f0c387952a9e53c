// Package logging adapts the specification's six log levels (FATAL,
// ERROR, WARN, INFO, DEBUG, TRACE, §6) onto golibs/log's four
// (Error, Info, Debug, Fatal). WARN is logged at Info with a "warn:"
// prefix and TRACE at Debug with a "trace:" prefix, since golibs/log
// has no dedicated level for either; everything else maps directly.
package logging

import (
	"os"

	"github.com/AdguardTeam/golibs/log"
)

// Setup configures golibs/log's level and output the way the teacher's
// main() does: verbose enables Debug (which also carries our Trace
// messages), and an empty output path leaves logging on stderr.
func Setup(verbose bool, output *os.File) {
	if verbose {
		log.SetLevel(log.DEBUG)
	}
	if output != nil {
		log.SetOutput(output)
	}
}

// Warn logs at Info level with a "warn:" prefix, the closest golibs/log
// equivalent to the specification's WARN level.
func Warn(format string, args ...any) {
	log.Info("warn: "+format, args...)
}

// Trace logs at Debug level with a "trace:" prefix, the closest
// golibs/log equivalent to the specification's TRACE level.
func Trace(format string, args ...any) {
	log.Debug("trace: "+format, args...)
}
