package calibration

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger so callers can route progress messages into their own logger.
var Logf func(format string, v ...interface{}) = log.Printf

// Warnf receives skipped-image warnings. It defaults to log.Printf and is
// replaced by SetWarnLogger.
var Warnf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil sets a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	Logf = orNoop(f)
}

// SetWarnLogger replaces the warning logger. Passing nil sets a no-op logger.
func SetWarnLogger(f func(format string, v ...interface{})) {
	Warnf = orNoop(f)
}

func orNoop(f func(format string, v ...interface{})) func(format string, v ...interface{}) {
	if f == nil {
		return func(string, ...interface{}) {}
	}
	return f
}
