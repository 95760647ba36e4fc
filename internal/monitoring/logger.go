// Package monitoring carries the fusion daemon's observability plumbing:
// a swappable diagnostic logger and the Prometheus collectors every
// pipeline stage reports into.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf
// but may be replaced by SetLogger; tests and the replay tool redirect or
// mute it.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Componentf returns a logger that prefixes every line with a component
// tag, e.g. "[Hub] connected". Adapters and workers log through these so
// the shared stream stays greppable.
func Componentf(component string) func(format string, v ...interface{}) {
	prefix := "[" + component + "] "
	return func(format string, v ...interface{}) {
		Logf(prefix+format, v...)
	}
}
