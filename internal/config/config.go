package config

import "github.com/sirupsen/logrus"

// Verbose enables debug output when true
var Verbose bool

// Log is the process-wide logger. Commands replace it with one built from
// the loaded configuration via NewLogger.
var Log = logrus.New()

// SetVerbose toggles debug output on the shared logger.
func SetVerbose(v bool) {
	Verbose = v
	if v {
		Log.SetLevel(logrus.DebugLevel)
	}
}

// Debugf prints debug messages when Verbose is true
func Debugf(format string, args ...any) {
	if Verbose {
		Log.Debugf(format, args...)
	}
}
