// Package btoolog provides the package-level structured logger used by
// the backup engine. It is strictly
// diagnostic: user-facing lifecycle reporting goes through
// internal/btool/progress instead.
package btoolog

import (
	"os"

	log "github.com/sirupsen/logrus"
)

// Log is the shared logger. Output defaults to stderr so it never
// interleaves with a command's stdout reporting.
var Log = newLogger()

func newLogger() *log.Logger {
	l := log.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	l.SetLevel(log.InfoLevel)
	if os.Getenv("BTOOL_DEBUG") != "" {
		l.SetLevel(log.DebugLevel)
	}
	return l
}
