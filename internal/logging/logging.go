// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Configure sets the level and format of the standard logger.
//
// level: logrus level (debug, info, warn, error)
// format: "text" (human-readable) or "json" (structured)
//
// Output goes to stderr by default (stdout is reserved for program output).
func Configure(level, format string) {
	ConfigureWithWriter(level, format, os.Stderr)
}

// ConfigureWithWriter configures the standard logger to write to w.
func ConfigureWithWriter(level, format string, w io.Writer) {
	Apply(log.StandardLogger(), level, format, w)
}

// Apply configures logger.
func Apply(logger *log.Logger, level, format string, w io.Writer) {
	logger.SetOutput(w)
	logger.SetLevel(ParseLevel(level))
	switch strings.ToLower(format) {
	case "json":
		logger.SetFormatter(&log.JSONFormatter{})
	default:
		logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// ParseLevel converts a string log level to a logrus level.
// Returns log.InfoLevel for unrecognized values.
func ParseLevel(s string) log.Level {
	lvl, err := log.ParseLevel(strings.ToLower(s))
	if err != nil {
		return log.InfoLevel
	}
	return lvl
}
