package logging

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets up the standard logrus logger for long running commands.
func ConfigureLogging() {
	log.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	log.SetOutput(os.Stdout)
}

// ConfigureCommandLineLogging sets up the standard logger so that only the message is printed.
// Used by commands whose output is meant to be read by a person rather than a log collector.
func ConfigureCommandLineLogging() {
	log.SetFormatter(new(CommandLineFormatter))
	log.SetOutput(os.Stdout)
}

// LevelFor maps the silent and verbose switches to a log level. Verbose wins over silent.
func LevelFor(silent, verbose bool) log.Level {
	switch {
	case verbose:
		return log.DebugLevel
	case silent:
		return log.WarnLevel
	default:
		return log.InfoLevel
	}
}

// NewLogger returns a logger writing to out at the given level with the standard text formatter.
func NewLogger(out io.Writer, level log.Level) *log.Logger {
	logger := log.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	logger.SetFormatter(&log.TextFormatter{ForceColors: true, FullTimestamp: true})
	return logger
}
