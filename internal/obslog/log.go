// Package obslog provides the structured logger used across the core. It
// wraps logrus the same way the rest of the ambient stack does: a leveled,
// field-aware logger with stdout/stderr routing by level so operators can
// pipe error output separately from progress output.
package obslog

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes log lines to stderr when they carry an error-level
// marker and to stdout otherwise. logrus writes one formatted line per call
// to Write, so a substring check on the level marker is sufficient.
type OutputSplitter struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (s *OutputSplitter) Write(p []byte) (int, error) {
	line := string(p)
	if strings.Contains(line, "level=error") || strings.Contains(line, "level=fatal") || strings.Contains(line, "level=panic") {
		return s.Stderr.Write(p)
	}
	return s.Stdout.Write(p)
}

// Config controls logger construction.
type Config struct {
	Level     string // debug|info|warn|error
	Format    string // text|json
	Component string // attached to every entry as "component"
	AddCaller bool
}

// DefaultConfig returns the conventional defaults: info level, text format.
func DefaultConfig(component string) Config {
	return Config{Level: "info", Format: "text", Component: component}
}

// New builds a *logrus.Logger per Config, splitting stdout/stderr by level.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(&OutputSplitter{Stdout: os.Stdout, Stderr: os.Stderr})
	logger.SetReportCaller(cfg.AddCaller)

	switch cfg.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}

// Entry returns a *logrus.Entry pre-populated with the component field, the
// shape every package in the core logs through.
func Entry(logger *logrus.Logger, component string) *logrus.Entry {
	return logger.WithField("component", component)
}
