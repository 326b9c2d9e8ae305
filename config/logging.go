package config

import (
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// LogLevel maps the dock logging levels onto logrus: 0 warnings only,
// 1 protocol exchanges, 2 full detail, 3 developer tracing.
func LogLevel(level int) logrus.Level {
	switch {
	case level <= 0:
		return logrus.WarnLevel
	case level == 1:
		return logrus.InfoLevel
	case level == 2:
		return logrus.DebugLevel
	default:
		return logrus.TraceLevel
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetupLogging configures the standard logrus logger from c. When LogFile is
// set, output is appended to that file; the returned Closer closes it.
func SetupLogging(c *Config) (io.Closer, error) {
	logrus.SetLevel(LogLevel(c.LogLevel))
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if c.LogFile == "" {
		logrus.SetOutput(os.Stderr)
		return nopCloser{}, nil
	}

	f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logrus.SetOutput(f)

	logrus.WithFields(logrus.Fields{
		"function": "SetupLogging",
		"file":     c.LogFile,
		"level":    logrus.GetLevel().String(),
	}).Info("Logging to file")

	return f, nil
}
