// Package common provides the shared logging and error-handling
// infrastructure for the StageGate review pipeline. The logging system is
// built on logrus with intelligent output routing: error-level messages go
// to stderr for immediate attention while info, debug and warning messages
// go to stdout, enabling proper stream separation for containerized
// deployments.
package common

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// OutputSplitter routes formatted log lines to stdout or stderr based on
// their severity level. Monitoring systems and container orchestrators can
// then treat the error stream with higher priority than the general log
// stream.
type OutputSplitter struct{}

// Write implements io.Writer. Lines containing "level=error" are written
// to stderr, everything else to stdout. The pattern match works with both
// the text and JSON logrus formatters.
func (splitter *OutputSplitter) Write(p []byte) (n int, err error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Logger is the global logger instance shared by all StageGate components.
// Services configure format and level once at startup via ConfigureLogger
// and then derive component-scoped entries with Logger.WithField.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&OutputSplitter{})
}

// ConfigureLogger applies the logging configuration loaded at startup.
// Format is "json" or "text"; level is one of debug, info, warn, error.
// Unknown values fall back to text format at info level.
func ConfigureLogger(format, level string) {
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	Logger.SetLevel(parsed)
}
