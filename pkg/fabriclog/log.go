// Package fabriclog provides the broker's process-wide structured logger.
package fabriclog

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the global logger instance.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(os.Stderr)
	Logger.SetLevel(logrus.InfoLevel)
	Logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
}

// SetLevel sets the logging level by name.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	Logger.SetLevel(lvl)
	return nil
}

// SetOutput sets the log output destination.
func SetOutput(w io.Writer) {
	Logger.SetOutput(w)
}

// SetJSONFormat switches the logger to JSON output, for production
// deployments that ship logs to a collector.
func SetJSONFormat() {
	Logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05Z07:00",
	})
}

// WithConn returns a logger tagged with a connection id.
func WithConn(connID string) *logrus.Entry {
	return Logger.WithField("conn", connID)
}

// WithService returns a logger tagged with a service id.
func WithService(serviceID uint32) *logrus.Entry {
	return Logger.WithField("service", serviceID)
}

// WithNetwork returns a logger tagged with a network name.
func WithNetwork(name string) *logrus.Entry {
	return Logger.WithField("network", name)
}

// WithFields returns a logger with multiple fields attached.
func WithFields(fields logrus.Fields) *logrus.Entry {
	return Logger.WithFields(fields)
}
