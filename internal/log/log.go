// Package log owns the process-wide loggers of the broadcaster binary.
package log

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

// LogTimestampFormat defines the timestamp format in log output
const LogTimestampFormat = "2006-01-02T15:04:05.000Z"

var (
	defaultLogger = logrus.StandardLogger()
	grpcGo        = logrus.New()

	// Loggers is convenient when you want to apply configuration to all
	// loggers
	Loggers = []*logrus.Logger{defaultLogger, grpcGo}
)

func init() {
	// Anything logged before the configuration was loaded goes to stdout
	// together with everything logged afterwards.
	for _, l := range Loggers {
		l.Out = os.Stdout
	}
}

// Configure sets the format and level on all loggers. The grpc-go logger is
// kept one level quieter at info level. An unknown level falls back to info.
func Configure(loggers []*logrus.Logger, format string, level string) error {
	var formatter logrus.Formatter
	switch format {
	case "json":
		formatter = &logrus.JSONFormatter{TimestampFormat: LogTimestampFormat}
	case "text":
		formatter = &logrus.TextFormatter{TimestampFormat: LogTimestampFormat}
	case "":
		// Just stick with the default
	default:
		return fmt.Errorf("invalid logger format: %q", format)
	}

	logrusLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logrusLevel = logrus.InfoLevel
	}

	for _, l := range loggers {
		if l == grpcGo && logrusLevel == logrus.InfoLevel {
			// grpc-go is too verbose at level 'info'.
			l.SetLevel(logrus.WarnLevel)
		} else {
			l.SetLevel(logrusLevel)
		}

		if formatter != nil {
			l.Formatter = formatter
		}
	}

	return nil
}

// Default is the default logrus logger
func Default() *logrus.Entry { return defaultLogger.WithField("pid", os.Getpid()) }

// GrpcGo is a dedicated logrus logger for the grpc-go library. We use it
// to control the library's chattiness.
func GrpcGo() *logrus.Entry { return grpcGo.WithField("pid", os.Getpid()) }
