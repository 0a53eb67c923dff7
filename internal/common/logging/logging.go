package logging

import (
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const Stacktrace = "stacktrace"

// ConfigureLogging sets up the standard logrus logger with the defaults used before configuration is loaded.
func ConfigureLogging() {
	logrus.SetFormatter(&logrus.TextFormatter{ForceColors: true, FullTimestamp: true})
	logrus.SetOutput(os.Stdout)
}

// Configure applies the supplied config to the standard logrus logger.
func Configure(config Config) error {
	return configure(logrus.StandardLogger(), os.Stdout, config)
}

func configure(logger *logrus.Logger, out io.Writer, config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	level, _ := parseLogLevel(config.Level)
	logger.SetLevel(level)
	logger.SetOutput(out)
	logger.SetReportCaller(config.ReportCaller)
	if strings.ToLower(config.Format) == FormatJson {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	}
	return nil
}

// Unexported but considered part of the stable interface of pkg/errors.
type stackTracer interface {
	StackTrace() errors.StackTrace
}

// Unexported but considered part of the stable interface of pkg/errors.
type causer interface {
	Cause() error
}

// WithStacktrace returns a new logrus.Entry obtained by adding error information and, if available, a stack trace
// as fields to the provided logrus.Entry.
func WithStacktrace(logger *logrus.Entry, err error) *logrus.Entry {
	logger = logger.WithError(err)
	if stack := ExtractStack(err); stack != nil {
		logger = logger.WithField(Stacktrace, stack)
	}
	return logger
}

// ExtractStack walks down the chain of causes and returns the deepest errors.StackTrace it encounters,
// which is the one recorded closest to where the error originated.
// If no stacktraces are found, it returns nil
func ExtractStack(err error) errors.StackTrace {
	var stack errors.StackTrace
	for err != nil {
		if stackErr, ok := err.(stackTracer); ok {
			stack = stackErr.StackTrace()
		}
		causeErr, ok := err.(causer)
		if !ok {
			break
		}
		err = causeErr.Cause()
	}
	return stack
}
