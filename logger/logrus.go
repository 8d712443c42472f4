package logger

import (
	"github.com/sirupsen/logrus"

	"artidx"
)

// Logrus wraps a logrus.Logger to implement artidx.Logger.
type Logrus struct {
	logger *logrus.Logger
}

// NewLogrus creates an artidx.Logger from a logrus.Logger.
func NewLogrus(logger *logrus.Logger) artidx.Logger {
	return &Logrus{logger: logger}
}

// Error logs an error message with key-value pairs.
func (l *Logrus) Error(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Error(msg)
}

// Warn logs a warning message with key-value pairs.
func (l *Logrus) Warn(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Warn(msg)
}

// Info logs an info message with key-value pairs.
func (l *Logrus) Info(msg string, args ...any) {
	l.logger.WithFields(argsToFields(args)).Info(msg)
}

// argsToFields folds alternating key-value args into fields. A trailing key
// without a value is dropped.
func argsToFields(args []any) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			fields[key] = args[i+1]
		}
	}
	return fields
}
