package util

import (
	"context"

	"github.com/sirupsen/logrus"
)

// loggerKey is the context key for the request logger.
type loggerKey struct{}

// WithLogger returns a new context carrying log.
func WithLogger(ctx context.Context, log *logrus.Entry) context.Context {
	return context.WithValue(ctx, loggerKey{}, log)
}

// GetLogger returns the logger from context, or nil if not set.
func GetLogger(ctx context.Context) *logrus.Entry {
	if log, ok := ctx.Value(loggerKey{}).(*logrus.Entry); ok {
		return log
	}
	return nil
}

// LoggerOrDefault returns the logger from context, falling back to the
// standard logger.
func LoggerOrDefault(ctx context.Context) *logrus.Entry {
	if log := GetLogger(ctx); log != nil {
		return log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
